package journalplayer

import (
	"encoding/json"
	"fmt"

	"raycastlab/tuner/internal/journal"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/scene"
)

// Rejection records a journaled edit that no longer validates against the
// current parameter schema.
type Rejection struct {
	Step  uint64 `json:"step"`
	Field string `json:"field"`
	Error string `json:"error"`
}

// Summary is the result of replaying one session journal.
type Summary struct {
	Manifest   journal.Manifest `json:"manifest"`
	Closed     bool             `json:"closed"`
	Events     map[string]int   `json:"events"`
	Frames     int              `json:"frames"`
	FirstStep  uint64           `json:"first_step"`
	LastStep   uint64           `json:"last_step"`
	Rejections []Rejection      `json:"rejections,omitempty"`
	Preset     params.Preset    `json:"preset"`
}

type parameterEvent struct {
	Field params.FieldID `json:"field"`
	Value any            `json:"value"`
}

// Play decodes the journal in dir and replays its parameter edits onto the
// default store, producing the preset the session ended with.
func Play(dir string) (Summary, error) {
	session, err := journal.Open(dir)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Manifest: session.Manifest, Closed: session.HasHeader, Events: map[string]int{}}
	registry := params.NewRegistry(nil)

	first := true
	err = session.Replay(func(entry journal.Entry) error {
		if first || entry.Step < summary.FirstStep {
			summary.FirstStep = entry.Step
			first = false
		}
		if entry.Step > summary.LastStep {
			summary.LastStep = entry.Step
		}

		//1.- Frames must still decode as scene frames.
		if entry.Frame != nil {
			var frame scene.Frame
			if err := json.Unmarshal(entry.Frame.Payload, &frame); err != nil {
				return fmt.Errorf("frame at step %d: %w", entry.Step, err)
			}
			summary.Frames++
			return nil
		}

		//2.- Only parameter edits change the reconstructed store.
		summary.Events[entry.Event.Type]++
		if entry.Event.Type != journal.EventParameter {
			return nil
		}
		var edit parameterEvent
		if err := json.Unmarshal(entry.Event.Payload, &edit); err != nil {
			return fmt.Errorf("parameter event at step %d: %w", entry.Step, err)
		}
		if _, err := registry.Write(edit.Field, edit.Value); err != nil {
			summary.Rejections = append(summary.Rejections, Rejection{Step: entry.Step, Field: string(edit.Field), Error: err.Error()})
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	summary.Preset = registry.Preset(session.Manifest.SessionID)
	return summary, nil
}

// EncodeSummary renders the summary for the CLI. JSON output includes the
// whole summary; YAML and TOML output only the reconstructed preset so it can
// be fed back through /presets.
func EncodeSummary(summary Summary, format params.PresetFormat) ([]byte, error) {
	if format == params.PresetJSON {
		return json.MarshalIndent(summary, "", "  ")
	}
	return params.EncodePreset(summary.Preset, format)
}
