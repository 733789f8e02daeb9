package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPreset reports a preset document that cannot be decoded.
var ErrInvalidPreset = errors.New("invalid parameter preset")

// PresetFormat names a preset encoding.
type PresetFormat string

const (
	PresetJSON PresetFormat = "json"
	PresetYAML PresetFormat = "yaml"
	PresetTOML PresetFormat = "toml"
)

// ParsePresetFormat accepts a format name, a file extension or a content type.
func ParsePresetFormat(raw string) (PresetFormat, error) {
	value, _, _ := strings.Cut(strings.ToLower(raw), ";")
	value = strings.TrimSpace(value)
	if !isMediaType(value) {
		if ext := filepath.Ext(value); ext != "" {
			value = ext
		}
	}
	value = strings.TrimPrefix(value, ".")
	switch value {
	case "json", "application/json":
		return PresetJSON, nil
	case "yaml", "yml", "application/yaml", "application/x-yaml", "text/yaml":
		return PresetYAML, nil
	case "toml", "application/toml":
		return PresetTOML, nil
	}
	return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidPreset, raw)
}

func isMediaType(value string) bool {
	return strings.HasPrefix(value, "application/") || strings.HasPrefix(value, "text/")
}

// ContentType returns the media type served for the format.
func (f PresetFormat) ContentType() string {
	switch f {
	case PresetYAML:
		return "application/yaml"
	case PresetTOML:
		return "application/toml"
	}
	return "application/json"
}

// Preset is a named set of field values keyed by field identifier. Fields
// absent from a preset keep their current value when it is applied.
type Preset struct {
	Name   string         `json:"name" yaml:"name" toml:"name"`
	Fields map[string]any `json:"fields" yaml:"fields" toml:"fields"`
}

// Preset captures every current field value under name.
func (r *Registry) Preset(name string) Preset {
	preset := Preset{Name: name, Fields: make(map[string]any)}
	for id, value := range r.Values() {
		preset.Fields[string(id)] = value
	}
	return preset
}

// EncodePreset serialises the preset. Map keys are sorted by every encoder.
func EncodePreset(preset Preset, format PresetFormat) ([]byte, error) {
	switch format {
	case PresetYAML:
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		encoder.SetIndent(2)
		if err := encoder.Encode(preset); err != nil {
			return nil, err
		}
		if err := encoder.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case PresetTOML:
		return toml.Marshal(preset)
	case PresetJSON:
		data, err := json.MarshalIndent(preset, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidPreset, format)
}

// DecodePreset parses a preset document.
func DecodePreset(data []byte, format PresetFormat) (Preset, error) {
	var preset Preset
	var err error
	switch format {
	case PresetYAML:
		err = yaml.Unmarshal(data, &preset)
	case PresetTOML:
		err = toml.Unmarshal(data, &preset)
	case PresetJSON:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()
		err = decoder.Decode(&preset)
	default:
		return Preset{}, fmt.Errorf("%w: unsupported format %q", ErrInvalidPreset, format)
	}
	if err != nil {
		return Preset{}, fmt.Errorf("%w: %v", ErrInvalidPreset, err)
	}
	if len(preset.Fields) == 0 {
		return Preset{}, fmt.Errorf("%w: no fields", ErrInvalidPreset)
	}
	return preset, nil
}

// ApplyPreset validates the whole preset against a scratch copy first and only
// then writes every field whose value differs, in panel order, so subscribers
// see the same changes as individual edits. A rejected preset changes nothing.
func (r *Registry) ApplyPreset(preset Preset) ([]Change, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no registry", ErrInvalidPreset)
	}

	//1.- Resolve and validate every field on a scratch store.
	r.mu.RLock()
	current := r.store.Clone()
	r.mu.RUnlock()
	candidate := current.Clone()
	for key, value := range preset.Fields {
		field, err := r.Lookup(FieldID(key))
		if err != nil {
			return nil, err
		}
		if err := field.Set(candidate, value); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	if err := candidate.Validate(); err != nil {
		return nil, err
	}

	//2.- Commit only the differences through Write.
	var changes []Change
	for _, id := range r.order {
		field := r.fields[id]
		next := field.Get(candidate)
		if next == field.Get(current) {
			continue
		}
		change, err := r.Write(id, next)
		if err != nil {
			return changes, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}
