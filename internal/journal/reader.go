package journal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Event is one recorded edit, input or action.
type Event struct {
	Step       uint64          `json:"step"`
	ElapsedMs  int64           `json:"elapsed_ms"`
	CapturedAt time.Time       `json:"captured_at"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// Frame is one recorded transform frame.
type Frame struct {
	Step       uint64
	ElapsedMs  int64
	CapturedAt time.Time
	Payload    []byte
}

// Entry is a single timeline datum; exactly one of Event or Frame is set.
type Entry struct {
	Step  uint64
	Event *Event
	Frame *Frame
}

// Journal is a decoded session directory.
type Journal struct {
	Dir       string
	Manifest  Manifest
	Header    Header
	HasHeader bool
	Events    []Event
	Frames    []Frame
}

// Open decodes the session stored in dir. A missing header means the session
// did not close cleanly and is not an error.
func Open(dir string) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory must be provided")
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	journal := &Journal{Dir: dir}
	if err := json.Unmarshal(data, &journal.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	//1.- The header only exists once the writer closed.
	header, err := ReadHeader(filepath.Join(dir, headerFile))
	switch {
	case err == nil:
		journal.Header = header
		journal.HasHeader = true
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("decode header: %w", err)
	}

	if journal.Events, err = readEvents(filepath.Join(dir, journal.Manifest.EventsPath)); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	if journal.Frames, err = readFrames(filepath.Join(dir, journal.Manifest.FramesPath)); err != nil {
		return nil, fmt.Errorf("decode frames: %w", err)
	}
	return journal, nil
}

func readEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var events []Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

func readFrames(path string) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	raw, err := io.ReadAll(decoder)
	if err != nil {
		return nil, err
	}
	return decodeFrames(raw)
}

func decodeFrames(raw []byte) ([]Frame, error) {
	var frames []Frame
	for offset := 0; offset < len(raw); {
		if offset+frameHeader > len(raw) {
			return frames, fmt.Errorf("truncated frame header at byte %d", offset)
		}
		step := binary.LittleEndian.Uint64(raw[offset : offset+8])
		elapsed := int64(binary.LittleEndian.Uint64(raw[offset+8 : offset+16]))
		captured := int64(binary.LittleEndian.Uint64(raw[offset+16 : offset+24]))
		size := int(binary.LittleEndian.Uint32(raw[offset+24 : offset+28]))
		offset += frameHeader
		if offset+size > len(raw) {
			return frames, fmt.Errorf("truncated frame payload at byte %d", offset)
		}
		frames = append(frames, Frame{
			Step:       step,
			ElapsedMs:  elapsed,
			CapturedAt: time.Unix(0, captured).UTC(),
			Payload:    append([]byte(nil), raw[offset:offset+size]...),
		})
		offset += size
	}
	return frames, nil
}

// Timeline merges events and frames ordered by step. Within a step events
// precede the frame they produced.
func (j *Journal) Timeline() []Entry {
	if j == nil {
		return nil
	}
	entries := make([]Entry, 0, len(j.Events)+len(j.Frames))
	for i := range j.Events {
		entries = append(entries, Entry{Step: j.Events[i].Step, Event: &j.Events[i]})
	}
	for i := range j.Frames {
		entries = append(entries, Entry{Step: j.Frames[i].Step, Frame: &j.Frames[i]})
	}
	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].Step != entries[b].Step {
			return entries[a].Step < entries[b].Step
		}
		return entries[a].Event != nil && entries[b].Event == nil
	})
	return entries
}

// Replay iterates the timeline in order, stopping at the first error.
func (j *Journal) Replay(apply func(Entry) error) error {
	if j == nil {
		return fmt.Errorf("journal not loaded")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, entry := range j.Timeline() {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}
