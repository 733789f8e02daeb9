package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var sessionIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// FrameInterval is the cadence at which buffered transform frames are flushed.
const FrameInterval = 200 * time.Millisecond

const (
	eventsFile   = "events.jsonl.sz"
	framesFile   = "frames.bin.zst"
	manifestFile = "manifest.json"
	headerFile   = "header.json"
	frameHeader  = 8 + 8 + 8 + 4
)

// Event kinds recorded by the tuner session.
const (
	EventParameter = "param"
	EventInput     = "input"
	EventAction    = "action"
	EventBuild     = "build"
	EventExport    = "export"
)

type pendingFrame struct {
	Step       uint64
	ElapsedMs  int64
	CapturedAt time.Time
	Payload    []byte
}

// Manifest describes the journal layout so tooling can locate its streams.
type Manifest struct {
	Version         int    `json:"version"`
	SessionID       string `json:"session_id"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

// Writer streams one tuning session to disk: parameter edits, inputs and
// actions as snappy-framed JSON lines, transform frames as a zstd stream.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []pendingFrame
	lastFlush   time.Time
	parameters  json.RawMessage
	events      uint64
	frames      uint64
	closed      bool
}

// NewWriter prepares a session directory under root and opens the compressed sinks.
func NewWriter(root, sessionID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := sessionIDCleaner.ReplaceAllString(sessionID, "")
	if cleaned == "" {
		cleaned = "session"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventFile, err := os.Create(filepath.Join(path, eventsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	frameFile, err := os.Create(filepath.Join(path, framesFile))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		SessionID:       cleaned,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(FrameInterval / time.Millisecond),
		EventsPath:      eventsFile,
		FramesPath:      framesFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(path, manifestFile), append(data, '\n'), 0o644)
	}
	if err != nil {
		frameStream.Close()
		frameFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	return &Writer{
		dir:         path,
		now:         clock,
		eventFile:   eventFile,
		eventStream: eventStream,
		frameFile:   frameFile,
		frameStream: frameStream,
	}, manifest, nil
}

// Directory exposes the directory backing the journal.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// AppendEvent writes one JSON event line. payload is marshalled as-is.
func (w *Writer) AppendEvent(step uint64, elapsedMs int64, kind string, payload any) error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal writer closed")
	}

	//1.- Wrap the payload with timing metadata so readers can merge streams by step.
	line, err := json.Marshal(Event{
		Step:       step,
		ElapsedMs:  elapsedMs,
		CapturedAt: captured,
		Type:       kind,
		Payload:    body,
	})
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.events++
	return w.eventStream.Flush()
}

// AppendFrame buffers a transform frame until the flush cadence is reached.
func (w *Writer) AppendFrame(step uint64, elapsedMs int64, payload []byte) error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	captured := w.now().UTC()
	clone := append([]byte(nil), payload...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal writer closed")
	}

	w.pending = append(w.pending, pendingFrame{Step: step, ElapsedMs: elapsedMs, CapturedAt: captured, Payload: clone})
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= FrameInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// SetParameters records the parameter document persisted in the header on close.
func (w *Writer) SetParameters(document json.RawMessage) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.parameters = append(json.RawMessage(nil), document...)
	w.mu.Unlock()
}

// Counts reports how many events and frames have been accepted.
func (w *Writer) Counts() (events, frames uint64) {
	if w == nil {
		return 0, 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events, w.frames + uint64(len(w.pending))
}

// Flush forces pending frames to be written regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Close writes the header, flushes every buffer and releases the files.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	//1.- Persist the header first, then attempt every flush and close.
	var firstErr error
	header := Header{SchemaVersion: HeaderSchemaVersion, Parameters: w.parameters, FilePointer: manifestFile}
	if err := WriteHeader(filepath.Join(w.dir, headerFile), header); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.flushLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.frameStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.frameFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushLocked writes buffered frames to the zstd stream; callers hold w.mu.
func (w *Writer) flushLocked() error {
	for _, frame := range w.pending {
		header := make([]byte, frameHeader)
		binary.LittleEndian.PutUint64(header[0:8], frame.Step)
		binary.LittleEndian.PutUint64(header[8:16], uint64(frame.ElapsedMs))
		binary.LittleEndian.PutUint64(header[16:24], uint64(frame.CapturedAt.UnixNano()))
		binary.LittleEndian.PutUint32(header[24:28], uint32(len(frame.Payload)))
		if _, err := w.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(frame.Payload); err != nil {
			return err
		}
		w.frames++
	}
	w.pending = w.pending[:0]
	return nil
}
