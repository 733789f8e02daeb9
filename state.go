package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"raycastlab/tuner/internal/logging"
	"raycastlab/tuner/internal/params"
)

// autosavePresetName labels the preset written by the snapshotter.
const autosavePresetName = "autosave"

// ParameterSnapshotter persists the latest parameter values so edits survive
// a restart. The file encoding follows the path extension (.json, .yaml or
// .toml) and defaults to JSON.
type ParameterSnapshotter struct {
	mu       sync.Mutex
	path     string
	format   params.PresetFormat
	interval time.Duration
	log      *logging.Logger

	latest params.Preset
	dirty  bool

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewParameterSnapshotter constructs a snapshotter backed by path. A nil
// snapshotter is returned when persistence is disabled; every method is
// nil-safe.
func NewParameterSnapshotter(path string, interval time.Duration, logger *logging.Logger) (*ParameterSnapshotter, error) {
	if path == "" || interval <= 0 {
		return nil, nil
	}
	if logger == nil {
		logger = logging.L()
	}
	format := params.PresetJSON
	if filepath.Ext(path) != "" {
		parsed, err := params.ParsePresetFormat(path)
		if err != nil {
			return nil, fmt.Errorf("state path %q: %w", path, err)
		}
		format = parsed
	}
	snapshot := &ParameterSnapshotter{
		path:     path,
		format:   format,
		interval: interval,
		log:      logger.Named("autosave"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go snapshot.loop()
	return snapshot, nil
}

// Restore reads the persisted preset. The boolean is false when nothing has
// been saved yet.
func (s *ParameterSnapshotter) Restore() (params.Preset, bool, error) {
	if s == nil {
		return params.Preset{}, false, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return params.Preset{}, false, nil
		}
		return params.Preset{}, false, err
	}
	preset, err := params.DecodePreset(data, s.format)
	if err != nil {
		return params.Preset{}, false, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return preset, true, nil
}

// Record stores preset as the latest state; it is written on the next flush.
func (s *ParameterSnapshotter) Record(preset params.Preset) {
	if s == nil || len(preset.Fields) == 0 {
		return
	}
	s.mu.Lock()
	s.latest = preset
	s.dirty = true
	s.mu.Unlock()
}

func (s *ParameterSnapshotter) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stopCh:
			return
		}
	}
}

// Flush immediately persists the latest preset if it changed since the last write.
func (s *ParameterSnapshotter) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	data, err := params.EncodePreset(s.latest, s.format)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	//1.- Write beside the target and rename so a crash never leaves a torn file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *ParameterSnapshotter) flush() {
	if err := s.Flush(); err != nil {
		s.log.Error("failed to persist parameters", logging.Error(err))
	}
}

// Close stops the persistence goroutine and flushes any pending state to disk.
func (s *ParameterSnapshotter) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
	return s.Flush()
}
