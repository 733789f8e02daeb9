package journalcatalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"raycastlab/tuner/internal/journal"
)

// Entry describes one session journal found on disk.
type Entry struct {
	Dir      string           `json:"dir"`
	Manifest journal.Manifest `json:"manifest"`
	Closed   bool             `json:"closed"`
	Header   *journal.Header  `json:"header,omitempty"`
}

// List walks root and returns every session journal, oldest first.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- A directory is a session when it carries a manifest.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != "manifest.json" {
			return nil
		}
		dir := filepath.Dir(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		entry := Entry{Dir: dir}
		if err := json.Unmarshal(data, &entry.Manifest); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		//2.- Sessions that never closed have no header yet.
		header, err := journal.ReadHeader(filepath.Join(dir, "header.json"))
		switch {
		case err == nil:
			entry.Header = &header
			entry.Closed = true
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("%s: %w", dir, err)
		}
		entries = append(entries, entry)
		return filepath.SkipDir
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Manifest.CreatedAt == entries[j].Manifest.CreatedAt {
			return entries[i].Dir < entries[j].Dir
		}
		return entries[i].Manifest.CreatedAt < entries[j].Manifest.CreatedAt
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
