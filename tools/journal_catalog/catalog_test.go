package journalcatalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"raycastlab/tuner/internal/journal"
)

func TestListCollectsSessions(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	closed, _, err := journal.NewWriter(dir, "late", func() time.Time { return start.Add(time.Hour) })
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	closed.SetParameters(json.RawMessage(`{"chassis_mass":280}`))
	if err := closed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	open, _, err := journal.NewWriter(dir, "early", func() time.Time { return start })
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := open.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	defer open.Close()
	if err := os.MkdirAll(filepath.Join(dir, "stray"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	entries, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two sessions, got %d", len(entries))
	}
	if entries[0].Manifest.SessionID != "early" || entries[0].Closed || entries[0].Header != nil {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Manifest.SessionID != "late" || !entries[1].Closed || entries[1].Dir != closed.Directory() {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}

	payload, err := MarshalEntries(entries)
	if err != nil {
		t.Fatalf("MarshalEntries: %v", err)
	}
	if len(payload) == 0 {
		t.Fatalf("expected JSON payload to be non-empty")
	}
}

func TestListValidatesRoot(t *testing.T) {
	if _, err := List(" "); err == nil {
		t.Fatal("expected error for blank root")
	}
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := List(file); err == nil {
		t.Fatal("expected error for non-directory root")
	}
}
