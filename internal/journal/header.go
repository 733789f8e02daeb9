package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HeaderSchemaVersion tracks the schema version for journal header documents.
const HeaderSchemaVersion = 1

// Header is written when a session closes and carries the final parameters.
type Header struct {
	SchemaVersion int             `json:"schema_version"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	FilePointer   string          `json:"file_pointer"`
}

// Validate ensures the header contains enough information for tooling.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	if len(h.Parameters) > 0 && !json.Valid(h.Parameters) {
		return fmt.Errorf("parameters must be a JSON document")
	}
	return nil
}

// WriteHeader persists the header to path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and validates a header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
