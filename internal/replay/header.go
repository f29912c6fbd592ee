package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"snowbiome/server/internal/physics"
)

// HeaderSchemaVersion tracks the schema version for replay header documents.
const HeaderSchemaVersion = 1

const (
	headerFile   = "header.json"
	manifestFile = "manifest.json"
	eventsFile   = "events.jsonl.sz"
	framesFile   = "frames.bin.zst"
)

// Header records what a replay needs to be re-simulated: the level and the
// integrator constants in force.
type Header struct {
	SchemaVersion int            `json:"schemaVersion"`
	SessionID     string         `json:"sessionId"`
	Subject       string         `json:"subject,omitempty"`
	Level         string         `json:"level"`
	StartedAt     time.Time      `json:"startedAt"`
	Tuning        physics.Tuning `json:"tuning"`
	FilePointer   string         `json:"filePointer"`
}

// Validate ensures the header contains enough information for tooling.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return errors.New("schemaVersion must be positive")
	}
	if strings.TrimSpace(h.SessionID) == "" {
		return errors.New("sessionId must not be empty")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return errors.New("filePointer must not be empty")
	}
	return nil
}

// Manifest describes the bundle layout and its totals. It is written when the
// bundle opens and rewritten on every flush and on close.
type Manifest struct {
	Version         int       `json:"version"`
	SessionID       string    `json:"sessionId"`
	CreatedAt       time.Time `json:"createdAt"`
	ClosedAt        time.Time `json:"closedAt,omitempty"`
	FrameIntervalMs int64     `json:"frameIntervalMs"`
	EventsPath      string    `json:"eventsPath"`
	FramesPath      string    `json:"framesPath"`
	Events          int64     `json:"events"`
	Frames          int64     `json:"frames"`
}

// WriteHeader persists the header to path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	return writeJSON(path, header)
}

// ReadHeader loads and validates a replay header.
func ReadHeader(path string) (Header, error) {
	var header Header
	if err := readJSON(path, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}
	return header, nil
}

func writeJSON(path string, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	//1.- Write to a sibling and rename so readers never see a torn document.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(payload, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
