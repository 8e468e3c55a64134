// Package checkpoint persists bulk-run progress so interrupted runs resume
// without reprocessing or skipping records.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint marks the last fully processed input row. A resume only honors
// it when InputCSV matches the current run's input.
type Checkpoint struct {
	InputCSV     string    `json:"input_csv"`
	OutputCSV    string    `json:"output_csv"`
	LastRowIndex int       `json:"last_row_index"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Manager writes two records per save: an immutable snapshot named by the
// checkpointed index (audit trail) and an overwritten latest.json that Load
// reads for fast resume lookup.
type Manager struct {
	dir        string
	latestPath string
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	}
	return &Manager{dir: dir, latestPath: filepath.Join(dir, "latest.json")}, nil
}

// Load reads latest.json. Absent file means no checkpoint, not an error.
func (m *Manager) Load() (Checkpoint, bool, error) {
	b, err := os.ReadFile(m.latestPath)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint load: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("checkpoint parse: %w", err)
	}
	return cp, true, nil
}

func (m *Manager) Save(cp Checkpoint) error {
	payload, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	snapshot := filepath.Join(m.dir, fmt.Sprintf("checkpoint_%d.json", cp.LastRowIndex))
	if err := os.WriteFile(snapshot, payload, 0o644); err != nil {
		return fmt.Errorf("checkpoint snapshot: %w", err)
	}
	// latest.json goes through a temp file + rename so a crash mid-write
	// never leaves a truncated pointer behind.
	tmp := m.latestPath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("checkpoint latest: %w", err)
	}
	if err := os.Rename(tmp, m.latestPath); err != nil {
		return fmt.Errorf("checkpoint latest: %w", err)
	}
	return nil
}
