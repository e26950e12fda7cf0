package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/danieljhkim/metahybrid/internal/fsops"
)

// Store persists ModuleRules as <dir>/<module-id>.json.
type Store struct {
	fs       fsops.FS
	dir      string
	fallback Mode
}

// NewStore creates a Store rooted at dir. Modules without a rules file get
// overlay as their default mode.
func NewStore(fs fsops.FS, dir string) *Store {
	return &Store{fs: fs, dir: dir, fallback: Overlay}
}

// SetDefaultMode changes the default mode given to modules without a rules
// file.
func (s *Store) SetDefaultMode(m Mode) {
	if m.Valid() {
		s.fallback = m
	}
}

// Dir returns the rules directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load returns the stored rules for id, or Default() when none exist.
func (s *Store) Load(id string) (*ModuleRules, error) {
	if err := ValidateModuleID(id); err != nil {
		return nil, err
	}

	data, err := s.fs.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			r := Default()
			r.DefaultMode = s.fallback
			return r, nil
		}
		return nil, fmt.Errorf("failed to read rules for %s: %w", id, err)
	}

	r := Default()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, &ValidationError{Field: "rules file", Value: s.path(id), Reason: err.Error()}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := r.Normalize(); err != nil {
		return nil, err
	}
	return r, nil
}

// Save validates rules and atomically replaces the stored file for id.
// Nothing is written when validation fails.
func (s *Store) Save(id string, r *ModuleRules) error {
	if err := ValidateModuleID(id); err != nil {
		return err
	}
	if r == nil {
		return &ValidationError{Field: "rules", Value: id, Reason: "missing body"}
	}
	if err := r.Validate(); err != nil {
		return err
	}

	normalized := &ModuleRules{DefaultMode: r.DefaultMode, Paths: make(map[string]Mode, len(r.Paths))}
	for k, v := range r.Paths {
		normalized.Paths[k] = v
	}
	if err := normalized.Normalize(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(normalized, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}
	if err := s.fs.AtomicWrite(s.path(id), data, 0644); err != nil {
		return fmt.Errorf("failed to write rules for %s: %w", id, err)
	}
	return nil
}

// Decode parses a ModuleRules JSON body. Unknown mode strings and
// malformed paths are reported as *ValidationError.
func Decode(data []byte) (*ModuleRules, error) {
	r := Default()
	if err := json.Unmarshal(data, r); err != nil {
		return nil, &ValidationError{Field: "rules body", Value: "json", Reason: err.Error()}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
