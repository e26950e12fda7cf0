package state

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danieljhkim/metahybrid/internal/fsops"
)

// StateStore provides an interface for persisting runtime and Hymo state.
type StateStore interface {
	// LoadRuntime loads the runtime state. A missing file yields an empty
	// state, not an error.
	LoadRuntime() (*RuntimeState, error)

	// SaveRuntime saves the runtime state atomically.
	SaveRuntime(state *RuntimeState) error

	// LoadHymo loads the Hymo state. A missing file yields a zero state.
	LoadHymo() (*HymoState, error)

	// SaveHymo saves the Hymo state atomically.
	SaveHymo(state *HymoState) error
}

// FileStateStore implements StateStore using JSON files on disk.
type FileStateStore struct {
	fs          fsops.FS
	runtimePath string
	hymoPath    string
}

// NewFileStateStore creates a new FileStateStore.
func NewFileStateStore(fs fsops.FS, runtimePath, hymoPath string) *FileStateStore {
	return &FileStateStore{
		fs:          fs,
		runtimePath: runtimePath,
		hymoPath:    hymoPath,
	}
}

// LoadRuntime loads the runtime state.
func (s *FileStateStore) LoadRuntime() (*RuntimeState, error) {
	st := NewRuntimeState()
	found, err := s.load(s.runtimePath, st)
	if err != nil {
		return nil, fmt.Errorf("failed to load runtime state: %w", err)
	}
	if !found {
		return NewRuntimeState(), nil
	}
	if st.Journal == nil {
		st.Journal = []MountRecord{}
	}
	return st, nil
}

// SaveRuntime saves the runtime state atomically.
func (s *FileStateStore) SaveRuntime(st *RuntimeState) error {
	st.SchemaVersion = SchemaVersion
	if err := s.save(s.runtimePath, st); err != nil {
		return fmt.Errorf("failed to write runtime state: %w", err)
	}
	return nil
}

// LoadHymo loads the Hymo state.
func (s *FileStateStore) LoadHymo() (*HymoState, error) {
	st := &HymoState{}
	if _, err := s.load(s.hymoPath, st); err != nil {
		return nil, fmt.Errorf("failed to load hymo state: %w", err)
	}
	return st, nil
}

// SaveHymo saves the Hymo state atomically.
func (s *FileStateStore) SaveHymo(st *HymoState) error {
	if err := s.save(s.hymoPath, st); err != nil {
		return fmt.Errorf("failed to write hymo state: %w", err)
	}
	return nil
}

func (s *FileStateStore) load(path string, v interface{}) (bool, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return true, nil
}

func (s *FileStateStore) save(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return s.fs.AtomicWrite(path, data, 0644)
}
