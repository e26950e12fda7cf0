// Package granary keeps point-in-time snapshots ("silos") of the mutable
// state metahybrid owns: the config file, per-module rules, the Hymo rules
// file and the module disable/skip_mount markers.
//
// Key concepts:
//   - Silo: one immutable snapshot, identified by a UUIDv7
//   - Manifest: silo.json, listing every captured file with its digest
//   - Staging: a silo is assembled under .staging-<random> and renamed
//     into place only when complete, so a failed create leaves nothing
//   - Automatic silos: classified by their reason text alone
package granary

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrIO classifies space and write failures.
	ErrIO = errors.New("granary I/O error")

	// ErrIncomplete marks a restore that failed after it started writing.
	ErrIncomplete = errors.New("restore incomplete")

	// ErrNotFound is returned for unknown silo ids.
	ErrNotFound = errors.New("silo not found")
)

// ManifestFile is the manifest name inside a silo directory.
const ManifestFile = "silo.json"

// automaticMarkers are reason substrings that mark a silo automatic.
var automaticMarkers = []string{"auto", "boot", "system"}

// IsAutomatic classifies a silo by its reason. An empty or whitespace-only
// reason counts as automatic.
func IsAutomatic(reason string) bool {
	r := strings.ToLower(strings.TrimSpace(reason))
	if r == "" {
		return true
	}
	for _, m := range automaticMarkers {
		if strings.Contains(r, m) {
			return true
		}
	}
	return false
}

// FileEntry is one captured file.
type FileEntry struct {
	// Path is the live path the file was captured from
	Path string `json:"path"`

	// Data is the payload name inside the silo; empty when Present is false
	Data string `json:"data,omitempty"`

	// Present is false when the file did not exist at capture time;
	// restoring removes it
	Present bool `json:"present"`

	Mode   uint32 `json:"mode,omitempty"`
	Size   int64  `json:"size,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// MarkerState is the toggle state of one module.
type MarkerState struct {
	Module   string `json:"module"`
	Disabled bool   `json:"disabled"`
	Skip     bool   `json:"skip"`
}

// Silo is one snapshot.
type Silo struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`

	// Automatic is derived from Reason when the manifest is loaded
	Automatic bool `json:"automatic"`

	// Dirs are the covered directories; restoring removes files in them
	// that the silo does not hold
	Dirs []string `json:"dirs"`

	Files   []FileEntry   `json:"files"`
	Markers []MarkerState `json:"markers"`

	// Size is the total payload size in bytes
	Size int64 `json:"size"`
}

// Time returns the silo timestamp.
func (s *Silo) Time() time.Time {
	return time.Unix(s.Timestamp, 0)
}
