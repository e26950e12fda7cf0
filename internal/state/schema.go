package state

import (
	"sort"
	"time"
)

// SchemaVersion is the current runtime state schema.
const SchemaVersion = 1

// Mount kinds recorded in the journal.
const (
	KindOverlay = "overlay"
	KindBind    = "bind"
	KindTmpfs   = "tmpfs"
)

// MountRecord is one mount made by the daemon.
type MountRecord struct {
	// Seq orders records across the whole journal
	Seq uint64 `json:"seq"`

	// Partition is the partition the mount belongs to
	Partition string `json:"partition"`

	// Module is the contributing module, including for staging tmpfs mounts
	Module string `json:"module,omitempty"`

	// Kind is one of overlay, bind or tmpfs
	Kind string `json:"kind"`

	// Source is the mount source (module path, or fs type for tmpfs)
	Source string `json:"source"`

	// Target is the mount point
	Target string `json:"target"`

	// Data is the mount data string (overlay options)
	Data string `json:"data,omitempty"`

	// Scratch lists private directories removed after unmount
	Scratch []string `json:"scratch,omitempty"`
}

// FailureRecord is a per-module failure from the last pass.
type FailureRecord struct {
	Module    string `json:"module"`
	Partition string `json:"partition"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error"`
}

// RestoreFailure records a granary restore that left state unspecified.
type RestoreFailure struct {
	Silo  string    `json:"silo"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// RuntimeState is the persisted outcome of mount passes.
type RuntimeState struct {
	SchemaVersion int       `json:"schemaVersion"`
	UpdatedAt     time.Time `json:"updatedAt"`

	// Journal holds mounts in the order they were made
	Journal []MountRecord `json:"journal"`

	// OverlayModules and MagicModules summarize the last pass
	OverlayModules []string `json:"overlayModules"`
	MagicModules   []string `json:"magicModules"`

	// Partitions lists partitions touched by the last pass
	Partitions []string `json:"partitions"`

	Failures []FailureRecord `json:"failures"`

	// StorageMode is the staging mode the last pass mounted from
	StorageMode string `json:"storageMode,omitempty"`

	// RestoreFailure is set when the last restore failed part way
	RestoreFailure *RestoreFailure `json:"restoreFailure,omitempty"`
}

// NewRuntimeState creates an empty RuntimeState.
func NewRuntimeState() *RuntimeState {
	return &RuntimeState{
		SchemaVersion:  SchemaVersion,
		Journal:        []MountRecord{},
		OverlayModules: []string{},
		MagicModules:   []string{},
		Partitions:     []string{},
		Failures:       []FailureRecord{},
	}
}

// MountedModules returns the set of modules with at least one journal
// record.
func (s *RuntimeState) MountedModules() map[string]bool {
	out := make(map[string]bool)
	for _, r := range s.Journal {
		if r.Module != "" {
			out[r.Module] = true
		}
	}
	return out
}

// NextSeq returns the sequence number for the next record.
func (s *RuntimeState) NextSeq() uint64 {
	var max uint64
	for _, r := range s.Journal {
		if r.Seq > max {
			max = r.Seq
		}
	}
	return max + 1
}

// PartitionJournal returns the records of one partition, oldest first.
func (s *RuntimeState) PartitionJournal(partition string) []MountRecord {
	var out []MountRecord
	for _, r := range s.Journal {
		if r.Partition == partition {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// JournalPartitions returns the partitions that have records, sorted.
func (s *RuntimeState) JournalPartitions() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range s.Journal {
		if !seen[r.Partition] {
			seen[r.Partition] = true
			out = append(out, r.Partition)
		}
	}
	sort.Strings(out)
	return out
}

// HymoState is the persisted Hymo negotiation and version state.
type HymoState struct {
	// ProtocolVersion is the last negotiated enforcer protocol
	ProtocolVersion int `json:"protocolVersion"`

	// ConfigVersion is the last version acknowledged by the enforcer
	ConfigVersion uint64 `json:"configVersion"`

	Stealth bool `json:"stealth"`
	Debug   bool `json:"debug"`

	LastPush time.Time `json:"lastPush,omitempty"`
}
