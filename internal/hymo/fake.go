package hymo

import (
	"context"
	"sync"
)

// FakeEnforcer is an in-memory Enforcer for tests.
type FakeEnforcer struct {
	mu sync.Mutex

	// Present and Protocol are reported by Capability
	Present  bool
	Protocol int

	// Reject makes Apply refuse every set
	Reject bool

	// Active is the last adopted rule set
	Active *RuleSet

	Flags        map[string]bool
	Applies      int
	Capabilities int
}

// NewFakeEnforcer creates a present FakeEnforcer speaking protocol.
func NewFakeEnforcer(protocol int) *FakeEnforcer {
	return &FakeEnforcer{Present: true, Protocol: protocol, Flags: map[string]bool{}}
}

func (f *FakeEnforcer) Capability(ctx context.Context) (Capability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Capabilities++
	if !f.Present {
		return Capability{}, nil
	}
	return Capability{Available: true, ProtocolVersion: f.Protocol}, nil
}

func (f *FakeEnforcer) Apply(ctx context.Context, rs *RuleSet) (*Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Applies++
	if f.Reject {
		return &Ack{Accepted: false, Message: "rejected by fake"}, nil
	}
	cp := *rs
	f.Active = &cp
	return &Ack{Accepted: true, ConfigVersion: rs.ConfigVersion}, nil
}

func (f *FakeEnforcer) SetFlag(ctx context.Context, name string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Flags[name] = on
	return nil
}

// ActiveVersion returns the config version of the adopted set, or 0.
func (f *FakeEnforcer) ActiveVersion() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Active == nil {
		return 0
	}
	return f.Active.ConfigVersion
}
