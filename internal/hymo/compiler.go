package hymo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danieljhkim/metahybrid/internal/clock"
	"github.com/danieljhkim/metahybrid/internal/logging"
	"github.com/danieljhkim/metahybrid/internal/state"
)

// Status is the compiler's view of the enforcer.
type Status struct {
	Available       bool      `json:"available"`
	ProtocolVersion int       `json:"protocol_version"`
	ConfigVersion   uint64    `json:"config_version"`
	StealthActive   bool      `json:"stealth_active"`
	DebugActive     bool      `json:"debug_active"`
	LastPush        time.Time `json:"last_push,omitempty"`
}

// Compiler pushes rule sets to an Enforcer. Pushes and toggles are
// serialized; config versions only move forward.
type Compiler struct {
	mu       sync.Mutex
	enforcer Enforcer
	store    state.StateStore
	clock    clock.Clock
	log      zerolog.Logger

	capability *Capability
	version    uint64
}

// NewCompiler creates a Compiler.
func NewCompiler(e Enforcer, store state.StateStore, clk clock.Clock) *Compiler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Compiler{
		enforcer: e,
		store:    store,
		clock:    clk,
		log:      logging.Get("hymo"),
	}
}

// Negotiate queries the enforcer's capability. The answer is cached for the
// life of the Compiler.
func (c *Compiler) Negotiate(ctx context.Context) (Capability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiate(ctx)
}

func (c *Compiler) negotiate(ctx context.Context) (Capability, error) {
	if c.capability != nil {
		return *c.capability, nil
	}
	capability, err := c.enforcer.Capability(ctx)
	if err != nil {
		return Capability{}, fmt.Errorf("failed to negotiate hymo protocol: %w", err)
	}
	c.capability = &capability
	c.log.Info().Bool("available", capability.Available).Int("protocol", capability.ProtocolVersion).Msg("hymo protocol negotiated")
	return capability, nil
}

// Status reports availability and the persisted versions and toggles.
func (c *Compiler) Status(ctx context.Context) (*Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	capability, err := c.negotiate(ctx)
	if err != nil {
		return nil, err
	}
	st, err := c.store.LoadHymo()
	if err != nil {
		return nil, err
	}
	return &Status{
		Available:       capability.Available,
		ProtocolVersion: capability.ProtocolVersion,
		ConfigVersion:   max(st.ConfigVersion, c.version),
		StealthActive:   st.Stealth,
		DebugActive:     st.Debug,
		LastPush:        st.LastPush,
	}, nil
}

// Push sends rs to the enforcer under the next config version and returns
// the version the enforcer acknowledged. It fails with ErrUnavailable when
// no enforcer is present, and with *UnsupportedProtocolError when rs needs
// a newer protocol; in both cases nothing is sent. A rejected push leaves
// the version unchanged.
func (c *Compiler) Push(ctx context.Context, rs *RuleSet) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	capability, err := c.negotiate(ctx)
	if err != nil {
		return 0, err
	}
	if !capability.Available {
		return 0, ErrUnavailable
	}
	if rs.ProtocolVersion > capability.ProtocolVersion {
		return 0, &UnsupportedProtocolError{Required: rs.ProtocolVersion, Supported: capability.ProtocolVersion}
	}

	st, err := c.store.LoadHymo()
	if err != nil {
		return 0, err
	}
	next := max(st.ConfigVersion, c.version) + 1
	out := *rs
	out.ConfigVersion = next

	ack, err := c.enforcer.Apply(ctx, &out)
	if err != nil {
		return 0, fmt.Errorf("hymo push failed: %w", err)
	}
	if !ack.Accepted {
		return 0, fmt.Errorf("%w: %s", ErrRejected, ack.Message)
	}

	c.version = next
	st.ConfigVersion = next
	st.ProtocolVersion = capability.ProtocolVersion
	st.LastPush = c.clock.Now().UTC()
	if err := c.store.SaveHymo(st); err != nil {
		return next, err
	}
	c.log.Info().Uint64("config_version", next).Int("redirects", len(rs.Redirects)).
		Int("hides", len(rs.Hides)).Int("injects", len(rs.Injects)).Msg("hymo rules pushed")
	return next, nil
}

// SetStealth flips stealth mode without touching the rule set.
func (c *Compiler) SetStealth(ctx context.Context, on bool) error {
	return c.setFlag(ctx, "stealth", on, func(st *state.HymoState) { st.Stealth = on })
}

// SetDebug flips enforcer debug logging without touching the rule set.
func (c *Compiler) SetDebug(ctx context.Context, on bool) error {
	return c.setFlag(ctx, "debug", on, func(st *state.HymoState) { st.Debug = on })
}

func (c *Compiler) setFlag(ctx context.Context, name string, on bool, apply func(*state.HymoState)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	capability, err := c.negotiate(ctx)
	if err != nil {
		return err
	}
	if !capability.Available {
		return ErrUnavailable
	}
	if err := c.enforcer.SetFlag(ctx, name, on); err != nil {
		return fmt.Errorf("failed to set %s: %w", name, err)
	}
	st, err := c.store.LoadHymo()
	if err != nil {
		return err
	}
	apply(st)
	if err := c.store.SaveHymo(st); err != nil {
		return err
	}
	c.log.Info().Str("flag", name).Bool("on", on).Msg("hymo toggle set")
	return nil
}
