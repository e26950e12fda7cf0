package hymo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Capability is what the enforcer reports about itself.
type Capability struct {
	Available       bool `json:"available"`
	ProtocolVersion int  `json:"protocol_version"`
}

// Ack is the enforcer's answer to a push.
type Ack struct {
	Accepted      bool   `json:"accepted"`
	ConfigVersion uint64 `json:"config_version"`
	Message       string `json:"message,omitempty"`
}

// Enforcer is the lower layer that applies rule sets.
type Enforcer interface {
	// Capability reports presence and protocol version.
	Capability(ctx context.Context) (Capability, error)

	// Apply hands over a complete rule set. The enforcer adopts all of it
	// or keeps its previous set.
	Apply(ctx context.Context, rs *RuleSet) (*Ack, error)

	// SetFlag flips a runtime toggle ("stealth" or "debug").
	SetFlag(ctx context.Context, name string, on bool) error
}

// ExecEnforcer drives the enforcer helper binary. Each call runs the
// binary once with a bounded timeout:
//
//	<bin> capability        -> Capability JSON on stdout
//	<bin> apply             <- RuleSet JSON on stdin, Ack JSON on stdout
//	<bin> set <flag> on|off
type ExecEnforcer struct {
	Bin     string
	Timeout time.Duration
}

// NewExecEnforcer creates an ExecEnforcer.
func NewExecEnforcer(bin string, timeout time.Duration) *ExecEnforcer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecEnforcer{Bin: bin, Timeout: timeout}
}

func (e *ExecEnforcer) Capability(ctx context.Context) (Capability, error) {
	if e.Bin == "" {
		return Capability{}, nil
	}
	if _, err := os.Stat(e.Bin); err != nil {
		if os.IsNotExist(err) {
			return Capability{}, nil
		}
		return Capability{}, fmt.Errorf("failed to stat enforcer: %w", err)
	}
	out, err := e.run(ctx, nil, "capability")
	if err != nil {
		return Capability{}, err
	}
	// A binary that answers is available unless it says otherwise.
	var reply struct {
		Available       *bool `json:"available"`
		ProtocolVersion int   `json:"protocol_version"`
	}
	if err := json.Unmarshal(out, &reply); err != nil {
		return Capability{}, fmt.Errorf("failed to decode enforcer capability: %w", err)
	}
	c := Capability{Available: true, ProtocolVersion: reply.ProtocolVersion}
	if reply.Available != nil {
		c.Available = *reply.Available
	}
	return c, nil
}

func (e *ExecEnforcer) Apply(ctx context.Context, rs *RuleSet) (*Ack, error) {
	payload, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule set: %w", err)
	}
	out, err := e.run(ctx, payload, "apply")
	if err != nil {
		return nil, err
	}
	var ack Ack
	if err := json.Unmarshal(out, &ack); err != nil {
		return nil, fmt.Errorf("failed to decode enforcer ack: %w", err)
	}
	return &ack, nil
}

func (e *ExecEnforcer) SetFlag(ctx context.Context, name string, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	_, err := e.run(ctx, nil, "set", name, state)
	return err
}

func (e *ExecEnforcer) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Bin, args...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("enforcer %s timed out after %s", args[0], e.Timeout)
		}
		return nil, fmt.Errorf("enforcer %s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
