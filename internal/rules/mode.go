package rules

import (
	"fmt"
	"strings"
)

// Mode is the strategy used to attach a module path to the live tree.
type Mode uint8

const (
	// Overlay layers the module tree over the partition with OverlayFS.
	Overlay Mode = iota
	// Magic bind-mounts each module node over its target.
	Magic
	// Ignore contributes nothing.
	Ignore
)

var modeNames = [...]string{
	Overlay: "overlay",
	Magic:   "magic",
	Ignore:  "ignore",
}

// ParseMode parses a mode name. "auto" is accepted from legacy configs and
// means overlay.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "overlay", "auto":
		return Overlay, nil
	case "magic":
		return Magic, nil
	case "ignore":
		return Ignore, nil
	}
	return 0, fmt.Errorf("unknown mount mode %q", s)
}

// Valid reports whether m is one of the three known modes.
func (m Mode) Valid() bool {
	return int(m) < len(modeNames)
}

func (m Mode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
	return modeNames[m]
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid mount mode %d", uint8(m))
	}
	return []byte(modeNames[m]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
