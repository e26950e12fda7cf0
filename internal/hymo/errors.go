package hymo

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned when no enforcer is present. Rules still
	// compile; the push is a no-op.
	ErrUnavailable = errors.New("hymo enforcer unavailable")

	// ErrRejected is returned when the enforcer refuses a rule set and
	// keeps its previous one.
	ErrRejected = errors.New("hymo enforcer rejected rule set")
)

// UnsupportedProtocolError is returned when a rule set needs a newer
// protocol than the enforcer speaks. Nothing is sent.
type UnsupportedProtocolError struct {
	Required  int
	Supported int
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("rule set requires hymo protocol %d, enforcer supports %d", e.Required, e.Supported)
}
