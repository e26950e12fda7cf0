package engine

import (
	"errors"

	"github.com/danieljhkim/metahybrid/internal/rules"
)

var (
	// ErrValidation indicates a validation failure.
	ErrValidation = rules.ErrValidation

	// ErrLocked indicates another metahybrid process holds the instance lock.
	ErrLocked = errors.New("another instance is running")

	// ErrPassFailed indicates a mount pass that did not mount anything it
	// planned to.
	ErrPassFailed = errors.New("mount pass failed")

	// ErrUnmountIncomplete indicates some journalled mounts could not be
	// removed.
	ErrUnmountIncomplete = errors.New("unmount incomplete")
)
