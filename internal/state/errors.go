package state

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection marks an unreachable primary backend. It triggers fallback
	// and is never fatal.
	ErrConnection = errors.New("primary backend unavailable")
	// ErrCorruptState means a stored document exists but cannot be parsed.
	ErrCorruptState = errors.New("corrupt state")
	// ErrPersistenceFailure is returned when a write failed on both backends
	// and the update is lost.
	ErrPersistenceFailure = errors.New("persistence failure on primary and fallback")
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
)

type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state document %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error {
	return e.Err
}

func (e *CorruptStateError) Is(target error) bool {
	return target == ErrCorruptState
}

func ConnectionError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}
