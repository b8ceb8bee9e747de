package service

import (
	"errors"
	"fmt"
)

// ErrUserDeclined is the terminal reason when the confirmation gate is
// answered no. No side effects have occurred and the draft is unchanged.
var ErrUserDeclined = errors.New("user declined confirmation")

// ErrBroadcastTimeout is the terminal reason when no terminal transaction
// event arrives before the configured deadline. The broadcast itself is not
// retracted and may still confirm later.
var ErrBroadcastTimeout = errors.New("no terminal transaction event before deadline")

// StageError attaches the originating stage to a submission failure. Partial
// marks failures after which a transaction hash or placeholder record may
// already exist, so the caller must not present a clean retry.
type StageError struct {
	Stage   State
	Cause   error
	Partial bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("submission failed at %s: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }
