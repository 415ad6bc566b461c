package pool

import "errors"

var (
	// ErrFull means the pool is at capacity and no idle session could
	// be evicted. Callers should suggest closing idle sessions.
	ErrFull = errors.New("pool is full")
	// ErrNotFound means no live session has the given ID.
	ErrNotFound = errors.New("session not found")
	// ErrNotAcceptingInput means the session is terminated, failed or
	// halted on an error and cannot take input.
	ErrNotAcceptingInput = errors.New("session not accepting input")
)
