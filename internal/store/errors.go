package store

import (
	"errors"
	"fmt"
)

// Sentinels returned by the artifact and task run stores. Callers test them
// with errors.Is; the wrapped message carries the driver detail.
var (
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidEntity covers both pre-write validation and rows the
	// database rejects through a constraint.
	ErrInvalidEntity = errors.New("invalid entity")

	ErrTransactionFailed = errors.New("transaction failed")

	// ErrUnavailable means the database could not be reached or timed out.
	// The operation may succeed if retried later.
	ErrUnavailable = errors.New("store unavailable")

	ErrArtifactNotFound = fmt.Errorf("%w: artifact", ErrNotFound)
	ErrTaskRunNotFound  = fmt.Errorf("%w: task run", ErrNotFound)
)
