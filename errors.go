package rsmq

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("rsmq: validation failed")
	ErrQueueNotFound         = errors.New("rsmq: queue not found")
	ErrQueueExists           = errors.New("rsmq: queue exists")
	ErrMessageTooLarge       = errors.New("rsmq: message too large")
	ErrConnection            = errors.New("rsmq: store connection failed")
	ErrTxConflict            = errors.New("rsmq: transaction conflict, retries exhausted")
	ErrTriggersNotConfigured = errors.New("rsmq: triggers not configured")
)

// ValidationError reports a parameter rejected before any store access.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rsmq: invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConnectionError is returned once a store call has failed, been retried on a
// fresh connection, and failed again.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rsmq: %s: store connection failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

func (e *ConnectionError) Unwrap() error { return e.Err }
