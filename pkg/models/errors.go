package models

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig marks malformed policy or RD parameters. It is always
// surfaced to the caller and never retried.
var ErrInvalidConfig = errors.New("invalid configuration")

// UnknownTraceError is returned when an operation references a trace id
// with no record. Local and recoverable.
type UnknownTraceError struct {
	TraceID TraceID
}

func (e *UnknownTraceError) Error() string {
	return "unknown trace: " + string(e.TraceID)
}

// UnknownSessionError is returned when an operation references a session
// id with no record.
type UnknownSessionError struct {
	SessionID SessionID
}

func (e *UnknownSessionError) Error() string {
	return "unknown session: " + string(e.SessionID)
}

// BlockedError is the expected, non-fatal outcome of a merge denied by
// governance policy. The audit checkpoint is persisted before this error
// is returned, so a blocked merge is observable, never silent.
type BlockedError struct {
	TraceID      TraceID
	Reasons      []string
	CheckpointID string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("governance blocked merge of trace %s: %v", e.TraceID, e.Reasons)
}

// IsBlocked reports whether err is a governance block.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}
