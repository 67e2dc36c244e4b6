package agentrpc

import (
	"errors"
	"fmt"
)

// UnavailableError is a transport-level failure: connection refused,
// DNS failure, timeout, or a 5xx that survived retries. Callers may
// retry the whole job later.
type UnavailableError struct {
	AgentID string
	Op      string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("agent %s unavailable during %s: %v", e.AgentID, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// JobError is an application-level failure reported by the agent. Not
// retriable at the RPC layer; carries the agent's output for the job
// log.
type JobError struct {
	AgentID    string
	Op         string
	StatusCode int
	Message    string
	Stdout     string
	Stderr     string
}

func (e *JobError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agent %s failed %s: %s", e.AgentID, e.Op, e.Message)
	}
	return fmt.Sprintf("agent %s failed %s (status %d)", e.AgentID, e.Op, e.StatusCode)
}

// IsUnavailable reports whether err is (or wraps) an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsJobError reports whether err is (or wraps) a JobError.
func IsJobError(err error) bool {
	var je *JobError
	return errors.As(err, &je)
}
