package jobs

import (
	"fmt"
	"strings"
)

// ConflictError rejects admission because an active job on the same
// lab conflicts with the requested action. Callers retry after the
// other job completes.
type ConflictError struct {
	LabID       string
	Action      string
	Conflicting []string // active job IDs
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lab %s: action %q conflicts with active jobs %s",
		e.LabID, e.Action, strings.Join(e.Conflicting, ", "))
}

// LockHeldError rejects a deploy because other work holds deploy locks
// on some of its nodes.
type LockHeldError struct {
	LabID string
	Nodes []string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lab %s: deploy locks held for nodes %s",
		e.LabID, strings.Join(e.Nodes, ", "))
}

// NoAgentError rejects a dispatch because no healthy agent matches.
// Maps to a 503 at the API.
type NoAgentError struct {
	Provider string
	Detail   string
}

func (e *NoAgentError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("no healthy agent for provider %q: %s", e.Provider, e.Detail)
	}
	return fmt.Sprintf("no healthy agent for provider %q", e.Provider)
}

// MissingImagesError rejects a deploy because target agents lack
// images. Sync jobs have been initiated; callers retry once they land.
type MissingImagesError struct {
	Images []string
}

func (e *MissingImagesError) Error() string {
	return fmt.Sprintf("images not yet present on target hosts: %s", strings.Join(e.Images, ", "))
}

// UnplacedNodesError rejects a multi-host deploy whose unpinned nodes
// have no default agent to land on.
type UnplacedNodesError struct {
	LabID string
	Nodes []string
}

func (e *UnplacedNodesError) Error() string {
	return fmt.Sprintf("lab %s: multi-host deploy with unplaced nodes %s and no default agent",
		e.LabID, strings.Join(e.Nodes, ", "))
}
