package lifecycle

import (
	"fmt"

	"github.com/riannom/archetype/pkg/types"
)

// Admission is the outcome of a command admission check.
type Admission int

const (
	// Admit means the command proceeds and a job may be created.
	Admit Admission = iota
	// NoOp means the node is already where the command wants it; no
	// job is created.
	NoOp
	// Reject means the command is invalid in the node's current state.
	Reject
)

// AdmitStart decides whether a start command against the node is
// valid. A start against an error node is a retry and resets
// enforcement counters (the second return value).
func AdmitStart(ns *types.NodeState) (Admission, bool, error) {
	switch ns.Actual {
	case types.NodeActualStopping:
		return Reject, false, fmt.Errorf("node %s is stopping; retry when it settles", ns.NodeName)
	case types.NodeActualRunning, types.NodeActualStarting:
		return NoOp, false, nil
	case types.NodeActualError:
		return Admit, true, nil
	default:
		return Admit, false, nil
	}
}

// AdmitStop decides whether a stop command against the node is valid.
// Stopping a starting node is allowed: it aborts a slow boot.
func AdmitStop(ns *types.NodeState) (Admission, error) {
	switch ns.Actual {
	case types.NodeActualStopped, types.NodeActualUndeployed, types.NodeActualStopping:
		return NoOp, nil
	default:
		return Admit, nil
	}
}

// validTransitions enumerates the legal actual-state moves. Destroy
// may force any state to stopped; enforcement exhaustion may force
// running, stopped, or error into error.
var validTransitions = map[types.NodeActualState]map[types.NodeActualState]bool{
	types.NodeActualUndeployed: {
		types.NodeActualStarting: true,
		types.NodeActualStopped:  true,
	},
	types.NodeActualStarting: {
		types.NodeActualRunning:  true,
		types.NodeActualError:    true,
		types.NodeActualStopping: true,
		types.NodeActualStopped:  true,
	},
	types.NodeActualRunning: {
		types.NodeActualStopping: true,
		types.NodeActualStopped:  true,
		types.NodeActualError:    true,
	},
	types.NodeActualStopping: {
		types.NodeActualStopped: true,
		types.NodeActualError:   true,
	},
	types.NodeActualStopped: {
		types.NodeActualStarting: true,
		types.NodeActualError:    true,
	},
	types.NodeActualError: {
		types.NodeActualStarting: true,
		types.NodeActualStopped:  true,
		types.NodeActualError:    true,
	},
}

// CanTransition reports whether moving actual state from one value to
// another is legal. Same-state moves are always allowed.
func CanTransition(from, to types.NodeActualState) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}

// AggregateLabState derives a lab's state from its node states. Mixed
// labs with anything running report running (partial); labs with
// nothing running and an error keep the error.
func AggregateLabState(states []*types.NodeState) (types.LabState, string) {
	if len(states) == 0 {
		return types.LabStateStopped, ""
	}

	var anyRunning, anyStarting, anyStopping bool
	allStopped := true
	firstError := ""
	for _, ns := range states {
		switch ns.Actual {
		case types.NodeActualRunning:
			anyRunning = true
		case types.NodeActualStarting:
			anyStarting = true
		case types.NodeActualStopping:
			anyStopping = true
		case types.NodeActualError:
			if firstError == "" {
				firstError = fmt.Sprintf("node %s: %s", ns.NodeName, ns.ErrorMessage)
			}
		}
		if ns.Actual != types.NodeActualStopped && ns.Actual != types.NodeActualUndeployed {
			allStopped = false
		}
	}

	switch {
	case anyRunning:
		return types.LabStateRunning, ""
	case allStopped:
		return types.LabStateStopped, ""
	case anyStarting:
		return types.LabStateStarting, ""
	case anyStopping:
		return types.LabStateStopping, ""
	case firstError != "":
		return types.LabStateError, firstError
	default:
		return types.LabStateUnknown, ""
	}
}
