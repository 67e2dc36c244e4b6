package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riannom/archetype/pkg/types"
)

func TestAdmitStart(t *testing.T) {
	tests := []struct {
		actual    types.NodeActualState
		want      Admission
		wantReset bool
	}{
		{types.NodeActualUndeployed, Admit, false},
		{types.NodeActualStopped, Admit, false},
		{types.NodeActualError, Admit, true},
		{types.NodeActualRunning, NoOp, false},
		{types.NodeActualStarting, NoOp, false},
		{types.NodeActualStopping, Reject, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.actual), func(t *testing.T) {
			ns := &types.NodeState{NodeName: "r1", Actual: tt.actual}
			got, reset, err := AdmitStart(ns)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantReset, reset)
			if tt.want == Reject {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAdmitStop(t *testing.T) {
	tests := []struct {
		actual types.NodeActualState
		want   Admission
	}{
		{types.NodeActualRunning, Admit},
		// Stopping a starting node aborts a slow boot.
		{types.NodeActualStarting, Admit},
		{types.NodeActualError, Admit},
		{types.NodeActualStopped, NoOp},
		{types.NodeActualUndeployed, NoOp},
		{types.NodeActualStopping, NoOp},
	}
	for _, tt := range tests {
		t.Run(string(tt.actual), func(t *testing.T) {
			got, err := AdmitStop(&types.NodeState{Actual: tt.actual})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.NodeActualState
		want     bool
	}{
		{types.NodeActualUndeployed, types.NodeActualStarting, true},
		{types.NodeActualStarting, types.NodeActualRunning, true},
		{types.NodeActualStarting, types.NodeActualStopping, true},
		{types.NodeActualRunning, types.NodeActualStopping, true},
		{types.NodeActualStopping, types.NodeActualStopped, true},
		{types.NodeActualStopped, types.NodeActualStarting, true},
		{types.NodeActualError, types.NodeActualStarting, true},
		{types.NodeActualRunning, types.NodeActualRunning, true},

		{types.NodeActualUndeployed, types.NodeActualRunning, false},
		{types.NodeActualStopped, types.NodeActualRunning, false},
		{types.NodeActualStopped, types.NodeActualStopping, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestAggregateLabState(t *testing.T) {
	ns := func(name string, actual types.NodeActualState, errMsg string) *types.NodeState {
		return &types.NodeState{NodeName: name, Actual: actual, ErrorMessage: errMsg}
	}

	tests := []struct {
		name    string
		states  []*types.NodeState
		want    types.LabState
		wantMsg string
	}{
		{
			name:   "empty lab is stopped",
			states: nil,
			want:   types.LabStateStopped,
		},
		{
			name:   "all stopped",
			states: []*types.NodeState{ns("a", types.NodeActualStopped, ""), ns("b", types.NodeActualUndeployed, "")},
			want:   types.LabStateStopped,
		},
		{
			name:   "anything running wins",
			states: []*types.NodeState{ns("a", types.NodeActualRunning, ""), ns("b", types.NodeActualError, "boom")},
			want:   types.LabStateRunning,
		},
		{
			name:   "starting",
			states: []*types.NodeState{ns("a", types.NodeActualStarting, ""), ns("b", types.NodeActualStopped, "")},
			want:   types.LabStateStarting,
		},
		{
			name:   "stopping",
			states: []*types.NodeState{ns("a", types.NodeActualStopping, ""), ns("b", types.NodeActualStopped, "")},
			want:   types.LabStateStopping,
		},
		{
			name:    "error names the first failed node",
			states:  []*types.NodeState{ns("a", types.NodeActualError, "disk full"), ns("b", types.NodeActualStopped, "")},
			want:    types.LabStateError,
			wantMsg: "node a: disk full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg := AggregateLabState(tt.states)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}
