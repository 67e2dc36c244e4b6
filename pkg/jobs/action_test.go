package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Action
		wantErr bool
	}{
		{
			name:  "plain up",
			input: "up",
			want:  Action{Verb: VerbUp},
		},
		{
			name:  "plain down",
			input: "down",
			want:  Action{Verb: VerbDown},
		},
		{
			name:  "unscoped sync",
			input: "sync",
			want:  Action{Verb: VerbSync},
		},
		{
			name:  "node-scoped sync",
			input: "sync:node:n-123",
			want:  Action{Verb: VerbSync, SubjectKind: "node", SubjectID: "n-123"},
		},
		{
			name:  "agent-scoped sync",
			input: "sync:agent:host-a",
			want:  Action{Verb: VerbSync, SubjectKind: "agent", SubjectID: "host-a"},
		},
		{
			name:  "links with counts",
			input: "links:add:2,remove:1",
			want:  Action{Verb: VerbLinks, LinksAdd: 2, LinksRemove: 1},
		},
		{
			name:  "agent update",
			input: "update:agent:host-a",
			want:  Action{Verb: VerbUpdate, SubjectKind: "agent", SubjectID: "host-a"},
		},
		{
			name:    "up with qualifier",
			input:   "up:node:n-1",
			wantErr: true,
		},
		{
			name:    "sync with bad subject kind",
			input:   "sync:lab:l-1",
			wantErr: true,
		},
		{
			name:    "sync with empty id",
			input:   "sync:node:",
			wantErr: true,
		},
		{
			name:    "links missing remove",
			input:   "links:add:2",
			wantErr: true,
		},
		{
			name:    "links negative count",
			input:   "links:add:-1,remove:0",
			wantErr: true,
		},
		{
			name:    "update without agent",
			input:   "update",
			wantErr: true,
		},
		{
			name:    "unknown verb",
			input:   "restart",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAction(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActionStringRoundTrip(t *testing.T) {
	inputs := []string{
		"up",
		"down",
		"sync",
		"sync:node:n-1",
		"sync:agent:host-a",
		"links:add:3,remove:0",
		"update:agent:host-b",
	}
	for _, in := range inputs {
		action, err := ParseAction(in)
		require.NoError(t, err, in)
		assert.Equal(t, in, action.String())
	}
}

func TestConflictMatrix(t *testing.T) {
	up := Action{Verb: VerbUp}
	down := Action{Verb: VerbDown}
	syncAll := Action{Verb: VerbSync}
	linksOp := Action{Verb: VerbLinks, LinksAdd: 1}
	update := Action{Verb: VerbUpdate, SubjectKind: "agent", SubjectID: "a"}

	tests := []struct {
		name string
		a, b Action
		want bool
	}{
		{"up vs down", up, down, true},
		{"up vs sync", up, syncAll, true},
		{"up vs links", up, linksOp, true},
		{"down vs links", down, linksOp, true},
		{"sync vs up", syncAll, up, true},
		{"sync vs sync", syncAll, syncAll, false},
		{"links vs links", linksOp, linksOp, true},
		{"links vs sync", linksOp, syncAll, false},
		{"update vs anything", update, up, false},
		{"up vs update", up, update, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.ConflictsWith(tt.b))
		})
	}
}
