package reconciler

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/riannom/archetype/pkg/types"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		status string
		want   types.NodeActualState
		known  bool
	}{
		{"running", types.NodeActualRunning, true},
		{"up", types.NodeActualRunning, true},
		{"created", types.NodeActualStarting, true},
		{"booting", types.NodeActualStarting, true},
		{"restarting", types.NodeActualStarting, true},
		{"exited", types.NodeActualStopped, true},
		{"shutoff", types.NodeActualStopped, true},
		{"stopping", types.NodeActualStopping, true},
		{"dead", types.NodeActualError, true},
		{"oom", types.NodeActualError, true},
		{"weird-vendor-state", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			got, ok := mapStatus(tt.status)
			assert.Equal(t, tt.known, ok)
			if tt.known {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestFlapDetector(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	f := newFlapDetector(fc)

	assert.False(t, f.Record("lab-1/n-1"))
	fc.Advance(10 * time.Second)
	assert.False(t, f.Record("lab-1/n-1"))
	fc.Advance(10 * time.Second)
	assert.True(t, f.Record("lab-1/n-1"), "third transition inside the window flaps")

	// Nodes are tracked independently.
	assert.False(t, f.Record("lab-1/n-2"))

	// Old transitions age out of the window.
	fc.Advance(2 * time.Minute)
	assert.False(t, f.Record("lab-1/n-1"))
}

func TestSplitGaugeKey(t *testing.T) {
	state, cross := splitGaugeKey("up|true")
	assert.Equal(t, "up", state)
	assert.Equal(t, "true", cross)

	state, cross = splitGaugeKey("pending")
	assert.Equal(t, "pending", state)
	assert.Equal(t, "false", cross)
}
