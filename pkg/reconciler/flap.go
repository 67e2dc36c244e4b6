package reconciler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// flapWindow and flapThreshold define a flap: this many actual-state
// transitions inside the window.
const (
	flapWindow    = 60 * time.Second
	flapThreshold = 3
)

// flapDetector counts rapid state oscillations per node. Flaps never
// suppress reconciliation; they only feed metrics and logs.
type flapDetector struct {
	clock clockwork.Clock

	mu          sync.Mutex
	transitions map[string][]time.Time
}

func newFlapDetector(clock clockwork.Clock) *flapDetector {
	return &flapDetector{
		clock:       clock,
		transitions: make(map[string][]time.Time),
	}
}

// Record notes one transition for the node and reports whether the
// node is now flapping.
func (f *flapDetector) Record(key string) bool {
	now := f.clock.Now()
	cutoff := now.Add(-flapWindow)

	f.mu.Lock()
	defer f.mu.Unlock()

	recent := f.transitions[key][:0]
	for _, t := range f.transitions[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	f.transitions[key] = recent
	return len(recent) >= flapThreshold
}
