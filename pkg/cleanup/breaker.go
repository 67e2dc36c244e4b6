package cleanup

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/riannom/archetype/pkg/metrics"
)

// Breaker defaults: consecutive failures before opening and how long
// the breaker stays open before a half-open probe.
const (
	breakerMaxFailures = 3
	breakerCooldown    = 60 * time.Second
)

// breaker guards one handler type. Closed: invoke freely. Open: skip.
// Half-open after the cooldown: one probe; its outcome closes or
// re-opens the breaker.
type breaker struct {
	name  string
	clock clockwork.Clock

	mu       sync.Mutex
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(name string, clock clockwork.Clock) *breaker {
	return &breaker{name: name, clock: clock}
}

// Allow reports whether the next invocation may proceed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < breakerMaxFailures {
		return true
	}
	if b.probing {
		return false
	}
	if b.clock.Now().Sub(b.openedAt) >= breakerCooldown {
		b.probing = true
		return true
	}
	return false
}

// Success closes the breaker and clears its counters.
func (b *breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	metrics.CleanupBreakerOpen.WithLabelValues(b.name).Set(0)
}

// Failure increments the counter, opening (or re-opening) the breaker
// at the threshold.
func (b *breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.failures >= breakerMaxFailures {
		b.openedAt = b.clock.Now()
		metrics.CleanupBreakerOpen.WithLabelValues(b.name).Set(1)
	}
}
