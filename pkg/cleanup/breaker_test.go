package cleanup

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/riannom/archetype/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	b := newBreaker("test", fc)

	for i := 0; i < breakerMaxFailures-1; i++ {
		assert.True(t, b.Allow())
		b.Failure()
	}
	assert.True(t, b.Allow(), "still closed one failure short of the threshold")
	b.Failure()

	assert.False(t, b.Allow(), "open after the threshold")
	fc.Advance(breakerCooldown - time.Second)
	assert.False(t, b.Allow(), "still inside the cooldown")
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	b := newBreaker("test", fc)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.True(t, b.Allow(), "success cleared the streak")
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	b := newBreaker("test", fc)

	for i := 0; i < breakerMaxFailures; i++ {
		b.Failure()
	}
	fc.Advance(breakerCooldown)

	assert.True(t, b.Allow(), "half-open grants one probe")
	assert.False(t, b.Allow(), "no second probe while the first is in flight")

	b.Success()
	assert.True(t, b.Allow(), "probe success closes the breaker")
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	b := newBreaker("test", fc)

	for i := 0; i < breakerMaxFailures; i++ {
		b.Failure()
	}
	fc.Advance(breakerCooldown)
	assert.True(t, b.Allow())
	b.Failure()

	assert.False(t, b.Allow(), "probe failure restarts the cooldown")
	fc.Advance(breakerCooldown)
	assert.True(t, b.Allow(), "next probe after another full cooldown")
}

func TestDispatchRetriesOnceThenCountsFailure(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	c := NewConsumer(nil, fc)

	var calls int
	c.Handle(AgentOffline, func(ctx context.Context, ev Event) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.dispatch(context.Background(), Event{Type: AgentOffline, AgentID: "host-a"})
	}()
	// The retry pause blocks on the fake clock.
	fc.BlockUntil(1)
	fc.Advance(retryDelay)
	<-done

	assert.Equal(t, 2, calls)
	assert.True(t, c.Dirty(), "retry success still marks dirty")
	assert.False(t, c.Dirty(), "dirty flag clears on read")
	assert.Equal(t, 0, c.breakers[AgentOffline].failures, "success after retry leaves breaker closed")
}

func TestDispatchUnhandledTypeIsIgnored(t *testing.T) {
	c := NewConsumer(nil, clockwork.NewFakeClock())
	c.dispatch(context.Background(), Event{Type: LabDeleted})
	assert.False(t, c.Dirty())
}
