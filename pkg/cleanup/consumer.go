package cleanup

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/riannom/archetype/pkg/bus"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/metrics"
)

// Queue bounds: hard capacity and the depth that triggers a warning.
const (
	queueCapacity  = 100
	queueWarnDepth = 50
)

// retryDelay is the pause before the single in-handler retry.
const retryDelay = 2 * time.Second

// Handler reacts to one event type.
type Handler func(ctx context.Context, ev Event) error

// Consumer subscribes to the cleanup channel, buffers raw events in a
// bounded in-process queue, and drains them sequentially through
// breaker-guarded handlers. Dropped events are covered by the periodic
// sweeps.
type Consumer struct {
	bus   *bus.Bus
	clock clockwork.Clock

	handlers map[EventType]Handler
	breakers map[EventType]*breaker
	queue    chan Event
	dirty    atomic.Bool

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewConsumer creates a Consumer. Register handlers before Start.
func NewConsumer(b *bus.Bus, clock clockwork.Clock) *Consumer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Consumer{
		bus:      b,
		clock:    clock,
		handlers: make(map[EventType]Handler),
		breakers: make(map[EventType]*breaker),
		queue:    make(chan Event, queueCapacity),
		doneCh:   make(chan struct{}),
	}
}

// Handle registers the handler for an event type. Last registration
// wins.
func (c *Consumer) Handle(t EventType, h Handler) {
	c.handlers[t] = h
	c.breakers[t] = newBreaker(string(t), c.clock)
}

// Start subscribes to the bus channel and launches the receive and
// worker goroutines.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	msgs, err := c.bus.Subscribe(ctx, Channel)
	if err != nil {
		c.cancel()
		return err
	}
	go c.receive(msgs)
	go c.work(ctx)
	return nil
}

// Stop cancels the subscription and waits for the worker to drain.
func (c *Consumer) Stop() {
	c.cancel()
	<-c.doneCh
}

// Dirty reports and clears the process-wide cleanup-dirty flag set by
// any successful handler.
func (c *Consumer) Dirty() bool {
	return c.dirty.Swap(false)
}

// receive pumps raw bus messages into the bounded queue, dropping with
// a warning when it is full.
func (c *Consumer) receive(msgs <-chan []byte) {
	logger := log.WithComponent("cleanup")
	for raw := range msgs {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Warn().Err(err).Msg("unparseable cleanup event dropped")
			continue
		}
		select {
		case c.queue <- ev:
			depth := len(c.queue)
			metrics.CleanupQueueDepth.Set(float64(depth))
			if depth > queueWarnDepth {
				logger.Warn().Int("depth", depth).Msg("cleanup queue filling up")
			}
		default:
			metrics.CleanupEventsDropped.Inc()
			logger.Warn().Str("type", string(ev.Type)).Msg("cleanup queue full, event dropped")
		}
	}
	close(c.queue)
}

// work drains the queue sequentially.
func (c *Consumer) work(ctx context.Context) {
	defer close(c.doneCh)
	for ev := range c.queue {
		metrics.CleanupQueueDepth.Set(float64(len(c.queue)))
		c.dispatch(ctx, ev)
	}
}

func (c *Consumer) dispatch(ctx context.Context, ev Event) {
	logger := log.WithComponent("cleanup")
	handler, ok := c.handlers[ev.Type]
	if !ok {
		metrics.CleanupEventsTotal.WithLabelValues(string(ev.Type), "unhandled").Inc()
		return
	}
	br := c.breakers[ev.Type]
	if !br.Allow() {
		metrics.CleanupEventsTotal.WithLabelValues(string(ev.Type), "breaker_open").Inc()
		logger.Debug().Str("type", string(ev.Type)).Msg("handler breaker open, event skipped")
		return
	}

	err := handler(ctx, ev)
	if err != nil {
		// One retry after a brief pause before the breaker counts the
		// failure.
		c.clock.Sleep(retryDelay)
		err = handler(ctx, ev)
	}
	if err != nil {
		br.Failure()
		metrics.CleanupEventsTotal.WithLabelValues(string(ev.Type), "error").Inc()
		logger.Error().Err(err).Str("type", string(ev.Type)).Msg("cleanup handler failed")
		return
	}
	br.Success()
	c.dirty.Store(true)
	metrics.CleanupEventsTotal.WithLabelValues(string(ev.Type), "ok").Inc()
}
