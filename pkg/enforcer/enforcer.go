package enforcer

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/riannom/archetype/pkg/broadcast"
	"github.com/riannom/archetype/pkg/bus"
	"github.com/riannom/archetype/pkg/config"
	"github.com/riannom/archetype/pkg/jobs"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/metrics"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

// Enforcer closes the gap between desired and actual node state. One
// instance runs per controller worker; cooldown keys and row locks in
// the shared substrate keep concurrent workers from double-dispatching.
type Enforcer struct {
	store       store.Store
	bus         *bus.Bus
	cfg         *config.Config
	pipeline    *jobs.Pipeline
	broadcaster *broadcast.Broadcaster
	clock       clockwork.Clock

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an Enforcer.
func New(st store.Store, b *bus.Bus, cfg *config.Config, pipeline *jobs.Pipeline, bc *broadcast.Broadcaster, clock clockwork.Clock) *Enforcer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Enforcer{
		store:       st,
		bus:         b,
		cfg:         cfg,
		pipeline:    pipeline,
		broadcaster: bc,
		clock:       clock,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the periodic enforcement loop.
func (e *Enforcer) Start(interval time.Duration) {
	go e.run(interval)
}

// Stop halts the loop and waits for it to exit.
func (e *Enforcer) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Enforcer) run(interval time.Duration) {
	defer close(e.doneCh)
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			e.EnforceAll(ctx)
			cancel()
		}
	}
}

// EnforceAll runs one enforcement pass over every drifted node state.
func (e *Enforcer) EnforceAll(ctx context.Context) {
	drifted, err := e.store.ListDriftedNodeStates(ctx)
	if err != nil {
		log.WithComponent("enforcer").Error().Err(err).Msg("drift query failed")
		return
	}
	for _, ns := range drifted {
		e.EnforceNode(ctx, ns)
	}
}

// EnforceNode runs one enforcement decision for one node. Skips apply
// in order: active conflicting job, transitional state, cooldown,
// exhausted circuit, locked row.
func (e *Enforcer) EnforceNode(ctx context.Context, ns *types.NodeState) {
	logger := log.WithLab(ns.LabID)

	if e.hasConflictingJob(ctx, ns.LabID) {
		return
	}
	if ns.Actual == types.NodeActualStarting || ns.Actual == types.NodeActualStopping {
		return
	}
	if ns.Actual == types.NodeActualError &&
		ns.Desired == types.NodeDesiredRunning && !e.cfg.EnforcementAutoRestart {
		return
	}

	cooldownKey := bus.CooldownKey(ns.LabID, ns.NodeID)
	cooling, err := e.bus.InCooldown(ctx, cooldownKey)
	if err != nil {
		logger.Warn().Err(err).Str("node", ns.NodeName).Msg("cooldown check failed, skipping node")
		return
	}
	if cooling {
		return
	}

	// Claim the row with skip-locked, re-check drift under the lock,
	// and update the attempt counters in one transaction. A skipped or
	// missing row means another worker is on it or the node is gone.
	var dispatch, exhaustedNow bool
	err = e.store.InTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetNodeStateSkipLocked(ctx, ns.LabID, ns.NodeID)
		if err != nil {
			return err
		}
		if !drifted(locked) {
			return nil
		}
		if locked.EnforcementAttempts >= e.cfg.EnforcementMaxRetries {
			if locked.EnforcementFailedAt == nil {
				now := e.clock.Now()
				locked.EnforcementFailedAt = &now
				locked.Actual = types.NodeActualError
				locked.ErrorMessage = "enforcement retries exhausted; change desired state to retry"
				if err := tx.UpdateNodeState(ctx, locked); err != nil {
					return err
				}
				metrics.EnforcementExhaustedTotal.Inc()
				logger.Error().Str("node", locked.NodeName).Msg("enforcement circuit open")
				*ns = *locked
				exhaustedNow = true
			}
			return nil
		}
		now := e.clock.Now()
		locked.EnforcementAttempts++
		locked.LastEnforcementAt = &now
		if err := tx.UpdateNodeState(ctx, locked); err != nil {
			return err
		}
		*ns = *locked
		dispatch = true
		return nil
	})
	if errors.Is(err, store.ErrRowLocked) || errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("node", ns.NodeName).Msg("enforcement bookkeeping failed")
		return
	}
	if exhaustedNow {
		e.broadcaster.PublishNodeState(ns)
		return
	}
	if !dispatch {
		return
	}

	if err := e.bus.SetCooldown(ctx, cooldownKey, e.cfg.EnforcementCooldown); err != nil {
		logger.Warn().Err(err).Str("node", ns.NodeName).Msg("cooldown arm failed")
	}
	metrics.EnforcementAttemptsTotal.Inc()

	lab, err := e.store.GetLab(ctx, ns.LabID)
	if err != nil {
		logger.Error().Err(err).Msg("enforcement: lab load failed")
		return
	}
	verb := agentVerb(ns.Desired)
	logger.Info().
		Str("node", ns.NodeName).
		Str("verb", verb).
		Int("attempt", ns.EnforcementAttempts).
		Msg("enforcing desired state")
	if _, err := e.pipeline.DispatchNodeAction(ctx, lab, ns, verb); err != nil {
		logger.Warn().Err(err).Str("node", ns.NodeName).Msg("enforcement dispatch failed")
	}
}

func (e *Enforcer) hasConflictingJob(ctx context.Context, labID string) bool {
	active, err := e.store.ListActiveJobsForLab(ctx, labID)
	if err != nil {
		log.WithLab(labID).Warn().Err(err).Msg("active job query failed, skipping enforcement")
		return true
	}
	mine := jobs.Action{Verb: jobs.VerbSync}
	for _, j := range active {
		other, err := jobs.ParseAction(j.Action)
		if err != nil {
			continue
		}
		if mine.ConflictsWith(other) {
			return true
		}
	}
	return false
}

func drifted(ns *types.NodeState) bool {
	switch ns.Desired {
	case types.NodeDesiredRunning:
		return ns.Actual != types.NodeActualRunning && ns.Actual != types.NodeActualStarting
	case types.NodeDesiredStopped:
		return ns.Actual != types.NodeActualStopped &&
			ns.Actual != types.NodeActualStopping &&
			ns.Actual != types.NodeActualUndeployed
	}
	return false
}

func agentVerb(desired types.NodeDesiredState) string {
	if desired == types.NodeDesiredRunning {
		return "start"
	}
	return "stop"
}
