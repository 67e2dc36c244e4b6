package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/riannom/archetype/pkg/agentrpc"
	"github.com/riannom/archetype/pkg/config"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/metrics"
	"github.com/riannom/archetype/pkg/registry"
	"github.com/riannom/archetype/pkg/store"
)

// Sweeper runs the periodic retention and orphan sweeps. The sweeps
// are the safety net for events the bounded queue dropped: everything
// an event handler does is eventually re-derivable from a sweep.
type Sweeper struct {
	store    store.Store
	registry *registry.Registry
	rpc      *agentrpc.Client
	cfg      *config.Config
	clock    clockwork.Clock

	// dirty reports (and clears) whether any cleanup handler ran since
	// the last sweep; a dirty process also prunes agent-side docker
	// leftovers.
	dirty func() bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a Sweeper. dirty may be nil.
func NewSweeper(st store.Store, reg *registry.Registry, rpc *agentrpc.Client, cfg *config.Config, clock clockwork.Clock, dirty func() bool) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sweeper{
		store:    st,
		registry: reg,
		rpc:      rpc,
		cfg:      cfg,
		clock:    clock,
		dirty:    dirty,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start(interval time.Duration) {
	go s.run(interval)
}

// Stop halts the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(interval time.Duration) {
	defer close(s.doneCh)
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			s.RunOnce(ctx)
			cancel()
		}
	}
}

// RunOnce performs one full sweep cycle.
func (s *Sweeper) RunOnce(ctx context.Context) {
	logger := log.WithComponent("cleanup")
	metrics.CleanupSweepsTotal.Inc()

	now := s.clock.Now()
	jobCutoff := now.AddDate(0, 0, -s.cfg.JobRetentionDays)
	if n, err := s.store.DeleteJobsOlderThan(ctx, jobCutoff); err != nil {
		logger.Warn().Err(err).Msg("job retention sweep failed")
	} else if n > 0 {
		logger.Info().Int("deleted", n).Msg("expired terminal jobs removed")
	}

	snapCutoff := now.AddDate(0, 0, -s.cfg.SnapshotRetentionDays)
	if n, err := s.store.DeleteSnapshotsOlderThan(ctx, snapCutoff); err != nil {
		logger.Warn().Err(err).Msg("snapshot retention sweep failed")
	} else if n > 0 {
		logger.Info().Int("deleted", n).Msg("expired config snapshots removed")
	}

	s.sweepPlacements(ctx)
	s.sweepReservations(ctx)
	s.sweepAgents(ctx)
}

// sweepReservations releases endpoint reservations whose link no longer
// exists, so a dropped link-removed event cannot pin an endpoint
// forever.
func (s *Sweeper) sweepReservations(ctx context.Context) {
	logger := log.WithComponent("cleanup")
	labs, err := s.store.ListLabs(ctx)
	if err != nil {
		return
	}
	for _, lab := range labs {
		reservations, err := s.store.ListReservations(ctx, lab.ID)
		if err != nil {
			continue
		}
		released := map[string]bool{}
		for _, res := range reservations {
			if released[res.LinkID] {
				continue
			}
			if _, err := s.store.GetLinkState(ctx, res.LinkID); !errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err := s.store.ReleaseReservationsForLink(ctx, res.LinkID); err != nil {
				logger.Warn().Err(err).Str("link_id", res.LinkID).Msg("orphan reservation release failed")
				continue
			}
			released[res.LinkID] = true
			log.WithLab(lab.ID).Info().Str("link_id", res.LinkID).Msg("orphan endpoint reservations released")
		}
	}
}

// sweepPlacements removes placements that name nodes no longer present
// in their lab.
func (s *Sweeper) sweepPlacements(ctx context.Context) {
	logger := log.WithComponent("cleanup")
	labs, err := s.store.ListLabs(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("placement sweep: lab list failed")
		return
	}
	for _, lab := range labs {
		nodes, err := s.store.ListNodes(ctx, lab.ID)
		if err != nil {
			continue
		}
		known := make(map[string]bool, len(nodes))
		for _, n := range nodes {
			known[n.Name] = true
		}
		placements, err := s.store.ListPlacements(ctx, lab.ID)
		if err != nil {
			continue
		}
		for _, p := range placements {
			if known[p.NodeName] {
				continue
			}
			if err := s.store.DeletePlacement(ctx, lab.ID, p.NodeName); err != nil {
				logger.Warn().Err(err).Str("node", p.NodeName).Msg("orphan placement delete failed")
				continue
			}
			log.WithLab(lab.ID).Info().Str("node", p.NodeName).Msg("orphan placement removed")
		}
	}
}

// sweepAgents tells every online agent which labs are valid so it can
// clean up leftovers from labs this controller no longer knows, and
// prunes docker debris when a cleanup handler ran since the last sweep.
func (s *Sweeper) sweepAgents(ctx context.Context) {
	logger := log.WithComponent("cleanup")
	labs, err := s.store.ListLabs(ctx)
	if err != nil {
		return
	}
	validIDs := make([]string, 0, len(labs))
	for _, lab := range labs {
		validIDs = append(validIDs, lab.ID)
	}

	prune := s.dirty != nil && s.dirty()

	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return
	}
	for _, agent := range agents {
		if !s.registry.Online(agent) {
			continue
		}
		if err := s.rpc.CleanupOrphans(ctx, agent, validIDs); err != nil {
			logger.Warn().Err(err).Str("agent_id", agent.ID).Msg("agent orphan cleanup failed")
		}
		if prune {
			if err := s.rpc.PruneDocker(ctx, agent, agentrpc.PruneOptions{DanglingImages: true}); err != nil {
				logger.Warn().Err(err).Str("agent_id", agent.ID).Msg("agent docker prune failed")
			}
		}
	}
}
