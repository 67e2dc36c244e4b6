package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/riannom/archetype/pkg/agentrpc"
	"github.com/riannom/archetype/pkg/api"
	"github.com/riannom/archetype/pkg/broadcast"
	"github.com/riannom/archetype/pkg/bus"
	"github.com/riannom/archetype/pkg/carrier"
	"github.com/riannom/archetype/pkg/cleanup"
	"github.com/riannom/archetype/pkg/config"
	"github.com/riannom/archetype/pkg/enforcer"
	"github.com/riannom/archetype/pkg/jobs"
	"github.com/riannom/archetype/pkg/links"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/overlay"
	"github.com/riannom/archetype/pkg/reconciler"
	"github.com/riannom/archetype/pkg/registry"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

// Controller owns every component and their background loops. One
// Controller runs per process.
type Controller struct {
	cfg *config.Config

	store       store.Store
	bus         *bus.Bus
	rpc         *agentrpc.Client
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	links       *links.Orchestrator
	carrier     *carrier.Propagator
	pipeline    *jobs.Pipeline
	enforcer    *enforcer.Enforcer
	reconciler  *reconciler.Reconciler
	overlay     *overlay.Convergence
	consumer    *cleanup.Consumer
	sweeper     *cleanup.Sweeper
	api         *api.Server
}

// New wires every component against the shared store and bus.
func New(ctx context.Context, cfg *config.Config) (*Controller, error) {
	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	b, err := bus.New(ctx, cfg.RedisAddr)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("bus: %w", err)
	}

	c := &Controller{cfg: cfg, store: st, bus: b}
	clock := clockwork.NewRealClock()

	c.rpc = agentrpc.NewClient(cfg.AgentToken, cfg.AgentCallTimeout, cfg.AgentMaxRetries)
	c.broadcaster = broadcast.New()

	c.registry = registry.New(st, cfg.AgentStaleTimeout,
		registry.WithClock(clock),
		registry.WithOfflineFunc(c.onAgentsOffline),
	)

	c.links = links.New(st, b, c.registry, c.rpc, c.broadcaster)
	c.carrier = carrier.New(st, c.registry, c.rpc, c.broadcaster)

	c.pipeline = jobs.New(jobs.Deps{
		Store:        st,
		Bus:          b,
		Registry:     c.registry,
		RPC:          c.rpc,
		Config:       cfg,
		Broadcaster:  c.broadcaster,
		Links:        c.links,
		CallbackBase: cfg.CallbackBase,
		Clock:        clock,
	})

	c.enforcer = enforcer.New(st, b, cfg, c.pipeline, c.broadcaster, clock)
	c.reconciler = reconciler.New(st, c.registry, c.rpc, c.links, c.broadcaster, clock)
	c.overlay = overlay.New(st, c.registry, c.rpc, c.broadcaster, clock)

	c.consumer = cleanup.NewConsumer(b, clock)
	c.registerCleanupHandlers()
	c.sweeper = cleanup.NewSweeper(st, c.registry, c.rpc, cfg, clock, c.consumer.Dirty)

	c.api = api.NewServer(st, b, c.registry, c.pipeline, c.links, c.carrier, c.broadcaster, cfg)
	return c, nil
}

// Run starts every background loop and serves HTTP until ctx is
// cancelled.
func (c *Controller) Run(ctx context.Context) error {
	logger := log.WithComponent("controller")

	if err := c.consumer.Start(ctx); err != nil {
		return fmt.Errorf("cleanup consumer: %w", err)
	}
	c.registry.Start(c.cfg.AgentSweepInterval)
	c.pipeline.StartMonitor(c.cfg.JobMonitorInterval)
	c.enforcer.Start(c.cfg.EnforceInterval)
	c.reconciler.Start(c.cfg.ReconcileInterval)
	c.overlay.Start(c.cfg.OverlayInterval)
	c.sweeper.Start(c.cfg.CleanupSweepInterval)
	logger.Info().Msg("background loops started")

	errCh := make(chan error, 1)
	go func() { errCh <- c.api.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			c.shutdown()
			return err
		}
	}

	c.shutdown()
	return nil
}

func (c *Controller) shutdown() {
	logger := log.WithComponent("controller")
	logger.Info().Msg("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.api.Stop(shCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	c.sweeper.Stop()
	c.overlay.Stop()
	c.reconciler.Stop()
	c.enforcer.Stop()
	c.pipeline.StopMonitor()
	c.registry.Stop()
	c.consumer.Stop()

	c.rpc.Close()
	c.bus.Close()
	c.store.Close()
	logger.Info().Msg("shutdown complete")
}

// onAgentsOffline publishes an offline event per agent so cleanup
// invalidates what the host carried.
func (c *Controller) onAgentsOffline(ctx context.Context, agentIDs []string) {
	for _, id := range agentIDs {
		ev := cleanup.Event{Type: cleanup.AgentOffline, AgentID: id}
		if err := cleanup.Publish(ctx, c.bus, ev); err != nil {
			log.WithAgent(id).Warn().Err(err).Msg("offline event publish failed")
		}
	}
}

// registerCleanupHandlers binds event types to the components that
// react to them. The closures keep the cleanup package free of
// component dependencies.
func (c *Controller) registerCleanupHandlers() {
	c.consumer.Handle(cleanup.AgentOffline, func(ctx context.Context, ev cleanup.Event) error {
		// Image presence on an offline host is no longer trustworthy.
		if err := c.store.DeleteImageHostsForAgent(ctx, ev.AgentID); err != nil {
			return err
		}
		// Tunnels terminating on the host are dead until the next
		// cross-host setup rebuilds them.
		tunnels, err := c.store.ListTunnelsForAgent(ctx, ev.AgentID)
		if err != nil {
			return err
		}
		for _, t := range tunnels {
			if t.Status != types.TunnelActive {
				continue
			}
			if err := c.store.UpdateTunnelStatus(ctx, t.ID, types.TunnelFailed); err != nil {
				return err
			}
		}
		return nil
	})

	reconcileLab := func(ctx context.Context, ev cleanup.Event) error {
		if ev.LabID == "" {
			return nil
		}
		return c.reconciler.ReconcileLab(ctx, ev.LabID)
	}
	c.consumer.Handle(cleanup.DeployFinished, reconcileLab)
	c.consumer.Handle(cleanup.DestroyFinished, reconcileLab)
	c.consumer.Handle(cleanup.StateCheckRequested, reconcileLab)
	c.consumer.Handle(cleanup.NodeRemoved, reconcileLab)
	c.consumer.Handle(cleanup.NodePlacementChanged, reconcileLab)
	c.consumer.Handle(cleanup.LinkRemoved, reconcileLab)

	c.consumer.Handle(cleanup.LabDeleted, func(ctx context.Context, ev cleanup.Event) error {
		agents, err := c.store.ListAgents(ctx)
		if err != nil {
			return err
		}
		var firstErr error
		for _, agent := range agents {
			if !c.registry.Online(agent) {
				continue
			}
			if err := c.rpc.CleanupWorkspace(ctx, agent, ev.LabID); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}
