package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/riannom/archetype/pkg/agentrpc"
	"github.com/riannom/archetype/pkg/broadcast"
	"github.com/riannom/archetype/pkg/lifecycle"
	"github.com/riannom/archetype/pkg/links"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/metrics"
	"github.com/riannom/archetype/pkg/registry"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

// Reconciler imports observed state from agents into the database,
// detecting drift, readiness, orphans, and flaps, and aggregating lab
// state.
type Reconciler struct {
	store       store.Store
	registry    *registry.Registry
	rpc         *agentrpc.Client
	links       *links.Orchestrator
	broadcaster *broadcast.Broadcaster
	clock       clockwork.Clock
	flaps       *flapDetector

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Reconciler.
func New(st store.Store, reg *registry.Registry, rpc *agentrpc.Client, lo *links.Orchestrator, bc *broadcast.Broadcaster, clock clockwork.Clock) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		store:       st,
		registry:    reg,
		rpc:         rpc,
		links:       lo,
		broadcaster: bc,
		clock:       clock,
		flaps:       newFlapDetector(clock),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the periodic reconciliation loop.
func (r *Reconciler) Start(interval time.Duration) {
	go r.run(interval)
}

// Stop halts the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run(interval time.Duration) {
	defer close(r.doneCh)
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			r.RunOnce(ctx)
			cancel()
		}
	}
}

// RunOnce reconciles every lab and refreshes the fleet gauges.
func (r *Reconciler) RunOnce(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()

	labs, err := r.store.ListLabs(ctx)
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("lab list failed")
		return
	}
	for _, lab := range labs {
		if err := r.ReconcileLab(ctx, lab.ID); err != nil {
			log.WithLab(lab.ID).Warn().Err(err).Msg("lab reconciliation failed")
		}
	}
	r.sweepUnknownLabs(ctx, labs)
	r.updateGauges(ctx, labs)
}

// sweepUnknownLabs asks each online agent which labs it carries and
// logs any this controller does not know. Removal is left to the
// operator; routine reconciliation never destroys unknown workloads.
func (r *Reconciler) sweepUnknownLabs(ctx context.Context, labs []*types.Lab) {
	known := make(map[string]bool, len(labs))
	for _, lab := range labs {
		known[lab.ID] = true
	}
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return
	}
	for _, agent := range agents {
		if !r.registry.Online(agent) {
			continue
		}
		discovered, err := r.rpc.DiscoverLabs(ctx, agent)
		if err != nil {
			continue
		}
		for _, d := range discovered {
			if known[d.LabID] {
				continue
			}
			log.WithComponent("reconciler").Warn().
				Str("agent_id", agent.ID).
				Str("lab_id", d.LabID).
				Int("nodes", len(d.Nodes)).
				Msg("unknown lab observed on agent")
		}
	}
}

// observation is the merged agent view of one node.
type observation struct {
	status  string
	agent   *types.Agent
	partial bool // true when some carrying host could not be queried
}

// ReconcileLab imports the observed state of one lab.
func (r *Reconciler) ReconcileLab(ctx context.Context, labID string) error {
	nodes, err := r.store.ListNodes(ctx, labID)
	if err != nil {
		return err
	}
	placements, err := r.store.ListPlacements(ctx, labID)
	if err != nil {
		return err
	}

	hosts := map[string]bool{}
	for _, p := range placements {
		hosts[p.AgentID] = true
	}
	for _, n := range nodes {
		if n.HostPin != "" {
			hosts[n.HostPin] = true
		}
	}

	observed := map[string]observation{}
	known := map[string]bool{}
	for _, n := range nodes {
		known[n.Name] = true
	}
	partial := false
	for hostID := range hosts {
		agent, err := r.store.GetAgent(ctx, hostID)
		if err != nil || !r.registry.Online(agent) {
			partial = true
			continue
		}
		statuses, err := r.rpc.GetLabStatus(ctx, agent, labID)
		if err != nil {
			partial = true
			continue
		}
		for _, s := range statuses {
			if !known[s.NodeName] {
				// Orphan: observed on an agent but unknown here. Never
				// destroyed from routine reconciliation; an explicit
				// administrative action handles removal.
				log.WithLab(labID).Warn().
					Str("node", s.NodeName).
					Str("agent_id", agent.ID).
					Msg("orphan node observed on agent")
				continue
			}
			observed[s.NodeName] = observation{status: s.Status, agent: agent}
		}
	}

	for _, n := range nodes {
		obs, seen := observed[n.Name]
		obs.partial = partial
		if !seen {
			obs.status = ""
		}
		if err := r.reconcileNode(ctx, n, obs); err != nil {
			log.WithLab(labID).Warn().Err(err).Str("node", n.Name).Msg("node reconciliation failed")
		}
	}

	return r.aggregateLab(ctx, labID)
}

// mapStatus translates an agent's container/domain status into an
// actual state. Unknown strings leave the state untouched.
func mapStatus(status string) (types.NodeActualState, bool) {
	switch status {
	case "running", "up":
		return types.NodeActualRunning, true
	case "created", "starting", "restarting", "booting":
		return types.NodeActualStarting, true
	case "exited", "stopped", "shutoff":
		return types.NodeActualStopped, true
	case "stopping", "pausing":
		return types.NodeActualStopping, true
	case "dead", "oom", "error":
		return types.NodeActualError, true
	default:
		return "", false
	}
}

func (r *Reconciler) reconcileNode(ctx context.Context, node *types.Node, obs observation) error {
	var next types.NodeActualState
	switch {
	case obs.status != "":
		mapped, ok := mapStatus(obs.status)
		if !ok {
			return nil
		}
		next = mapped
	case obs.partial:
		// Some carrying host was unreachable: absence of a report
		// proves nothing this cycle.
		return nil
	default:
		next = types.NodeActualUndeployed
	}

	var updated *types.NodeState
	var becameRunning bool
	err := r.store.InTx(ctx, func(tx store.Store) error {
		ns, err := tx.GetNodeStateForUpdate(ctx, node.LabID, node.ID)
		if err != nil {
			return err
		}
		changed := false

		if ns.Actual != next && lifecycle.CanTransition(ns.Actual, next) {
			becameRunning = next == types.NodeActualRunning
			ns.Actual = next
			changed = true
			if r.flaps.Record(node.LabID + "/" + node.ID) {
				metrics.NodeFlapsTotal.WithLabelValues(node.LabID).Inc()
				log.WithLab(node.LabID).Warn().Str("node", node.Name).Msg("node state flapping")
			}
			// Recovery into a good state clears the stale error.
			if next == types.NodeActualRunning || next == types.NodeActualStopped {
				ns.ErrorMessage = ""
			}
		}

		ready := ns.IsReady
		if ns.Actual == types.NodeActualRunning {
			if !ns.IsReady && obs.agent != nil {
				probe, err := r.rpc.CheckNodeReadiness(ctx, obs.agent, node.LabID, node.Name, node.Kind)
				if err == nil {
					ready = probe.IsReady
				}
			}
		} else {
			ready = false
		}
		if ready != ns.IsReady {
			ns.IsReady = ready
			changed = true
		}

		if !changed {
			return nil
		}
		updated = ns
		return tx.UpdateNodeState(ctx, ns)
	})
	if errors.Is(err, store.ErrRowLocked) {
		return nil
	}
	if err != nil {
		return err
	}
	if updated != nil {
		r.broadcaster.PublishNodeState(updated)
		if becameRunning {
			r.links.OnNodeRunning(ctx, node.LabID, node.Name)
		}
	}
	return nil
}

// aggregateLab recomputes the lab state from its node states and
// records it when it changed.
func (r *Reconciler) aggregateLab(ctx context.Context, labID string) error {
	lab, err := r.store.GetLab(ctx, labID)
	if err != nil {
		return err
	}
	states, err := r.store.ListNodeStates(ctx, labID)
	if err != nil {
		return err
	}
	next, msg := lifecycle.AggregateLabState(states)

	// A lab that errored during deploy or destroy keeps that error
	// until something actually runs or everything stops.
	if lab.State == types.LabStateError &&
		next != types.LabStateRunning && next != types.LabStateStopped {
		return nil
	}
	if next == lab.State && msg == lab.ErrorMessage {
		return nil
	}
	if err := r.store.SetLabState(ctx, labID, next, msg); err != nil {
		return err
	}
	r.broadcaster.PublishLabState(labID, next, msg)
	return nil
}

func (r *Reconciler) updateGauges(ctx context.Context, labs []*types.Lab) {
	labCounts := map[types.LabState]int{}
	nodeCounts := map[types.NodeActualState]int{}
	linkCounts := map[string]int{}
	for _, lab := range labs {
		labCounts[lab.State]++
		states, err := r.store.ListNodeStates(ctx, lab.ID)
		if err == nil {
			for _, ns := range states {
				nodeCounts[ns.Actual]++
			}
		}
		linkStates, err := r.store.ListLinkStates(ctx, lab.ID)
		if err == nil {
			for _, ls := range linkStates {
				cross := "false"
				if ls.IsCrossHost {
					cross = "true"
				}
				linkCounts[string(ls.Actual)+"|"+cross]++
			}
		}
	}
	for state, n := range labCounts {
		metrics.LabsTotal.WithLabelValues(string(state)).Set(float64(n))
	}
	for state, n := range nodeCounts {
		metrics.NodeStatesTotal.WithLabelValues(string(state)).Set(float64(n))
	}
	for key, n := range linkCounts {
		state, cross := splitGaugeKey(key)
		metrics.LinksTotal.WithLabelValues(state, cross).Set(float64(n))
	}
}

func splitGaugeKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, "false"
}
