package overlay

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/riannom/archetype/pkg/agentrpc"
	"github.com/riannom/archetype/pkg/broadcast"
	"github.com/riannom/archetype/pkg/links"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/metrics"
	"github.com/riannom/archetype/pkg/registry"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

// FeatureDeclareState is the capability an agent advertises when it
// implements declare-state convergence.
const FeatureDeclareState = "declare_overlay_state"

// Convergence periodically makes every agent's VTEP set exactly equal
// to the set the controller intends.
type Convergence struct {
	store       store.Store
	registry    *registry.Registry
	rpc         *agentrpc.Client
	broadcaster *broadcast.Broadcaster
	clock       clockwork.Clock

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Convergence loop.
func New(st store.Store, reg *registry.Registry, rpc *agentrpc.Client, bc *broadcast.Broadcaster, clock clockwork.Clock) *Convergence {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Convergence{
		store:       st,
		registry:    reg,
		rpc:         rpc,
		broadcaster: bc,
		clock:       clock,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the periodic convergence loop.
func (c *Convergence) Start(interval time.Duration) {
	go c.run(interval)
}

// Stop halts the loop and waits for it to exit.
func (c *Convergence) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Convergence) run(interval time.Duration) {
	defer close(c.doneCh)
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			c.RunOnce(ctx)
			cancel()
		}
	}
}

// declaredEntry pairs a wire entry with the link and side it belongs
// to, so results can be written back.
type declaredEntry struct {
	entry  agentrpc.OverlayEntry
	linkID string
	side   string // "source" or "target"
}

// RunOnce runs one convergence pass over every online agent. Agents
// with an empty declared set are not called at all.
func (c *Convergence) RunOnce(ctx context.Context) {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		log.WithComponent("overlay").Error().Err(err).Msg("agent list failed")
		return
	}

	perAgent, err := c.declaredSets(ctx)
	if err != nil {
		log.WithComponent("overlay").Error().Err(err).Msg("declared set computation failed")
		return
	}

	for _, agent := range agents {
		if !c.registry.Online(agent) {
			continue
		}
		declared := perAgent[agent.ID]
		if len(declared) == 0 {
			continue
		}
		c.convergeAgent(ctx, agent, declared)
	}

	c.updateTunnelGauges(ctx)
}

// declaredSets computes, per agent, the VTEP entries it should hold:
// every active tunnel split so each side sees itself as local, plus
// in-progress cross-host links so the agent does not sweep them as
// orphans mid-setup.
func (c *Convergence) declaredSets(ctx context.Context) (map[string][]declaredEntry, error) {
	out := map[string][]declaredEntry{}

	tunnels, err := c.store.ListTunnelsByStatus(ctx, types.TunnelActive)
	if err != nil {
		return nil, err
	}
	covered := map[string]bool{}
	for _, t := range tunnels {
		ls, err := c.store.GetLinkState(ctx, t.LinkID)
		if err != nil {
			continue
		}
		if ls.Desired != types.LinkDesiredUp {
			continue
		}
		covered[t.LinkID] = true
		out[t.AgentAID] = append(out[t.AgentAID], declaredEntry{
			linkID: t.LinkID,
			side:   "source",
			entry: agentrpc.OverlayEntry{
				LinkID:       t.LinkID,
				LabID:        t.LabID,
				PortName:     t.PortName,
				VNI:          t.VNI,
				LocalIP:      t.AgentAIP,
				RemoteIP:     t.AgentBIP,
				ExpectedVLAN: ls.SourceVLANTag,
			},
		})
		out[t.AgentBID] = append(out[t.AgentBID], declaredEntry{
			linkID: t.LinkID,
			side:   "target",
			entry: agentrpc.OverlayEntry{
				LinkID:       t.LinkID,
				LabID:        t.LabID,
				PortName:     t.PortName,
				VNI:          t.VNI,
				LocalIP:      t.AgentBIP,
				RemoteIP:     t.AgentAIP,
				ExpectedVLAN: ls.TargetVLANTag,
			},
		})
	}

	// In-progress cross-host links have a VNI but no tunnel row yet.
	labs, err := c.store.ListLabs(ctx)
	if err != nil {
		return nil, err
	}
	for _, lab := range labs {
		linkStates, err := c.store.ListLinkStates(ctx, lab.ID)
		if err != nil {
			return nil, err
		}
		for _, ls := range linkStates {
			if !ls.IsCrossHost || ls.VNI == 0 || covered[ls.ID] {
				continue
			}
			if ls.Actual != types.LinkActualConnecting {
				continue
			}
			srcIP, dstIP := c.agentIPs(ctx, ls.SourceHostID, ls.TargetHostID)
			if srcIP == "" || dstIP == "" {
				continue
			}
			port := links.PortName(ls.VNI)
			out[ls.SourceHostID] = append(out[ls.SourceHostID], declaredEntry{
				linkID: ls.ID, side: "source",
				entry: agentrpc.OverlayEntry{
					LinkID: ls.ID, LabID: ls.LabID, PortName: port, VNI: ls.VNI,
					LocalIP: srcIP, RemoteIP: dstIP, ExpectedVLAN: ls.SourceVLANTag,
				},
			})
			out[ls.TargetHostID] = append(out[ls.TargetHostID], declaredEntry{
				linkID: ls.ID, side: "target",
				entry: agentrpc.OverlayEntry{
					LinkID: ls.ID, LabID: ls.LabID, PortName: port, VNI: ls.VNI,
					LocalIP: dstIP, RemoteIP: srcIP, ExpectedVLAN: ls.TargetVLANTag,
				},
			})
		}
	}
	return out, nil
}

func (c *Convergence) agentIPs(ctx context.Context, aID, bID string) (string, string) {
	a, errA := c.store.GetAgent(ctx, aID)
	b, errB := c.store.GetAgent(ctx, bID)
	if errA != nil || errB != nil {
		return "", ""
	}
	return hostOnly(a.Address), hostOnly(b.Address)
}

func (c *Convergence) convergeAgent(ctx context.Context, agent *types.Agent, declared []declaredEntry) {
	logger := log.WithAgent(agent.ID)

	if !agent.HasFeature(FeatureDeclareState) {
		// Legacy whitelist fallback: the agent removes any port not in
		// the valid set but reports nothing per entry.
		ports := make([]string, 0, len(declared))
		for _, d := range declared {
			ports = append(ports, d.entry.PortName)
		}
		if err := c.rpc.ReconcileVxlanPorts(ctx, agent, ports, false, true, false); err != nil {
			logger.Warn().Err(err).Msg("vxlan port whitelist reconcile failed")
		}
		return
	}

	entries := make([]agentrpc.OverlayEntry, 0, len(declared))
	for _, d := range declared {
		entries = append(entries, d.entry)
	}
	res, err := c.rpc.DeclareOverlayState(ctx, agent, entries)
	if err != nil {
		logger.Warn().Err(err).Msg("declare-state call failed")
		return
	}

	byLink := map[string]agentrpc.OverlayEntryResult{}
	for _, r := range res.Results {
		byLink[r.LinkID] = r
	}
	for _, d := range declared {
		r, ok := byLink[d.linkID]
		if !ok {
			continue
		}
		switch r.Status {
		case "converged", "created":
			c.markAttached(ctx, d.linkID, d.side)
		case "error":
			logger.Warn().
				Str("link_id", d.linkID).
				Str("error", r.Error).
				Msg("overlay entry failed to converge")
		}
	}
	if len(res.OrphansRemoved) > 0 {
		logger.Info().
			Strs("ports", res.OrphansRemoved).
			Msg("agent removed orphan overlay ports")
	}
}

// markAttached records that one side of a link has its VTEP in place,
// recomputing the operational state.
func (c *Convergence) markAttached(ctx context.Context, linkID, side string) {
	var updated *types.LinkState
	var changed bool
	err := c.store.InTx(ctx, func(tx store.Store) error {
		ls, err := tx.GetLinkStateForUpdate(ctx, linkID)
		if err != nil {
			return err
		}
		already := (side == "source" && ls.SourceVXLANAttached) ||
			(side == "target" && ls.TargetVXLANAttached)
		if side == "source" {
			ls.SourceVXLANAttached = true
		} else {
			ls.TargetVXLANAttached = true
		}
		operChanged := links.RecomputeOperState(ls)
		changed = !already || operChanged
		if !changed {
			return nil
		}
		updated = ls
		return tx.UpdateLinkState(ctx, ls)
	})
	if err != nil {
		log.WithComponent("overlay").Warn().Err(err).Str("link_id", linkID).Msg("attach flag update failed")
		return
	}
	if changed && updated != nil {
		c.broadcaster.PublishLinkState(updated)
	}
}

func (c *Convergence) updateTunnelGauges(ctx context.Context) {
	for _, status := range []types.TunnelStatus{types.TunnelActive, types.TunnelCleanup, types.TunnelFailed} {
		tunnels, err := c.store.ListTunnelsByStatus(ctx, status)
		if err != nil {
			return
		}
		metrics.VxlanTunnelsTotal.WithLabelValues(string(status)).Set(float64(len(tunnels)))
	}
}

func hostOnly(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
