package links

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/google/uuid"

	"github.com/riannom/archetype/pkg/agentrpc"
	"github.com/riannom/archetype/pkg/broadcast"
	"github.com/riannom/archetype/pkg/bus"
	"github.com/riannom/archetype/pkg/cleanup"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/registry"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

// Orchestrator brings links up and down safely: endpoint reservations,
// same-host VLAN stitching, cross-host VXLAN setup, and two-phase
// teardown with rollback.
type Orchestrator struct {
	store       store.Store
	bus         *bus.Bus
	registry    *registry.Registry
	rpc         *agentrpc.Client
	broadcaster *broadcast.Broadcaster
}

// New creates an Orchestrator.
func New(st store.Store, b *bus.Bus, reg *registry.Registry, rpc *agentrpc.Client, bc *broadcast.Broadcaster) *Orchestrator {
	return &Orchestrator{store: st, bus: b, registry: reg, rpc: rpc, broadcaster: bc}
}

// AddLink records a new desired-up link between two endpoints. The
// runtime work happens later through ApplyLab or the pending-link
// path.
func (o *Orchestrator) AddLink(ctx context.Context, labID, nodeA, ifA, nodeB, ifB string) (*types.LinkState, error) {
	srcName, srcIf, dstName, dstIf := Ordered(nodeA, ifA, nodeB, ifB)
	src, err := o.store.GetNodeByName(ctx, labID, srcName)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", srcName, err)
	}
	dst, err := o.store.GetNodeByName(ctx, labID, dstName)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", dstName, err)
	}

	ls := &types.LinkState{
		ID:              uuid.NewString(),
		LabID:           labID,
		Name:            CanonicalName(nodeA, ifA, nodeB, ifB),
		SourceNodeID:    src.ID,
		SourceNodeName:  srcName,
		SourceInterface: srcIf,
		TargetNodeID:    dst.ID,
		TargetNodeName:  dstName,
		TargetInterface: dstIf,
		Desired:         types.LinkDesiredUp,
		Actual:          types.LinkActualPending,
		SourceCarrier:   types.CarrierOff,
		TargetCarrier:   types.CarrierOff,
	}
	if err := o.store.CreateLinkState(ctx, ls); err != nil {
		return nil, fmt.Errorf("create link %s: %w", ls.Name, err)
	}
	return ls, nil
}

// RemoveLink tears a link down and deletes its row.
func (o *Orchestrator) RemoveLink(ctx context.Context, linkID string) error {
	ls, err := o.store.GetLinkState(ctx, linkID)
	if err != nil {
		return err
	}
	ls.Desired = types.LinkDesiredDown
	if err := o.store.UpdateLinkState(ctx, ls); err != nil {
		return err
	}
	if err := o.TeardownLink(ctx, linkID); err != nil {
		return err
	}
	if err := o.store.DeleteLinkState(ctx, linkID); err != nil {
		return err
	}
	ev := cleanup.Event{Type: cleanup.LinkRemoved, LabID: ls.LabID, LinkName: ls.Name}
	if err := cleanup.Publish(ctx, o.bus, ev); err != nil {
		log.WithLink(ls.Name).Warn().Err(err).Msg("link-removed event publish failed")
	}
	return nil
}

// ApplyLab converges every link in the lab toward its desired state.
// Implements the job pipeline's LinkApplier.
func (o *Orchestrator) ApplyLab(ctx context.Context, labID string) error {
	linkStates, err := o.store.ListLinkStates(ctx, labID)
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}
	var firstErr error
	for _, ls := range linkStates {
		switch {
		case ls.Desired == types.LinkDesiredUp && ls.Actual != types.LinkActualUp:
			if err := o.ConnectLink(ctx, ls.ID); err != nil && firstErr == nil {
				firstErr = err
			}
		case ls.Desired == types.LinkDesiredDown &&
			ls.Actual != types.LinkActualDown && ls.Actual != types.LinkActualUnknown:
			if err := o.TeardownLink(ctx, ls.ID); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// OnNodeRunning reconsiders pending links touching a node that just
// reached running. Best-effort with skip-locked semantics so
// concurrent workers do not collide.
func (o *Orchestrator) OnNodeRunning(ctx context.Context, labID, nodeName string) {
	pending, err := o.store.ListPendingLinksForNodeSkipLocked(ctx, labID, nodeName)
	if err != nil {
		log.WithLab(labID).Warn().Err(err).Msg("pending link pickup failed")
		return
	}
	for _, ls := range pending {
		if err := o.ConnectLink(ctx, ls.ID); err != nil {
			log.WithLink(ls.Name).Warn().Err(err).Msg("pending link connect failed")
		}
	}
}

// linkPlan carries everything a connect or teardown needs resolved.
type linkPlan struct {
	link     *types.LinkState
	srcNode  *types.Node
	dstNode  *types.Node
	srcHost  string
	dstHost  string
	srcAgent *types.Agent
	dstAgent *types.Agent
}

func (p *linkPlan) crossHost() bool { return p.srcHost != p.dstHost }

// ConnectLink brings one desired-up link up. Both endpoint nodes must
// be running; otherwise the link parks in pending. Reservation
// conflicts send the link to error naming the conflicting link.
func (o *Orchestrator) ConnectLink(ctx context.Context, linkID string) error {
	var plan *linkPlan
	var parked bool
	var reserveConflict *store.EndpointReservedError

	err := o.store.InTx(ctx, func(tx store.Store) error {
		ls, err := tx.GetLinkStateForUpdate(ctx, linkID)
		if err != nil {
			return err
		}
		if ls.Desired != types.LinkDesiredUp || ls.Actual == types.LinkActualUp {
			parked = true
			return nil
		}

		srcReady, err := o.nodeRunning(ctx, tx, ls.LabID, ls.SourceNodeID)
		if err != nil {
			return err
		}
		dstReady, err := o.nodeRunning(ctx, tx, ls.LabID, ls.TargetNodeID)
		if err != nil {
			return err
		}
		if !srcReady || !dstReady {
			ls.Actual = types.LinkActualPending
			parked = true
			return tx.UpdateLinkState(ctx, ls)
		}

		if err := o.reserve(ctx, tx, ls, ls.SourceNodeID, ls.SourceInterface); err != nil {
			var re *store.EndpointReservedError
			if errors.As(err, &re) {
				reserveConflict = re
				return nil
			}
			return err
		}
		if err := o.reserve(ctx, tx, ls, ls.TargetNodeID, ls.TargetInterface); err != nil {
			var re *store.EndpointReservedError
			if errors.As(err, &re) {
				reserveConflict = re
				return nil
			}
			return err
		}

		p, err := o.resolvePlan(ctx, tx, ls)
		if err != nil {
			return err
		}
		if p.crossHost() {
			ls.Actual = types.LinkActualConnecting
			ls.IsCrossHost = true
			ls.SourceHostID = p.srcHost
			ls.TargetHostID = p.dstHost
			ls.VNI = DeriveVNI(ls.LabID, ls.Name)
		} else {
			ls.Actual = types.LinkActualCreating
		}
		ls.ErrorMessage = ""
		if err := tx.UpdateLinkState(ctx, ls); err != nil {
			return err
		}
		p.link = ls
		plan = p
		return nil
	})
	if errors.Is(err, store.ErrRowLocked) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("connect link %s: %w", linkID, err)
	}
	if reserveConflict != nil {
		msg := fmt.Sprintf("endpoint %s reserved by link %s",
			reserveConflict.Interface, reserveConflict.ConflictingLink)
		return o.markError(ctx, linkID, msg)
	}
	if parked {
		return nil
	}

	if plan.crossHost() {
		return o.connectCrossHost(ctx, plan)
	}
	return o.connectSameHost(ctx, plan)
}

func (o *Orchestrator) connectSameHost(ctx context.Context, p *linkPlan) error {
	ls := p.link
	res, err := o.rpc.CreateLink(ctx, p.srcAgent, ls.LabID,
		agentrpc.Endpoint{NodeName: ls.SourceNodeName, Container: p.srcNode.RuntimeName, Interface: NormalizeInterface(ls.SourceInterface)},
		agentrpc.Endpoint{NodeName: ls.TargetNodeName, Container: p.dstNode.RuntimeName, Interface: NormalizeInterface(ls.TargetInterface)},
	)
	if err != nil {
		return o.markError(ctx, ls.ID, err.Error())
	}
	return o.updateLink(ctx, ls.ID, func(ls *types.LinkState) {
		ls.Actual = types.LinkActualUp
		ls.SourceVLANTag = res.VLANTag
		ls.TargetVLANTag = res.VLANTag
		ls.SourceCarrier = types.CarrierOn
		ls.TargetCarrier = types.CarrierOn
		ls.ErrorMessage = ""
		RecomputeOperState(ls)
	})
}

func (o *Orchestrator) connectCrossHost(ctx context.Context, p *linkPlan) error {
	ls := p.link
	srcIP, dstIP := hostIP(p.srcAgent), hostIP(p.dstAgent)

	srcRes, err := o.rpc.SetupCrossHostSide(ctx, p.srcAgent, agentrpc.CrossHostSide{
		LabID:     ls.LabID,
		LinkName:  ls.Name,
		LinkID:    ls.ID,
		VNI:       ls.VNI,
		LocalIP:   srcIP,
		RemoteIP:  dstIP,
		Container: p.srcNode.RuntimeName,
		Interface: NormalizeInterface(ls.SourceInterface),
	})
	if err != nil {
		return o.markError(ctx, ls.ID, fmt.Sprintf("cross-host setup on %s: %v", p.srcHost, err))
	}
	dstRes, err := o.rpc.SetupCrossHostSide(ctx, p.dstAgent, agentrpc.CrossHostSide{
		LabID:     ls.LabID,
		LinkName:  ls.Name,
		LinkID:    ls.ID,
		VNI:       ls.VNI,
		LocalIP:   dstIP,
		RemoteIP:  srcIP,
		Container: p.dstNode.RuntimeName,
		Interface: NormalizeInterface(ls.TargetInterface),
	})
	if err != nil {
		return o.markError(ctx, ls.ID, fmt.Sprintf("cross-host setup on %s: %v", p.dstHost, err))
	}

	tunnel := &types.VxlanTunnel{
		ID:       uuid.NewString(),
		LabID:    ls.LabID,
		LinkID:   ls.ID,
		VNI:      ls.VNI,
		AgentAID: p.srcHost,
		AgentAIP: srcIP,
		AgentBID: p.dstHost,
		AgentBIP: dstIP,
		PortName: PortName(ls.VNI),
		Status:   types.TunnelActive,
	}
	if err := o.store.CreateTunnel(ctx, tunnel); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("record tunnel for link %s: %w", ls.Name, err)
	}

	return o.updateLink(ctx, ls.ID, func(ls *types.LinkState) {
		ls.Actual = types.LinkActualUp
		ls.SourceVLANTag = srcRes.VLANTag
		ls.TargetVLANTag = dstRes.VLANTag
		ls.SourceCarrier = types.CarrierOn
		ls.TargetCarrier = types.CarrierOn
		ls.ErrorMessage = ""
		RecomputeOperState(ls)
	})
}

// TeardownLink brings one link down. Cross-host teardown is two-phase:
// detach source, detach target, and on a target failure the source is
// re-attached to preserve L2 continuity. A failed teardown returns an
// error and leaves the link in error state with its reservations and
// tunnel row intact.
func (o *Orchestrator) TeardownLink(ctx context.Context, linkID string) error {
	ls, err := o.store.GetLinkState(ctx, linkID)
	if err != nil {
		return err
	}

	if ls.IsCrossHost {
		if err := o.teardownCrossHost(ctx, ls); err != nil {
			return err
		}
	} else if ls.Actual == types.LinkActualUp || ls.Actual == types.LinkActualError {
		if err := o.teardownSameHost(ctx, ls); err != nil {
			return err
		}
	}

	if err := o.store.ReleaseReservationsForLink(ctx, linkID); err != nil {
		return fmt.Errorf("release reservations for link %s: %w", ls.Name, err)
	}
	return o.updateLink(ctx, linkID, func(ls *types.LinkState) {
		ls.Actual = types.LinkActualDown
		ls.IsCrossHost = false
		ls.VNI = 0
		ls.SourceVLANTag = 0
		ls.TargetVLANTag = 0
		ls.SourceVXLANAttached = false
		ls.TargetVXLANAttached = false
		ls.SourceCarrier = types.CarrierOff
		ls.TargetCarrier = types.CarrierOff
		ls.ErrorMessage = ""
		RecomputeOperState(ls)
	})
}

func (o *Orchestrator) teardownSameHost(ctx context.Context, ls *types.LinkState) error {
	p, err := o.resolvePlan(ctx, o.store, ls)
	if err != nil {
		return err
	}
	p.link = ls
	err = o.rpc.DeleteLink(ctx, p.srcAgent, ls.LabID, ls.Name,
		agentrpc.Endpoint{NodeName: ls.SourceNodeName, Container: p.srcNode.RuntimeName, Interface: NormalizeInterface(ls.SourceInterface)},
		agentrpc.Endpoint{NodeName: ls.TargetNodeName, Container: p.dstNode.RuntimeName, Interface: NormalizeInterface(ls.TargetInterface)},
	)
	if err != nil {
		// At least stop traffic on both endpoints before surfacing the
		// failure.
		o.isolate(ctx, p.srcAgent, ls, ls.SourceNodeName, ls.SourceInterface)
		o.isolate(ctx, p.dstAgent, ls, ls.TargetNodeName, ls.TargetInterface)
		if mErr := o.markError(ctx, ls.ID, fmt.Sprintf("delete link: %v", err)); mErr != nil {
			return mErr
		}
		return fmt.Errorf("delete link %s: %w", ls.Name, err)
	}
	return nil
}

func (o *Orchestrator) isolate(ctx context.Context, agent *types.Agent, ls *types.LinkState, nodeName, iface string) {
	if err := o.rpc.IsolateEndpoint(ctx, agent, ls.LabID, nodeName, NormalizeInterface(iface)); err != nil {
		log.WithLink(ls.Name).Warn().Err(err).Str("node", nodeName).Msg("endpoint isolation failed")
	}
}

func (o *Orchestrator) teardownCrossHost(ctx context.Context, ls *types.LinkState) error {
	tunnel, err := o.store.GetTunnelForLink(ctx, ls.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // nothing materialized
		}
		return err
	}
	p, err := o.resolvePlan(ctx, o.store, ls)
	if err != nil {
		return err
	}
	p.link = ls

	// Phase 1: freeze. A cleanup-status tunnel is excluded from
	// overlay convergence so the agents do not recreate what we are
	// about to remove.
	if err := o.store.UpdateTunnelStatus(ctx, tunnel.ID, types.TunnelCleanup); err != nil {
		return err
	}
	if err := o.updateLink(ctx, ls.ID, func(ls *types.LinkState) {
		ls.Actual = types.LinkActualCleanup
	}); err != nil {
		return err
	}

	// Phase 2: detach source.
	srcIface := NormalizeInterface(ls.SourceInterface)
	if err := o.rpc.DetachOverlayInterface(ctx, p.srcAgent, ls.LabID, p.srcNode.RuntimeName, srcIface, ls.ID); err != nil {
		_ = o.store.UpdateTunnelStatus(ctx, tunnel.ID, types.TunnelFailed)
		if mErr := o.markError(ctx, ls.ID, "Failed to detach source endpoint"); mErr != nil {
			return mErr
		}
		return fmt.Errorf("link %s: detach source endpoint: %w", ls.Name, err)
	}

	// Phase 3: detach target; on failure re-attach the source so L2
	// continuity survives the aborted teardown.
	dstIface := NormalizeInterface(ls.TargetInterface)
	if err := o.rpc.DetachOverlayInterface(ctx, p.dstAgent, ls.LabID, p.dstNode.RuntimeName, dstIface, ls.ID); err != nil {
		rollback := agentrpc.AttachOverlayRequest{
			LabID:     ls.LabID,
			Container: p.srcNode.RuntimeName,
			Interface: srcIface,
			VNI:       tunnel.VNI,
			LocalIP:   tunnel.AgentAIP,
			RemoteIP:  tunnel.AgentBIP,
			LinkID:    ls.ID,
		}
		if rbErr := o.rpc.AttachOverlayInterface(ctx, p.srcAgent, rollback); rbErr != nil {
			log.WithLink(ls.Name).Error().Err(rbErr).Msg("teardown rollback failed; source left detached")
		}
		_ = o.store.UpdateTunnelStatus(ctx, tunnel.ID, types.TunnelFailed)
		if mErr := o.markError(ctx, ls.ID, "Failed to detach target endpoint"); mErr != nil {
			return mErr
		}
		return fmt.Errorf("link %s: detach target endpoint: %w", ls.Name, err)
	}

	// Phase 4: both sides detached; drop the ledger entry.
	if err := o.store.DeleteTunnel(ctx, tunnel.ID); err != nil {
		return fmt.Errorf("delete tunnel for link %s: %w", ls.Name, err)
	}
	return nil
}

// --- helpers ---

func (o *Orchestrator) nodeRunning(ctx context.Context, tx store.Store, labID, nodeID string) (bool, error) {
	ns, err := tx.GetNodeState(ctx, labID, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return ns.Actual == types.NodeActualRunning, nil
}

// reserve claims one endpoint for the link. A claim already held by
// this same link (a reconnect) is not a conflict.
func (o *Orchestrator) reserve(ctx context.Context, tx store.Store, ls *types.LinkState, nodeID, iface string) error {
	err := tx.CreateReservation(ctx, &types.LinkEndpointReservation{
		ID:        uuid.NewString(),
		LabID:     ls.LabID,
		NodeID:    nodeID,
		Interface: NormalizeInterface(iface),
		LinkID:    ls.ID,
	})
	var re *store.EndpointReservedError
	if errors.As(err, &re) && re.ConflictingLink == ls.Name {
		return nil
	}
	return err
}

func (o *Orchestrator) resolvePlan(ctx context.Context, s store.Store, ls *types.LinkState) (*linkPlan, error) {
	srcNode, err := s.GetNode(ctx, ls.SourceNodeID)
	if err != nil {
		return nil, fmt.Errorf("source node: %w", err)
	}
	dstNode, err := s.GetNode(ctx, ls.TargetNodeID)
	if err != nil {
		return nil, fmt.Errorf("target node: %w", err)
	}

	placements, err := s.ListPlacements(ctx, ls.LabID)
	if err != nil {
		return nil, err
	}
	placed := map[string]string{}
	for _, p := range placements {
		placed[p.NodeName] = p.AgentID
	}
	hostOf := func(n *types.Node) string {
		if h := placed[n.Name]; h != "" {
			return h
		}
		return n.HostPin
	}
	srcHost, dstHost := hostOf(srcNode), hostOf(dstNode)
	if srcHost == "" || dstHost == "" {
		return nil, fmt.Errorf("link %s: endpoint placement unknown", ls.Name)
	}

	srcAgent, err := o.onlineAgent(ctx, s, srcHost)
	if err != nil {
		return nil, err
	}
	dstAgent := srcAgent
	if dstHost != srcHost {
		if dstAgent, err = o.onlineAgent(ctx, s, dstHost); err != nil {
			return nil, err
		}
	}
	return &linkPlan{
		srcNode:  srcNode,
		dstNode:  dstNode,
		srcHost:  srcHost,
		dstHost:  dstHost,
		srcAgent: srcAgent,
		dstAgent: dstAgent,
	}, nil
}

func (o *Orchestrator) onlineAgent(ctx context.Context, s store.Store, agentID string) (*types.Agent, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}
	if !o.registry.Online(agent) {
		return nil, fmt.Errorf("agent %s is offline", agentID)
	}
	return agent, nil
}

func (o *Orchestrator) markError(ctx context.Context, linkID, msg string) error {
	return o.updateLink(ctx, linkID, func(ls *types.LinkState) {
		ls.Actual = types.LinkActualError
		ls.ErrorMessage = msg
	})
}

// updateLink applies fn under a row lock and broadcasts the result.
func (o *Orchestrator) updateLink(ctx context.Context, linkID string, fn func(*types.LinkState)) error {
	var updated *types.LinkState
	err := o.store.InTx(ctx, func(tx store.Store) error {
		ls, err := tx.GetLinkStateForUpdate(ctx, linkID)
		if err != nil {
			return err
		}
		fn(ls)
		if err := tx.UpdateLinkState(ctx, ls); err != nil {
			return err
		}
		updated = ls
		return nil
	})
	if err != nil {
		return err
	}
	o.broadcaster.PublishLinkState(updated)
	return nil
}

// hostIP extracts the agent's IP from its address, tolerating a bare
// host without port.
func hostIP(agent *types.Agent) string {
	host, _, err := net.SplitHostPort(agent.Address)
	if err != nil {
		return agent.Address
	}
	return host
}

// SortedLinkNames is a small helper for deterministic logging of link
// sets.
func SortedLinkNames(linkStates []*types.LinkState) []string {
	names := make([]string, 0, len(linkStates))
	for _, ls := range linkStates {
		names = append(names, ls.Name)
	}
	sort.Strings(names)
	return names
}
