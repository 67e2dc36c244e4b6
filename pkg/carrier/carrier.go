package carrier

import (
	"context"
	"fmt"

	"github.com/riannom/archetype/pkg/agentrpc"
	"github.com/riannom/archetype/pkg/broadcast"
	"github.com/riannom/archetype/pkg/links"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/registry"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

// Propagator mirrors physical-carrier transitions across hosts so
// network operating systems on both ends observe link events
// faithfully.
type Propagator struct {
	store       store.Store
	registry    *registry.Registry
	rpc         *agentrpc.Client
	broadcaster *broadcast.Broadcaster
}

// New creates a Propagator.
func New(st store.Store, reg *registry.Registry, rpc *agentrpc.Client, bc *broadcast.Broadcaster) *Propagator {
	return &Propagator{store: st, registry: reg, rpc: rpc, broadcaster: bc}
}

// HandleCarrierChange processes an agent's report that an interface
// carrier flipped. The matched side's carrier is recorded, a
// cross-host peer gets a mirrored set_carrier call and its side is
// recorded once the peer confirms, the operational state is recomputed
// with a monotonic epoch bump, and the link is broadcast.
func (p *Propagator) HandleCarrierChange(ctx context.Context, labID, nodeName, iface string, on bool) error {
	ls, side, err := p.findEndpoint(ctx, labID, nodeName, iface)
	if err != nil {
		return err
	}
	if ls == nil {
		log.WithLab(labID).Debug().
			Str("node", nodeName).
			Str("interface", iface).
			Msg("carrier report for unknown endpoint ignored")
		return nil
	}

	state := types.CarrierOff
	if on {
		state = types.CarrierOn
	}

	var updated *types.LinkState
	err = p.store.InTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetLinkStateForUpdate(ctx, ls.ID)
		if err != nil {
			return err
		}
		if side == "source" {
			locked.SourceCarrier = state
		} else {
			locked.TargetCarrier = state
		}
		links.RecomputeOperState(locked)
		if err := tx.UpdateLinkState(ctx, locked); err != nil {
			return err
		}
		updated = locked
		return nil
	})
	if err != nil {
		return fmt.Errorf("record carrier change on link %s: %w", ls.Name, err)
	}

	if p.mirrorToPeer(ctx, updated, side, on) {
		// The mirrored flip is carrier-only, so the peer agent never
		// reports it back; record the peer side here.
		err = p.store.InTx(ctx, func(tx store.Store) error {
			locked, err := tx.GetLinkStateForUpdate(ctx, ls.ID)
			if err != nil {
				return err
			}
			if side == "source" {
				locked.TargetCarrier = state
			} else {
				locked.SourceCarrier = state
			}
			links.RecomputeOperState(locked)
			if err := tx.UpdateLinkState(ctx, locked); err != nil {
				return err
			}
			updated = locked
			return nil
		})
		if err != nil {
			return fmt.Errorf("record mirrored carrier on link %s: %w", ls.Name, err)
		}
	}
	p.broadcaster.PublishLinkState(updated)
	return nil
}

// findEndpoint locates the link whose source or target matches the
// reported (node, interface) under normalization. When multiple rows
// match, the most recently updated one wins.
func (p *Propagator) findEndpoint(ctx context.Context, labID, nodeName, iface string) (*types.LinkState, string, error) {
	candidates, err := p.store.ListLinkStatesForNode(ctx, labID, nodeName)
	if err != nil {
		return nil, "", fmt.Errorf("list links for node %s: %w", nodeName, err)
	}
	var best *types.LinkState
	bestSide := ""
	for _, ls := range candidates {
		side, ok := links.MatchesEndpoint(ls, nodeName, iface)
		if !ok {
			continue
		}
		if best == nil || ls.UpdatedAt.After(best.UpdatedAt) {
			best, bestSide = ls, side
		}
	}
	return best, bestSide, nil
}

// mirrorToPeer pushes the carrier change to the peer host on
// cross-host links and reports whether the peer applied it. The remote
// call flips only the interface carrier, never administrative state,
// so the peer agent emits no echo event.
func (p *Propagator) mirrorToPeer(ctx context.Context, ls *types.LinkState, reportedSide string, on bool) bool {
	if !ls.IsCrossHost {
		return false
	}
	var peerHost, peerNode, peerIface string
	if reportedSide == "source" {
		peerHost, peerNode, peerIface = ls.TargetHostID, ls.TargetNodeName, ls.TargetInterface
	} else {
		peerHost, peerNode, peerIface = ls.SourceHostID, ls.SourceNodeName, ls.SourceInterface
	}
	if peerHost == "" {
		return false
	}

	agent, err := p.store.GetAgent(ctx, peerHost)
	if err != nil || !p.registry.Online(agent) {
		log.WithLink(ls.Name).Warn().
			Str("peer_host", peerHost).
			Msg("carrier mirror skipped: peer host unavailable")
		return false
	}
	iface := links.NormalizeInterface(peerIface)
	if err := p.rpc.SetCarrier(ctx, agent, ls.LabID, peerNode, iface, on); err != nil {
		log.WithLink(ls.Name).Warn().Err(err).Msg("carrier mirror call failed")
		return false
	}
	return true
}
