package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riannom/archetype/pkg/types"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a unique
	// constraint other than endpoint reservations.
	ErrDuplicate = errors.New("store: duplicate")

	// ErrRowLocked is returned by ForUpdate lookups with NOWAIT when
	// another transaction holds the row.
	ErrRowLocked = errors.New("store: row locked")
)

// EndpointReservedError reports a reservation claim that lost to an
// existing desired-up link on the same endpoint.
type EndpointReservedError struct {
	NodeID          string
	Interface       string
	ConflictingLink string
}

func (e *EndpointReservedError) Error() string {
	return fmt.Sprintf("endpoint %s:%s is reserved by link %s",
		e.NodeID, e.Interface, e.ConflictingLink)
}

// Store is the persistence interface for all controller entities.
// Implementations: Postgres (production) and Memory (tests).
//
// InTx runs fn against a transactional view of the store; the
// transaction boundary equals one logical operation. ForUpdate and
// SkipLocked variants only have locking semantics inside a
// transaction.
type Store interface {
	InTx(ctx context.Context, fn func(Store) error) error

	// Labs
	CreateLab(ctx context.Context, lab *types.Lab) error
	GetLab(ctx context.Context, id string) (*types.Lab, error)
	ListLabs(ctx context.Context) ([]*types.Lab, error)
	UpdateLab(ctx context.Context, lab *types.Lab) error
	SetLabState(ctx context.Context, labID string, state types.LabState, errMsg string) error
	DeleteLab(ctx context.Context, id string) error

	// Nodes
	CreateNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, id string) (*types.Node, error)
	GetNodeByName(ctx context.Context, labID, name string) (*types.Node, error)
	ListNodes(ctx context.Context, labID string) ([]*types.Node, error)
	DeleteNode(ctx context.Context, id string) error

	// NodeStates
	CreateNodeState(ctx context.Context, ns *types.NodeState) error
	GetNodeState(ctx context.Context, labID, nodeID string) (*types.NodeState, error)
	GetNodeStateForUpdate(ctx context.Context, labID, nodeID string) (*types.NodeState, error)
	GetNodeStateSkipLocked(ctx context.Context, labID, nodeID string) (*types.NodeState, error)
	ListNodeStates(ctx context.Context, labID string) ([]*types.NodeState, error)
	ListDriftedNodeStates(ctx context.Context) ([]*types.NodeState, error)
	UpdateNodeState(ctx context.Context, ns *types.NodeState) error
	SetNodeDesired(ctx context.Context, labID, nodeID string, desired types.NodeDesiredState) error

	// LinkStates
	CreateLinkState(ctx context.Context, ls *types.LinkState) error
	GetLinkState(ctx context.Context, id string) (*types.LinkState, error)
	GetLinkStateForUpdate(ctx context.Context, id string) (*types.LinkState, error)
	GetLinkStateByName(ctx context.Context, labID, name string) (*types.LinkState, error)
	ListLinkStates(ctx context.Context, labID string) ([]*types.LinkState, error)
	ListLinkStatesForNode(ctx context.Context, labID, nodeName string) ([]*types.LinkState, error)
	ListPendingLinksForNodeSkipLocked(ctx context.Context, labID, nodeName string) ([]*types.LinkState, error)
	FindLinkStateByEndpoint(ctx context.Context, labID, nodeName, iface string) (*types.LinkState, error)
	UpdateLinkState(ctx context.Context, ls *types.LinkState) error
	DeleteLinkState(ctx context.Context, id string) error

	// Endpoint reservations
	CreateReservation(ctx context.Context, r *types.LinkEndpointReservation) error
	ReleaseReservationsForLink(ctx context.Context, linkID string) error
	ListReservations(ctx context.Context, labID string) ([]*types.LinkEndpointReservation, error)

	// VXLAN tunnels
	CreateTunnel(ctx context.Context, t *types.VxlanTunnel) error
	GetTunnelForLink(ctx context.Context, linkID string) (*types.VxlanTunnel, error)
	ListTunnelsByStatus(ctx context.Context, status types.TunnelStatus) ([]*types.VxlanTunnel, error)
	ListTunnelsForAgent(ctx context.Context, agentID string) ([]*types.VxlanTunnel, error)
	UpdateTunnelStatus(ctx context.Context, id string, status types.TunnelStatus) error
	DeleteTunnel(ctx context.Context, id string) error

	// Agents
	UpsertAgent(ctx context.Context, a *types.Agent) error
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	ListAgents(ctx context.Context) ([]*types.Agent, error)
	TouchAgentHeartbeat(ctx context.Context, id string, usage types.AgentUsage, at time.Time) error
	MarkAgentsStale(ctx context.Context, olderThan time.Time) ([]string, error)

	// Jobs
	CreateJob(ctx context.Context, j *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	UpdateJob(ctx context.Context, j *types.Job) error
	ListActiveJobsForLab(ctx context.Context, labID string) ([]*types.Job, error)
	ListActiveJobs(ctx context.Context) ([]*types.Job, error)
	CountActiveJobsForAgent(ctx context.Context, agentID string) (int, error)
	DeleteJobsOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Placements
	UpsertPlacement(ctx context.Context, p *types.NodePlacement) error
	ListPlacements(ctx context.Context, labID string) ([]*types.NodePlacement, error)
	DeletePlacement(ctx context.Context, labID, nodeName string) error

	// Image hosts
	UpsertImageHost(ctx context.Context, ih *types.ImageHost) error
	HasImage(ctx context.Context, agentID, imageRef string) (bool, error)
	DeleteImageHostsForAgent(ctx context.Context, agentID string) error

	// Config snapshots
	CreateConfigSnapshot(ctx context.Context, cs *types.ConfigSnapshot) error
	DeleteSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
