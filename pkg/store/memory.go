package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/riannom/archetype/pkg/types"
)

// Memory is an in-process Store for tests. It honors the same unique
// constraints and cascade semantics as Postgres; row locking degrades
// to the package mutex, which is sufficient for single-process tests.
type Memory struct {
	mu sync.Mutex

	labs         map[string]*types.Lab
	nodes        map[string]*types.Node
	nodeStates   map[string]*types.NodeState
	linkStates   map[string]*types.LinkState
	reservations map[string]*types.LinkEndpointReservation
	tunnels      map[string]*types.VxlanTunnel
	agents       map[string]*types.Agent
	jobs         map[string]*types.Job
	placements   map[string]*types.NodePlacement
	imageHosts   map[string]*types.ImageHost
	snapshots    map[string]*types.ConfigSnapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		labs:         make(map[string]*types.Lab),
		nodes:        make(map[string]*types.Node),
		nodeStates:   make(map[string]*types.NodeState),
		linkStates:   make(map[string]*types.LinkState),
		reservations: make(map[string]*types.LinkEndpointReservation),
		tunnels:      make(map[string]*types.VxlanTunnel),
		agents:       make(map[string]*types.Agent),
		jobs:         make(map[string]*types.Job),
		placements:   make(map[string]*types.NodePlacement),
		imageHosts:   make(map[string]*types.ImageHost),
		snapshots:    make(map[string]*types.ConfigSnapshot),
	}
}

func (m *Memory) Close() error { return nil }

// InTx is not transactional in the memory store; it simply runs fn.
// Tests that need rollback behavior use Postgres.
func (m *Memory) InTx(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}

// --- Labs ---

func (m *Memory) CreateLab(ctx context.Context, lab *types.Lab) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.labs[lab.ID]; ok {
		return ErrDuplicate
	}
	cp := *lab
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.StateChangedAt = time.Now()
	m.labs[lab.ID] = &cp
	return nil
}

func (m *Memory) GetLab(ctx context.Context, id string) (*types.Lab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lab, ok := m.labs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lab
	return &cp, nil
}

func (m *Memory) ListLabs(ctx context.Context) ([]*types.Lab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Lab
	for _, lab := range m.labs {
		cp := *lab
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateLab(ctx context.Context, lab *types.Lab) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.labs[lab.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Name = lab.Name
	cur.Owner = lab.Owner
	cur.DefaultAgent = lab.DefaultAgent
	cur.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetLabState(ctx context.Context, labID string, state types.LabState, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lab, ok := m.labs[labID]
	if !ok {
		return ErrNotFound
	}
	lab.State = state
	lab.ErrorMessage = errMsg
	lab.StateChangedAt = time.Now()
	lab.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) DeleteLab(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.labs[id]; !ok {
		return ErrNotFound
	}
	delete(m.labs, id)
	// Cascades.
	for k, v := range m.nodes {
		if v.LabID == id {
			delete(m.nodes, k)
		}
	}
	for k, v := range m.nodeStates {
		if v.LabID == id {
			delete(m.nodeStates, k)
		}
	}
	for k, v := range m.linkStates {
		if v.LabID == id {
			delete(m.linkStates, k)
		}
	}
	for k, v := range m.reservations {
		if v.LabID == id {
			delete(m.reservations, k)
		}
	}
	for k, v := range m.tunnels {
		if v.LabID == id {
			delete(m.tunnels, k)
		}
	}
	for k, v := range m.jobs {
		if v.LabID == id {
			delete(m.jobs, k)
		}
	}
	for k, v := range m.placements {
		if v.LabID == id {
			delete(m.placements, k)
		}
	}
	for k, v := range m.snapshots {
		if v.LabID == id {
			delete(m.snapshots, k)
		}
	}
	return nil
}

// --- Nodes ---

func (m *Memory) CreateNode(ctx context.Context, node *types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.LabID == node.LabID && n.Name == node.Name {
			return ErrDuplicate
		}
	}
	cp := *node
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.nodes[node.ID] = &cp
	return nil
}

func (m *Memory) GetNode(ctx context.Context, id string) (*types.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *Memory) GetNodeByName(ctx context.Context, labID, name string) (*types.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.LabID == labID && n.Name == name {
			cp := *n
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListNodes(ctx context.Context, labID string) ([]*types.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Node
	for _, n := range m.nodes {
		if n.LabID == labID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteNode(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return ErrNotFound
	}
	delete(m.nodes, id)
	for k, v := range m.nodeStates {
		if v.NodeID == id {
			delete(m.nodeStates, k)
		}
	}
	return nil
}

// --- NodeStates ---

func (m *Memory) CreateNodeState(ctx context.Context, ns *types.NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.nodeStates {
		if s.LabID == ns.LabID && s.NodeID == ns.NodeID {
			return ErrDuplicate
		}
	}
	cp := *ns
	cp.UpdatedAt = time.Now()
	m.nodeStates[ns.ID] = &cp
	return nil
}

func (m *Memory) findNodeState(labID, nodeID string) *types.NodeState {
	for _, s := range m.nodeStates {
		if s.LabID == labID && s.NodeID == nodeID {
			return s
		}
	}
	return nil
}

func (m *Memory) GetNodeState(ctx context.Context, labID, nodeID string) (*types.NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findNodeState(labID, nodeID)
	if s == nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) GetNodeStateForUpdate(ctx context.Context, labID, nodeID string) (*types.NodeState, error) {
	return m.GetNodeState(ctx, labID, nodeID)
}

func (m *Memory) GetNodeStateSkipLocked(ctx context.Context, labID, nodeID string) (*types.NodeState, error) {
	return m.GetNodeState(ctx, labID, nodeID)
}

func (m *Memory) ListNodeStates(ctx context.Context, labID string) ([]*types.NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.NodeState
	for _, s := range m.nodeStates {
		if s.LabID == labID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeName < out[j].NodeName })
	return out, nil
}

func (m *Memory) ListDriftedNodeStates(ctx context.Context) ([]*types.NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.NodeState
	for _, s := range m.nodeStates {
		drifted := false
		switch s.Desired {
		case types.NodeDesiredRunning:
			drifted = s.Actual != types.NodeActualRunning && s.Actual != types.NodeActualStarting
		case types.NodeDesiredStopped:
			drifted = s.Actual != types.NodeActualStopped && s.Actual != types.NodeActualStopping &&
				s.Actual != types.NodeActualUndeployed
		}
		if drifted {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) UpdateNodeState(ctx context.Context, ns *types.NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodeStates[ns.ID]; !ok {
		return ErrNotFound
	}
	cp := *ns
	cp.UpdatedAt = time.Now()
	m.nodeStates[ns.ID] = &cp
	return nil
}

func (m *Memory) SetNodeDesired(ctx context.Context, labID, nodeID string, desired types.NodeDesiredState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findNodeState(labID, nodeID)
	if s == nil {
		return ErrNotFound
	}
	s.Desired = desired
	s.EnforcementAttempts = 0
	s.LastEnforcementAt = nil
	s.EnforcementFailedAt = nil
	s.UpdatedAt = time.Now()
	return nil
}

// --- LinkStates ---

func (m *Memory) CreateLinkState(ctx context.Context, ls *types.LinkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.linkStates {
		if l.LabID == ls.LabID && l.Name == ls.Name {
			return ErrDuplicate
		}
	}
	cp := *ls
	cp.UpdatedAt = time.Now()
	m.linkStates[ls.ID] = &cp
	return nil
}

func (m *Memory) GetLinkState(ctx context.Context, id string) (*types.LinkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.linkStates[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *Memory) GetLinkStateForUpdate(ctx context.Context, id string) (*types.LinkState, error) {
	return m.GetLinkState(ctx, id)
}

func (m *Memory) GetLinkStateByName(ctx context.Context, labID, name string) (*types.LinkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.linkStates {
		if l.LabID == labID && l.Name == name {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListLinkStates(ctx context.Context, labID string) ([]*types.LinkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.LinkState
	for _, l := range m.linkStates {
		if l.LabID == labID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListLinkStatesForNode(ctx context.Context, labID, nodeName string) ([]*types.LinkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.LinkState
	for _, l := range m.linkStates {
		if l.LabID == labID && (l.SourceNodeName == nodeName || l.TargetNodeName == nodeName) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListPendingLinksForNodeSkipLocked(ctx context.Context, labID, nodeName string) ([]*types.LinkState, error) {
	links, err := m.ListLinkStatesForNode(ctx, labID, nodeName)
	if err != nil {
		return nil, err
	}
	var out []*types.LinkState
	for _, l := range links {
		if l.Actual == types.LinkActualPending && l.Desired == types.LinkDesiredUp {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Memory) FindLinkStateByEndpoint(ctx context.Context, labID, nodeName, iface string) (*types.LinkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *types.LinkState
	for _, l := range m.linkStates {
		if l.LabID != labID {
			continue
		}
		if (l.SourceNodeName == nodeName && l.SourceInterface == iface) ||
			(l.TargetNodeName == nodeName && l.TargetInterface == iface) {
			if best == nil || l.UpdatedAt.After(best.UpdatedAt) {
				best = l
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) UpdateLinkState(ctx context.Context, ls *types.LinkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.linkStates[ls.ID]; !ok {
		return ErrNotFound
	}
	cp := *ls
	cp.UpdatedAt = time.Now()
	m.linkStates[ls.ID] = &cp
	return nil
}

func (m *Memory) DeleteLinkState(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.linkStates[id]; !ok {
		return ErrNotFound
	}
	delete(m.linkStates, id)
	for k, v := range m.reservations {
		if v.LinkID == id {
			delete(m.reservations, k)
		}
	}
	for k, v := range m.tunnels {
		if v.LinkID == id {
			delete(m.tunnels, k)
		}
	}
	return nil
}

// --- Endpoint reservations ---

func (m *Memory) CreateReservation(ctx context.Context, r *types.LinkEndpointReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range m.reservations {
		if res.LabID == r.LabID && res.NodeID == r.NodeID &&
			strings.EqualFold(res.Interface, r.Interface) {
			holder := "unknown"
			if l, ok := m.linkStates[res.LinkID]; ok {
				holder = l.Name
			}
			return &EndpointReservedError{
				NodeID:          r.NodeID,
				Interface:       r.Interface,
				ConflictingLink: holder,
			}
		}
	}
	cp := *r
	cp.CreatedAt = time.Now()
	m.reservations[r.ID] = &cp
	return nil
}

func (m *Memory) ReleaseReservationsForLink(ctx context.Context, linkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.reservations {
		if v.LinkID == linkID {
			delete(m.reservations, k)
		}
	}
	return nil
}

func (m *Memory) ListReservations(ctx context.Context, labID string) ([]*types.LinkEndpointReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.LinkEndpointReservation
	for _, r := range m.reservations {
		if r.LabID == labID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- VXLAN tunnels ---

func (m *Memory) CreateTunnel(ctx context.Context, t *types.VxlanTunnel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tunnels {
		if existing.LinkID == t.LinkID {
			return ErrDuplicate
		}
	}
	cp := *t
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = time.Now()
	m.tunnels[t.ID] = &cp
	return nil
}

func (m *Memory) GetTunnelForLink(ctx context.Context, linkID string) (*types.VxlanTunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tunnels {
		if t.LinkID == linkID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListTunnelsByStatus(ctx context.Context, status types.TunnelStatus) ([]*types.VxlanTunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.VxlanTunnel
	for _, t := range m.tunnels {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListTunnelsForAgent(ctx context.Context, agentID string) ([]*types.VxlanTunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.VxlanTunnel
	for _, t := range m.tunnels {
		if t.AgentAID == agentID || t.AgentBID == agentID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateTunnelStatus(ctx context.Context, id string, status types.TunnelStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) DeleteTunnel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tunnels[id]; !ok {
		return ErrNotFound
	}
	delete(m.tunnels, id)
	return nil
}

// --- Agents ---

func (m *Memory) UpsertAgent(ctx context.Context, a *types.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	if cur, ok := m.agents[a.ID]; ok {
		cp.RegisteredAt = cur.RegisteredAt
	} else if cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = time.Now()
	}
	m.agents[a.ID] = &cp
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Agent
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TouchAgentHeartbeat(ctx context.Context, id string, usage types.AgentUsage, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.LastHeartbeat = at
	a.Usage = usage
	a.Status = types.AgentOnline
	return nil
}

func (m *Memory) MarkAgentsStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, a := range m.agents {
		if a.Status == types.AgentOnline &&
			(a.LastHeartbeat.IsZero() || a.LastHeartbeat.Before(olderThan)) {
			a.Status = types.AgentOffline
			ids = append(ids, a.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Jobs ---

func (m *Memory) CreateJob(ctx context.Context, j *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return ErrDuplicate
	}
	cp := *j
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) UpdateJob(ctx context.Context, j *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) ListActiveJobsForLab(ctx context.Context, labID string) ([]*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Job
	for _, j := range m.jobs {
		if j.LabID == labID && j.Status.Active() {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveJobs(ctx context.Context) ([]*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Job
	for _, j := range m.jobs {
		if j.Status.Active() {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CountActiveJobsForAgent(ctx context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.AgentID == agentID && j.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteJobsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, j := range m.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, k)
			n++
		}
	}
	return n, nil
}

// --- Placements ---

func (m *Memory) UpsertPlacement(ctx context.Context, p *types.NodePlacement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pl := range m.placements {
		if pl.LabID == p.LabID && pl.NodeName == p.NodeName {
			pl.AgentID = p.AgentID
			return nil
		}
	}
	cp := *p
	cp.CreatedAt = time.Now()
	m.placements[p.ID] = &cp
	return nil
}

func (m *Memory) ListPlacements(ctx context.Context, labID string) ([]*types.NodePlacement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.NodePlacement
	for _, p := range m.placements {
		if p.LabID == labID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeName < out[j].NodeName })
	return out, nil
}

func (m *Memory) DeletePlacement(ctx context.Context, labID, nodeName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.placements {
		if p.LabID == labID && p.NodeName == nodeName {
			delete(m.placements, k)
		}
	}
	return nil
}

// --- Image hosts ---

func (m *Memory) UpsertImageHost(ctx context.Context, ih *types.ImageHost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.imageHosts {
		if v.ImageRef == ih.ImageRef && v.AgentID == ih.AgentID {
			v.SyncedAt = time.Now()
			return nil
		}
	}
	cp := *ih
	cp.SyncedAt = time.Now()
	m.imageHosts[ih.ID] = &cp
	return nil
}

func (m *Memory) HasImage(ctx context.Context, agentID, imageRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.imageHosts {
		if v.AgentID == agentID && v.ImageRef == imageRef {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) DeleteImageHostsForAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.imageHosts {
		if v.AgentID == agentID {
			delete(m.imageHosts, k)
		}
	}
	return nil
}

// --- Config snapshots ---

func (m *Memory) CreateConfigSnapshot(ctx context.Context, cs *types.ConfigSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cs
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.snapshots[cs.ID] = &cp
	return nil
}

func (m *Memory) DeleteSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, cs := range m.snapshots {
		if cs.CreatedAt.Before(cutoff) {
			delete(m.snapshots, k)
			n++
		}
	}
	return n, nil
}
