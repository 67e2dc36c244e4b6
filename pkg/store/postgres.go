package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/riannom/archetype/pkg/types"
)

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so every
// statement can run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production Store backed by pgx.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier
}

// NewPostgres connects a pool to the given URL and verifies it.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{pool: pool, q: pool}, nil
}

// Migrate applies the schema statements in order.
func (p *Postgres) Migrate(ctx context.Context) error {
	for i, stmt := range Schema {
		if _, err := p.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration %d: %w", i, err)
		}
	}
	return nil
}

// PoolStat exposes pool pressure for the resource monitor.
func (p *Postgres) PoolStat() (acquired, max int32) {
	if p.pool == nil {
		return 0, 0
	}
	st := p.pool.Stat()
	return st.AcquiredConns(), st.MaxConns()
}

// Close releases the pool. A transactional view owns no pool.
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// InTx runs fn against a transactional view of the store. Nested calls
// reuse the outer transaction.
func (p *Postgres) InTx(ctx context.Context, fn func(Store) error) error {
	if _, ok := p.q.(pgx.Tx); ok {
		return fn(p)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	txStore := &Postgres{q: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrDuplicate
		case pgLockNotAvailable:
			return ErrRowLocked
		}
	}
	return err
}

// --- Labs ---

func (p *Postgres) CreateLab(ctx context.Context, lab *types.Lab) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO labs (id, name, owner, default_agent, state, state_changed_at, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6, NOW(), NOW())`,
		lab.ID, lab.Name, lab.Owner, lab.DefaultAgent, lab.State, lab.ErrorMessage)
	return mapPgError(err)
}

func scanLab(row pgx.Row) (*types.Lab, error) {
	var lab types.Lab
	err := row.Scan(&lab.ID, &lab.Name, &lab.Owner, &lab.DefaultAgent, &lab.State,
		&lab.StateChangedAt, &lab.ErrorMessage, &lab.CreatedAt, &lab.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &lab, nil
}

const labCols = `id, name, owner, default_agent, state, state_changed_at, error_message, created_at, updated_at`

func (p *Postgres) GetLab(ctx context.Context, id string) (*types.Lab, error) {
	return scanLab(p.q.QueryRow(ctx, `SELECT `+labCols+` FROM labs WHERE id = $1`, id))
}

func (p *Postgres) ListLabs(ctx context.Context) ([]*types.Lab, error) {
	rows, err := p.q.Query(ctx, `SELECT `+labCols+` FROM labs ORDER BY created_at`)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var labs []*types.Lab
	for rows.Next() {
		lab, err := scanLab(rows)
		if err != nil {
			return nil, err
		}
		labs = append(labs, lab)
	}
	return labs, rows.Err()
}

func (p *Postgres) UpdateLab(ctx context.Context, lab *types.Lab) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE labs SET name = $2, owner = $3, default_agent = $4, updated_at = NOW()
		WHERE id = $1`,
		lab.ID, lab.Name, lab.Owner, lab.DefaultAgent)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetLabState(ctx context.Context, labID string, state types.LabState, errMsg string) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE labs SET state = $2, error_message = $3, state_changed_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		labID, state, errMsg)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteLab(ctx context.Context, id string) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM labs WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Nodes ---

const nodeCols = `id, lab_id, name, runtime_name, kind, image, host_pin, created_at`

func scanNode(row pgx.Row) (*types.Node, error) {
	var n types.Node
	err := row.Scan(&n.ID, &n.LabID, &n.Name, &n.RuntimeName, &n.Kind, &n.Image, &n.HostPin, &n.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &n, nil
}

func (p *Postgres) CreateNode(ctx context.Context, node *types.Node) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO nodes (id, lab_id, name, runtime_name, kind, image, host_pin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		node.ID, node.LabID, node.Name, node.RuntimeName, node.Kind, node.Image, node.HostPin)
	return mapPgError(err)
}

func (p *Postgres) GetNode(ctx context.Context, id string) (*types.Node, error) {
	return scanNode(p.q.QueryRow(ctx, `SELECT `+nodeCols+` FROM nodes WHERE id = $1`, id))
}

func (p *Postgres) GetNodeByName(ctx context.Context, labID, name string) (*types.Node, error) {
	return scanNode(p.q.QueryRow(ctx,
		`SELECT `+nodeCols+` FROM nodes WHERE lab_id = $1 AND name = $2`, labID, name))
}

func (p *Postgres) ListNodes(ctx context.Context, labID string) ([]*types.Node, error) {
	rows, err := p.q.Query(ctx, `SELECT `+nodeCols+` FROM nodes WHERE lab_id = $1 ORDER BY name`, labID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var nodes []*types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (p *Postgres) DeleteNode(ctx context.Context, id string) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- NodeStates ---

const nodeStateCols = `id, lab_id, node_id, node_name, desired, actual, is_ready,
	boot_started_at, starting_started_at, stopping_started_at, error_message, image_sync,
	enforcement_attempts, last_enforcement_at, enforcement_failed_at, updated_at`

func scanNodeState(row pgx.Row) (*types.NodeState, error) {
	var ns types.NodeState
	err := row.Scan(&ns.ID, &ns.LabID, &ns.NodeID, &ns.NodeName, &ns.Desired, &ns.Actual,
		&ns.IsReady, &ns.BootStartedAt, &ns.StartingStartedAt, &ns.StoppingStartedAt,
		&ns.ErrorMessage, &ns.ImageSync, &ns.EnforcementAttempts, &ns.LastEnforcementAt,
		&ns.EnforcementFailedAt, &ns.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &ns, nil
}

func (p *Postgres) CreateNodeState(ctx context.Context, ns *types.NodeState) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO node_states (id, lab_id, node_id, node_name, desired, actual, is_ready,
			error_message, image_sync, enforcement_attempts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
		ns.ID, ns.LabID, ns.NodeID, ns.NodeName, ns.Desired, ns.Actual, ns.IsReady,
		ns.ErrorMessage, ns.ImageSync, ns.EnforcementAttempts)
	return mapPgError(err)
}

func (p *Postgres) getNodeState(ctx context.Context, labID, nodeID, suffix string) (*types.NodeState, error) {
	return scanNodeState(p.q.QueryRow(ctx,
		`SELECT `+nodeStateCols+` FROM node_states WHERE lab_id = $1 AND node_id = $2`+suffix,
		labID, nodeID))
}

func (p *Postgres) GetNodeState(ctx context.Context, labID, nodeID string) (*types.NodeState, error) {
	return p.getNodeState(ctx, labID, nodeID, ``)
}

func (p *Postgres) GetNodeStateForUpdate(ctx context.Context, labID, nodeID string) (*types.NodeState, error) {
	return p.getNodeState(ctx, labID, nodeID, ` FOR UPDATE`)
}

func (p *Postgres) GetNodeStateSkipLocked(ctx context.Context, labID, nodeID string) (*types.NodeState, error) {
	return p.getNodeState(ctx, labID, nodeID, ` FOR UPDATE SKIP LOCKED`)
}

func (p *Postgres) ListNodeStates(ctx context.Context, labID string) ([]*types.NodeState, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+nodeStateCols+` FROM node_states WHERE lab_id = $1 ORDER BY node_name`, labID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	return collectNodeStates(rows)
}

func (p *Postgres) ListDriftedNodeStates(ctx context.Context) ([]*types.NodeState, error) {
	// Desired/actual pairs that do not need work are excluded here so
	// the enforcement loop only sees real drift.
	rows, err := p.q.Query(ctx, `
		SELECT `+nodeStateCols+` FROM node_states
		WHERE (desired = 'running' AND actual NOT IN ('running', 'starting'))
		   OR (desired = 'stopped' AND actual NOT IN ('stopped', 'stopping', 'undeployed'))
		ORDER BY updated_at`)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	return collectNodeStates(rows)
}

func collectNodeStates(rows pgx.Rows) ([]*types.NodeState, error) {
	var states []*types.NodeState
	for rows.Next() {
		ns, err := scanNodeState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, ns)
	}
	return states, rows.Err()
}

func (p *Postgres) UpdateNodeState(ctx context.Context, ns *types.NodeState) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE node_states SET desired = $2, actual = $3, is_ready = $4,
			boot_started_at = $5, starting_started_at = $6, stopping_started_at = $7,
			error_message = $8, image_sync = $9, enforcement_attempts = $10,
			last_enforcement_at = $11, enforcement_failed_at = $12, updated_at = NOW()
		WHERE id = $1`,
		ns.ID, ns.Desired, ns.Actual, ns.IsReady,
		ns.BootStartedAt, ns.StartingStartedAt, ns.StoppingStartedAt,
		ns.ErrorMessage, ns.ImageSync, ns.EnforcementAttempts,
		ns.LastEnforcementAt, ns.EnforcementFailedAt)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetNodeDesired(ctx context.Context, labID, nodeID string, desired types.NodeDesiredState) error {
	// Changing desired state clears enforcement counters so the
	// enforcement loop starts fresh.
	tag, err := p.q.Exec(ctx, `
		UPDATE node_states SET desired = $3, enforcement_attempts = 0,
			last_enforcement_at = NULL, enforcement_failed_at = NULL, updated_at = NOW()
		WHERE lab_id = $1 AND node_id = $2`,
		labID, nodeID, desired)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- LinkStates ---

const linkStateCols = `id, lab_id, name, source_node_id, source_node_name, source_interface,
	target_node_id, target_node_name, target_interface, desired, actual, is_cross_host,
	source_host_id, target_host_id, vni, source_vlan_tag, target_vlan_tag,
	source_vxlan_attached, target_vxlan_attached, source_carrier, target_carrier,
	source_oper_state, source_oper_reason, target_oper_state, target_oper_reason,
	oper_epoch, error_message, updated_at`

func scanLinkState(row pgx.Row) (*types.LinkState, error) {
	var ls types.LinkState
	err := row.Scan(&ls.ID, &ls.LabID, &ls.Name, &ls.SourceNodeID, &ls.SourceNodeName,
		&ls.SourceInterface, &ls.TargetNodeID, &ls.TargetNodeName, &ls.TargetInterface,
		&ls.Desired, &ls.Actual, &ls.IsCrossHost, &ls.SourceHostID, &ls.TargetHostID,
		&ls.VNI, &ls.SourceVLANTag, &ls.TargetVLANTag,
		&ls.SourceVXLANAttached, &ls.TargetVXLANAttached, &ls.SourceCarrier, &ls.TargetCarrier,
		&ls.SourceOperState, &ls.SourceOperReason, &ls.TargetOperState, &ls.TargetOperReason,
		&ls.OperEpoch, &ls.ErrorMessage, &ls.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &ls, nil
}

func (p *Postgres) CreateLinkState(ctx context.Context, ls *types.LinkState) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO link_states (id, lab_id, name, source_node_id, source_node_name, source_interface,
			target_node_id, target_node_name, target_interface, desired, actual, is_cross_host,
			source_host_id, target_host_id, vni, source_vlan_tag, target_vlan_tag,
			source_vxlan_attached, target_vxlan_attached, source_carrier, target_carrier,
			oper_epoch, error_message, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, NOW())`,
		ls.ID, ls.LabID, ls.Name, ls.SourceNodeID, ls.SourceNodeName, ls.SourceInterface,
		ls.TargetNodeID, ls.TargetNodeName, ls.TargetInterface, ls.Desired, ls.Actual,
		ls.IsCrossHost, ls.SourceHostID, ls.TargetHostID, ls.VNI, ls.SourceVLANTag,
		ls.TargetVLANTag, ls.SourceVXLANAttached, ls.TargetVXLANAttached,
		ls.SourceCarrier, ls.TargetCarrier, ls.OperEpoch, ls.ErrorMessage)
	return mapPgError(err)
}

func (p *Postgres) GetLinkState(ctx context.Context, id string) (*types.LinkState, error) {
	return scanLinkState(p.q.QueryRow(ctx,
		`SELECT `+linkStateCols+` FROM link_states WHERE id = $1`, id))
}

func (p *Postgres) GetLinkStateForUpdate(ctx context.Context, id string) (*types.LinkState, error) {
	return scanLinkState(p.q.QueryRow(ctx,
		`SELECT `+linkStateCols+` FROM link_states WHERE id = $1 FOR UPDATE`, id))
}

func (p *Postgres) GetLinkStateByName(ctx context.Context, labID, name string) (*types.LinkState, error) {
	return scanLinkState(p.q.QueryRow(ctx,
		`SELECT `+linkStateCols+` FROM link_states WHERE lab_id = $1 AND name = $2`, labID, name))
}

func (p *Postgres) queryLinkStates(ctx context.Context, sql string, args ...any) ([]*types.LinkState, error) {
	rows, err := p.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var links []*types.LinkState
	for rows.Next() {
		ls, err := scanLinkState(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, ls)
	}
	return links, rows.Err()
}

func (p *Postgres) ListLinkStates(ctx context.Context, labID string) ([]*types.LinkState, error) {
	return p.queryLinkStates(ctx,
		`SELECT `+linkStateCols+` FROM link_states WHERE lab_id = $1 ORDER BY name`, labID)
}

func (p *Postgres) ListLinkStatesForNode(ctx context.Context, labID, nodeName string) ([]*types.LinkState, error) {
	return p.queryLinkStates(ctx, `
		SELECT `+linkStateCols+` FROM link_states
		WHERE lab_id = $1 AND (source_node_name = $2 OR target_node_name = $2)
		ORDER BY name`, labID, nodeName)
}

func (p *Postgres) ListPendingLinksForNodeSkipLocked(ctx context.Context, labID, nodeName string) ([]*types.LinkState, error) {
	return p.queryLinkStates(ctx, `
		SELECT `+linkStateCols+` FROM link_states
		WHERE lab_id = $1 AND actual = 'pending' AND desired = 'up'
		  AND (source_node_name = $2 OR target_node_name = $2)
		ORDER BY name
		FOR UPDATE SKIP LOCKED`, labID, nodeName)
}

func (p *Postgres) FindLinkStateByEndpoint(ctx context.Context, labID, nodeName, iface string) (*types.LinkState, error) {
	return scanLinkState(p.q.QueryRow(ctx, `
		SELECT `+linkStateCols+` FROM link_states
		WHERE lab_id = $1
		  AND ((source_node_name = $2 AND source_interface = $3)
		    OR (target_node_name = $2 AND target_interface = $3))
		ORDER BY updated_at DESC
		LIMIT 1`, labID, nodeName, iface))
}

func (p *Postgres) UpdateLinkState(ctx context.Context, ls *types.LinkState) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE link_states SET desired = $2, actual = $3, is_cross_host = $4,
			source_host_id = $5, target_host_id = $6, vni = $7,
			source_vlan_tag = $8, target_vlan_tag = $9,
			source_vxlan_attached = $10, target_vxlan_attached = $11,
			source_carrier = $12, target_carrier = $13,
			source_oper_state = $14, source_oper_reason = $15,
			target_oper_state = $16, target_oper_reason = $17,
			oper_epoch = $18, error_message = $19, updated_at = NOW()
		WHERE id = $1`,
		ls.ID, ls.Desired, ls.Actual, ls.IsCrossHost,
		ls.SourceHostID, ls.TargetHostID, ls.VNI,
		ls.SourceVLANTag, ls.TargetVLANTag,
		ls.SourceVXLANAttached, ls.TargetVXLANAttached,
		ls.SourceCarrier, ls.TargetCarrier,
		ls.SourceOperState, ls.SourceOperReason,
		ls.TargetOperState, ls.TargetOperReason,
		ls.OperEpoch, ls.ErrorMessage)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteLinkState(ctx context.Context, id string) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM link_states WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Endpoint reservations ---

func (p *Postgres) CreateReservation(ctx context.Context, r *types.LinkEndpointReservation) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO link_endpoint_reservations (id, lab_id, node_id, interface, link_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		r.ID, r.LabID, r.NodeID, r.Interface, r.LinkID)
	err = mapPgError(err)
	if errors.Is(err, ErrDuplicate) {
		// Name the holder so the caller can surface a precise error.
		var holder string
		lookupErr := p.q.QueryRow(ctx, `
			SELECT ls.name FROM link_endpoint_reservations res
			JOIN link_states ls ON ls.id = res.link_id
			WHERE res.lab_id = $1 AND res.node_id = $2 AND res.interface = $3`,
			r.LabID, r.NodeID, r.Interface).Scan(&holder)
		if lookupErr != nil {
			holder = "unknown"
		}
		return &EndpointReservedError{
			NodeID:          r.NodeID,
			Interface:       r.Interface,
			ConflictingLink: holder,
		}
	}
	return err
}

func (p *Postgres) ReleaseReservationsForLink(ctx context.Context, linkID string) error {
	_, err := p.q.Exec(ctx, `DELETE FROM link_endpoint_reservations WHERE link_id = $1`, linkID)
	return mapPgError(err)
}

func (p *Postgres) ListReservations(ctx context.Context, labID string) ([]*types.LinkEndpointReservation, error) {
	rows, err := p.q.Query(ctx, `
		SELECT id, lab_id, node_id, interface, link_id, created_at
		FROM link_endpoint_reservations WHERE lab_id = $1`, labID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var out []*types.LinkEndpointReservation
	for rows.Next() {
		var r types.LinkEndpointReservation
		if err := rows.Scan(&r.ID, &r.LabID, &r.NodeID, &r.Interface, &r.LinkID, &r.CreatedAt); err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- VXLAN tunnels ---

const tunnelCols = `id, lab_id, link_id, vni, agent_a_id, agent_a_ip, agent_b_id, agent_b_ip, port_name, status, created_at, updated_at`

func scanTunnel(row pgx.Row) (*types.VxlanTunnel, error) {
	var t types.VxlanTunnel
	err := row.Scan(&t.ID, &t.LabID, &t.LinkID, &t.VNI, &t.AgentAID, &t.AgentAIP,
		&t.AgentBID, &t.AgentBIP, &t.PortName, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &t, nil
}

func (p *Postgres) CreateTunnel(ctx context.Context, t *types.VxlanTunnel) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO vxlan_tunnels (id, lab_id, link_id, vni, agent_a_id, agent_a_ip,
			agent_b_id, agent_b_ip, port_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`,
		t.ID, t.LabID, t.LinkID, t.VNI, t.AgentAID, t.AgentAIP,
		t.AgentBID, t.AgentBIP, t.PortName, t.Status)
	return mapPgError(err)
}

func (p *Postgres) GetTunnelForLink(ctx context.Context, linkID string) (*types.VxlanTunnel, error) {
	return scanTunnel(p.q.QueryRow(ctx,
		`SELECT `+tunnelCols+` FROM vxlan_tunnels WHERE link_id = $1`, linkID))
}

func (p *Postgres) queryTunnels(ctx context.Context, sql string, args ...any) ([]*types.VxlanTunnel, error) {
	rows, err := p.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var out []*types.VxlanTunnel
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ListTunnelsByStatus(ctx context.Context, status types.TunnelStatus) ([]*types.VxlanTunnel, error) {
	return p.queryTunnels(ctx,
		`SELECT `+tunnelCols+` FROM vxlan_tunnels WHERE status = $1 ORDER BY created_at`, status)
}

func (p *Postgres) ListTunnelsForAgent(ctx context.Context, agentID string) ([]*types.VxlanTunnel, error) {
	return p.queryTunnels(ctx, `
		SELECT `+tunnelCols+` FROM vxlan_tunnels
		WHERE agent_a_id = $1 OR agent_b_id = $1
		ORDER BY created_at`, agentID)
}

func (p *Postgres) UpdateTunnelStatus(ctx context.Context, id string, status types.TunnelStatus) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE vxlan_tunnels SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteTunnel(ctx context.Context, id string) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM vxlan_tunnels WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Agents ---

func (p *Postgres) UpsertAgent(ctx context.Context, a *types.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("store: marshal capabilities: %w", err)
	}
	usage, err := json.Marshal(a.Usage)
	if err != nil {
		return fmt.Errorf("store: marshal usage: %w", err)
	}
	_, err = p.q.Exec(ctx, `
		INSERT INTO agents (id, address, status, last_heartbeat, version, commit_sha,
			deployment_mode, capabilities, usage, image_sync_strategy, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address, status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat, version = EXCLUDED.version,
			commit_sha = EXCLUDED.commit_sha, deployment_mode = EXCLUDED.deployment_mode,
			capabilities = EXCLUDED.capabilities, usage = EXCLUDED.usage,
			image_sync_strategy = EXCLUDED.image_sync_strategy`,
		a.ID, a.Address, a.Status, a.LastHeartbeat, a.Version, a.CommitSHA,
		a.DeploymentMode, caps, usage, a.ImageSyncStrategy)
	return mapPgError(err)
}

const agentCols = `id, address, status, last_heartbeat, version, commit_sha, deployment_mode, capabilities, usage, image_sync_strategy, registered_at`

func scanAgent(row pgx.Row) (*types.Agent, error) {
	var a types.Agent
	var caps, usage []byte
	var hb *time.Time
	err := row.Scan(&a.ID, &a.Address, &a.Status, &hb, &a.Version, &a.CommitSHA,
		&a.DeploymentMode, &caps, &usage, &a.ImageSyncStrategy, &a.RegisteredAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	if hb != nil {
		a.LastHeartbeat = *hb
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("store: unmarshal capabilities: %w", err)
		}
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &a.Usage); err != nil {
			return nil, fmt.Errorf("store: unmarshal usage: %w", err)
		}
	}
	return &a, nil
}

func (p *Postgres) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	return scanAgent(p.q.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1`, id))
}

func (p *Postgres) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	rows, err := p.q.Query(ctx, `SELECT `+agentCols+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var out []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) TouchAgentHeartbeat(ctx context.Context, id string, usage types.AgentUsage, at time.Time) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("store: marshal usage: %w", err)
	}
	tag, err := p.q.Exec(ctx, `
		UPDATE agents SET last_heartbeat = $2, usage = $3, status = 'online' WHERE id = $1`,
		id, at, data)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) MarkAgentsStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := p.q.Query(ctx, `
		UPDATE agents SET status = 'offline'
		WHERE status = 'online' AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		RETURNING id`, olderThan)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapPgError(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Jobs ---

const jobCols = `id, lab_id, user_id, action, status, agent_id, created_at, started_at, completed_at, last_heartbeat, retry_count, parent_id, supersedes_id, target_version, target_commit, log`

func scanJob(row pgx.Row) (*types.Job, error) {
	var j types.Job
	err := row.Scan(&j.ID, &j.LabID, &j.UserID, &j.Action, &j.Status, &j.AgentID,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.LastHeartbeat,
		&j.RetryCount, &j.ParentID, &j.SupersedesID,
		&j.TargetVersion, &j.TargetCommit, &j.Log)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &j, nil
}

func (p *Postgres) CreateJob(ctx context.Context, j *types.Job) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO jobs (id, lab_id, user_id, action, status, agent_id, created_at,
			retry_count, parent_id, supersedes_id, target_version, target_commit, log)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7, $8, $9, $10, $11, $12)`,
		j.ID, j.LabID, j.UserID, j.Action, j.Status, j.AgentID,
		j.RetryCount, j.ParentID, j.SupersedesID, j.TargetVersion, j.TargetCommit, j.Log)
	return mapPgError(err)
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*types.Job, error) {
	return scanJob(p.q.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
}

func (p *Postgres) UpdateJob(ctx context.Context, j *types.Job) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE jobs SET status = $2, agent_id = $3, started_at = $4, completed_at = $5,
			last_heartbeat = $6, retry_count = $7, log = $8
		WHERE id = $1`,
		j.ID, j.Status, j.AgentID, j.StartedAt, j.CompletedAt,
		j.LastHeartbeat, j.RetryCount, j.Log)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) queryJobs(ctx context.Context, sql string, args ...any) ([]*types.Job, error) {
	rows, err := p.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) ListActiveJobsForLab(ctx context.Context, labID string) ([]*types.Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE lab_id = $1 AND status IN ('queued', 'running')
		ORDER BY created_at`, labID)
}

func (p *Postgres) ListActiveJobs(ctx context.Context) ([]*types.Job, error) {
	return p.queryJobs(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE status IN ('queued', 'running')
		ORDER BY created_at`)
}

func (p *Postgres) CountActiveJobsForAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	err := p.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE agent_id = $1 AND status IN ('queued', 'running')`, agentID).Scan(&n)
	if err != nil {
		return 0, mapPgError(err)
	}
	return n, nil
}

func (p *Postgres) DeleteJobsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.q.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, mapPgError(err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Placements ---

func (p *Postgres) UpsertPlacement(ctx context.Context, pl *types.NodePlacement) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO node_placements (id, lab_id, node_name, agent_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (lab_id, node_name) DO UPDATE SET agent_id = EXCLUDED.agent_id`,
		pl.ID, pl.LabID, pl.NodeName, pl.AgentID)
	return mapPgError(err)
}

func (p *Postgres) ListPlacements(ctx context.Context, labID string) ([]*types.NodePlacement, error) {
	rows, err := p.q.Query(ctx, `
		SELECT id, lab_id, node_name, agent_id, created_at
		FROM node_placements WHERE lab_id = $1 ORDER BY node_name`, labID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var out []*types.NodePlacement
	for rows.Next() {
		var pl types.NodePlacement
		if err := rows.Scan(&pl.ID, &pl.LabID, &pl.NodeName, &pl.AgentID, &pl.CreatedAt); err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, &pl)
	}
	return out, rows.Err()
}

func (p *Postgres) DeletePlacement(ctx context.Context, labID, nodeName string) error {
	_, err := p.q.Exec(ctx,
		`DELETE FROM node_placements WHERE lab_id = $1 AND node_name = $2`, labID, nodeName)
	return mapPgError(err)
}

// --- Image hosts ---

func (p *Postgres) UpsertImageHost(ctx context.Context, ih *types.ImageHost) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO image_hosts (id, image_ref, agent_id, synced_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (image_ref, agent_id) DO UPDATE SET synced_at = NOW()`,
		ih.ID, ih.ImageRef, ih.AgentID)
	return mapPgError(err)
}

func (p *Postgres) HasImage(ctx context.Context, agentID, imageRef string) (bool, error) {
	var n int
	err := p.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM image_hosts WHERE agent_id = $1 AND image_ref = $2`,
		agentID, imageRef).Scan(&n)
	if err != nil {
		return false, mapPgError(err)
	}
	return n > 0, nil
}

func (p *Postgres) DeleteImageHostsForAgent(ctx context.Context, agentID string) error {
	_, err := p.q.Exec(ctx, `DELETE FROM image_hosts WHERE agent_id = $1`, agentID)
	return mapPgError(err)
}

// --- Config snapshots ---

func (p *Postgres) CreateConfigSnapshot(ctx context.Context, cs *types.ConfigSnapshot) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO config_snapshots (id, lab_id, node_name, content, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		cs.ID, cs.LabID, cs.NodeName, cs.Content)
	return mapPgError(err)
}

func (p *Postgres) DeleteSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.q.Exec(ctx, `DELETE FROM config_snapshots WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, mapPgError(err)
	}
	return int(tag.RowsAffected()), nil
}
