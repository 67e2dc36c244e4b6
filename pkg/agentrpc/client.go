package agentrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"

	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/metrics"
	"github.com/riannom/archetype/pkg/types"
)

// Node action verbs.
const (
	VerbStart  = "start"
	VerbStop   = "stop"
	VerbReload = "reload"
)

const reachableTTL = 10 * time.Second

// Client issues RPC calls to agents.
type Client struct {
	http       *http.Client
	token      string
	maxRetries int
	reachable  *ttlcache.Cache[string, bool]
}

// NewClient creates a Client. callTimeout bounds each individual HTTP
// attempt; maxRetries bounds retries of transport-class failures.
func NewClient(token string, callTimeout time.Duration, maxRetries int) *Client {
	c := &Client{
		http:       &http.Client{Timeout: callTimeout},
		token:      token,
		maxRetries: maxRetries,
		reachable: ttlcache.New[string, bool](
			ttlcache.WithTTL[string, bool](reachableTTL),
		),
	}
	go c.reachable.Start()
	return c
}

// Close stops the reachability cache's expiry loop.
func (c *Client) Close() {
	c.reachable.Stop()
}

// Reachable reports whether the agent answered a health probe
// recently. Results are memoized for a few seconds so a burst of calls
// does not probe the same agent repeatedly.
func (c *Client) Reachable(ctx context.Context, agent *types.Agent) bool {
	if item := c.reachable.Get(agent.ID); item != nil {
		return item.Value()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(agent, "healthz"), nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	ok := err == nil && resp.StatusCode == http.StatusOK
	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	c.reachable.Set(agent.ID, ok, ttlcache.DefaultTTL)
	return ok
}

func (c *Client) url(agent *types.Agent, path string) string {
	return fmt.Sprintf("http://%s/api/v1/%s", agent.Address, path)
}

// envelope is the common response wrapper agents use for action-style
// calls.
type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// call posts a JSON payload and decodes the response into out. It
// retries transport errors, 5xx, and 429 with exponential backoff; any
// other non-2xx is a JobError and is not retried.
func (c *Client) call(ctx context.Context, agent *types.Agent, op, path string, payload, out any) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.AgentCallDuration, op)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(agent, path), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err // transport error, retriable
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 256))
		case resp.StatusCode >= 400:
			je := &JobError{AgentID: agent.ID, Op: op, StatusCode: resp.StatusCode}
			var env envelope
			if json.Unmarshal(data, &env) == nil {
				je.Message, je.Stdout, je.Stderr = env.Error, env.Stdout, env.Stderr
			}
			if je.Message == "" {
				je.Message = truncate(data, 256)
			}
			return backoff.Permanent(je)
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode %s response: %w", op, err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	err = backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))

	switch {
	case err == nil:
		metrics.AgentCallsTotal.WithLabelValues(op, "ok").Inc()
		c.reachable.Set(agent.ID, true, ttlcache.DefaultTTL)
		return nil
	case IsJobError(err):
		metrics.AgentCallsTotal.WithLabelValues(op, "job_error").Inc()
		return err
	default:
		metrics.AgentCallsTotal.WithLabelValues(op, "unavailable").Inc()
		c.reachable.Set(agent.ID, false, ttlcache.DefaultTTL)
		log.WithAgent(agent.ID).Warn().Err(err).Str("op", op).Msg("agent call failed after retries")
		return &UnavailableError{AgentID: agent.ID, Op: op, Err: err}
	}
}

// actionCall is call plus the success-flag check used by action-style
// endpoints: a 200 with success=false is still a JobError.
func (c *Client) actionCall(ctx context.Context, agent *types.Agent, op, path string, payload any) (*ActionResult, error) {
	var res ActionResult
	if err := c.call(ctx, agent, op, path, payload, &res); err != nil {
		return nil, err
	}
	if !res.Success && !res.Accepted {
		return nil, &JobError{
			AgentID: agent.ID,
			Op:      op,
			Message: res.Error,
			Stdout:  res.Stdout,
			Stderr:  res.Stderr,
		}
	}
	return &res, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// ActionResult is the outcome of an action-style call. Accepted marks
// an async job the agent will finish via callback.
type ActionResult struct {
	Success  bool   `json:"success"`
	Accepted bool   `json:"accepted,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Endpoint names one side of a link on an agent.
type Endpoint struct {
	NodeName  string `json:"node_name"`
	Container string `json:"container"`
	Interface string `json:"interface"`
}

// Deploy asks the agent to materialize the given nodes of a lab. The
// agent may accept asynchronously and report completion through the
// job callback.
func (c *Client) Deploy(ctx context.Context, agent *types.Agent, jobID, labID string, topology *types.Topology, callbackURL string) (*ActionResult, error) {
	return c.actionCall(ctx, agent, "deploy", "labs/deploy", map[string]any{
		"job_id":       jobID,
		"lab_id":       labID,
		"topology":     topology,
		"callback_url": callbackURL,
	})
}

// Destroy tears down every runtime resource of the lab on the agent.
// Idempotent on the agent side.
func (c *Client) Destroy(ctx context.Context, agent *types.Agent, jobID, labID, callbackURL string) (*ActionResult, error) {
	return c.actionCall(ctx, agent, "destroy", "labs/destroy", map[string]any{
		"job_id":       jobID,
		"lab_id":       labID,
		"callback_url": callbackURL,
	})
}

// NodeAction runs start, stop, or reload against one node.
func (c *Client) NodeAction(ctx context.Context, agent *types.Agent, jobID, labID, nodeName, verb string) (*ActionResult, error) {
	return c.actionCall(ctx, agent, "node_action", "nodes/action", map[string]any{
		"job_id": jobID,
		"lab_id": labID,
		"node":   nodeName,
		"verb":   verb,
	})
}

// NodeStatus is one node's observed runtime status.
type NodeStatus struct {
	NodeName string `json:"node_name"`
	Status   string `json:"status"`
}

// GetLabStatus returns the observed status of every node the agent
// carries for the lab.
func (c *Client) GetLabStatus(ctx context.Context, agent *types.Agent, labID string) ([]NodeStatus, error) {
	var res struct {
		Nodes []NodeStatus `json:"nodes"`
	}
	err := c.call(ctx, agent, "get_lab_status", "labs/status", map[string]any{"lab_id": labID}, &res)
	if err != nil {
		return nil, err
	}
	return res.Nodes, nil
}

// DiscoveredLab is a lab the agent found running locally.
type DiscoveredLab struct {
	LabID string   `json:"lab_id"`
	Nodes []string `json:"nodes"`
}

// DiscoverLabs lists the labs the agent currently carries.
func (c *Client) DiscoverLabs(ctx context.Context, agent *types.Agent) ([]DiscoveredLab, error) {
	var res struct {
		Labs []DiscoveredLab `json:"labs"`
	}
	if err := c.call(ctx, agent, "discover_labs", "labs/discover", map[string]any{}, &res); err != nil {
		return nil, err
	}
	return res.Labs, nil
}

// LinkResult is the outcome of a same-host link operation.
type LinkResult struct {
	Success bool   `json:"success"`
	VLANTag int    `json:"vlan_tag,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CreateLink wires both endpoints of a same-host link. The agent picks
// and returns the VLAN tag.
func (c *Client) CreateLink(ctx context.Context, agent *types.Agent, labID string, source, target Endpoint) (*LinkResult, error) {
	var res LinkResult
	err := c.call(ctx, agent, "create_link", "links/create", map[string]any{
		"lab_id": labID,
		"source": source,
		"target": target,
	}, &res)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &JobError{AgentID: agent.ID, Op: "create_link", Message: res.Error}
	}
	return &res, nil
}

// DeleteLink removes a same-host link.
func (c *Client) DeleteLink(ctx context.Context, agent *types.Agent, labID, linkName string, source, target Endpoint) error {
	_, err := c.actionCall(ctx, agent, "delete_link", "links/delete", map[string]any{
		"lab_id":    labID,
		"link_name": linkName,
		"source":    source,
		"target":    target,
	})
	return err
}

// CrossHostSide is one agent's local view of a cross-host link setup.
type CrossHostSide struct {
	LabID     string `json:"lab_id"`
	LinkName  string `json:"link_name"`
	LinkID    string `json:"link_id"`
	VNI       int64  `json:"vni"`
	LocalIP   string `json:"local_ip"`
	RemoteIP  string `json:"remote_ip"`
	Container string `json:"container"`
	Interface string `json:"interface"`
}

// CrossHostResult is the outcome of one side of a cross-host setup.
type CrossHostResult struct {
	Success bool   `json:"success"`
	VLANTag int    `json:"vlan_tag,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SetupCrossHostSide establishes one agent's half of a cross-host
// link: the trunk VTEP for the host pair and the local VLAN stitch for
// the endpoint.
func (c *Client) SetupCrossHostSide(ctx context.Context, agent *types.Agent, side CrossHostSide) (*CrossHostResult, error) {
	var res CrossHostResult
	if err := c.call(ctx, agent, "setup_cross_host_link", "links/cross-host/setup", side, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, &JobError{AgentID: agent.ID, Op: "setup_cross_host_link", Message: res.Error}
	}
	return &res, nil
}

// OverlayEntry is one declared VTEP for declare-state convergence.
type OverlayEntry struct {
	LinkID       string `json:"link_id"`
	LabID        string `json:"lab_id"`
	PortName     string `json:"port_name"`
	VNI          int64  `json:"vni"`
	LocalIP      string `json:"local_ip"`
	RemoteIP     string `json:"remote_ip"`
	ExpectedVLAN int    `json:"expected_vlan"`
}

// OverlayEntryResult is the agent's per-entry convergence outcome.
type OverlayEntryResult struct {
	LinkID string `json:"link_id"`
	Status string `json:"status"` // converged, created, error
	Error  string `json:"error,omitempty"`
}

// OverlayResult is the full declare-state response.
type OverlayResult struct {
	Results        []OverlayEntryResult `json:"results"`
	OrphansRemoved []string             `json:"orphans_removed"`
}

// DeclareOverlayState hands the agent the exact VTEP set it should
// have; the agent converges and removes anything not declared.
func (c *Client) DeclareOverlayState(ctx context.Context, agent *types.Agent, entries []OverlayEntry) (*OverlayResult, error) {
	var res OverlayResult
	err := c.call(ctx, agent, "declare_overlay_state", "overlay/declare", map[string]any{
		"entries": entries,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ReconcileVxlanPorts is the legacy whitelist path for agents that do
// not implement declare-state: the agent removes any VXLAN port not in
// validPorts.
func (c *Client) ReconcileVxlanPorts(ctx context.Context, agent *types.Agent, validPorts []string, force, confirm, allowEmpty bool) error {
	_, err := c.actionCall(ctx, agent, "reconcile_vxlan_ports", "overlay/reconcile-ports", map[string]any{
		"valid_ports": validPorts,
		"force":       force,
		"confirm":     confirm,
		"allow_empty": allowEmpty,
	})
	return err
}

// DetachOverlayInterface unplugs an endpoint from its overlay VLAN.
func (c *Client) DetachOverlayInterface(ctx context.Context, agent *types.Agent, labID, container, iface, linkID string) error {
	_, err := c.actionCall(ctx, agent, "detach_overlay_interface", "overlay/detach", map[string]any{
		"lab_id":    labID,
		"container": container,
		"interface": iface,
		"link_id":   linkID,
	})
	return err
}

// AttachOverlayRequest parameterizes AttachOverlayInterface.
type AttachOverlayRequest struct {
	LabID     string `json:"lab_id"`
	Container string `json:"container"`
	Interface string `json:"interface"`
	VNI       int64  `json:"vni"`
	LocalIP   string `json:"local_ip"`
	RemoteIP  string `json:"remote_ip"`
	LinkID    string `json:"link_id"`
	MTU       int    `json:"mtu,omitempty"`
}

// AttachOverlayInterface re-plugs an endpoint into an overlay VLAN;
// used as the rollback of a failed two-phase teardown.
func (c *Client) AttachOverlayInterface(ctx context.Context, agent *types.Agent, req AttachOverlayRequest) error {
	_, err := c.actionCall(ctx, agent, "attach_overlay_interface", "overlay/attach", req)
	return err
}

// SetCarrier flips only the physical carrier of an interface, never
// its administrative state, so the far side does not echo the event.
func (c *Client) SetCarrier(ctx context.Context, agent *types.Agent, labID, nodeName, iface string, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	_, err := c.actionCall(ctx, agent, "set_carrier", "links/carrier", map[string]any{
		"lab_id":    labID,
		"node":      nodeName,
		"interface": iface,
		"state":     state,
	})
	return err
}

// IsolateEndpoint moves an interface to a throwaway VLAN with carrier
// off, detaching it from whatever it was bridged to.
func (c *Client) IsolateEndpoint(ctx context.Context, agent *types.Agent, labID, nodeName, iface string) error {
	_, err := c.actionCall(ctx, agent, "isolate_endpoint", "links/isolate", map[string]any{
		"lab_id":    labID,
		"node":      nodeName,
		"interface": iface,
	})
	return err
}

// Readiness is the kind-aware readiness probe result for one node.
type Readiness struct {
	IsReady         bool   `json:"is_ready"`
	ProgressPercent int    `json:"progress_percent"`
	Message         string `json:"message,omitempty"`
}

// CheckNodeReadiness runs the agent's kind-aware readiness probe.
func (c *Client) CheckNodeReadiness(ctx context.Context, agent *types.Agent, labID, nodeName, kind string) (*Readiness, error) {
	var res Readiness
	err := c.call(ctx, agent, "check_node_readiness", "nodes/readiness", map[string]any{
		"lab_id": labID,
		"node":   nodeName,
		"kind":   kind,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CleanupWorkspace removes the agent's on-disk workspace for a lab.
func (c *Client) CleanupWorkspace(ctx context.Context, agent *types.Agent, labID string) error {
	_, err := c.actionCall(ctx, agent, "cleanup_workspace", "cleanup/workspace", map[string]any{
		"lab_id": labID,
	})
	return err
}

// CleanupOrphans asks the agent to remove runtime resources belonging
// to labs outside validLabIDs.
func (c *Client) CleanupOrphans(ctx context.Context, agent *types.Agent, validLabIDs []string) error {
	_, err := c.actionCall(ctx, agent, "cleanup_orphans", "cleanup/orphans", map[string]any{
		"valid_lab_ids": validLabIDs,
	})
	return err
}

// PruneOptions selects what PruneDocker removes.
type PruneOptions struct {
	DanglingImages bool `json:"dangling_images"`
	UnusedVolumes  bool `json:"unused_volumes"`
	BuildCache     bool `json:"build_cache"`
}

// PruneDocker removes dangling images, unused volumes, and build cache
// on the agent per opts.
func (c *Client) PruneDocker(ctx context.Context, agent *types.Agent, opts PruneOptions) error {
	_, err := c.actionCall(ctx, agent, "prune_docker", "cleanup/docker", opts)
	return err
}

// SyncImage asks the agent to pull or receive an image.
func (c *Client) SyncImage(ctx context.Context, agent *types.Agent, imageRef string) error {
	_, err := c.actionCall(ctx, agent, "sync_image", "images/sync", map[string]any{
		"image_ref": imageRef,
	})
	return err
}

// CheckImage reports whether the agent already has an image.
func (c *Client) CheckImage(ctx context.Context, agent *types.Agent, imageRef string) (bool, error) {
	var res struct {
		Present bool `json:"present"`
	}
	err := c.call(ctx, agent, "check_image", "images/check", map[string]any{
		"image_ref": imageRef,
	}, &res)
	if err != nil {
		return false, err
	}
	return res.Present, nil
}
