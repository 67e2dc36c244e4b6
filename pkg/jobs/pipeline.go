package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/riannom/archetype/pkg/agentrpc"
	"github.com/riannom/archetype/pkg/broadcast"
	"github.com/riannom/archetype/pkg/bus"
	"github.com/riannom/archetype/pkg/cleanup"
	"github.com/riannom/archetype/pkg/config"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/metrics"
	"github.com/riannom/archetype/pkg/registry"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

// LinkApplier converges a lab's links toward their desired state.
// Implemented by the link orchestrator; injected to keep the package
// graph acyclic.
type LinkApplier interface {
	ApplyLab(ctx context.Context, labID string) error
}

// Deps wires a Pipeline.
type Deps struct {
	Store        store.Store
	Bus          *bus.Bus
	Registry     *registry.Registry
	RPC          *agentrpc.Client
	Config       *config.Config
	Broadcaster  *broadcast.Broadcaster
	Links        LinkApplier
	CallbackBase string // externally reachable base URL for agent callbacks
	Clock        clockwork.Clock
}

// Pipeline turns state-mutation intents into executed agent actions,
// with admission control, deploy locks, retries, and recovery.
type Pipeline struct {
	store        store.Store
	bus          *bus.Bus
	registry     *registry.Registry
	rpc          *agentrpc.Client
	cfg          *config.Config
	broadcaster  *broadcast.Broadcaster
	links        LinkApplier
	callbackBase string
	clock        clockwork.Clock

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Pipeline from its dependencies.
func New(d Deps) *Pipeline {
	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		store:        d.Store,
		bus:          d.Bus,
		registry:     d.Registry,
		rpc:          d.RPC,
		cfg:          d.Config,
		broadcaster:  d.Broadcaster,
		links:        d.Links,
		callbackBase: d.CallbackBase,
		clock:        clock,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Enqueue admits a job for a lab, rejecting it when an active job with
// a conflicting action exists. Admission and creation share one
// transaction so two concurrent enqueues cannot both pass.
func (p *Pipeline) Enqueue(ctx context.Context, labID, userID string, action Action) (*types.Job, error) {
	var job *types.Job
	err := p.store.InTx(ctx, func(tx store.Store) error {
		active, err := tx.ListActiveJobsForLab(ctx, labID)
		if err != nil {
			return fmt.Errorf("list active jobs: %w", err)
		}
		var conflicting []string
		for _, j := range active {
			other, err := ParseAction(j.Action)
			if err != nil {
				continue
			}
			if action.ConflictsWith(other) {
				conflicting = append(conflicting, j.ID)
			}
		}
		if len(conflicting) > 0 {
			return &ConflictError{LabID: labID, Action: action.String(), Conflicting: conflicting}
		}
		job = &types.Job{
			ID:        uuid.NewString(),
			LabID:     labID,
			UserID:    userID,
			Action:    action.String(),
			Status:    types.JobQueued,
			CreatedAt: p.clock.Now(),
		}
		return tx.CreateJob(ctx, job)
	})
	if err != nil {
		var ce *ConflictError
		if errors.As(err, &ce) {
			metrics.JobConflictsTotal.Inc()
		}
		return nil, err
	}
	p.broadcaster.PublishJobProgress(job, "")
	return job, nil
}

// Execute runs a queued job to a terminal state (or leaves it running
// awaiting an agent callback). Intended to be called on its own
// goroutine.
func (p *Pipeline) Execute(job *types.Job) {
	ctx := context.Background()
	action, err := ParseAction(job.Action)
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("unparseable action: %v", err))
		return
	}
	switch action.Verb {
	case VerbUp:
		p.runDeploy(ctx, job)
	case VerbDown:
		p.runDestroy(ctx, job)
	case VerbSync:
		p.runSync(ctx, job, action)
	case VerbLinks:
		p.runLinks(ctx, job)
	case VerbUpdate:
		// Completion happens when the agent re-registers with its new
		// version; see registry.Register.
		p.markRunning(ctx, job, action.SubjectID)
	}
}

func (p *Pipeline) callbackURL(job *types.Job) string {
	return fmt.Sprintf("%s/api/v1/callbacks/job/%s", p.callbackBase, job.ID)
}

// --- deploy ---

type deployPlan struct {
	perAgent  map[string][]*types.Node // agent ID -> nodes
	agents    map[string]*types.Agent
	multiHost bool
}

func (p *Pipeline) runDeploy(ctx context.Context, job *types.Job) {
	lab, err := p.store.GetLab(ctx, job.LabID)
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("load lab: %v", err))
		return
	}
	nodes, err := p.store.ListNodes(ctx, lab.ID)
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("list nodes: %v", err))
		return
	}
	if len(nodes) == 0 {
		p.fail(ctx, job, "lab has no nodes")
		return
	}

	plan, err := p.planDeploy(ctx, lab, nodes)
	if err != nil {
		p.fail(ctx, job, err.Error())
		return
	}

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	release, held, err := p.acquireDeployLocks(ctx, job, lab.ID, names)
	if err == nil && len(held) > 0 {
		p.fail(ctx, job, (&LockHeldError{LabID: lab.ID, Nodes: held}).Error())
		return
	}
	defer release()

	if err := p.imagePreflight(ctx, plan); err != nil {
		p.fail(ctx, job, err.Error())
		return
	}

	err = p.store.InTx(ctx, func(tx store.Store) error {
		for _, n := range nodes {
			if err := tx.SetNodeDesired(ctx, lab.ID, n.ID, types.NodeDesiredRunning); err != nil {
				return fmt.Errorf("set desired for node %s: %w", n.Name, err)
			}
		}
		return tx.SetLabState(ctx, lab.ID, types.LabStateStarting, "")
	})
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("record desired state: %v", err))
		return
	}
	p.broadcaster.PublishLabState(lab.ID, types.LabStateStarting, "")

	agentIDs := make([]string, 0, len(plan.perAgent))
	for id := range plan.perAgent {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)
	p.markRunning(ctx, job, agentIDs[0])

	async := false
	var output strings.Builder
	for _, agentID := range agentIDs {
		agent := plan.agents[agentID]
		// Fail fast on a dead host instead of burning the per-call
		// backoff against it.
		if !p.rpc.Reachable(ctx, agent) {
			cause := &agentrpc.UnavailableError{AgentID: agentID, Op: "deploy", Err: errors.New("health probe failed")}
			if p.maybeRetry(ctx, job, cause) {
				return
			}
			p.failWithLab(ctx, job, lab.ID, fmt.Sprintf("deploy on %s: %v", agentID, cause))
			return
		}
		topo := topologyFor(plan.perAgent[agentID], agentID)
		res, err := p.rpc.Deploy(ctx, agent, job.ID, lab.ID, topo, p.callbackURL(job))
		if err != nil {
			if p.maybeRetry(ctx, job, err) {
				return
			}
			p.failWithLab(ctx, job, lab.ID, fmt.Sprintf("deploy on %s: %v", agentID, err))
			return
		}
		if res.Accepted {
			async = true
		}
		output.WriteString(res.Stdout)
		output.WriteString(res.Stderr)
	}

	if async {
		return // the job callback closes it out
	}
	p.complete(ctx, job, output.String())
	p.publishEvent(ctx, cleanup.Event{Type: cleanup.DeployFinished, LabID: lab.ID, JobID: job.ID})
}

func providerForKind(kind string) string {
	switch kind {
	case "qemu", "vm", "vrnetlab":
		return "libvirt"
	default:
		return "docker"
	}
}

func (p *Pipeline) planDeploy(ctx context.Context, lab *types.Lab, nodes []*types.Node) (*deployPlan, error) {
	placements, err := p.store.ListPlacements(ctx, lab.ID)
	if err != nil {
		return nil, fmt.Errorf("list placements: %w", err)
	}
	placed := map[string]string{}
	for _, pl := range placements {
		placed[pl.NodeName] = pl.AgentID
	}

	hostFor := func(n *types.Node) string {
		if n.HostPin != "" {
			return n.HostPin
		}
		return placed[n.Name]
	}

	named := map[string]bool{}
	for _, n := range nodes {
		if h := hostFor(n); h != "" {
			named[h] = true
		}
	}
	multi := len(named) > 1

	plan := &deployPlan{
		perAgent:  map[string][]*types.Node{},
		agents:    map[string]*types.Agent{},
		multiHost: multi,
	}

	var unplaced []string
	assignment := map[string]string{} // node name -> host
	for _, n := range nodes {
		h := hostFor(n)
		if h == "" && multi {
			if lab.DefaultAgent == "" {
				unplaced = append(unplaced, n.Name)
				continue
			}
			h = lab.DefaultAgent
		}
		assignment[n.Name] = h
	}
	if len(unplaced) > 0 {
		sort.Strings(unplaced)
		return nil, &UnplacedNodesError{LabID: lab.ID, Nodes: unplaced}
	}

	// Resolve the host for fully unpinned single-host labs once.
	var fallback *types.Agent
	resolveFallback := func() (*types.Agent, error) {
		if fallback != nil {
			return fallback, nil
		}
		a, err := p.registry.PickForLab(ctx, lab.ID, "")
		if err != nil {
			if errors.Is(err, registry.ErrNoAgent) {
				return nil, &NoAgentError{Detail: "all agents offline or at capacity"}
			}
			return nil, err
		}
		fallback = a
		return a, nil
	}

	for _, n := range nodes {
		var agent *types.Agent
		if h := assignment[n.Name]; h != "" {
			if agent = plan.agents[h]; agent == nil {
				agent, err = p.registry.PickByName(ctx, h, "")
				if err != nil {
					if errors.Is(err, registry.ErrNoAgent) {
						return nil, &NoAgentError{Detail: fmt.Sprintf("host %s is offline, unknown, or at capacity", h)}
					}
					return nil, err
				}
			}
		} else {
			if agent, err = resolveFallback(); err != nil {
				return nil, err
			}
		}
		provider := providerForKind(n.Kind)
		if !agent.HasProvider(provider) {
			return nil, &NoAgentError{
				Provider: provider,
				Detail:   fmt.Sprintf("host %s cannot run node %s (kind %s)", agent.ID, n.Name, n.Kind),
			}
		}
		plan.agents[agent.ID] = agent
		plan.perAgent[agent.ID] = append(plan.perAgent[agent.ID], n)
	}

	// Persist the final placement so affinity and destroy know where
	// everything landed.
	for agentID, group := range plan.perAgent {
		for _, n := range group {
			pl := &types.NodePlacement{
				ID:       uuid.NewString(),
				LabID:    lab.ID,
				NodeName: n.Name,
				AgentID:  agentID,
			}
			if err := p.store.UpsertPlacement(ctx, pl); err != nil {
				return nil, fmt.Errorf("record placement for %s: %w", n.Name, err)
			}
		}
	}
	return plan, nil
}

func topologyFor(nodes []*types.Node, agentID string) *types.Topology {
	topo := &types.Topology{Placements: map[string]string{}}
	for _, n := range nodes {
		topo.Nodes = append(topo.Nodes, types.TopologyNode{
			Name:  n.Name,
			Kind:  n.Kind,
			Image: n.Image,
			Host:  agentID,
		})
		topo.Placements[n.Name] = agentID
	}
	return topo
}

// acquireDeployLocks claims the per-node deploy locks. On contention
// every already-acquired lock is released and the conflicting node
// names are returned. On a lock-store error the pipeline fails open:
// periodic enforcement is the safety net.
func (p *Pipeline) acquireDeployLocks(ctx context.Context, job *types.Job, labID string, nodeNames []string) (release func(), held []string, err error) {
	sorted := append([]string(nil), nodeNames...)
	sort.Strings(sorted)

	var acquired []string
	release = func() {
		for _, name := range acquired {
			if err := p.bus.ReleaseLock(ctx, bus.DeployLockKey(labID, name)); err != nil {
				log.WithLab(labID).Warn().Err(err).Str("node", name).Msg("deploy lock release failed")
			}
		}
	}

	for _, name := range sorted {
		ok, err := p.bus.AcquireLock(ctx, bus.DeployLockKey(labID, name), job.ID, p.cfg.DeployLockTTL)
		if err != nil {
			log.WithLab(labID).Warn().Err(err).Msg("deploy lock store unavailable, proceeding without locks")
			return release, nil, err
		}
		if !ok {
			held = append(held, name)
			continue
		}
		acquired = append(acquired, name)
	}
	if len(held) > 0 {
		release()
		acquired = nil
		return func() {}, held, nil
	}
	return release, nil, nil
}

// imagePreflight verifies every image in the plan exists on its target
// host, initiating syncs for the missing ones.
func (p *Pipeline) imagePreflight(ctx context.Context, plan *deployPlan) error {
	if !p.cfg.ImageSyncEnabled || !p.cfg.ImageSyncPreDeployCheck {
		return nil
	}
	var missing []string
	for agentID, nodes := range plan.perAgent {
		agent := plan.agents[agentID]
		seen := map[string]bool{}
		for _, n := range nodes {
			if n.Image == "" || seen[n.Image] {
				continue
			}
			seen[n.Image] = true

			has, err := p.store.HasImage(ctx, agentID, n.Image)
			if err != nil {
				return fmt.Errorf("image ledger lookup: %w", err)
			}
			if has {
				continue
			}
			present, err := p.rpc.CheckImage(ctx, agent, n.Image)
			if err == nil && present {
				_ = p.store.UpsertImageHost(ctx, &types.ImageHost{
					ID:       uuid.NewString(),
					ImageRef: n.Image,
					AgentID:  agentID,
				})
				continue
			}
			missing = append(missing, fmt.Sprintf("%s@%s", n.Image, agentID))
			go func(a *types.Agent, ref string) {
				if err := p.rpc.SyncImage(context.Background(), a, ref); err != nil {
					log.WithAgent(a.ID).Warn().Err(err).Str("image", ref).Msg("image sync failed")
				}
			}(agent, n.Image)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingImagesError{Images: missing}
	}
	return nil
}

// --- destroy ---

func (p *Pipeline) runDestroy(ctx context.Context, job *types.Job) {
	lab, err := p.store.GetLab(ctx, job.LabID)
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("load lab: %v", err))
		return
	}
	nodes, err := p.store.ListNodes(ctx, lab.ID)
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("list nodes: %v", err))
		return
	}
	placements, err := p.store.ListPlacements(ctx, lab.ID)
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("list placements: %v", err))
		return
	}

	hosts := map[string]bool{}
	for _, pl := range placements {
		hosts[pl.AgentID] = true
	}
	for _, n := range nodes {
		if n.HostPin != "" {
			hosts[n.HostPin] = true
		}
	}
	if lab.DefaultAgent != "" {
		hosts[lab.DefaultAgent] = true
	}

	err = p.store.InTx(ctx, func(tx store.Store) error {
		for _, n := range nodes {
			if err := tx.SetNodeDesired(ctx, lab.ID, n.ID, types.NodeDesiredStopped); err != nil {
				return err
			}
		}
		return tx.SetLabState(ctx, lab.ID, types.LabStateStopping, "")
	})
	if err != nil {
		p.fail(ctx, job, fmt.Sprintf("record desired state: %v", err))
		return
	}
	p.broadcaster.PublishLabState(lab.ID, types.LabStateStopping, "")
	p.markRunning(ctx, job, "")

	hostIDs := make([]string, 0, len(hosts))
	for id := range hosts {
		hostIDs = append(hostIDs, id)
	}
	sort.Strings(hostIDs)

	var failures []string
	for _, hostID := range hostIDs {
		agent, err := p.store.GetAgent(ctx, hostID)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", hostID, err))
			continue
		}
		if !p.registry.Online(agent) {
			failures = append(failures, fmt.Sprintf("%s: offline", hostID))
			continue
		}
		if _, err := p.rpc.Destroy(ctx, agent, job.ID, lab.ID, p.callbackURL(job)); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", hostID, err))
		}
	}

	// Destroy is idempotent; partial failure downgrades the lab but
	// never blocks completion.
	err = p.store.InTx(ctx, func(tx store.Store) error {
		states, err := tx.ListNodeStates(ctx, lab.ID)
		if err != nil {
			return err
		}
		for _, ns := range states {
			ns.Actual = types.NodeActualStopped
			ns.IsReady = false
			ns.ErrorMessage = ""
			if err := tx.UpdateNodeState(ctx, ns); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithLab(lab.ID).Warn().Err(err).Msg("destroy: node state cleanup failed")
	}

	if len(failures) > 0 {
		msg := "destroy incomplete on hosts: " + strings.Join(failures, "; ")
		p.setLabState(ctx, lab.ID, types.LabStateError, msg)
		p.complete(ctx, job, msg)
	} else {
		p.setLabState(ctx, lab.ID, types.LabStateStopped, "")
		p.complete(ctx, job, "destroyed on all hosts")
	}
	p.publishEvent(ctx, cleanup.Event{Type: cleanup.DestroyFinished, LabID: lab.ID, JobID: job.ID})
}

// --- sync / links ---

func (p *Pipeline) runSync(ctx context.Context, job *types.Job, action Action) {
	p.markRunning(ctx, job, "")
	ev := cleanup.Event{Type: cleanup.StateCheckRequested, LabID: job.LabID, JobID: job.ID}
	switch action.SubjectKind {
	case "node":
		ev.NodeName = action.SubjectID
	case "agent":
		ev.AgentID = action.SubjectID
	}
	p.publishEvent(ctx, ev)
	p.complete(ctx, job, "state check requested")
}

func (p *Pipeline) runLinks(ctx context.Context, job *types.Job) {
	p.markRunning(ctx, job, "")
	if p.links == nil {
		p.complete(ctx, job, "no link changes to apply")
		return
	}
	if err := p.links.ApplyLab(ctx, job.LabID); err != nil {
		if p.maybeRetry(ctx, job, err) {
			return
		}
		p.fail(ctx, job, fmt.Sprintf("apply links: %v", err))
		return
	}
	p.complete(ctx, job, "link changes applied")
}

// DispatchNodeAction creates and executes a scoped sync job that runs
// one node verb on an agent picked with lab affinity. Used by the API
// node endpoints and the enforcement loop.
func (p *Pipeline) DispatchNodeAction(ctx context.Context, lab *types.Lab, ns *types.NodeState, verb string) (*types.Job, error) {
	action := Action{Verb: VerbSync, SubjectKind: "node", SubjectID: ns.NodeID}
	job, err := p.Enqueue(ctx, lab.ID, "", action)
	if err != nil {
		return nil, err
	}

	release, held, lockErr := p.acquireDeployLocks(ctx, job, lab.ID, []string{ns.NodeName})
	if lockErr == nil && len(held) > 0 {
		err := &LockHeldError{LabID: lab.ID, Nodes: held}
		p.fail(ctx, job, err.Error())
		return job, err
	}
	defer release()

	agent, err := p.registry.PickForLab(ctx, lab.ID, "")
	if err != nil {
		if errors.Is(err, registry.ErrNoAgent) {
			nae := &NoAgentError{Detail: "no agent available for node action"}
			p.fail(ctx, job, nae.Error())
			return job, nae
		}
		p.fail(ctx, job, err.Error())
		return job, err
	}

	p.markRunning(ctx, job, agent.ID)
	res, err := p.rpc.NodeAction(ctx, agent, job.ID, lab.ID, ns.NodeName, verb)
	if err != nil {
		if p.maybeRetry(ctx, job, err) {
			return job, err
		}
		p.fail(ctx, job, fmt.Sprintf("node %s %s: %v", ns.NodeName, verb, err))
		return job, err
	}
	if !res.Accepted {
		p.complete(ctx, job, res.Stdout+res.Stderr)
	}
	return job, nil
}

// --- callbacks ---

// HandleCallback finalizes a job from an agent callback. Duplicate
// callbacks against a terminal job are ignored.
func (p *Pipeline) HandleCallback(ctx context.Context, jobID string, success bool, stdout, stderr string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	output := stdout + stderr
	action, _ := ParseAction(job.Action)

	if success {
		p.complete(ctx, job, output)
		switch action.Verb {
		case VerbUp:
			p.publishEvent(ctx, cleanup.Event{Type: cleanup.DeployFinished, LabID: job.LabID, JobID: job.ID})
		case VerbDown:
			p.setLabState(ctx, job.LabID, types.LabStateStopped, "")
			p.publishEvent(ctx, cleanup.Event{Type: cleanup.DestroyFinished, LabID: job.LabID, JobID: job.ID})
		}
		return nil
	}

	p.fail(ctx, job, output)
	if action.Verb == VerbUp || action.Verb == VerbDown {
		p.setLabState(ctx, job.LabID, types.LabStateError, firstLine(output))
	}
	return nil
}

// HandleDeadLetter records an agent's report that it could not deliver
// the job callback. The original status is honored when known;
// otherwise the job fails and the lab goes unknown so reconciliation
// takes over.
func (p *Pipeline) HandleDeadLetter(ctx context.Context, jobID, originalStatus, message string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	switch types.JobStatus(originalStatus) {
	case types.JobCompleted:
		p.complete(ctx, job, "completed (reported via dead-letter): "+message)
	case types.JobFailed:
		p.fail(ctx, job, "failed (reported via dead-letter): "+message)
	default:
		p.fail(ctx, job, "callback delivery failed: "+message)
		p.setLabState(ctx, job.LabID, types.LabStateUnknown,
			"job callback lost; state will be reconciled")
	}
	return nil
}

// HandleHeartbeat records liveness of a long-running agent job.
func (p *Pipeline) HandleHeartbeat(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobRunning {
		return nil
	}
	now := p.clock.Now()
	job.LastHeartbeat = &now
	return p.store.UpdateJob(ctx, job)
}

// Cancel moves a queued or running job to cancelled. A running agent
// job keeps executing; reconciliation trues the state up afterwards.
func (p *Pipeline) Cancel(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}
	now := p.clock.Now()
	job.Status = types.JobCancelled
	job.CompletedAt = &now
	if job.Log != "" {
		job.Log += "\n"
	}
	job.Log += "--- cancelled by user ---"
	if err := p.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	verb := verbLabel(job.Action)
	metrics.JobsTotal.WithLabelValues(verb, string(types.JobCancelled)).Inc()
	p.broadcaster.PublishJobProgress(job, "")
	// Best-effort: in-flight agent work is not killed, so the lab's
	// truth is whatever reconciliation observes next.
	p.setLabState(ctx, job.LabID, types.LabStateUnknown, "job cancelled; awaiting reconciliation")
	return nil
}

// --- retry ---

// maybeRetry supersedes the job with a fresh attempt when the failure
// was transport-class and the retry budget allows. Returns true when a
// retry was scheduled; on false the caller owns the job's failure.
func (p *Pipeline) maybeRetry(ctx context.Context, job *types.Job, cause error) bool {
	if !agentrpc.IsUnavailable(cause) {
		return false
	}
	if job.RetryCount >= p.cfg.JobMaxRetries {
		log.WithJob(job.ID).Warn().
			Int("retry_count", job.RetryCount).
			Msg("retry budget exhausted")
		return false
	}

	p.fail(ctx, job, fmt.Sprintf("attempt %d failed: %v", job.RetryCount+1, cause))

	retry := &types.Job{
		ID:           uuid.NewString(),
		LabID:        job.LabID,
		UserID:       job.UserID,
		Action:       job.Action,
		Status:       types.JobQueued,
		RetryCount:   job.RetryCount + 1,
		SupersedesID: job.ID,
		CreatedAt:    p.clock.Now(),
	}
	if err := p.store.CreateJob(ctx, retry); err != nil {
		log.WithJob(job.ID).Error().Err(err).Msg("failed to create retry job")
		return false
	}

	delay := time.Duration(1<<uint(retry.RetryCount)) * 5 * time.Second
	if delay > 2*time.Minute {
		delay = 2 * time.Minute
	}
	log.WithJob(retry.ID).Info().
		Str("supersedes", job.ID).
		Dur("delay", delay).
		Msg("retrying after transport failure")
	go func() {
		p.clock.Sleep(delay)
		p.Execute(retry)
	}()
	return true
}

// --- terminal transitions ---

func (p *Pipeline) markRunning(ctx context.Context, job *types.Job, agentID string) {
	now := p.clock.Now()
	job.Status = types.JobRunning
	job.StartedAt = &now
	if agentID != "" {
		job.AgentID = agentID
	}
	if err := p.store.UpdateJob(ctx, job); err != nil {
		log.WithJob(job.ID).Error().Err(err).Msg("failed to mark job running")
	}
	p.broadcaster.PublishJobProgress(job, "")
}

func (p *Pipeline) complete(ctx context.Context, job *types.Job, logText string) {
	now := p.clock.Now()
	job.Status = types.JobCompleted
	job.CompletedAt = &now
	job.Log = logText
	if err := p.store.UpdateJob(ctx, job); err != nil {
		log.WithJob(job.ID).Error().Err(err).Msg("failed to complete job")
	}
	verb := verbLabel(job.Action)
	metrics.JobsTotal.WithLabelValues(verb, string(types.JobCompleted)).Inc()
	if job.StartedAt != nil {
		metrics.JobDuration.WithLabelValues(verb).Observe(now.Sub(*job.StartedAt).Seconds())
	}
	p.broadcaster.PublishJobProgress(job, "")
	p.publishEvent(ctx, cleanup.Event{Type: cleanup.JobCompleted, LabID: job.LabID, JobID: job.ID})
}

func (p *Pipeline) fail(ctx context.Context, job *types.Job, logText string) {
	now := p.clock.Now()
	job.Status = types.JobFailed
	job.CompletedAt = &now
	if job.Log != "" {
		job.Log += "\n"
	}
	job.Log += logText
	if err := p.store.UpdateJob(ctx, job); err != nil {
		log.WithJob(job.ID).Error().Err(err).Msg("failed to record job failure")
	}
	verb := verbLabel(job.Action)
	metrics.JobsTotal.WithLabelValues(verb, string(types.JobFailed)).Inc()
	metrics.JobFailureReasons.WithLabelValues(SummarizeFailure(logText)).Inc()
	log.WithJob(job.ID).Error().Str("lab_id", job.LabID).Str("action", job.Action).Msg(firstLine(logText))
	p.broadcaster.PublishJobProgress(job, firstLine(logText))
	p.publishEvent(ctx, cleanup.Event{Type: cleanup.JobFailed, LabID: job.LabID, JobID: job.ID})
}

func (p *Pipeline) failWithLab(ctx context.Context, job *types.Job, labID, logText string) {
	p.fail(ctx, job, logText)
	p.setLabState(ctx, labID, types.LabStateError, firstLine(logText))
}

func (p *Pipeline) setLabState(ctx context.Context, labID string, state types.LabState, msg string) {
	if err := p.store.SetLabState(ctx, labID, state, msg); err != nil {
		log.WithLab(labID).Error().Err(err).Msg("failed to set lab state")
		return
	}
	p.broadcaster.PublishLabState(labID, state, msg)
}

func (p *Pipeline) publishEvent(ctx context.Context, ev cleanup.Event) {
	if err := cleanup.Publish(ctx, p.bus, ev); err != nil {
		log.WithComponent("jobs").Warn().Err(err).Str("type", string(ev.Type)).Msg("event publish failed")
	}
}

func verbLabel(action string) string {
	a, err := ParseAction(action)
	if err != nil {
		return "unknown"
	}
	return string(a.Verb)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
