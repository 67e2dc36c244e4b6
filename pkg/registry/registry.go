package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/metrics"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

// ErrNoAgent is returned by the pick operations when no online agent
// matches the filter or all matching agents are at capacity.
var ErrNoAgent = errors.New("registry: no eligible agent")

// OfflineFunc is invoked with the IDs of agents newly marked offline
// by a stale sweep.
type OfflineFunc func(ctx context.Context, agentIDs []string)

// Registry maintains the set of worker hosts, their freshness, and
// agent selection for job dispatch.
type Registry struct {
	store        store.Store
	clock        clockwork.Clock
	staleTimeout time.Duration
	onOffline    OfflineFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithOfflineFunc sets the callback fired after a stale sweep marks
// agents offline.
func WithOfflineFunc(fn OfflineFunc) Option {
	return func(r *Registry) { r.onOffline = fn }
}

// New creates a Registry. staleTimeout bounds how old a heartbeat may
// be before the agent counts as offline.
func New(st store.Store, staleTimeout time.Duration, opts ...Option) *Registry {
	r := &Registry{
		store:        st,
		clock:        clockwork.NewRealClock(),
		staleTimeout: staleTimeout,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register upserts an agent by ID. A re-registration that advertises a
// new version or commit resolves any outstanding update job assigned
// to the agent.
func (r *Registry) Register(ctx context.Context, agent *types.Agent) error {
	agent.Status = types.AgentOnline
	agent.LastHeartbeat = r.clock.Now()
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return fmt.Errorf("register agent %s: %w", agent.ID, err)
	}
	log.WithAgent(agent.ID).Info().
		Str("version", agent.Version).
		Str("address", agent.Address).
		Strs("providers", agent.Capabilities.Providers).
		Msg("agent registered")

	r.completeUpdateJobs(ctx, agent)
	return nil
}

// completeUpdateJobs marks active agent-update jobs for this agent
// completed, but only when the agent came back on the version or
// commit the job targeted. A re-registration on the old version means
// the update has not landed yet; the job stays running until it does
// or the stuck-job sweep fails it.
func (r *Registry) completeUpdateJobs(ctx context.Context, agent *types.Agent) {
	jobs, err := r.store.ListActiveJobs(ctx)
	if err != nil {
		log.WithComponent("registry").Warn().Err(err).Msg("update-completion check skipped")
		return
	}
	for _, j := range jobs {
		if j.Action != "update:agent:"+agent.ID {
			continue
		}
		if !updateLanded(j, agent) {
			log.WithJob(j.ID).Info().
				Str("agent_id", agent.ID).
				Str("reported_version", agent.Version).
				Str("target_version", j.TargetVersion).
				Msg("agent re-registered without the update target")
			continue
		}
		now := r.clock.Now()
		j.Status = types.JobCompleted
		j.CompletedAt = &now
		j.Log = fmt.Sprintf("agent re-registered with version %s (%s)", agent.Version, agent.CommitSHA)
		if err := r.store.UpdateJob(ctx, j); err != nil {
			log.WithJob(j.ID).Warn().Err(err).Msg("failed to complete update job")
			continue
		}
		log.WithJob(j.ID).Info().Str("agent_id", agent.ID).Msg("agent update job completed")
	}
}

// updateLanded reports whether the agent's registration satisfies the
// update job's target. A job with no recorded target accepts any
// re-registration.
func updateLanded(j *types.Job, agent *types.Agent) bool {
	if j.TargetVersion == "" && j.TargetCommit == "" {
		return true
	}
	if j.TargetVersion != "" && j.TargetVersion == agent.Version {
		return true
	}
	return j.TargetCommit != "" && j.TargetCommit == agent.CommitSHA
}

// Heartbeat records a heartbeat and resource snapshot for an agent.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, usage types.AgentUsage) error {
	if err := r.store.TouchAgentHeartbeat(ctx, agentID, usage, r.clock.Now()); err != nil {
		return fmt.Errorf("heartbeat for agent %s: %w", agentID, err)
	}
	return nil
}

// MarkStale transitions every agent whose heartbeat is older than the
// stale timeout to offline and returns the newly-offline IDs.
func (r *Registry) MarkStale(ctx context.Context) ([]string, error) {
	cutoff := r.clock.Now().Add(-r.staleTimeout)
	ids, err := r.store.MarkAgentsStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale agents: %w", err)
	}
	for _, id := range ids {
		log.WithAgent(id).Warn().Msg("agent marked offline: heartbeat stale")
	}
	if len(ids) > 0 && r.onOffline != nil {
		r.onOffline(ctx, ids)
	}
	return ids, nil
}

// Online reports whether an agent counts as healthy: status online and
// a heartbeat younger than the stale timeout.
func (r *Registry) Online(agent *types.Agent) bool {
	if agent == nil || agent.Status != types.AgentOnline {
		return false
	}
	if agent.LastHeartbeat.IsZero() {
		return false
	}
	return r.clock.Now().Sub(agent.LastHeartbeat) < r.staleTimeout
}

// PickFilter narrows agent selection.
type PickFilter struct {
	RequiredProvider string
	Prefer           string   // agent ID with affinity priority
	Exclude          []string // agent IDs never selected
}

func (f PickFilter) excluded(id string) bool {
	for _, e := range f.Exclude {
		if e == id {
			return true
		}
	}
	return false
}

// candidate pairs an agent with its current load for selection.
type candidate struct {
	agent  *types.Agent
	active int
}

func (c candidate) loadRatio() float64 {
	return float64(c.active) / float64(c.agent.MaxJobs())
}

// Pick selects a healthy agent matching the filter. Affinity wins when
// the preferred agent is eligible and under capacity; otherwise the
// least-loaded eligible agent is chosen. Returns ErrNoAgent when every
// match is at capacity or nothing matches.
func (r *Registry) Pick(ctx context.Context, filter PickFilter) (*types.Agent, error) {
	candidates, err := r.eligible(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoAgent
	}

	if filter.Prefer != "" {
		for _, c := range candidates {
			if c.agent.ID == filter.Prefer {
				return c.agent, nil
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].loadRatio(), candidates[j].loadRatio()
		if ri != rj {
			return ri < rj
		}
		if candidates[i].active != candidates[j].active {
			return candidates[i].active < candidates[j].active
		}
		return candidates[i].agent.ID < candidates[j].agent.ID
	})
	return candidates[0].agent, nil
}

// PickForLab prefers agents already hosting nodes for the lab, then
// falls back to a plain Pick.
func (r *Registry) PickForLab(ctx context.Context, labID, requiredProvider string) (*types.Agent, error) {
	placements, err := r.store.ListPlacements(ctx, labID)
	if err != nil {
		return nil, fmt.Errorf("list placements for lab %s: %w", labID, err)
	}
	hosting := map[string]bool{}
	for _, p := range placements {
		hosting[p.AgentID] = true
	}

	if len(hosting) > 0 {
		candidates, err := r.eligible(ctx, PickFilter{RequiredProvider: requiredProvider})
		if err != nil {
			return nil, err
		}
		var best *candidate
		for i := range candidates {
			c := &candidates[i]
			if !hosting[c.agent.ID] {
				continue
			}
			if best == nil || c.loadRatio() < best.loadRatio() {
				best = c
			}
		}
		if best != nil {
			return best.agent, nil
		}
	}
	return r.Pick(ctx, PickFilter{RequiredProvider: requiredProvider})
}

// PickByName looks an agent up by exact ID, subject to the same health,
// capability, and capacity checks as Pick.
func (r *Registry) PickByName(ctx context.Context, name, requiredProvider string) (*types.Agent, error) {
	agent, err := r.store.GetAgent(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoAgent
		}
		return nil, fmt.Errorf("get agent %s: %w", name, err)
	}
	if !r.Online(agent) {
		return nil, ErrNoAgent
	}
	if requiredProvider != "" && !agent.HasProvider(requiredProvider) {
		return nil, ErrNoAgent
	}
	active, err := r.store.CountActiveJobsForAgent(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("count jobs for agent %s: %w", agent.ID, err)
	}
	if active >= agent.MaxJobs() {
		return nil, ErrNoAgent
	}
	return agent, nil
}

// eligible returns every online agent passing the filter that still
// has job capacity, with its active job count.
func (r *Registry) eligible(ctx context.Context, filter PickFilter) ([]candidate, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var out []candidate
	for _, a := range agents {
		if !r.Online(a) || filter.excluded(a.ID) {
			continue
		}
		if filter.RequiredProvider != "" && !a.HasProvider(filter.RequiredProvider) {
			continue
		}
		active, err := r.store.CountActiveJobsForAgent(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("count jobs for agent %s: %w", a.ID, err)
		}
		if active >= a.MaxJobs() {
			continue
		}
		out = append(out, candidate{agent: a, active: active})
	}
	return out, nil
}

// Start launches the stale-agent sweep loop.
func (r *Registry) Start(interval time.Duration) {
	go r.run(interval)
}

// Stop halts the sweep loop and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Registry) run(interval time.Duration) {
	defer close(r.doneCh)
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := r.MarkStale(ctx); err != nil {
				log.WithComponent("registry").Error().Err(err).Msg("stale sweep failed")
			}
			r.updateGauges(ctx)
			cancel()
		}
	}
}

func (r *Registry) updateGauges(ctx context.Context) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return
	}
	online, offline := 0, 0
	for _, a := range agents {
		if r.Online(a) {
			online++
		} else {
			offline++
		}
	}
	metrics.AgentsTotal.WithLabelValues(string(types.AgentOnline)).Set(float64(online))
	metrics.AgentsTotal.WithLabelValues(string(types.AgentOffline)).Set(float64(offline))
}
