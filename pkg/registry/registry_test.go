package registry

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

const staleTimeout = 90 * time.Second

func newTestRegistry(t *testing.T) (*Registry, *store.Memory, *clockwork.FakeClock) {
	t.Helper()
	m := store.NewMemory()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	return New(m, staleTimeout, WithClock(fc)), m, fc
}

func addAgent(t *testing.T, r *Registry, id string, providers ...string) {
	t.Helper()
	require.NoError(t, r.Register(context.Background(), &types.Agent{
		ID:      id,
		Address: id + ":9443",
		Capabilities: types.AgentCapabilities{
			Providers:         providers,
			MaxConcurrentJobs: 2,
		},
	}))
}

func addJob(t *testing.T, m *store.Memory, id, agentID string, status types.JobStatus) {
	t.Helper()
	require.NoError(t, m.CreateJob(context.Background(), &types.Job{
		ID: id, LabID: "lab-1", Action: "sync", AgentID: agentID, Status: status,
	}))
}

func TestRegisterAndOnline(t *testing.T) {
	r, m, fc := newTestRegistry(t)
	ctx := context.Background()

	addAgent(t, r, "host-a", "docker")
	agent, err := m.GetAgent(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, types.AgentOnline, agent.Status)
	assert.True(t, r.Online(agent))

	// A heartbeat past the stale timeout makes the agent unhealthy even
	// before a sweep flips its status.
	fc.Advance(staleTimeout + time.Second)
	agent, err = m.GetAgent(ctx, "host-a")
	require.NoError(t, err)
	assert.False(t, r.Online(agent))

	require.NoError(t, r.Heartbeat(ctx, "host-a", types.AgentUsage{CPUPercent: 10}))
	agent, err = m.GetAgent(ctx, "host-a")
	require.NoError(t, err)
	assert.True(t, r.Online(agent))
	assert.Equal(t, 10.0, agent.Usage.CPUPercent)
}

func TestMarkStaleFiresOfflineFunc(t *testing.T) {
	m := store.NewMemory()
	fc := clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	var gotOffline []string
	r := New(m, staleTimeout, WithClock(fc), WithOfflineFunc(func(_ context.Context, ids []string) {
		gotOffline = ids
	}))
	ctx := context.Background()

	addAgent(t, r, "host-a", "docker")
	fc.Advance(time.Minute)
	addAgent(t, r, "host-b", "docker")

	fc.Advance(staleTimeout - 30*time.Second)
	ids, err := r.MarkStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"host-a"}, ids)
	assert.Equal(t, []string{"host-a"}, gotOffline)
}

func addUpdateJob(t *testing.T, m *store.Memory, id, agentID, targetVersion string) {
	t.Helper()
	require.NoError(t, m.CreateJob(context.Background(), &types.Job{
		ID:            id,
		LabID:         "lab-1",
		Action:        "update:agent:" + agentID,
		Status:        types.JobRunning,
		TargetVersion: targetVersion,
	}))
}

func registerWithVersion(t *testing.T, r *Registry, id, version string) {
	t.Helper()
	require.NoError(t, r.Register(context.Background(), &types.Agent{
		ID:      id,
		Address: id + ":9443",
		Version: version,
		Capabilities: types.AgentCapabilities{
			Providers:         []string{"docker"},
			MaxConcurrentJobs: 2,
		},
	}))
}

func TestRegisterCompletesUpdateJob(t *testing.T) {
	r, m, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, m.CreateLab(ctx, &types.Lab{ID: "lab-1", Name: "lab-1"}))
	addUpdateJob(t, m, "j-upd", "host-a", "v1.3.0")

	registerWithVersion(t, r, "host-a", "v1.3.0")

	job, err := m.GetJob(ctx, "j-upd")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Contains(t, job.Log, "re-registered")
}

func TestRegisterMismatchedVersionLeavesUpdateJobRunning(t *testing.T) {
	r, m, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, m.CreateLab(ctx, &types.Lab{ID: "lab-1", Name: "lab-1"}))
	addUpdateJob(t, m, "j-upd", "host-a", "v1.3.0")

	// The agent came back before applying the update.
	registerWithVersion(t, r, "host-a", "v1.2.9")

	job, err := m.GetJob(ctx, "j-upd")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.Status, "job waits for the target version")

	// The second restart lands on the target and completes the job.
	registerWithVersion(t, r, "host-a", "v1.3.0")
	job, err = m.GetJob(ctx, "j-upd")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
}

func TestRegisterCompletesUpdateJobByCommit(t *testing.T) {
	r, m, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, m.CreateLab(ctx, &types.Lab{ID: "lab-1", Name: "lab-1"}))
	require.NoError(t, m.CreateJob(ctx, &types.Job{
		ID:           "j-upd",
		LabID:        "lab-1",
		Action:       "update:agent:host-a",
		Status:       types.JobRunning,
		TargetCommit: "abc1234",
	}))

	require.NoError(t, r.Register(ctx, &types.Agent{
		ID:        "host-a",
		Address:   "host-a:9443",
		Version:   "v1.3.0",
		CommitSHA: "abc1234",
		Capabilities: types.AgentCapabilities{
			Providers:         []string{"docker"},
			MaxConcurrentJobs: 2,
		},
	}))

	job, err := m.GetJob(ctx, "j-upd")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
}

func TestPickPrefersLeastLoaded(t *testing.T) {
	r, m, _ := newTestRegistry(t)
	ctx := context.Background()

	addAgent(t, r, "host-a", "docker")
	addAgent(t, r, "host-b", "docker")
	addJob(t, m, "j-1", "host-a", types.JobRunning)

	agent, err := r.Pick(ctx, PickFilter{RequiredProvider: "docker"})
	require.NoError(t, err)
	assert.Equal(t, "host-b", agent.ID)
}

func TestPickAffinityWins(t *testing.T) {
	r, m, _ := newTestRegistry(t)
	ctx := context.Background()

	addAgent(t, r, "host-a", "docker")
	addAgent(t, r, "host-b", "docker")
	// host-a carries load but is still under capacity; affinity keeps it.
	addJob(t, m, "j-1", "host-a", types.JobRunning)

	agent, err := r.Pick(ctx, PickFilter{RequiredProvider: "docker", Prefer: "host-a"})
	require.NoError(t, err)
	assert.Equal(t, "host-a", agent.ID)
}

func TestPickSkipsFullAgents(t *testing.T) {
	r, m, _ := newTestRegistry(t)
	ctx := context.Background()

	addAgent(t, r, "host-a", "docker")
	addJob(t, m, "j-1", "host-a", types.JobRunning)
	addJob(t, m, "j-2", "host-a", types.JobQueued)

	_, err := r.Pick(ctx, PickFilter{RequiredProvider: "docker"})
	assert.ErrorIs(t, err, ErrNoAgent)

	// Affinity does not bypass the capacity check.
	_, err = r.Pick(ctx, PickFilter{RequiredProvider: "docker", Prefer: "host-a"})
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestPickFiltersProvider(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	addAgent(t, r, "host-docker", "docker")
	addAgent(t, r, "host-vm", "libvirt")

	agent, err := r.Pick(ctx, PickFilter{RequiredProvider: "libvirt"})
	require.NoError(t, err)
	assert.Equal(t, "host-vm", agent.ID)

	_, err = r.Pick(ctx, PickFilter{RequiredProvider: "firecracker"})
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestPickForLabPrefersHostingAgents(t *testing.T) {
	r, m, _ := newTestRegistry(t)
	ctx := context.Background()

	addAgent(t, r, "host-a", "docker")
	addAgent(t, r, "host-b", "docker")
	require.NoError(t, m.CreateLab(ctx, &types.Lab{ID: "lab-1", Name: "lab-1"}))
	require.NoError(t, m.UpsertPlacement(ctx, &types.NodePlacement{
		ID: "p-1", LabID: "lab-1", NodeName: "r1", AgentID: "host-b",
	}))

	agent, err := r.PickForLab(ctx, "lab-1", "docker")
	require.NoError(t, err)
	assert.Equal(t, "host-b", agent.ID)

	// No placements: plain pick.
	agent, err = r.PickForLab(ctx, "lab-other", "docker")
	require.NoError(t, err)
	assert.Equal(t, "host-a", agent.ID)
}

func TestPickByName(t *testing.T) {
	r, m, fc := newTestRegistry(t)
	ctx := context.Background()

	addAgent(t, r, "host-a", "docker")

	agent, err := r.PickByName(ctx, "host-a", "docker")
	require.NoError(t, err)
	assert.Equal(t, "host-a", agent.ID)

	_, err = r.PickByName(ctx, "host-a", "libvirt")
	assert.ErrorIs(t, err, ErrNoAgent, "missing provider")

	_, err = r.PickByName(ctx, "no-such-host", "docker")
	assert.ErrorIs(t, err, ErrNoAgent)

	addJob(t, m, "j-1", "host-a", types.JobRunning)
	addJob(t, m, "j-2", "host-a", types.JobRunning)
	_, err = r.PickByName(ctx, "host-a", "docker")
	assert.ErrorIs(t, err, ErrNoAgent, "at capacity")

	fc.Advance(staleTimeout + time.Second)
	_, err = r.PickByName(ctx, "host-a", "docker")
	assert.ErrorIs(t, err, ErrNoAgent, "stale heartbeat")
}
