package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riannom/archetype/pkg/types"
)

func seedLab(t *testing.T, m *Memory, labID string) {
	t.Helper()
	require.NoError(t, m.CreateLab(context.Background(), &types.Lab{
		ID:    labID,
		Name:  labID,
		State: types.LabStateStopped,
	}))
}

func TestReservationConflictNamesHolder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedLab(t, m, "lab-1")

	require.NoError(t, m.CreateLinkState(ctx, &types.LinkState{
		ID:    "link-1",
		LabID: "lab-1",
		Name:  "r1:eth1-r2:eth1",
	}))
	require.NoError(t, m.CreateReservation(ctx, &types.LinkEndpointReservation{
		ID:        "res-1",
		LabID:     "lab-1",
		NodeID:    "n-r1",
		Interface: "eth1",
		LinkID:    "link-1",
	}))

	err := m.CreateReservation(ctx, &types.LinkEndpointReservation{
		ID:        "res-2",
		LabID:     "lab-1",
		NodeID:    "n-r1",
		Interface: "ETH1", // case-insensitive clash
		LinkID:    "link-2",
	})
	var reserved *EndpointReservedError
	require.ErrorAs(t, err, &reserved)
	assert.Equal(t, "n-r1", reserved.NodeID)
	assert.Equal(t, "r1:eth1-r2:eth1", reserved.ConflictingLink)

	// Releasing the holder frees the endpoint.
	require.NoError(t, m.ReleaseReservationsForLink(ctx, "link-1"))
	require.NoError(t, m.CreateReservation(ctx, &types.LinkEndpointReservation{
		ID:        "res-3",
		LabID:     "lab-1",
		NodeID:    "n-r1",
		Interface: "eth1",
		LinkID:    "link-2",
	}))
}

func TestListDriftedNodeStates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedLab(t, m, "lab-1")

	mk := func(id string, desired types.NodeDesiredState, actual types.NodeActualState) {
		require.NoError(t, m.CreateNodeState(ctx, &types.NodeState{
			ID:       id,
			LabID:    "lab-1",
			NodeID:   "n-" + id,
			NodeName: id,
			Desired:  desired,
			Actual:   actual,
		}))
	}
	mk("converged-run", types.NodeDesiredRunning, types.NodeActualRunning)
	mk("booting", types.NodeDesiredRunning, types.NodeActualStarting)
	mk("drift-down", types.NodeDesiredRunning, types.NodeActualStopped)
	mk("drift-err", types.NodeDesiredRunning, types.NodeActualError)
	mk("converged-stop", types.NodeDesiredStopped, types.NodeActualStopped)
	mk("never-deployed", types.NodeDesiredStopped, types.NodeActualUndeployed)
	mk("drift-up", types.NodeDesiredStopped, types.NodeActualRunning)

	drifted, err := m.ListDriftedNodeStates(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(drifted))
	for _, ns := range drifted {
		names = append(names, ns.NodeName)
	}
	assert.ElementsMatch(t, []string{"drift-down", "drift-err", "drift-up"}, names)
}

func TestDeleteLabCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedLab(t, m, "lab-1")
	seedLab(t, m, "lab-2")

	require.NoError(t, m.CreateNode(ctx, &types.Node{ID: "n-1", LabID: "lab-1", Name: "r1"}))
	require.NoError(t, m.CreateNodeState(ctx, &types.NodeState{ID: "ns-1", LabID: "lab-1", NodeID: "n-1", NodeName: "r1"}))
	require.NoError(t, m.CreateLinkState(ctx, &types.LinkState{ID: "l-1", LabID: "lab-1", Name: "a-b"}))
	require.NoError(t, m.CreateJob(ctx, &types.Job{ID: "j-1", LabID: "lab-1", Action: "up", Status: types.JobQueued}))
	require.NoError(t, m.UpsertPlacement(ctx, &types.NodePlacement{ID: "p-1", LabID: "lab-1", NodeName: "r1", AgentID: "host-a"}))
	require.NoError(t, m.CreateNode(ctx, &types.Node{ID: "n-2", LabID: "lab-2", Name: "r1"}))

	require.NoError(t, m.DeleteLab(ctx, "lab-1"))

	_, err := m.GetNode(ctx, "n-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetNodeState(ctx, "lab-1", "n-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetLinkState(ctx, "l-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetJob(ctx, "j-1")
	assert.ErrorIs(t, err, ErrNotFound)
	placements, err := m.ListPlacements(ctx, "lab-1")
	require.NoError(t, err)
	assert.Empty(t, placements)

	// The other lab is untouched.
	_, err = m.GetNode(ctx, "n-2")
	assert.NoError(t, err)
}

func TestMarkAgentsStale(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	require.NoError(t, m.UpsertAgent(ctx, &types.Agent{
		ID: "fresh", Status: types.AgentOnline, LastHeartbeat: now,
	}))
	require.NoError(t, m.UpsertAgent(ctx, &types.Agent{
		ID: "stale-b", Status: types.AgentOnline, LastHeartbeat: now.Add(-5 * time.Minute),
	}))
	require.NoError(t, m.UpsertAgent(ctx, &types.Agent{
		ID: "stale-a", Status: types.AgentOnline, LastHeartbeat: now.Add(-10 * time.Minute),
	}))
	require.NoError(t, m.UpsertAgent(ctx, &types.Agent{
		ID: "already-off", Status: types.AgentOffline, LastHeartbeat: now.Add(-time.Hour),
	}))

	ids, err := m.MarkAgentsStale(ctx, now.Add(-90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-a", "stale-b"}, ids, "sorted, newly-offline only")

	a, err := m.GetAgent(ctx, "stale-a")
	require.NoError(t, err)
	assert.Equal(t, types.AgentOffline, a.Status)
	fresh, err := m.GetAgent(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, types.AgentOnline, fresh.Status)

	// Second sweep reports nothing new.
	ids, err = m.MarkAgentsStale(ctx, now.Add(-90*time.Second))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestJobRetention(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedLab(t, m, "lab-1")

	old := time.Now().Add(-30 * 24 * time.Hour)
	recent := time.Now()
	require.NoError(t, m.CreateJob(ctx, &types.Job{
		ID: "j-old", LabID: "lab-1", Action: "up",
		Status: types.JobCompleted, CompletedAt: &old,
	}))
	require.NoError(t, m.CreateJob(ctx, &types.Job{
		ID: "j-new", LabID: "lab-1", Action: "up",
		Status: types.JobCompleted, CompletedAt: &recent,
	}))
	require.NoError(t, m.CreateJob(ctx, &types.Job{
		ID: "j-active", LabID: "lab-1", Action: "sync",
		Status: types.JobRunning,
	}))

	n, err := m.DeleteJobsOlderThan(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.GetJob(ctx, "j-old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetJob(ctx, "j-new")
	assert.NoError(t, err)
	_, err = m.GetJob(ctx, "j-active")
	assert.NoError(t, err)
}
