package jobs

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riannom/archetype/pkg/agentrpc"
	"github.com/riannom/archetype/pkg/broadcast"
	"github.com/riannom/archetype/pkg/config"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newRetryTestPipeline(t *testing.T, maxRetries int) (*Pipeline, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	p := New(Deps{
		Store:       m,
		Config:      &config.Config{JobMaxRetries: maxRetries},
		Broadcaster: broadcast.New(),
		Clock:       clockwork.NewFakeClockAt(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)),
	})
	return p, m
}

func seedRunningJob(t *testing.T, m *store.Memory, id string, retries int) *types.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.CreateLab(ctx, &types.Lab{ID: "lab-1", Name: "lab-1"}))
	job := &types.Job{
		ID:         id,
		LabID:      "lab-1",
		Action:     "up",
		Status:     types.JobRunning,
		RetryCount: retries,
	}
	require.NoError(t, m.CreateJob(ctx, job))
	return job
}

func TestMaybeRetryExhaustedLeavesFailureToCaller(t *testing.T) {
	p, m := newRetryTestPipeline(t, 1)
	ctx := context.Background()
	job := seedRunningJob(t, m, "j-1", 1)

	cause := &agentrpc.UnavailableError{AgentID: "host-a", Op: "deploy", Err: errors.New("connection refused")}
	assert.False(t, p.maybeRetry(ctx, job, cause))

	// The job must not be failed here; the caller records the single
	// failure with its own context.
	stored, err := m.GetJob(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, stored.Status)
	assert.Empty(t, stored.Log)
}

func TestMaybeRetryIgnoresNonTransportErrors(t *testing.T) {
	p, m := newRetryTestPipeline(t, 3)
	ctx := context.Background()
	job := seedRunningJob(t, m, "j-1", 0)

	cause := &agentrpc.JobError{AgentID: "host-a", Op: "deploy", Message: "bad topology"}
	assert.False(t, p.maybeRetry(ctx, job, cause))

	stored, err := m.GetJob(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, stored.Status, "application errors are never retried")
}
