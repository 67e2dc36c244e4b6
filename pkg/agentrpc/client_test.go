package agentrpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func testAgent(server *httptest.Server) *types.Agent {
	return &types.Agent{
		ID:      "host-a",
		Address: strings.TrimPrefix(server.URL, "http://"),
		Status:  types.AgentOnline,
	}
}

func newTestClient(t *testing.T, retries int) *Client {
	t.Helper()
	c := NewClient("secret", 5*time.Second, retries)
	t.Cleanup(c.Close)
	return c
}

func TestCallSendsAuthAndDecodes(t *testing.T) {
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"nodes": []map[string]string{
				{"node_name": "r1", "status": "running"},
				{"node_name": "r2", "status": "exited"},
			},
		})
	}))
	defer server.Close()

	c := newTestClient(t, 0)
	statuses, err := c.GetLabStatus(context.Background(), testAgent(server), "lab-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/api/v1/labs/status", gotPath)
	require.Len(t, statuses, 2)
	assert.Equal(t, "r1", statuses[0].NodeName)
	assert.Equal(t, "running", statuses[0].Status)
}

func TestCallRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ActionResult{Success: true})
	}))
	defer server.Close()

	c := newTestClient(t, 3)
	err := c.SetCarrier(context.Background(), testAgent(server), "lab-1", "r1", "eth1", true)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallExhaustedRetriesIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, 1)
	err := c.SetCarrier(context.Background(), testAgent(server), "lab-1", "r1", "eth1", true)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.False(t, IsJobError(err))
	assert.Equal(t, int32(2), calls.Load(), "initial attempt plus one retry")
}

func TestCallClientErrorIsPermanentJobError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(envelope{Success: false, Error: "no such lab"})
	}))
	defer server.Close()

	c := newTestClient(t, 3)
	err := c.SetCarrier(context.Background(), testAgent(server), "lab-1", "r1", "eth1", true)
	require.Error(t, err)
	assert.True(t, IsJobError(err))
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")

	var je *JobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, "no such lab", je.Message)
	assert.Equal(t, http.StatusBadRequest, je.StatusCode)
}

func TestActionCallSuccessFalseIsJobError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ActionResult{
			Success: false,
			Error:   "ovs bridge missing",
			Stderr:  "ovs-vsctl: no bridge",
		})
	}))
	defer server.Close()

	c := newTestClient(t, 0)
	err := c.SetCarrier(context.Background(), testAgent(server), "lab-1", "r1", "eth1", false)
	require.Error(t, err)

	var je *JobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, "ovs bridge missing", je.Message)
	assert.Equal(t, "ovs-vsctl: no bridge", je.Stderr)
}

func TestActionCallAcceptedIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ActionResult{Accepted: true})
	}))
	defer server.Close()

	c := newTestClient(t, 0)
	res, err := c.Deploy(context.Background(), testAgent(server), "j-1", "lab-1", &types.Topology{}, "http://ctrl/cb")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Success)
}

func TestReachableMemoizes(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, 0)
	agent := testAgent(server)
	assert.True(t, c.Reachable(context.Background(), agent))
	assert.True(t, c.Reachable(context.Background(), agent))
	assert.Equal(t, int32(1), calls.Load(), "second probe served from cache")
}
