package links

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riannom/archetype/pkg/agentrpc"
	"github.com/riannom/archetype/pkg/broadcast"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/registry"
	"github.com/riannom/archetype/pkg/store"
	"github.com/riannom/archetype/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// fakeAgent serves the agent's action endpoints, answering success or
// failure per path and recording every hit.
type fakeAgent struct {
	srv  *httptest.Server
	fail map[string]string // path -> error message
	hits map[string]int
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	f := &fakeAgent{fail: map[string]string{}, hits: map[string]int{}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits[r.URL.Path]++
		if msg, ok := f.fail[r.URL.Path]; ok {
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgent) address() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Memory, *registry.Registry) {
	t.Helper()
	m := store.NewMemory()
	reg := registry.New(m, 90*time.Second)
	rpc := agentrpc.NewClient("", 2*time.Second, 0)
	t.Cleanup(rpc.Close)
	return New(m, nil, reg, rpc, broadcast.New()), m, reg
}

func registerAgent(t *testing.T, reg *registry.Registry, id, address string) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), &types.Agent{
		ID:      id,
		Address: address,
		Capabilities: types.AgentCapabilities{
			Providers:         []string{"docker"},
			MaxConcurrentJobs: 2,
		},
	}))
}

// seedCrossHostLink materializes an up cross-host link with its nodes,
// tunnel, and both endpoint reservations.
func seedCrossHostLink(t *testing.T, m *store.Memory) *types.LinkState {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.CreateLab(ctx, &types.Lab{ID: "lab-1", Name: "lab-1"}))
	require.NoError(t, m.CreateNode(ctx, &types.Node{
		ID: "n-1", LabID: "lab-1", Name: "r1", RuntimeName: "lab-1-r1", Kind: "linux", HostPin: "h1",
	}))
	require.NoError(t, m.CreateNode(ctx, &types.Node{
		ID: "n-2", LabID: "lab-1", Name: "r2", RuntimeName: "lab-1-r2", Kind: "linux", HostPin: "h2",
	}))

	ls := &types.LinkState{
		ID:              "l-1",
		LabID:           "lab-1",
		Name:            "r1:eth1-r2:eth1",
		SourceNodeID:    "n-1",
		SourceNodeName:  "r1",
		SourceInterface: "eth1",
		TargetNodeID:    "n-2",
		TargetNodeName:  "r2",
		TargetInterface: "eth1",
		Desired:         types.LinkDesiredDown,
		Actual:          types.LinkActualUp,
		IsCrossHost:     true,
		SourceHostID:    "h1",
		TargetHostID:    "h2",
		VNI:             5001,
	}
	require.NoError(t, m.CreateLinkState(ctx, ls))
	require.NoError(t, m.CreateTunnel(ctx, &types.VxlanTunnel{
		ID:       "t-1",
		LabID:    "lab-1",
		LinkID:   "l-1",
		VNI:      5001,
		AgentAID: "h1",
		AgentAIP: "10.0.0.1",
		AgentBID: "h2",
		AgentBIP: "10.0.0.2",
		PortName: PortName(5001),
		Status:   types.TunnelActive,
	}))
	for i, ep := range []struct{ node, iface string }{{"n-1", "eth1"}, {"n-2", "eth1"}} {
		require.NoError(t, m.CreateReservation(ctx, &types.LinkEndpointReservation{
			ID:        "res-" + string(rune('a'+i)),
			LabID:     "lab-1",
			NodeID:    ep.node,
			Interface: ep.iface,
			LinkID:    "l-1",
		}))
	}
	return ls
}

func TestTeardownCrossHostTargetDetachFailureRetainsState(t *testing.T) {
	o, m, reg := newTestOrchestrator(t)
	ctx := context.Background()

	src := newFakeAgent(t)
	dst := newFakeAgent(t)
	dst.fail["/api/v1/overlay/detach"] = "interface busy"
	registerAgent(t, reg, "h1", src.address())
	registerAgent(t, reg, "h2", dst.address())

	seedCrossHostLink(t, m)

	require.Error(t, o.TeardownLink(ctx, "l-1"))

	// The source was detached and then re-attached by the rollback.
	assert.Equal(t, 1, src.hits["/api/v1/overlay/detach"])
	assert.Equal(t, 1, src.hits["/api/v1/overlay/attach"])

	ls, err := m.GetLinkState(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, types.LinkActualError, ls.Actual)
	assert.Equal(t, "Failed to detach target endpoint", ls.ErrorMessage)

	tunnel, err := m.GetTunnelForLink(ctx, "l-1")
	require.NoError(t, err, "tunnel row survives the failed teardown")
	assert.Equal(t, types.TunnelFailed, tunnel.Status)

	reservations, err := m.ListReservations(ctx, "lab-1")
	require.NoError(t, err)
	assert.Len(t, reservations, 2, "reservations are kept until teardown succeeds")
}

func TestTeardownCrossHostSuccessClearsLink(t *testing.T) {
	o, m, reg := newTestOrchestrator(t)
	ctx := context.Background()

	src := newFakeAgent(t)
	dst := newFakeAgent(t)
	registerAgent(t, reg, "h1", src.address())
	registerAgent(t, reg, "h2", dst.address())

	seedCrossHostLink(t, m)

	require.NoError(t, o.TeardownLink(ctx, "l-1"))

	ls, err := m.GetLinkState(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, types.LinkActualDown, ls.Actual)
	assert.False(t, ls.IsCrossHost)
	assert.Zero(t, ls.VNI)
	assert.Empty(t, ls.ErrorMessage)

	_, err = m.GetTunnelForLink(ctx, "l-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	reservations, err := m.ListReservations(ctx, "lab-1")
	require.NoError(t, err)
	assert.Empty(t, reservations)
}

func TestTeardownSameHostDeleteFailureRetainsReservations(t *testing.T) {
	o, m, reg := newTestOrchestrator(t)
	ctx := context.Background()

	agent := newFakeAgent(t)
	agent.fail["/api/v1/links/delete"] = "bridge vanished"
	registerAgent(t, reg, "h1", agent.address())

	require.NoError(t, m.CreateLab(ctx, &types.Lab{ID: "lab-1", Name: "lab-1"}))
	require.NoError(t, m.CreateNode(ctx, &types.Node{
		ID: "n-1", LabID: "lab-1", Name: "r1", RuntimeName: "lab-1-r1", Kind: "linux", HostPin: "h1",
	}))
	require.NoError(t, m.CreateNode(ctx, &types.Node{
		ID: "n-2", LabID: "lab-1", Name: "r2", RuntimeName: "lab-1-r2", Kind: "linux", HostPin: "h1",
	}))
	require.NoError(t, m.CreateLinkState(ctx, &types.LinkState{
		ID:              "l-1",
		LabID:           "lab-1",
		Name:            "r1:eth1-r2:eth1",
		SourceNodeID:    "n-1",
		SourceNodeName:  "r1",
		SourceInterface: "eth1",
		TargetNodeID:    "n-2",
		TargetNodeName:  "r2",
		TargetInterface: "eth1",
		Desired:         types.LinkDesiredDown,
		Actual:          types.LinkActualUp,
	}))
	require.NoError(t, m.CreateReservation(ctx, &types.LinkEndpointReservation{
		ID: "res-a", LabID: "lab-1", NodeID: "n-1", Interface: "eth1", LinkID: "l-1",
	}))

	require.Error(t, o.TeardownLink(ctx, "l-1"))

	// Both endpoints get isolated so traffic stops even though the
	// bridge teardown failed.
	assert.Equal(t, 2, agent.hits["/api/v1/links/isolate"])

	ls, err := m.GetLinkState(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, types.LinkActualError, ls.Actual)
	assert.Contains(t, ls.ErrorMessage, "delete link")

	reservations, err := m.ListReservations(ctx, "lab-1")
	require.NoError(t, err)
	assert.Len(t, reservations, 1)
}
