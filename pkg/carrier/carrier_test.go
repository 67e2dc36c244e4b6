package carrier

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

func newTestPropagator(t *testing.T) (*Propagator, *store.Memory, *broadcast.Broadcaster, *registry.Registry) {
	t.Helper()
	m := store.NewMemory()
	reg := registry.New(m, 90*time.Second)
	rpc := agentrpc.NewClient("", 2*time.Second, 0)
	t.Cleanup(rpc.Close)
	bc := broadcast.New()
	return New(m, reg, rpc, bc), m, bc, reg
}

func seedLink(t *testing.T, m *store.Memory, ls *types.LinkState) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.CreateLab(ctx, &types.Lab{ID: ls.LabID, Name: ls.LabID}))
	require.NoError(t, m.CreateLinkState(ctx, ls))
}

func TestHandleCarrierChangeSameHost(t *testing.T) {
	p, m, bc, _ := newTestPropagator(t)
	ctx := context.Background()

	seedLink(t, m, &types.LinkState{
		ID:              "l-1",
		LabID:           "lab-1",
		Name:            "r1:eth1-r2:eth1",
		SourceNodeName:  "r1",
		SourceInterface: "eth1",
		TargetNodeName:  "r2",
		TargetInterface: "eth1",
		Desired:         types.LinkDesiredUp,
		Actual:          types.LinkActualUp,
		SourceCarrier:   types.CarrierOn,
		TargetCarrier:   types.CarrierOn,
		SourceOperState: "up",
		TargetOperState: "up",
	})

	sub := bc.Subscribe("lab-1", 4)
	defer bc.Unsubscribe(sub)

	// The agent reports the interface with vendor capitalization.
	require.NoError(t, p.HandleCarrierChange(ctx, "lab-1", "r1", "Ethernet1", false))

	ls, err := m.GetLinkState(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, types.CarrierOff, ls.SourceCarrier)
	assert.Equal(t, types.CarrierOn, ls.TargetCarrier)
	assert.Equal(t, "down", ls.SourceOperState)
	assert.Equal(t, "carrier off", ls.SourceOperReason)
	assert.Equal(t, "up", ls.TargetOperState)
	assert.Equal(t, int64(1), ls.OperEpoch)

	select {
	case msg := <-sub.C():
		assert.Equal(t, broadcast.TypeLinkState, msg.Type)
	default:
		t.Fatal("expected a link-state broadcast")
	}
}

func TestHandleCarrierChangeUnknownEndpointIgnored(t *testing.T) {
	p, m, _, _ := newTestPropagator(t)
	ctx := context.Background()
	require.NoError(t, m.CreateLab(ctx, &types.Lab{ID: "lab-1", Name: "lab-1"}))

	assert.NoError(t, p.HandleCarrierChange(ctx, "lab-1", "ghost", "eth9", false))
}

func TestHandleCarrierChangeMirrorsToPeer(t *testing.T) {
	p, m, _, reg := newTestPropagator(t)
	ctx := context.Background()

	var mirrored struct {
		LabID     string `json:"lab_id"`
		Node      string `json:"node"`
		Interface string `json:"interface"`
		State     string `json:"state"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/links/carrier", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&mirrored))
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}))
	defer server.Close()

	require.NoError(t, reg.Register(ctx, &types.Agent{
		ID:      "host-b",
		Address: strings.TrimPrefix(server.URL, "http://"),
		Capabilities: types.AgentCapabilities{
			Providers:         []string{"docker"},
			MaxConcurrentJobs: 2,
		},
	}))

	seedLink(t, m, &types.LinkState{
		ID:                  "l-1",
		LabID:               "lab-1",
		Name:                "r1:eth1-r2:eth1",
		SourceNodeName:      "r1",
		SourceInterface:     "eth1",
		TargetNodeName:      "r2",
		TargetInterface:     "Ethernet1",
		Desired:             types.LinkDesiredUp,
		Actual:              types.LinkActualUp,
		IsCrossHost:         true,
		SourceHostID:        "host-a",
		TargetHostID:        "host-b",
		SourceVXLANAttached: true,
		TargetVXLANAttached: true,
		SourceCarrier:       types.CarrierOn,
		TargetCarrier:       types.CarrierOn,
	})

	require.NoError(t, p.HandleCarrierChange(ctx, "lab-1", "r1", "eth1", false))

	assert.Equal(t, "lab-1", mirrored.LabID)
	assert.Equal(t, "r2", mirrored.Node)
	assert.Equal(t, "eth1", mirrored.Interface, "peer interface is normalized before the call")
	assert.Equal(t, "off", mirrored.State)

	// The peer agent never echoes the mirrored flip, so the peer side
	// must be recorded here.
	ls, err := m.GetLinkState(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, types.CarrierOff, ls.SourceCarrier)
	assert.Equal(t, types.CarrierOff, ls.TargetCarrier)
	assert.Equal(t, "down", ls.TargetOperState)
	assert.Equal(t, "carrier off", ls.TargetOperReason)
}

func TestHandleCarrierChangeMirrorSkipsOfflinePeer(t *testing.T) {
	p, m, _, _ := newTestPropagator(t)
	ctx := context.Background()

	seedLink(t, m, &types.LinkState{
		ID:              "l-1",
		LabID:           "lab-1",
		Name:            "r1:eth1-r2:eth1",
		SourceNodeName:  "r1",
		SourceInterface: "eth1",
		TargetNodeName:  "r2",
		TargetInterface: "eth1",
		Desired:         types.LinkDesiredUp,
		IsCrossHost:     true,
		SourceHostID:    "host-a",
		TargetHostID:    "host-gone",
		SourceCarrier:   types.CarrierOn,
		TargetCarrier:   types.CarrierOn,
	})

	// Peer agent was never registered; the local write still lands but
	// the peer side is not assumed to have flipped.
	require.NoError(t, p.HandleCarrierChange(ctx, "lab-1", "r1", "eth1", false))
	ls, err := m.GetLinkState(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, types.CarrierOff, ls.SourceCarrier)
	assert.Equal(t, types.CarrierOn, ls.TargetCarrier)
}
