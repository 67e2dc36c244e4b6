package api

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// wsFrame mirrors broadcast.Message with an untyped payload for
// client-side decoding.
type wsFrame struct {
	Type    string         `json:"type"`
	LabID   string         `json:"lab_id"`
	Payload map[string]any `json:"payload"`
}

func dialWS(t *testing.T, s *Server, labID string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/labs/" + labID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketConnectSequence(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateLab(ctx, &types.Lab{
		ID:    "lab-1",
		Name:  "demo",
		State: types.LabStateRunning,
	}))
	require.NoError(t, m.CreateNode(ctx, &types.Node{
		ID: "n-1", LabID: "lab-1", Name: "r1", RuntimeName: "lab-1-r1", Kind: "linux",
	}))
	require.NoError(t, m.CreateNodeState(ctx, &types.NodeState{
		ID: "ns-1", LabID: "lab-1", NodeID: "n-1", NodeName: "r1",
		Desired: types.NodeDesiredRunning, Actual: types.NodeActualRunning,
	}))

	s := NewServer(m, nil, nil, nil, nil, nil, broadcast.New(), &config.Config{})
	conn := dialWS(t, s, "lab-1")

	// The first frame carries the lab's aggregate state, the second the
	// full snapshot.
	var first, second wsFrame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, broadcast.TypeLabState, first.Type)
	assert.Equal(t, "lab-1", first.LabID)
	assert.Equal(t, string(types.LabStateRunning), first.Payload["state"])

	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, broadcast.TypeInitialState, second.Type)
	assert.Contains(t, second.Payload, "node_states")
	assert.Contains(t, second.Payload, "link_states")
}

func TestWebSocketPingAndRefresh(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateLab(ctx, &types.Lab{
		ID:    "lab-1",
		Name:  "demo",
		State: types.LabStateStopped,
	}))

	s := NewServer(m, nil, nil, nil, nil, nil, broadcast.New(), &config.Config{})
	conn := dialWS(t, s, "lab-1")

	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame)) // lab_state
	require.NoError(t, conn.ReadJSON(&frame)) // initial_state

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, broadcast.TypePong, frame.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "refresh"}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, broadcast.TypeInitialState, frame.Type)
}
