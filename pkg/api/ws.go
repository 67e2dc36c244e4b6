package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/riannom/archetype/pkg/broadcast"
	"github.com/riannom/archetype/pkg/log"
	"github.com/riannom/archetype/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control plane fronts this; origin policy lives there.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// clientMessage is the only shape clients may send. Anything else is
// ignored.
type clientMessage struct {
	Type string `json:"type"`
}

// handleWebSocket streams live state for one lab. The subscriber's
// queue is the sole path to the connection, so the writer goroutine is
// the only conn writer.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lab, err := s.store.GetLab(ctx, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.broadcaster.Subscribe(lab.ID, broadcast.DefaultQueueSize)
	defer s.broadcaster.Unsubscribe(sub)

	// The connect sequence is lab_state, then initial_state, then
	// deltas; the queue preserves that order for the writer.
	s.sendLabState(sub, lab)
	s.sendSnapshot(ctx, sub, lab.ID)
	go s.writePump(conn, sub, lab.ID)

	// Read loop. Exit unsubscribes, which closes the queue and stops
	// the writer.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			s.broadcaster.Send(sub, broadcast.Message{
				Type:    broadcast.TypePong,
				LabID:   lab.ID,
				Payload: map[string]any{"timestamp": time.Now().UTC()},
			})
		case "refresh":
			s.sendSnapshot(ctx, sub, lab.ID)
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscriber, labID string) {
	for msg := range sub.C() {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return
		}
		// A dropped delta leaves a hole in the client's view; heal it
		// with a fresh snapshot.
		if sub.Missed() {
			s.sendSnapshot(context.Background(), sub, labID)
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteTimeout))
	conn.Close()
}

// sendLabState enqueues the lab's aggregate state. Sent first on
// connect so clients know the lab's phase before the snapshot arrives.
func (s *Server) sendLabState(sub *broadcast.Subscriber, lab *types.Lab) {
	s.broadcaster.Send(sub, broadcast.Message{
		Type:  broadcast.TypeLabState,
		LabID: lab.ID,
		Payload: broadcast.LabStatePayload{
			State:        string(lab.State),
			ErrorMessage: lab.ErrorMessage,
		},
	})
}

// sendSnapshot enqueues a full lab snapshot for the subscriber.
func (s *Server) sendSnapshot(ctx context.Context, sub *broadcast.Subscriber, labID string) {
	lab, err := s.store.GetLab(ctx, labID)
	if err != nil {
		log.WithLab(labID).Warn().Err(err).Msg("snapshot lab load failed")
		return
	}
	nodeStates, err := s.store.ListNodeStates(ctx, labID)
	if err != nil {
		log.WithLab(labID).Warn().Err(err).Msg("snapshot node states load failed")
		return
	}
	linkStates, err := s.store.ListLinkStates(ctx, labID)
	if err != nil {
		log.WithLab(labID).Warn().Err(err).Msg("snapshot link states load failed")
		return
	}
	s.broadcaster.Send(sub, broadcast.Message{
		Type:  broadcast.TypeInitialState,
		LabID: labID,
		Payload: map[string]any{
			"lab":         lab,
			"node_states": nodeStates,
			"link_states": linkStates,
		},
	})
}
