package broadcast

import (
	"sync"

	"github.com/riannom/archetype/pkg/metrics"
	"github.com/riannom/archetype/pkg/types"
)

// Message kinds delivered to subscribers.
const (
	TypeLabState     = "lab_state"
	TypeNodeState    = "node_state"
	TypeLinkState    = "link_state"
	TypeJobProgress  = "job_progress"
	TypeInitialState = "initial_state"
	TypePong         = "pong"
)

// DefaultQueueSize bounds each subscriber's delivery queue.
const DefaultQueueSize = 64

// Message is one delivery to a subscriber.
type Message struct {
	Type    string `json:"type"`
	LabID   string `json:"lab_id"`
	Payload any    `json:"payload"`
}

// NodeStatePayload is the wire shape of a node-state delta.
type NodeStatePayload struct {
	NodeID       string `json:"node_id"`
	NodeName     string `json:"node_name"`
	Desired      string `json:"desired"`
	Actual       string `json:"actual"`
	IsReady      bool   `json:"is_ready"`
	ErrorMessage string `json:"error_message,omitempty"`
	ImageSync    string `json:"image_sync,omitempty"`
}

// LinkStatePayload is the wire shape of a link-state delta. OperEpoch
// lets clients drop out-of-order deltas.
type LinkStatePayload struct {
	LinkID          string `json:"link_id"`
	Name            string `json:"name"`
	Desired         string `json:"desired"`
	Actual          string `json:"actual"`
	SourceCarrier   string `json:"source_carrier"`
	TargetCarrier   string `json:"target_carrier"`
	SourceOperState string `json:"source_oper_state,omitempty"`
	TargetOperState string `json:"target_oper_state,omitempty"`
	OperEpoch       int64  `json:"oper_epoch"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// LabStatePayload is the wire shape of a lab-state change.
type LabStatePayload struct {
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// JobProgressPayload is the wire shape of a job progress update.
type JobProgressPayload struct {
	JobID  string `json:"job_id"`
	Action string `json:"action"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Subscriber is one live-state consumer with a bounded queue. A full
// queue drops messages for this subscriber only and raises its missed
// flag.
type Subscriber struct {
	labID string
	ch    chan Message

	mu     sync.Mutex
	missed bool
}

// C is the delivery channel. Closed on Unsubscribe.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Missed reports and clears the missed-events flag.
func (s *Subscriber) Missed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.missed
	s.missed = false
	return m
}

func (s *Subscriber) markMissed() {
	s.mu.Lock()
	s.missed = true
	s.mu.Unlock()
}

// Broadcaster fans state changes out to subscribers without ever
// blocking the publisher.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a consumer interested in one lab. queueSize <= 0
// uses DefaultQueueSize.
func (b *Broadcaster) Subscribe(labID string, queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	sub := &Subscriber{labID: labID, ch: make(chan Message, queueSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.BroadcastSubscribers.Set(float64(n))
	return sub
}

// Unsubscribe removes the consumer and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.BroadcastSubscribers.Set(float64(n))
}

// Send delivers a message directly to one subscriber, with the same
// drop semantics as a publish. Used for snapshots and pongs.
func (b *Broadcaster) Send(sub *Subscriber, msg Message) {
	b.mu.Lock()
	_, live := b.subs[sub]
	b.mu.Unlock()
	if !live {
		return
	}
	select {
	case sub.ch <- msg:
	default:
		sub.markMissed()
		metrics.BroadcastDroppedTotal.Inc()
	}
}

func (b *Broadcaster) publish(msg Message) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		if s.labID == msg.LabID {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			s.markMissed()
			metrics.BroadcastDroppedTotal.Inc()
		}
	}
}

// PublishNodeState broadcasts a node-state delta.
func (b *Broadcaster) PublishNodeState(ns *types.NodeState) {
	b.publish(Message{
		Type:  TypeNodeState,
		LabID: ns.LabID,
		Payload: NodeStatePayload{
			NodeID:       ns.NodeID,
			NodeName:     ns.NodeName,
			Desired:      string(ns.Desired),
			Actual:       string(ns.Actual),
			IsReady:      ns.IsReady,
			ErrorMessage: ns.ErrorMessage,
			ImageSync:    string(ns.ImageSync),
		},
	})
}

// PublishLinkState broadcasts a link-state delta.
func (b *Broadcaster) PublishLinkState(ls *types.LinkState) {
	b.publish(Message{
		Type:  TypeLinkState,
		LabID: ls.LabID,
		Payload: LinkStatePayload{
			LinkID:          ls.ID,
			Name:            ls.Name,
			Desired:         string(ls.Desired),
			Actual:          string(ls.Actual),
			SourceCarrier:   string(ls.SourceCarrier),
			TargetCarrier:   string(ls.TargetCarrier),
			SourceOperState: ls.SourceOperState,
			TargetOperState: ls.TargetOperState,
			OperEpoch:       ls.OperEpoch,
			ErrorMessage:    ls.ErrorMessage,
		},
	})
}

// PublishLabState broadcasts a lab-state change.
func (b *Broadcaster) PublishLabState(labID string, state types.LabState, errMsg string) {
	b.publish(Message{
		Type:    TypeLabState,
		LabID:   labID,
		Payload: LabStatePayload{State: string(state), ErrorMessage: errMsg},
	})
}

// PublishJobProgress broadcasts a job progress update.
func (b *Broadcaster) PublishJobProgress(j *types.Job, errMsg string) {
	b.publish(Message{
		Type:  TypeJobProgress,
		LabID: j.LabID,
		Payload: JobProgressPayload{
			JobID:  j.ID,
			Action: j.Action,
			Status: string(j.Status),
			Error:  errMsg,
		},
	})
}
