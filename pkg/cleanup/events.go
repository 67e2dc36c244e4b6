package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/riannom/archetype/pkg/bus"
)

// Channel is the shared bus channel cleanup events travel on.
const Channel = "archetype:cleanup"

// EventType names a lifecycle event the substrate reacts to.
type EventType string

const (
	LabDeleted           EventType = "LAB_DELETED"
	NodeRemoved          EventType = "NODE_REMOVED"
	NodePlacementChanged EventType = "NODE_PLACEMENT_CHANGED"
	LinkRemoved          EventType = "LINK_REMOVED"
	AgentOffline         EventType = "AGENT_OFFLINE"
	DeployFinished       EventType = "DEPLOY_FINISHED"
	DestroyFinished      EventType = "DESTROY_FINISHED"
	JobCompleted         EventType = "JOB_COMPLETED"
	JobFailed            EventType = "JOB_FAILED"
	StateCheckRequested  EventType = "STATE_CHECK_REQUESTED"
)

// Event is one lifecycle notification. Fields are filled as relevant
// to the type; consumers tolerate absent fields.
type Event struct {
	Type     EventType `json:"type"`
	LabID    string    `json:"lab_id,omitempty"`
	NodeName string    `json:"node_name,omitempty"`
	LinkName string    `json:"link_name,omitempty"`
	AgentID  string    `json:"agent_id,omitempty"`
	JobID    string    `json:"job_id,omitempty"`
	OldValue string    `json:"old_value,omitempty"`
	NewValue string    `json:"new_value,omitempty"`
	At       time.Time `json:"at"`
}

// Publish sends an event on the cleanup channel.
func Publish(ctx context.Context, b *bus.Bus, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("cleanup: marshal %s event: %w", ev.Type, err)
	}
	return b.Publish(ctx, Channel, payload)
}
