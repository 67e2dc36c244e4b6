package types

import (
	"time"
)

// Lab is a tenant-owned container for one emulated topology.
type Lab struct {
	ID             string
	Name           string
	Owner          string
	DefaultAgent   string // optional agent affinity for unpinned nodes
	State          LabState
	StateChangedAt time.Time
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LabState is the aggregate state of a lab, derived from its node states.
type LabState string

const (
	LabStateStopped  LabState = "stopped"
	LabStateStarting LabState = "starting"
	LabStateRunning  LabState = "running"
	LabStateStopping LabState = "stopping"
	LabStateError    LabState = "error"
	LabStateUnknown  LabState = "unknown"
)

// Node is a device definition inside a lab. A node carries no runtime
// state of its own; that lives in NodeState.
type Node struct {
	ID          string
	LabID       string
	Name        string // display name, unique within the lab
	RuntimeName string // deterministic container/domain name
	Kind        string // vendor device kind, e.g. "linux", "ceos"
	Image       string
	HostPin     string // agent ID when the node is explicitly pinned
	CreatedAt   time.Time
}

// NodeDesiredState is what the user asked for.
type NodeDesiredState string

const (
	NodeDesiredRunning NodeDesiredState = "running"
	NodeDesiredStopped NodeDesiredState = "stopped"
)

// NodeActualState is what agents report as observed.
type NodeActualState string

const (
	NodeActualUndeployed NodeActualState = "undeployed"
	NodeActualStarting   NodeActualState = "starting"
	NodeActualRunning    NodeActualState = "running"
	NodeActualStopping   NodeActualState = "stopping"
	NodeActualStopped    NodeActualState = "stopped"
	NodeActualError      NodeActualState = "error"
)

// ImageSyncStatus is the image-sync sub-status on a NodeState.
type ImageSyncStatus string

const (
	ImageSyncNone    ImageSyncStatus = "none"
	ImageSyncSyncing ImageSyncStatus = "syncing"
	ImageSyncFailed  ImageSyncStatus = "failed"
)

// NodeState is the desired-vs-actual record for one node. Exactly one
// exists per (lab, node).
type NodeState struct {
	ID       string
	LabID    string
	NodeID   string
	NodeName string

	Desired NodeDesiredState
	Actual  NodeActualState
	IsReady bool

	BootStartedAt     *time.Time
	StartingStartedAt *time.Time
	StoppingStartedAt *time.Time

	ErrorMessage string
	ImageSync    ImageSyncStatus

	// Enforcement counters. Reset to zero whenever desired changes.
	EnforcementAttempts   int
	LastEnforcementAt     *time.Time
	EnforcementFailedAt   *time.Time

	UpdatedAt time.Time
}

// LinkDesiredState is the desired state of a link.
type LinkDesiredState string

const (
	LinkDesiredUp   LinkDesiredState = "up"
	LinkDesiredDown LinkDesiredState = "down"
)

// LinkActualState is the observed/derived state of a link.
type LinkActualState string

const (
	LinkActualUnknown    LinkActualState = "unknown"
	LinkActualPending    LinkActualState = "pending"
	LinkActualUp         LinkActualState = "up"
	LinkActualDown       LinkActualState = "down"
	LinkActualError      LinkActualState = "error"
	LinkActualCleanup    LinkActualState = "cleanup"
	LinkActualCreating   LinkActualState = "creating"
	LinkActualConnecting LinkActualState = "connecting"
)

// CarrierState is the physical-layer carrier of one link side,
// distinct from administrative up/down.
type CarrierState string

const (
	CarrierOn  CarrierState = "on"
	CarrierOff CarrierState = "off"
)

// LinkState is the per-link runtime record. It also carries the link
// definition: two (node, interface) endpoints and the canonical name
// nodeA:ifA-nodeB:ifB with deterministic endpoint ordering.
type LinkState struct {
	ID    string
	LabID string
	Name  string // canonical link name

	SourceNodeID    string
	SourceNodeName  string
	SourceInterface string
	TargetNodeID    string
	TargetNodeName  string
	TargetInterface string

	Desired LinkDesiredState
	Actual  LinkActualState

	IsCrossHost  bool
	SourceHostID string
	TargetHostID string

	VNI             int64 // assigned VNI for cross-host links, 0 otherwise
	SourceVLANTag   int
	TargetVLANTag   int
	SourceVXLANAttached bool
	TargetVXLANAttached bool

	SourceCarrier CarrierState
	TargetCarrier CarrierState

	SourceOperState  string
	SourceOperReason string
	TargetOperState  string
	TargetOperReason string

	// OperEpoch increases monotonically with every operational-state
	// recomputation so subscribers can drop out-of-order deltas.
	OperEpoch int64

	ErrorMessage string
	UpdatedAt    time.Time
}

// LinkEndpointReservation claims one (lab, node, interface) endpoint
// for a desired-up link. A unique constraint guarantees at most one
// desired-up link per endpoint.
type LinkEndpointReservation struct {
	ID        string
	LabID     string
	NodeID    string
	Interface string
	LinkID    string
	CreatedAt time.Time
}

// TunnelStatus is the lifecycle status of a VXLAN tunnel ledger entry.
type TunnelStatus string

const (
	TunnelActive  TunnelStatus = "active"
	TunnelCleanup TunnelStatus = "cleanup"
	TunnelFailed  TunnelStatus = "failed"
)

// VxlanTunnel is the ledger entry for one cross-host tunnel.
type VxlanTunnel struct {
	ID       string
	LabID    string
	LinkID   string
	VNI      int64
	AgentAID string
	AgentAIP string
	AgentBID string
	AgentBIP string
	PortName string
	Status   TunnelStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentStatus marks a worker host online or offline.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// AgentCapabilities is what an agent reports it can do.
type AgentCapabilities struct {
	Providers         []string `json:"providers"` // e.g. "docker", "libvirt"
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Features          []string `json:"features"` // e.g. "declare_overlay_state"
}

// AgentUsage is the last reported resource snapshot for an agent.
type AgentUsage struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	DiskPercent    float64 `json:"disk_percent"`
	ContainerCount int     `json:"container_count"`
	VMCount        int     `json:"vm_count"`
}

// Agent is a worker host. Rows persist across offline periods.
type Agent struct {
	ID             string
	Address        string
	Status         AgentStatus
	LastHeartbeat  time.Time
	Version        string
	CommitSHA      string
	DeploymentMode string
	Capabilities   AgentCapabilities
	Usage          AgentUsage
	ImageSyncStrategy string
	RegisteredAt   time.Time
}

// HasProvider reports whether the agent supports the given provider.
func (a *Agent) HasProvider(provider string) bool {
	for _, p := range a.Capabilities.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// HasFeature reports whether the agent advertises the given feature.
func (a *Agent) HasFeature(feature string) bool {
	for _, f := range a.Capabilities.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// MaxJobs returns the agent's concurrent job capacity, defaulting to 4.
func (a *Agent) MaxJobs() int {
	if a.Capabilities.MaxConcurrentJobs > 0 {
		return a.Capabilities.MaxConcurrentJobs
	}
	return 4
}

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether the job still occupies its lab for conflict
// detection purposes.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobRunning
}

// Job is one unit of work against a lab.
type Job struct {
	ID      string
	LabID   string
	UserID  string
	Action  string // action string, e.g. "up", "sync:node:<id>"
	Status  JobStatus
	AgentID string // set while running; identifies the responsible host

	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time

	RetryCount   int
	ParentID     string // job that spawned this one
	SupersedesID string // previous attempt replaced by this retry

	// Agent-update jobs only: the version/commit the update should land
	// on. Completion requires the agent to re-register with a match.
	TargetVersion string
	TargetCommit  string

	Log string // inline log content
}

// NodePlacement maps (lab, node name) to the host carrying it.
type NodePlacement struct {
	ID       string
	LabID    string
	NodeName string
	AgentID  string
	CreatedAt time.Time
}

// ImageHost records that an image is present on a host. Unique on
// (image, host).
type ImageHost struct {
	ID        string
	ImageRef  string
	AgentID   string
	SyncedAt  time.Time
}

// ConfigSnapshot is a saved device-configuration blob, retained per
// the snapshot retention window and cascade-deleted with its lab.
type ConfigSnapshot struct {
	ID        string
	LabID     string
	NodeName  string
	Content   []byte
	CreatedAt time.Time
}

// Topology is the opaque desired graph supplied from outside the core.
type Topology struct {
	Nodes      []TopologyNode    `json:"nodes" yaml:"nodes"`
	Links      []TopologyLink    `json:"links" yaml:"links"`
	Placements map[string]string `json:"placements,omitempty" yaml:"placements,omitempty"` // node name -> agent ID
}

// TopologyNode is one device in a supplied topology.
type TopologyNode struct {
	Name  string `json:"name" yaml:"name"`
	Kind  string `json:"kind" yaml:"kind"`
	Image string `json:"image" yaml:"image"`
	Host  string `json:"host,omitempty" yaml:"host,omitempty"`
}

// TopologyLink is one undirected connection in a supplied topology,
// written as "node:interface" endpoints.
type TopologyLink struct {
	A string `json:"a" yaml:"a"`
	Z string `json:"z" yaml:"z"`
}
