package types

import (
	"time"
)

// Node represents a provisioned or provisionable machine, identified by
// its canonical MAC address or, for Raspberry Pi clients without a stable
// NIC, by an 8-hex-character board serial.
type Node struct {
	ID            string            `json:"id"`
	MAC           string            `json:"mac,omitempty"`
	Serial        string            `json:"serial,omitempty"`
	Name          string            `json:"name"`
	IPAddress     string            `json:"ip_address,omitempty"`
	Architecture  Architecture      `json:"architecture"`
	Firmware      FirmwareClass     `json:"firmware"`
	Vendor        string            `json:"vendor,omitempty"`
	Model         string            `json:"model,omitempty"`
	UUID          string            `json:"uuid,omitempty"`
	WorkflowID    string            `json:"workflow_id,omitempty"`
	GroupID       string            `json:"group_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	State         NodeState         `json:"state"`
	StateChangedAt time.Time        `json:"state_changed_at"`

	// Pending boot assignment: at most one per node. Takes precedence
	// over the node's installed workflow when the boot endpoint picks
	// an action.
	PendingWorkflowID string            `json:"pending_workflow_id,omitempty"`
	PendingBootParams map[string]string `json:"pending_boot_params,omitempty"`

	// Health fields
	HealthStatus     HealthStatus `json:"health_status"`
	HealthScore      int          `json:"health_score"`
	BootCount        int64        `json:"boot_count"`
	LastSeenAt       *time.Time   `json:"last_seen_at,omitempty"`
	InstallAttempts  int          `json:"install_attempts"`
	LastInstallError string       `json:"last_install_error,omitempty"`

	// LastTimeoutAt marks when the install-timeout reclassifier last
	// fired for the current installing epoch, so it fires at most once
	// per expiry.
	LastTimeoutAt *time.Time `json:"last_timeout_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPi reports whether the node is identified by board serial rather
// than MAC.
func (n *Node) IsPi() bool {
	return n.Firmware == FirmwarePi
}

// Architecture is the CPU architecture reported or configured for a node.
type Architecture string

const (
	ArchX86_64  Architecture = "x86_64"
	ArchAarch64 Architecture = "aarch64"
)

// FirmwareClass distinguishes how a node network-boots.
type FirmwareClass string

const (
	FirmwareBIOS FirmwareClass = "bios"
	FirmwareUEFI FirmwareClass = "uefi"
	FirmwarePi   FirmwareClass = "pi"
)

// NodeState is a point in the node lifecycle state machine.
type NodeState string

const (
	StateDiscovered     NodeState = "discovered"
	StatePending        NodeState = "pending"
	StateInstalling     NodeState = "installing"
	StateInstallFailed  NodeState = "install_failed"
	StateInstalled      NodeState = "installed"
	StateActive         NodeState = "active"
	StateReprovision    NodeState = "reprovision"
	StateDeprovisioning NodeState = "deprovisioning"
	StateMigrating      NodeState = "migrating"
	StateRetired        NodeState = "retired"
)

// TransitionTrigger records what caused a state transition.
type TransitionTrigger string

const (
	TriggerAdmin      TransitionTrigger = "admin"
	TriggerSystem     TransitionTrigger = "system"
	TriggerNodeReport TransitionTrigger = "node_report"
)

// NodeStateLog is an append-only record of a single state transition.
type NodeStateLog struct {
	ID          string            `json:"id"`
	NodeID      string            `json:"node_id"`
	FromState   NodeState         `json:"from_state"`
	ToState     NodeState         `json:"to_state"`
	TriggeredBy TransitionTrigger `json:"triggered_by"`
	User        string            `json:"user,omitempty"`
	Comment     string            `json:"comment,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// NodeEventType classifies lifecycle events reported by or observed
// about a node. Distinct from state transitions.
type NodeEventType string

const (
	EventBootStarted     NodeEventType = "boot_started"
	EventInstallStarted  NodeEventType = "install_started"
	EventInstallProgress NodeEventType = "install_progress"
	EventInstallComplete NodeEventType = "install_complete"
	EventInstallFailed   NodeEventType = "install_failed"
	EventFirstBoot       NodeEventType = "first_boot"
	EventHeartbeat       NodeEventType = "heartbeat"
)

// NodeEvent is an append-only lifecycle event row.
type NodeEvent struct {
	ID        string         `json:"id"`
	NodeID    string         `json:"node_id"`
	EventType NodeEventType  `json:"event_type"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Progress  *int           `json:"progress,omitempty"` // 0-100 when present
	Metadata  map[string]any `json:"metadata,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DeviceGroup is a hierarchical container for nodes with inheritable
// provisioning settings. Path is materialized ("/a/b/c") and depth is
// the number of path segments minus one.
type DeviceGroup struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	ParentID          string    `json:"parent_id,omitempty"`
	Path              string    `json:"path"`
	Depth             int       `json:"depth"`
	DefaultWorkflowID string    `json:"default_workflow_id,omitempty"`
	AutoProvision     *bool     `json:"auto_provision,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// GroupSettings is the result of resolving a group's settings through
// its ancestor chain; child values win when set.
type GroupSettings struct {
	EffectiveWorkflowID    string `json:"effective_workflow_id,omitempty"`
	EffectiveAutoProvision bool   `json:"effective_auto_provision"`
}

// InstallMethod is how a workflow provisions a node.
type InstallMethod string

const (
	MethodImage  InstallMethod = "image"
	MethodNFS    InstallMethod = "nfs"
	MethodDeploy InstallMethod = "deploy"
)

// Workflow is a declarative provisioning recipe loaded from a descriptor
// file. Immutable at runtime.
type Workflow struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Method       InstallMethod  `json:"method" yaml:"method"`
	Architecture Architecture   `json:"architecture" yaml:"architecture"`
	Firmware     FirmwareClass  `json:"firmware" yaml:"firmware"`
	ImageURL     string         `json:"image_url,omitempty" yaml:"image_url"`
	Kernel       string         `json:"kernel,omitempty" yaml:"kernel"`
	Initrd       string         `json:"initrd,omitempty" yaml:"initrd"`
	Cmdline      string         `json:"cmdline,omitempty" yaml:"cmdline"`
	NFSServer    string         `json:"nfs_server,omitempty" yaml:"nfs_server"`
	NFSPath      string         `json:"nfs_path,omitempty" yaml:"nfs_path"`
	TargetDevice string         `json:"target_device,omitempty" yaml:"target_device"`
	Steps        []WorkflowStep `json:"steps,omitempty" yaml:"steps"`
}

// StepKind is the kind of a workflow step.
type StepKind string

const (
	StepBoot      StepKind = "boot"
	StepScript    StepKind = "script"
	StepReboot    StepKind = "reboot"
	StepWait      StepKind = "wait"
	StepCloudInit StepKind = "cloud_init"
)

// FailurePolicy is applied when a step fails or times out.
type FailurePolicy string

const (
	PolicyFail     FailurePolicy = "fail"
	PolicyRetry    FailurePolicy = "retry"
	PolicySkip     FailurePolicy = "skip"
	PolicyRollback FailurePolicy = "rollback"
)

// WorkflowStep is one step of a multi-step workflow.
type WorkflowStep struct {
	ID             string        `json:"id" yaml:"id"`
	Kind           StepKind      `json:"kind" yaml:"kind"`
	Kernel         string        `json:"kernel,omitempty" yaml:"kernel"`
	Initrd         string        `json:"initrd,omitempty" yaml:"initrd"`
	Cmdline        string        `json:"cmdline,omitempty" yaml:"cmdline"`
	ScriptURL      string        `json:"script_url,omitempty" yaml:"script_url"`
	WaitSeconds    int           `json:"wait_seconds,omitempty" yaml:"wait_seconds"`
	TimeoutSeconds int           `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
	OnFailure      FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure"`
	MaxRetries     int           `json:"max_retries,omitempty" yaml:"max_retries"`
	RetryDelaySec  int           `json:"retry_delay_seconds,omitempty" yaml:"retry_delay_seconds"`
	NextState      NodeState     `json:"next_state,omitempty" yaml:"next_state"`
	RollbackStepID string        `json:"rollback_step_id,omitempty" yaml:"rollback_step_id"`
}

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// WorkflowExecution tracks a node's progress through a workflow.
type WorkflowExecution struct {
	ID            string          `json:"id"`
	NodeID        string          `json:"node_id"`
	WorkflowID    string          `json:"workflow_id"`
	Status        ExecutionStatus `json:"status"`
	CurrentStepID string          `json:"current_step_id,omitempty"`
	StepAttempts  map[string]int  `json:"step_attempts,omitempty"`
	StepDeadline  *time.Time      `json:"step_deadline,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// StepResult records one attempt at one step.
type StepResult struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id"`
	Attempt     int       `json:"attempt"`
	Status      string    `json:"status"` // success, failed, timeout, skipped
	ExitCode    *int      `json:"exit_code,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CloneMode selects how disk data moves between the pair.
type CloneMode string

const (
	CloneDirect CloneMode = "direct"
	CloneStaged CloneMode = "staged"
)

// CloneStatus is the lifecycle status of a clone session.
type CloneStatus string

const (
	CloneStatusPending     CloneStatus = "pending"
	CloneStatusSourceReady CloneStatus = "source_ready"
	CloneStatusCloning     CloneStatus = "cloning"
	CloneStatusCompleted   CloneStatus = "completed"
	CloneStatusFailed      CloneStatus = "failed"
	CloneStatusCancelled   CloneStatus = "cancelled"
)

// CloneRole names one side of a clone session.
type CloneRole string

const (
	RoleSource CloneRole = "source"
	RoleTarget CloneRole = "target"
)

// CertBundle is the PEM material issued to one clone role.
type CertBundle struct {
	CertPEM string `json:"cert_pem"`
	KeyPEM  string `json:"key_pem"`
	CAPEM   string `json:"ca_pem"`
}

// Zero wipes private key material in place.
func (b *CertBundle) Zero() {
	b.KeyPEM = ""
}

// CloneSession is a two-node peer-to-peer disk copy coordinated by the
// controller. The controller never relays bulk data.
type CloneSession struct {
	ID           string      `json:"id"`
	SourceNodeID string      `json:"source_node_id"`
	TargetNodeID string      `json:"target_node_id,omitempty"`
	Mode         CloneMode   `json:"mode"`
	SourceDevice string      `json:"source_device"`
	TargetDevice string      `json:"target_device"`
	Status       CloneStatus `json:"status"`

	SourceCert *CertBundle `json:"source_cert,omitempty"`
	TargetCert *CertBundle `json:"target_cert,omitempty"`

	SourceIP   string `json:"source_ip,omitempty"`
	SourcePort int    `json:"source_port,omitempty"`

	TransferMode     string  `json:"transfer_mode,omitempty"`
	BytesTotal       int64   `json:"bytes_total"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TransferRate     float64 `json:"transfer_rate"`

	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the session has reached a final status.
func (s *CloneSession) Terminal() bool {
	switch s.Status {
	case CloneStatusCompleted, CloneStatusFailed, CloneStatusCancelled:
		return true
	}
	return false
}

// HealthStatus is the liveness classification of a node.
type HealthStatus string

const (
	HealthUnknown HealthStatus = "unknown"
	HealthHealthy HealthStatus = "healthy"
	HealthStale   HealthStatus = "stale"
	HealthOffline HealthStatus = "offline"
)

// AlertType names a class of health alert.
type AlertType string

const (
	AlertNodeStale      AlertType = "node_stale"
	AlertNodeOffline    AlertType = "node_offline"
	AlertLowHealthScore AlertType = "low_health_score"
)

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus is the lifecycle status of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// HealthAlert is a raised health condition. At most one active alert
// exists per (node, alert type).
type HealthAlert struct {
	ID             string         `json:"id"`
	NodeID         string         `json:"node_id"`
	Type           AlertType      `json:"type"`
	Severity       AlertSeverity  `json:"severity"`
	Status         AlertStatus    `json:"status"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// NodeHealthSnapshot is a periodic point-in-time health row for trending.
type NodeHealthSnapshot struct {
	ID               string       `json:"id"`
	NodeID           string       `json:"node_id"`
	Timestamp        time.Time    `json:"timestamp"`
	Status           HealthStatus `json:"status"`
	Score            int          `json:"score"`
	SecondsSinceSeen int64        `json:"seconds_since_seen"`
	BootCount        int64        `json:"boot_count"`
	InstallAttempts  int          `json:"install_attempts"`
	IPAddress        string       `json:"ip_address,omitempty"`
}
