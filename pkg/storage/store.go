package storage

import (
	"errors"
	"time"

	"github.com/pureboot/pureboot/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint would be violated.
var ErrDuplicate = errors.New("already exists")

// Store defines the persistence interface for controller state.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	GetNodeByMAC(mac string) (*types.Node, error)
	GetNodeBySerial(serial string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ListNodesByGroup(groupID string) ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// UpdateNodeTx applies fn to the node row inside a single write
	// transaction. The store's single-writer model serializes
	// concurrent state transitions on the same node.
	UpdateNodeTx(id string, fn func(node *types.Node) error) (*types.Node, error)

	// TransitionNodeTx applies fn to the node row and appends the
	// returned audit entry, both inside the same write transaction, so
	// the log order matches the commit order of the state changes.
	TransitionNodeTx(id string, fn func(node *types.Node) (*types.NodeStateLog, error)) (*types.Node, error)

	// State transition audit log (append-only)
	AppendStateLog(entry *types.NodeStateLog) error
	ListStateLogs(nodeID string) ([]*types.NodeStateLog, error)

	// Lifecycle event log (append-only)
	AppendNodeEvent(event *types.NodeEvent) error
	ListNodeEvents(nodeID string) ([]*types.NodeEvent, error)

	// Device groups
	CreateGroup(group *types.DeviceGroup) error
	GetGroup(id string) (*types.DeviceGroup, error)
	GetGroupByPath(path string) (*types.DeviceGroup, error)
	ListGroups() ([]*types.DeviceGroup, error)
	UpdateGroup(group *types.DeviceGroup) error
	DeleteGroup(id string) error

	// Workflow executions
	CreateExecution(exec *types.WorkflowExecution) error
	GetExecution(id string) (*types.WorkflowExecution, error)
	ListExecutions() ([]*types.WorkflowExecution, error)
	ListExecutionsByNode(nodeID string) ([]*types.WorkflowExecution, error)
	UpdateExecution(exec *types.WorkflowExecution) error
	AppendStepResult(result *types.StepResult) error
	ListStepResults(executionID string) ([]*types.StepResult, error)

	// Clone sessions
	CreateSession(session *types.CloneSession) error
	GetSession(id string) (*types.CloneSession, error)
	ListSessions() ([]*types.CloneSession, error)
	UpdateSession(session *types.CloneSession) error

	// Health alerts
	CreateAlert(alert *types.HealthAlert) error
	GetAlert(id string) (*types.HealthAlert, error)
	GetActiveAlert(nodeID string, alertType types.AlertType) (*types.HealthAlert, error)
	ListAlerts(status types.AlertStatus) ([]*types.HealthAlert, error)
	ListAlertsByNode(nodeID string) ([]*types.HealthAlert, error)
	UpdateAlert(alert *types.HealthAlert) error

	// Health snapshots
	AppendSnapshot(snap *types.NodeHealthSnapshot) error
	ListSnapshots(nodeID string) ([]*types.NodeHealthSnapshot, error)
	PruneSnapshots(before time.Time) (int, error)

	// CA material
	GetCA() ([]byte, error)
	PutCA(data []byte) error

	// Utility
	Close() error
}
