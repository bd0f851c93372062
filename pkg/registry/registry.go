package registry

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

var (
	// ErrInvalidMAC is returned for a MAC that cannot be canonicalized.
	ErrInvalidMAC = errors.New("invalid MAC address")
	// ErrInvalidSerial is returned for a Pi serial that is not 8 hex chars.
	ErrInvalidSerial = errors.New("invalid board serial")
)

var serialPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)

// CanonicalMAC normalizes a MAC address to lowercase colon form. Both
// colon and iPXE hyphen forms are accepted.
func CanonicalMAC(mac string) (string, error) {
	normalized := strings.ToLower(strings.ReplaceAll(mac, "-", ":"))
	hw, err := net.ParseMAC(normalized)
	if err != nil {
		return "", fmt.Errorf("%q: %w", mac, ErrInvalidMAC)
	}
	return hw.String(), nil
}

// CanonicalSerial normalizes a Raspberry Pi board serial. The last 8 hex
// characters identify the board; longer values (as read from
// /proc/cpuinfo) are truncated to them.
func CanonicalSerial(serial string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(serial))
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	if !serialPattern.MatchString(s) {
		return "", fmt.Errorf("%q: %w", serial, ErrInvalidSerial)
	}
	return s, nil
}

// Hints carries optional hardware details observed at the boot endpoint.
type Hints struct {
	Vendor string
	Model  string
	Serial string
	UUID   string
}

// Registry owns all node rows and enforces the lifecycle state machine.
type Registry struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a Registry over the given store and event broker.
func New(store storage.Store, broker *events.Broker) *Registry {
	return &Registry{
		store:  store,
		broker: broker,
		logger: log.WithComponent("registry"),
	}
}

// Store exposes the backing store for read-side API handlers.
func (r *Registry) Store() storage.Store {
	return r.store
}

// GetNode returns a node by id.
func (r *Registry) GetNode(id string) (*types.Node, error) {
	return r.store.GetNode(id)
}

// GetNodeByMAC returns a node by canonical MAC.
func (r *Registry) GetNodeByMAC(mac string) (*types.Node, error) {
	canonical, err := CanonicalMAC(mac)
	if err != nil {
		return nil, err
	}
	return r.store.GetNodeByMAC(canonical)
}

// GetNodeBySerial returns a Pi node by board serial.
func (r *Registry) GetNodeBySerial(serial string) (*types.Node, error) {
	canonical, err := CanonicalSerial(serial)
	if err != nil {
		return nil, err
	}
	return r.store.GetNodeBySerial(canonical)
}

// ListNodes returns all node rows.
func (r *Registry) ListNodes() ([]*types.Node, error) {
	return r.store.ListNodes()
}

// RegisterNode creates a node row in the discovered state. If a node
// with the same MAC already exists, the existing row is returned with
// only its observation fields updated.
func (r *Registry) RegisterNode(mac, name, ip string, firmware types.FirmwareClass, arch types.Architecture, hints Hints) (*types.Node, error) {
	canonical, err := CanonicalMAC(mac)
	if err != nil {
		return nil, err
	}

	if existing, err := r.store.GetNodeByMAC(canonical); err == nil {
		return r.Observe(existing.ID, ip)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	if name == "" {
		name = "node-" + strings.ReplaceAll(canonical, ":", "")
	}
	if firmware == "" {
		firmware = types.FirmwareBIOS
	}
	if arch == "" {
		arch = types.ArchX86_64
	}
	node := &types.Node{
		ID:             uuid.New().String(),
		MAC:            canonical,
		Name:           name,
		IPAddress:      ip,
		Architecture:   arch,
		Firmware:       firmware,
		Vendor:         hints.Vendor,
		Model:          hints.Model,
		UUID:           hints.UUID,
		State:          types.StateDiscovered,
		StateChangedAt: now,
		HealthStatus:   types.HealthUnknown,
		HealthScore:    100,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ip != "" {
		node.LastSeenAt = &now
	}
	if err := r.store.CreateNode(node); err != nil {
		return nil, err
	}

	if err := r.store.AppendStateLog(&types.NodeStateLog{
		ID:          uuid.New().String(),
		NodeID:      node.ID,
		FromState:   "",
		ToState:     types.StateDiscovered,
		TriggeredBy: types.TriggerSystem,
		Comment:     "registered",
		Timestamp:   now,
	}); err != nil {
		return nil, fmt.Errorf("failed to append state log: %w", err)
	}

	r.logger.Info().Str("node_id", node.ID).Str("mac", canonical).Msg("node registered")
	return node, nil
}

// RegisterPiNode creates a node row for a Raspberry Pi identified by
// board serial. Idempotent on an existing serial.
func (r *Registry) RegisterPiNode(serial, mac, name, ip string) (*types.Node, error) {
	canonical, err := CanonicalSerial(serial)
	if err != nil {
		return nil, err
	}

	if existing, err := r.store.GetNodeBySerial(canonical); err == nil {
		return r.Observe(existing.ID, ip)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	var canonicalMAC string
	if mac != "" {
		canonicalMAC, err = CanonicalMAC(mac)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	if name == "" {
		name = "pi-" + canonical
	}
	node := &types.Node{
		ID:             uuid.New().String(),
		MAC:            canonicalMAC,
		Serial:         canonical,
		Name:           name,
		IPAddress:      ip,
		Architecture:   types.ArchAarch64,
		Firmware:       types.FirmwarePi,
		State:          types.StateDiscovered,
		StateChangedAt: now,
		HealthStatus:   types.HealthUnknown,
		HealthScore:    100,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ip != "" {
		node.LastSeenAt = &now
	}
	if err := r.store.CreateNode(node); err != nil {
		return nil, err
	}

	if err := r.store.AppendStateLog(&types.NodeStateLog{
		ID:          uuid.New().String(),
		NodeID:      node.ID,
		ToState:     types.StateDiscovered,
		TriggeredBy: types.TriggerSystem,
		Comment:     "pi registered",
		Timestamp:   now,
	}); err != nil {
		return nil, fmt.Errorf("failed to append state log: %w", err)
	}

	r.logger.Info().Str("node_id", node.ID).Str("serial", canonical).Msg("pi node registered")
	return node, nil
}

// Observe updates a node's last-seen timestamp and, when provided, its
// observed IP address. No other fields change.
func (r *Registry) Observe(nodeID, ip string) (*types.Node, error) {
	return r.store.UpdateNodeTx(nodeID, func(node *types.Node) error {
		now := time.Now()
		node.LastSeenAt = &now
		if ip != "" {
			node.IPAddress = ip
		}
		return nil
	})
}

// AssignWorkflow sets a node's workflow assignment.
func (r *Registry) AssignWorkflow(nodeID, workflowID string) (*types.Node, error) {
	return r.store.UpdateNodeTx(nodeID, func(node *types.Node) error {
		node.WorkflowID = workflowID
		return nil
	})
}

// SetPendingBoot records a one-shot boot assignment for a node. Returns
// storage-level failure or a conflict when an assignment is already
// pending (one pending workflow per node).
func (r *Registry) SetPendingBoot(nodeID, workflowID string, params map[string]string) error {
	_, err := r.store.UpdateNodeTx(nodeID, func(node *types.Node) error {
		if node.PendingWorkflowID != "" && node.PendingWorkflowID != workflowID {
			return fmt.Errorf("node %s already has pending workflow %s: %w",
				nodeID, node.PendingWorkflowID, storage.ErrDuplicate)
		}
		node.PendingWorkflowID = workflowID
		node.PendingBootParams = params
		return nil
	})
	return err
}

// ClearPendingBoot removes a node's pending boot assignment.
func (r *Registry) ClearPendingBoot(nodeID string) error {
	_, err := r.store.UpdateNodeTx(nodeID, func(node *types.Node) error {
		node.PendingWorkflowID = ""
		node.PendingBootParams = nil
		return nil
	})
	return err
}

// Report is a node status/event report received over the API.
type Report struct {
	MAC       string
	Serial    string
	EventType types.NodeEventType
	Status    string
	Message   string
	Progress  *int
	Metadata  map[string]any
	IP        string
}

// HandleReport ingests one /report body: appends the lifecycle event,
// updates observation fields, and applies the transition the event
// implies.
func (r *Registry) HandleReport(report Report) (*types.Node, error) {
	var node *types.Node
	var err error
	switch {
	case report.Serial != "":
		node, err = r.GetNodeBySerial(report.Serial)
	case report.MAC != "":
		node, err = r.GetNodeByMAC(report.MAC)
	default:
		return nil, fmt.Errorf("report carries neither mac nor serial: %w", ErrInvalidMAC)
	}
	if err != nil {
		return nil, err
	}

	if _, err := r.Observe(node.ID, report.IP); err != nil {
		return nil, err
	}

	event := &types.NodeEvent{
		ID:        uuid.New().String(),
		NodeID:    node.ID,
		EventType: report.EventType,
		Status:    report.Status,
		Message:   report.Message,
		Progress:  report.Progress,
		Metadata:  report.Metadata,
		IPAddress: report.IP,
		Timestamp: time.Now(),
	}

	switch report.EventType {
	case types.EventBootStarted:
		if _, err := r.store.UpdateNodeTx(node.ID, func(n *types.Node) error {
			n.BootCount++
			return nil
		}); err != nil {
			return nil, err
		}
	case types.EventInstallStarted:
		if node.State == types.StatePending {
			if _, err := r.Transition(node.ID, TransitionRequest{
				To:          types.StateInstalling,
				TriggeredBy: types.TriggerNodeReport,
			}); err != nil {
				return nil, err
			}
		}
	case types.EventInstallComplete:
		if node.State == types.StateInstalling {
			if _, err := r.Transition(node.ID, TransitionRequest{
				To:          types.StateInstalled,
				TriggeredBy: types.TriggerNodeReport,
			}); err != nil {
				return nil, err
			}
		}
	case types.EventInstallFailed:
		// RecordInstallFailure appends its own event row.
		return r.RecordInstallFailure(node.ID, report.Message)
	case types.EventFirstBoot:
		if node.State == types.StateInstalled {
			if _, err := r.Transition(node.ID, TransitionRequest{
				To:          types.StateActive,
				TriggeredBy: types.TriggerNodeReport,
			}); err != nil {
				return nil, err
			}
		}
	case types.EventInstallProgress, types.EventHeartbeat:
		// Observation only.
	default:
		return nil, fmt.Errorf("unknown event type %q", report.EventType)
	}

	if err := r.store.AppendNodeEvent(event); err != nil {
		return nil, fmt.Errorf("failed to append node event: %w", err)
	}
	return r.store.GetNode(node.ID)
}
