package clone

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/metrics"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/security"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
	"github.com/pureboot/pureboot/pkg/workflow"
)

var (
	// ErrInvalidSessionState is returned when an action does not apply
	// to the session's current status.
	ErrInvalidSessionState = errors.New("invalid session state for this action")
	// ErrProgressNotMonotonic rejects a progress report with fewer
	// bytes than already recorded, absent an explicit retry.
	ErrProgressNotMonotonic = errors.New("bytes transferred decreased without retry")
	// ErrNoTarget is returned when completing a session that never
	// bound a target.
	ErrNoTarget = errors.New("session has no target node")
)

// Orchestrator coordinates two-node peer-to-peer disk clone sessions.
// The controller provisions certificates and boot workflows and tracks
// progress; bulk data flows directly between the nodes over mTLS.
type Orchestrator struct {
	store    storage.Store
	registry *registry.Registry
	ca       *security.CertAuthority
	broker   *events.Broker
	logger   zerolog.Logger
}

// NewOrchestrator creates a clone orchestrator.
func NewOrchestrator(store storage.Store, reg *registry.Registry, ca *security.CertAuthority, broker *events.Broker) *Orchestrator {
	return &Orchestrator{
		store:    store,
		registry: reg,
		ca:       ca,
		broker:   broker,
		logger:   log.WithComponent("clone"),
	}
}

// Create registers a new session. The target may be bound later.
func (o *Orchestrator) Create(sourceNodeID, targetNodeID, sourceDevice, targetDevice string, mode types.CloneMode) (*types.CloneSession, error) {
	if _, err := o.store.GetNode(sourceNodeID); err != nil {
		return nil, err
	}
	if targetNodeID != "" {
		if _, err := o.store.GetNode(targetNodeID); err != nil {
			return nil, err
		}
	}
	if mode == "" {
		mode = types.CloneDirect
	}

	session := &types.CloneSession{
		ID:           uuid.New().String(),
		SourceNodeID: sourceNodeID,
		TargetNodeID: targetNodeID,
		Mode:         mode,
		SourceDevice: sourceDevice,
		TargetDevice: targetDevice,
		Status:       types.CloneStatusPending,
		CreatedAt:    time.Now(),
	}
	if err := o.store.CreateSession(session); err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("session_id", session.ID).
		Str("source", sourceNodeID).
		Str("target", targetNodeID).
		Msg("clone session created")
	return session, nil
}

// Get returns a session by id.
func (o *Orchestrator) Get(id string) (*types.CloneSession, error) {
	return o.store.GetSession(id)
}

// List returns all sessions.
func (o *Orchestrator) List() ([]*types.CloneSession, error) {
	return o.store.ListSessions()
}

// Start issues the per-role certificates and assigns the source node
// its boot workflow. A certificate failure fails the session before
// either node is booted.
func (o *Orchestrator) Start(id string) (*types.CloneSession, error) {
	session, err := o.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if session.Status != types.CloneStatusPending || session.StartedAt != nil {
		return nil, fmt.Errorf("session %s is %s: %w", id, session.Status, ErrInvalidSessionState)
	}

	sourceCert, targetCert, err := o.ca.IssueSessionPair(session.ID)
	if err != nil {
		session.Status = types.CloneStatusFailed
		session.Error = fmt.Sprintf("failed to obtain certificates: %v", err)
		if uerr := o.store.UpdateSession(session); uerr != nil {
			return nil, uerr
		}
		return session, nil
	}

	now := time.Now()
	session.SourceCert = sourceCert
	session.TargetCert = targetCert
	session.StartedAt = &now
	if err := o.store.UpdateSession(session); err != nil {
		return nil, err
	}

	// Boot the source into its helper role. Exactly one pending boot
	// assignment per node is enforced by the registry.
	if err := o.registry.SetPendingBoot(session.SourceNodeID, workflow.CloneSourceDirect, map[string]string{
		"session_id": session.ID,
		"role":       string(types.RoleSource),
		"device":     session.SourceDevice,
	}); err != nil {
		session.Status = types.CloneStatusFailed
		session.Error = fmt.Sprintf("failed to assign source boot: %v", err)
		if uerr := o.store.UpdateSession(session); uerr != nil {
			return nil, uerr
		}
		return session, nil
	}

	o.logger.Info().Str("session_id", id).Msg("clone session started")
	return session, nil
}

// SourceReady records the source's listening endpoint and measured disk
// size, then boots the target if one is bound.
func (o *Orchestrator) SourceReady(id, sourceIP string, sourcePort int, sizeBytes int64) (*types.CloneSession, error) {
	session, err := o.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if session.Status != types.CloneStatusPending {
		return nil, fmt.Errorf("session %s is %s: %w", id, session.Status, ErrInvalidSessionState)
	}

	session.Status = types.CloneStatusSourceReady
	session.SourceIP = sourceIP
	session.SourcePort = sourcePort
	session.BytesTotal = sizeBytes
	if err := o.store.UpdateSession(session); err != nil {
		return nil, err
	}

	// The source's boot assignment is consumed.
	if err := o.registry.ClearPendingBoot(session.SourceNodeID); err != nil {
		return nil, err
	}

	if session.TargetNodeID != "" {
		if err := o.registry.SetPendingBoot(session.TargetNodeID, workflow.CloneTargetDirect, map[string]string{
			"session_id":  session.ID,
			"role":        string(types.RoleTarget),
			"device":      session.TargetDevice,
			"source_ip":   sourceIP,
			"source_port": strconv.Itoa(sourcePort),
		}); err != nil {
			return nil, err
		}
	}

	o.publishProgress(session, "source ready")
	o.logger.Info().
		Str("session_id", id).
		Str("source_endpoint", fmt.Sprintf("%s:%d", sourceIP, sourcePort)).
		Int64("bytes_total", sizeBytes).
		Msg("clone source ready")
	return session, nil
}

// Progress records a transfer progress report from the target. Bytes
// transferred must be monotonic unless retry resets the counter.
func (o *Orchestrator) Progress(id string, bytesTransferred int64, rate float64, retry bool) (*types.CloneSession, error) {
	session, err := o.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case types.CloneStatusSourceReady:
		session.Status = types.CloneStatusCloning
	case types.CloneStatusCloning:
	default:
		return nil, fmt.Errorf("session %s is %s: %w", id, session.Status, ErrInvalidSessionState)
	}

	if bytesTransferred < session.BytesTransferred && !retry {
		return nil, fmt.Errorf("%d < %d: %w", bytesTransferred, session.BytesTransferred, ErrProgressNotMonotonic)
	}

	delta := bytesTransferred - session.BytesTransferred
	session.BytesTransferred = bytesTransferred
	session.TransferRate = rate
	if err := o.store.UpdateSession(session); err != nil {
		return nil, err
	}
	if delta > 0 {
		metrics.CloneBytesTransferred.Add(float64(delta))
	}

	o.publishProgress(session, "progress")
	return session, nil
}

// Complete finalizes a session after the target reports success.
func (o *Orchestrator) Complete(id string, bytesTransferred int64) (*types.CloneSession, error) {
	session, err := o.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if session.Status != types.CloneStatusCloning && session.Status != types.CloneStatusSourceReady {
		return nil, fmt.Errorf("session %s is %s: %w", id, session.Status, ErrInvalidSessionState)
	}
	if session.TargetNodeID == "" {
		return nil, fmt.Errorf("session %s: %w", id, ErrNoTarget)
	}

	now := time.Now()
	session.Status = types.CloneStatusCompleted
	if bytesTransferred > 0 {
		session.BytesTransferred = bytesTransferred
	}
	session.CompletedAt = &now
	o.scrubKeys(session)
	if err := o.store.UpdateSession(session); err != nil {
		return nil, err
	}
	if err := o.clearAssignments(session); err != nil {
		return nil, err
	}

	o.publishProgress(session, "completed")
	o.logger.Info().
		Str("session_id", id).
		Int64("bytes", session.BytesTransferred).
		Msg("clone session completed")
	return session, nil
}

// Fail marks a session failed with the reported reason.
func (o *Orchestrator) Fail(id, reason string) (*types.CloneSession, error) {
	session, err := o.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if session.Terminal() {
		return nil, fmt.Errorf("session %s is %s: %w", id, session.Status, ErrInvalidSessionState)
	}

	now := time.Now()
	session.Status = types.CloneStatusFailed
	session.Error = reason
	session.CompletedAt = &now
	o.scrubKeys(session)
	if err := o.store.UpdateSession(session); err != nil {
		return nil, err
	}
	if err := o.clearAssignments(session); err != nil {
		return nil, err
	}

	o.publishProgress(session, "failed")
	o.logger.Warn().Str("session_id", id).Str("reason", reason).Msg("clone session failed")
	return session, nil
}

// Cancel marks a session cancelled. Valid from pending, source_ready,
// or cloning; booted nodes observe the cancellation on their next poll.
func (o *Orchestrator) Cancel(id string) (*types.CloneSession, error) {
	session, err := o.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case types.CloneStatusPending, types.CloneStatusSourceReady, types.CloneStatusCloning:
	default:
		return nil, fmt.Errorf("session %s is %s: %w", id, session.Status, ErrInvalidSessionState)
	}

	now := time.Now()
	session.Status = types.CloneStatusCancelled
	session.CompletedAt = &now
	o.scrubKeys(session)
	if err := o.store.UpdateSession(session); err != nil {
		return nil, err
	}
	if err := o.clearAssignments(session); err != nil {
		return nil, err
	}

	o.publishProgress(session, "cancelled")
	o.logger.Info().Str("session_id", id).Msg("clone session cancelled")
	return session, nil
}

// Certs returns the certificate bundle for one role. Only available
// while the session is live; keys are zeroed on termination.
func (o *Orchestrator) Certs(id string, role types.CloneRole) (*types.CertBundle, error) {
	session, err := o.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	var bundle *types.CertBundle
	switch role {
	case types.RoleSource:
		bundle = session.SourceCert
	case types.RoleTarget:
		bundle = session.TargetCert
	default:
		return nil, fmt.Errorf("unknown role %q: %w", role, ErrInvalidSessionState)
	}
	if bundle == nil {
		return nil, fmt.Errorf("no certificates for role %s: %w", role, storage.ErrNotFound)
	}
	return bundle, nil
}

// scrubKeys zeroes private key material when a session terminates.
func (o *Orchestrator) scrubKeys(session *types.CloneSession) {
	if session.SourceCert != nil {
		session.SourceCert.Zero()
	}
	if session.TargetCert != nil {
		session.TargetCert.Zero()
	}
}

// clearAssignments removes both nodes' pending boot assignments.
func (o *Orchestrator) clearAssignments(session *types.CloneSession) error {
	if err := o.registry.ClearPendingBoot(session.SourceNodeID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if session.TargetNodeID != "" {
		if err := o.registry.ClearPendingBoot(session.TargetNodeID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) publishProgress(session *types.CloneSession, message string) {
	o.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Topic:     events.TopicCloneProgress,
		SessionID: session.ID,
		Message:   message,
		Payload: map[string]any{
			"status":            string(session.Status),
			"bytes_total":       session.BytesTotal,
			"bytes_transferred": session.BytesTransferred,
			"transfer_rate":     session.TransferRate,
		},
	})
}
