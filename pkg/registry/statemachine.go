package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/metrics"
	"github.com/pureboot/pureboot/pkg/types"
)

// MaxInstallAttempts is the number of install failures tolerated before
// a node lands in install_failed, and the retry limit for leaving it
// without force.
const MaxInstallAttempts = 3

var (
	// ErrInvalidTransition is returned for an edge not in the graph.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrRetryLimitExceeded is returned when install_failed → pending is
	// requested at the attempt limit without force.
	ErrRetryLimitExceeded = errors.New("install retry limit exceeded")
)

// transitions is the directed graph of legal lifecycle edges. Forced
// retirement from any state is handled separately.
var transitions = map[types.NodeState][]types.NodeState{
	types.StateDiscovered:     {types.StatePending},
	types.StatePending:        {types.StateInstalling},
	types.StateInstalling:     {types.StateInstalled, types.StateInstallFailed},
	types.StateInstallFailed:  {types.StatePending},
	types.StateInstalled:      {types.StateActive},
	types.StateActive:         {types.StateReprovision, types.StateDeprovisioning, types.StateMigrating},
	types.StateReprovision:    {types.StatePending},
	types.StateDeprovisioning: {types.StateRetired},
	types.StateMigrating:      {types.StateActive},
	types.StateRetired:        nil,
}

// ValidTransition reports whether from → to is an edge of the graph.
func ValidTransition(from, to types.NodeState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionRequest carries the parameters of one state transition.
type TransitionRequest struct {
	To          types.NodeState
	TriggeredBy types.TransitionTrigger
	User        string
	Comment     string
	Metadata    map[string]any
	Force       bool
}

// Transition moves a node to a new state. The edge is validated against
// the graph unless force is set with target retired, which is always
// accepted. On success the transition is appended to the audit log and
// published on the event bus.
//
// Reaching installed, or any forced transition, resets install_attempts
// and clears last_install_error.
func (r *Registry) Transition(nodeID string, req TransitionRequest) (*types.Node, error) {
	var from types.NodeState
	// The audit entry is appended in the same write transaction as the
	// state flip, so the log order matches the commit order.
	node, err := r.store.TransitionNodeTx(nodeID, func(node *types.Node) (*types.NodeStateLog, error) {
		from = node.State

		switch {
		case req.Force && req.To == types.StateRetired:
			// Admin force-retire is accepted from any state.
		case ValidTransition(node.State, req.To):
			if node.State == types.StateInstallFailed && req.To == types.StatePending &&
				node.InstallAttempts >= MaxInstallAttempts && !req.Force {
				return nil, fmt.Errorf("%d attempts: %w", node.InstallAttempts, ErrRetryLimitExceeded)
			}
		default:
			return nil, fmt.Errorf("%s -> %s: %w", node.State, req.To, ErrInvalidTransition)
		}

		node.State = req.To
		node.StateChangedAt = time.Now()
		if req.To == types.StateInstalled || req.Force {
			node.InstallAttempts = 0
			node.LastInstallError = ""
		}

		return &types.NodeStateLog{
			ID:          uuid.New().String(),
			NodeID:      nodeID,
			FromState:   from,
			ToState:     req.To,
			TriggeredBy: req.TriggeredBy,
			User:        req.User,
			Comment:     req.Comment,
			Metadata:    req.Metadata,
			Timestamp:   node.StateChangedAt,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.StateTransitionsTotal.WithLabelValues(string(req.To)).Inc()
	r.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Topic:   events.TopicStateChanged,
		NodeID:  nodeID,
		Message: fmt.Sprintf("%s -> %s", from, req.To),
		Payload: map[string]any{
			"from_state":   string(from),
			"to_state":     string(req.To),
			"triggered_by": string(req.TriggeredBy),
		},
	})

	r.logger.Info().
		Str("node_id", nodeID).
		Str("from", string(from)).
		Str("to", string(req.To)).
		Str("triggered_by", string(req.TriggeredBy)).
		Msg("state transition")

	return node, nil
}

// RecordInstallFailure increments the node's install attempt counter.
// Below the limit the node stays in installing and the failure is
// recorded as a lifecycle event; the limit-hitting failure transitions
// the node to install_failed.
func (r *Registry) RecordInstallFailure(nodeID, message string) (*types.Node, error) {
	node, err := r.store.UpdateNodeTx(nodeID, func(node *types.Node) error {
		node.InstallAttempts++
		node.LastInstallError = message
		return nil
	})
	if err != nil {
		return nil, err
	}

	event := &types.NodeEvent{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		EventType: types.EventInstallFailed,
		Status:    "failed",
		Message:   message,
		Timestamp: time.Now(),
	}
	if err := r.store.AppendNodeEvent(event); err != nil {
		return nil, fmt.Errorf("failed to append node event: %w", err)
	}

	if node.InstallAttempts >= MaxInstallAttempts && node.State == types.StateInstalling {
		return r.Transition(nodeID, TransitionRequest{
			To:          types.StateInstallFailed,
			TriggeredBy: types.TriggerSystem,
			Comment:     fmt.Sprintf("install failed %d times: %s", node.InstallAttempts, message),
		})
	}

	r.logger.Warn().
		Str("node_id", nodeID).
		Int("attempts", node.InstallAttempts).
		Str("error", message).
		Msg("install failure recorded")

	return node, nil
}
