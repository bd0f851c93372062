package health

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/metrics"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

// pruneInterval is how often the snapshot pruner runs.
const pruneInterval = 24 * time.Hour

// Monitor periodically evaluates node health, maintains alerts, and
// records trend snapshots. Its loops never exit on error; a failed
// cycle is logged and retried on the next tick.
type Monitor struct {
	store  storage.Store
	broker *events.Broker
	cfg    config.HealthSettings
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a health monitor.
func NewMonitor(store storage.Store, broker *events.Broker, cfg config.HealthSettings) *Monitor {
	return &Monitor{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("health"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the evaluation, snapshot, and prune loops.
func (m *Monitor) Start() {
	m.wg.Add(3)
	go m.loop(m.cfg.EvalInterval, m.evaluate)
	go m.loop(m.cfg.SnapshotInterval, m.snapshot)
	go m.loop(pruneInterval, m.prune)
	m.logger.Info().
		Dur("eval_interval", m.cfg.EvalInterval).
		Dur("snapshot_interval", m.cfg.SnapshotInterval).
		Msg("health monitor started")
}

// Stop halts all loops and waits for them to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(interval time.Duration, fn func() error) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := fn(); err != nil {
				m.logger.Error().Err(err).Msg("health cycle failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Evaluate runs one evaluation cycle over all non-retired nodes.
func (m *Monitor) Evaluate() error { return m.evaluate() }

func (m *Monitor) evaluate() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HealthEvalDuration)

	nodes, err := m.store.ListNodes()
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	now := time.Now()
	var firstErr error
	for _, node := range nodes {
		if node.State == types.StateRetired {
			continue
		}
		if err := m.evaluateNode(now, node); err != nil {
			m.logger.Error().Err(err).Str("node_id", node.ID).Msg("node evaluation failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Monitor) evaluateNode(now time.Time, node *types.Node) error {
	status := StatusFor(now, node.LastSeenAt, m.cfg.StaleAfter, m.cfg.OfflineAfter)
	score := ScoreFor(now, node.LastSeenAt, node.InstallAttempts, m.bootDelta(node), m.cfg)

	if node.HealthStatus != status || node.HealthScore != score {
		if _, err := m.store.UpdateNodeTx(node.ID, func(n *types.Node) error {
			n.HealthStatus = status
			n.HealthScore = score
			return nil
		}); err != nil {
			return err
		}
	}

	switch status {
	case types.HealthStale:
		if err := m.raise(node, types.AlertNodeStale, types.SeverityWarning,
			fmt.Sprintf("node %s has not reported for over %s", node.Name, m.cfg.StaleAfter)); err != nil {
			return err
		}
	case types.HealthOffline:
		if err := m.raise(node, types.AlertNodeOffline, types.SeverityCritical,
			fmt.Sprintf("node %s has not reported for over %s", node.Name, m.cfg.OfflineAfter)); err != nil {
			return err
		}
		// The stale alert is subsumed by the offline one.
		if err := m.resolve(node, types.AlertNodeStale); err != nil {
			return err
		}
	case types.HealthHealthy:
		for _, t := range []types.AlertType{types.AlertNodeStale, types.AlertNodeOffline} {
			if err := m.resolve(node, t); err != nil {
				return err
			}
		}
	}

	if score < m.cfg.ScoreThreshold {
		if err := m.raise(node, types.AlertLowHealthScore, types.SeverityWarning,
			fmt.Sprintf("node %s health score %d is below %d", node.Name, score, m.cfg.ScoreThreshold)); err != nil {
			return err
		}
	} else if err := m.resolve(node, types.AlertLowHealthScore); err != nil {
		return err
	}

	return nil
}

// bootDelta is the boot-count growth since the node's latest snapshot.
// Without snapshot history the node is treated as stable.
func (m *Monitor) bootDelta(node *types.Node) int64 {
	snaps, err := m.store.ListSnapshots(node.ID)
	if err != nil || len(snaps) == 0 {
		return 0
	}
	delta := node.BootCount - snaps[len(snaps)-1].BootCount
	if delta < 0 {
		return 0
	}
	return delta
}

// raise creates an alert unless one of the same type is already active
// for the node.
func (m *Monitor) raise(node *types.Node, alertType types.AlertType, severity types.AlertSeverity, message string) error {
	existing, err := m.store.GetActiveAlert(node.ID, alertType)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if existing != nil {
		return nil
	}

	alert := &types.HealthAlert{
		ID:        uuid.New().String(),
		NodeID:    node.ID,
		Type:      alertType,
		Severity:  severity,
		Status:    types.AlertActive,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateAlert(alert); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil
		}
		return err
	}

	m.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Topic:   events.TopicAlertCreated,
		NodeID:  node.ID,
		Message: message,
		Payload: map[string]any{
			"alert_id": alert.ID,
			"type":     string(alertType),
			"severity": string(severity),
		},
	})
	m.logger.Warn().
		Str("node_id", node.ID).
		Str("type", string(alertType)).
		Str("severity", string(severity)).
		Msg("alert raised")
	return nil
}

// resolve closes the node's active alert of the given type, if any.
func (m *Monitor) resolve(node *types.Node, alertType types.AlertType) error {
	alert, err := m.store.GetActiveAlert(node.ID, alertType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	now := time.Now()
	alert.Status = types.AlertResolved
	alert.ResolvedAt = &now
	if err := m.store.UpdateAlert(alert); err != nil {
		return err
	}

	m.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Topic:   events.TopicAlertResolved,
		NodeID:  node.ID,
		Message: fmt.Sprintf("alert %s resolved", alertType),
		Payload: map[string]any{
			"alert_id": alert.ID,
			"type":     string(alertType),
		},
	})
	m.logger.Info().
		Str("node_id", node.ID).
		Str("type", string(alertType)).
		Msg("alert resolved")
	return nil
}

// Acknowledge marks an active alert acknowledged by a user.
func (m *Monitor) Acknowledge(alertID, user string) (*types.HealthAlert, error) {
	alert, err := m.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status != types.AlertActive {
		return nil, fmt.Errorf("alert %s is %s, not active", alertID, alert.Status)
	}
	now := time.Now()
	alert.Status = types.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = user
	if err := m.store.UpdateAlert(alert); err != nil {
		return nil, err
	}
	return alert, nil
}

func (m *Monitor) snapshot() error {
	nodes, err := m.store.ListNodes()
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	now := time.Now()
	for _, node := range nodes {
		if node.State == types.StateRetired {
			continue
		}
		snap := &types.NodeHealthSnapshot{
			ID:              uuid.New().String(),
			NodeID:          node.ID,
			Timestamp:       now,
			Status:          node.HealthStatus,
			Score:           node.HealthScore,
			BootCount:       node.BootCount,
			InstallAttempts: node.InstallAttempts,
			IPAddress:       node.IPAddress,
		}
		if node.LastSeenAt != nil {
			snap.SecondsSinceSeen = int64(now.Sub(*node.LastSeenAt).Seconds())
		} else {
			snap.SecondsSinceSeen = -1
		}
		if err := m.store.AppendSnapshot(snap); err != nil {
			m.logger.Error().Err(err).Str("node_id", node.ID).Msg("snapshot write failed")
		}
	}
	return nil
}

func (m *Monitor) prune() error {
	cutoff := time.Now().Add(-m.cfg.SnapshotRetention)
	n, err := m.store.PruneSnapshots(cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	if n > 0 {
		m.logger.Info().Int("pruned", n).Time("cutoff", cutoff).Msg("old snapshots pruned")
	}
	return nil
}
