package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

func newTestMonitor(t *testing.T) (*Monitor, *storage.BoltStore) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewMonitor(store, broker, testSettings()), store
}

func addNode(t *testing.T, store *storage.BoltStore, id string, lastSeen *time.Time) *types.Node {
	t.Helper()
	now := time.Now()
	node := &types.Node{
		ID:             id,
		MAC:            "aa:bb:cc:dd:ee:" + id[len(id)-2:],
		Name:           "node-" + id,
		State:          types.StateActive,
		HealthStatus:   types.HealthUnknown,
		LastSeenAt:     lastSeen,
		StateChangedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.CreateNode(node))
	return node
}

func TestEvaluateRaisesAndResolvesAlerts(t *testing.T) {
	monitor, store := newTestMonitor(t)

	now := time.Now()
	node := addNode(t, store, "n01", seenAgo(now, 30*time.Minute))

	require.NoError(t, monitor.Evaluate())

	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStale, got.HealthStatus)

	stale, err := store.GetActiveAlert(node.ID, types.AlertNodeStale)
	require.NoError(t, err)
	assert.Equal(t, types.SeverityWarning, stale.Severity)

	// Re-evaluating does not duplicate the alert.
	require.NoError(t, monitor.Evaluate())
	alerts, err := store.ListAlerts(types.AlertActive)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	// Going offline raises critical and subsumes the stale alert.
	past := now.Add(-2 * time.Hour)
	_, err = store.UpdateNodeTx(node.ID, func(n *types.Node) error {
		n.LastSeenAt = &past
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, monitor.Evaluate())

	offline, err := store.GetActiveAlert(node.ID, types.AlertNodeOffline)
	require.NoError(t, err)
	assert.Equal(t, types.SeverityCritical, offline.Severity)
	_, err = store.GetActiveAlert(node.ID, types.AlertNodeStale)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Coming back resolves everything.
	fresh := time.Now()
	_, err = store.UpdateNodeTx(node.ID, func(n *types.Node) error {
		n.LastSeenAt = &fresh
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, monitor.Evaluate())

	got, err = store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthHealthy, got.HealthStatus)
	assert.Equal(t, 100, got.HealthScore)
	alerts, err = store.ListAlerts(types.AlertActive)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestEvaluateLowScoreAlert(t *testing.T) {
	monitor, store := newTestMonitor(t)

	// Offline plus repeated install failures drops the score below 50.
	now := time.Now()
	node := addNode(t, store, "n02", seenAgo(now, 2*time.Hour))
	_, err := store.UpdateNodeTx(node.ID, func(n *types.Node) error {
		n.InstallAttempts = 3
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, monitor.Evaluate())

	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Less(t, got.HealthScore, 50)
	_, err = store.GetActiveAlert(node.ID, types.AlertLowHealthScore)
	require.NoError(t, err)

	// Recovery resolves the low-score alert.
	fresh := time.Now()
	_, err = store.UpdateNodeTx(node.ID, func(n *types.Node) error {
		n.LastSeenAt = &fresh
		n.InstallAttempts = 0
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, monitor.Evaluate())

	_, err = store.GetActiveAlert(node.ID, types.AlertLowHealthScore)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEvaluateSkipsRetiredNodes(t *testing.T) {
	monitor, store := newTestMonitor(t)

	now := time.Now()
	node := addNode(t, store, "n03", seenAgo(now, 2*time.Hour))
	_, err := store.UpdateNodeTx(node.ID, func(n *types.Node) error {
		n.State = types.StateRetired
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, monitor.Evaluate())

	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthUnknown, got.HealthStatus)
	alerts, err := store.ListAlerts(types.AlertActive)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestSnapshotAndInstability(t *testing.T) {
	monitor, store := newTestMonitor(t)

	now := time.Now()
	node := addNode(t, store, "n04", seenAgo(now, time.Minute))
	never := addNode(t, store, "n05", nil)

	require.NoError(t, monitor.snapshot())

	snaps, err := store.ListSnapshots(node.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.GreaterOrEqual(t, snaps[0].SecondsSinceSeen, int64(60))

	neverSnaps, err := store.ListSnapshots(never.ID)
	require.NoError(t, err)
	require.Len(t, neverSnaps, 1)
	assert.Equal(t, int64(-1), neverSnaps[0].SecondsSinceSeen)

	// Boot-count growth since the snapshot shows up as an instability
	// penalty on the next evaluation.
	fresh := time.Now()
	_, err = store.UpdateNodeTx(node.ID, func(n *types.Node) error {
		n.BootCount = 5
		n.LastSeenAt = &fresh
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, monitor.Evaluate())

	got, err := store.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, got.HealthScore)
}

func TestAcknowledge(t *testing.T) {
	monitor, store := newTestMonitor(t)

	now := time.Now()
	node := addNode(t, store, "n06", seenAgo(now, 30*time.Minute))
	require.NoError(t, monitor.Evaluate())

	alert, err := store.GetActiveAlert(node.ID, types.AlertNodeStale)
	require.NoError(t, err)

	acked, err := monitor.Acknowledge(alert.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, types.AlertAcknowledged, acked.Status)
	assert.Equal(t, "operator", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)

	// Only active alerts can be acknowledged.
	_, err = monitor.Acknowledge(alert.ID, "operator")
	assert.Error(t, err)
}
