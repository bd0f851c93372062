package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/types"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from types.NodeState
		to   types.NodeState
		want bool
	}{
		{types.StateDiscovered, types.StatePending, true},
		{types.StatePending, types.StateInstalling, true},
		{types.StateInstalling, types.StateInstalled, true},
		{types.StateInstalling, types.StateInstallFailed, true},
		{types.StateInstallFailed, types.StatePending, true},
		{types.StateInstalled, types.StateActive, true},
		{types.StateActive, types.StateReprovision, true},
		{types.StateActive, types.StateDeprovisioning, true},
		{types.StateActive, types.StateMigrating, true},
		{types.StateReprovision, types.StatePending, true},
		{types.StateDeprovisioning, types.StateRetired, true},
		{types.StateMigrating, types.StateActive, true},

		{types.StateDiscovered, types.StateInstalling, false},
		{types.StateDiscovered, types.StateActive, false},
		{types.StatePending, types.StateInstalled, false},
		{types.StateInstalled, types.StatePending, false},
		{types.StateActive, types.StateInstalling, false},
		{types.StateRetired, types.StatePending, false},
		{types.StateRetired, types.StateActive, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	reg := newTestRegistry(t)

	node, err := reg.RegisterNode("aa:bb:cc:dd:01:01", "", "", "", "", Hints{})
	require.NoError(t, err)

	_, err = reg.Transition(node.ID, TransitionRequest{To: types.StateActive, TriggeredBy: types.TriggerAdmin})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// The refused transition must not touch the row or the log.
	got, err := reg.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateDiscovered, got.State)

	logs, err := reg.Store().ListStateLogs(node.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1) // registration only
}

func TestForceRetireFromAnyState(t *testing.T) {
	states := []struct {
		name string
		walk []types.NodeState
	}{
		{"discovered", nil},
		{"installing", []types.NodeState{types.StatePending, types.StateInstalling}},
		{"active", []types.NodeState{types.StatePending, types.StateInstalling, types.StateInstalled, types.StateActive}},
	}

	for i, tt := range states {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry(t)
			node, err := reg.RegisterNode("aa:bb:cc:dd:02:0"+string(rune('1'+i)), "", "", "", "", Hints{})
			require.NoError(t, err)

			for _, s := range tt.walk {
				_, err = reg.Transition(node.ID, TransitionRequest{To: s, TriggeredBy: types.TriggerAdmin})
				require.NoError(t, err)
			}

			// Retired is not a plain edge from most states, force makes it one.
			got, err := reg.Transition(node.ID, TransitionRequest{
				To:          types.StateRetired,
				TriggeredBy: types.TriggerAdmin,
				Force:       true,
			})
			require.NoError(t, err)
			assert.Equal(t, types.StateRetired, got.State)
			assert.Zero(t, got.InstallAttempts)
		})
	}
}

func TestStateLogRecordsEveryTransition(t *testing.T) {
	reg := newTestRegistry(t)

	node, err := reg.RegisterNode("aa:bb:cc:dd:03:01", "", "", "", "", Hints{})
	require.NoError(t, err)

	walk := []types.NodeState{
		types.StatePending, types.StateInstalling, types.StateInstalled, types.StateActive,
	}
	for _, s := range walk {
		_, err = reg.Transition(node.ID, TransitionRequest{To: s, TriggeredBy: types.TriggerNodeReport})
		require.NoError(t, err)
	}

	logs, err := reg.Store().ListStateLogs(node.ID)
	require.NoError(t, err)
	require.Len(t, logs, len(walk)+1)

	// Consecutive log rows chain, and every recorded edge is legal.
	for i := 1; i < len(logs); i++ {
		assert.Equal(t, logs[i-1].ToState, logs[i].FromState)
		assert.True(t, ValidTransition(logs[i].FromState, logs[i].ToState),
			"%s -> %s", logs[i].FromState, logs[i].ToState)
	}
}

func TestInstallFailureLimit(t *testing.T) {
	reg := newTestRegistry(t)

	node, err := reg.RegisterNode("aa:bb:cc:dd:04:01", "", "", "", "", Hints{})
	require.NoError(t, err)
	for _, s := range []types.NodeState{types.StatePending, types.StateInstalling} {
		_, err = reg.Transition(node.ID, TransitionRequest{To: s, TriggeredBy: types.TriggerSystem})
		require.NoError(t, err)
	}

	// Two failures keep the node installing.
	for i := 1; i <= 2; i++ {
		got, err := reg.RecordInstallFailure(node.ID, "partition step failed")
		require.NoError(t, err)
		assert.Equal(t, types.StateInstalling, got.State)
		assert.Equal(t, i, got.InstallAttempts)
	}

	// The third lands the node in install_failed.
	got, err := reg.RecordInstallFailure(node.ID, "partition step failed")
	require.NoError(t, err)
	assert.Equal(t, types.StateInstallFailed, got.State)
	assert.Equal(t, MaxInstallAttempts, got.InstallAttempts)

	// Plain retry is refused at the limit.
	_, err = reg.Transition(node.ID, TransitionRequest{To: types.StatePending, TriggeredBy: types.TriggerAdmin})
	assert.ErrorIs(t, err, ErrRetryLimitExceeded)

	// Forced retry resets the attempt counter.
	got, err = reg.Transition(node.ID, TransitionRequest{
		To:          types.StatePending,
		TriggeredBy: types.TriggerAdmin,
		Force:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, got.State)
	assert.Zero(t, got.InstallAttempts)
	assert.Empty(t, got.LastInstallError)
}

func TestInstalledResetsAttempts(t *testing.T) {
	reg := newTestRegistry(t)

	node, err := reg.RegisterNode("aa:bb:cc:dd:04:02", "", "", "", "", Hints{})
	require.NoError(t, err)
	for _, s := range []types.NodeState{types.StatePending, types.StateInstalling} {
		_, err = reg.Transition(node.ID, TransitionRequest{To: s, TriggeredBy: types.TriggerSystem})
		require.NoError(t, err)
	}

	_, err = reg.RecordInstallFailure(node.ID, "transient failure")
	require.NoError(t, err)

	got, err := reg.Transition(node.ID, TransitionRequest{To: types.StateInstalled, TriggeredBy: types.TriggerNodeReport})
	require.NoError(t, err)
	assert.Zero(t, got.InstallAttempts)
	assert.Empty(t, got.LastInstallError)
}

func TestStateChangedAtMovesWithState(t *testing.T) {
	reg := newTestRegistry(t)

	node, err := reg.RegisterNode("aa:bb:cc:dd:04:03", "", "", "", "", Hints{})
	require.NoError(t, err)
	before := node.StateChangedAt

	got, err := reg.Transition(node.ID, TransitionRequest{To: types.StatePending, TriggeredBy: types.TriggerAdmin})
	require.NoError(t, err)
	assert.True(t, got.StateChangedAt.After(before) || got.StateChangedAt.Equal(before))
	assert.NotEqual(t, node.State, got.State)
}
