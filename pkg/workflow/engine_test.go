package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *registry.Registry, *types.Node) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	reg := registry.New(store, broker)
	node, err := reg.RegisterNode("aa:bb:cc:dd:ee:10", "", "10.0.0.10", "", "", registry.Hints{})
	require.NoError(t, err)
	_, err = reg.Transition(node.ID, registry.TransitionRequest{To: types.StatePending, TriggeredBy: types.TriggerAdmin})
	require.NoError(t, err)

	workflows := NewStore()
	return NewEngine(store, workflows, reg), reg, node
}

func installWorkflow() *types.Workflow {
	return &types.Workflow{
		ID:   "ubuntu-server",
		Name: "Ubuntu Server",
		Steps: []types.WorkflowStep{
			{ID: "install", Kind: types.StepBoot, NextState: types.StateInstalling},
			{ID: "verify", Kind: types.StepScript, NextState: types.StateInstalled},
		},
	}
}

func TestStartExecution(t *testing.T) {
	engine, _, node := newTestEngine(t)
	engine.workflows.Register(installWorkflow())

	exec, err := engine.StartExecution(node.ID, "ubuntu-server")
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionRunning, exec.Status)
	assert.Equal(t, "install", exec.CurrentStepID)
	assert.Equal(t, 1, exec.StepAttempts["install"])
	require.NotNil(t, exec.StepDeadline)
	assert.True(t, exec.StepDeadline.After(time.Now()))

	_, err = engine.StartExecution(node.ID, "no-such-workflow")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	engine.workflows.Register(&types.Workflow{ID: "empty"})
	_, err = engine.StartExecution(node.ID, "empty")
	assert.ErrorIs(t, err, ErrNoSteps)
}

func TestCallbackAdvancesAndCompletes(t *testing.T) {
	engine, reg, node := newTestEngine(t)
	engine.workflows.Register(installWorkflow())

	exec, err := engine.StartExecution(node.ID, "ubuntu-server")
	require.NoError(t, err)

	exec, err = engine.HandleCallback(exec.ID, "install", CallbackResult{Status: "success"})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRunning, exec.Status)
	assert.Equal(t, "verify", exec.CurrentStepID)

	// The step's next_state was applied through the state machine.
	got, err := reg.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateInstalling, got.State)

	exec, err = engine.HandleCallback(exec.ID, "verify", CallbackResult{Status: "success"})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Empty(t, exec.CurrentStepID)
	assert.Nil(t, exec.StepDeadline)
	require.NotNil(t, exec.CompletedAt)

	got, err = reg.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateInstalled, got.State)
}

func TestDuplicateSuccessIsIdempotent(t *testing.T) {
	engine, _, node := newTestEngine(t)
	engine.workflows.Register(installWorkflow())

	exec, err := engine.StartExecution(node.ID, "ubuntu-server")
	require.NoError(t, err)

	_, err = engine.HandleCallback(exec.ID, "install", CallbackResult{Status: "success"})
	require.NoError(t, err)

	resultsBefore, err := engine.store.ListStepResults(exec.ID)
	require.NoError(t, err)

	// Replaying while the execution runs on a later step is a no-op.
	replayed, err := engine.HandleCallback(exec.ID, "install", CallbackResult{Status: "success"})
	require.NoError(t, err)
	assert.Equal(t, "verify", replayed.CurrentStepID)

	_, err = engine.HandleCallback(exec.ID, "verify", CallbackResult{Status: "success"})
	require.NoError(t, err)

	// Replaying after completion is a no-op too.
	replayed, err = engine.HandleCallback(exec.ID, "verify", CallbackResult{Status: "success"})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, replayed.Status)

	resultsAfter, err := engine.store.ListStepResults(exec.ID)
	require.NoError(t, err)
	assert.Len(t, resultsAfter, len(resultsBefore)+1)
}

func TestCallbackStepMismatch(t *testing.T) {
	engine, _, node := newTestEngine(t)
	engine.workflows.Register(installWorkflow())

	exec, err := engine.StartExecution(node.ID, "ubuntu-server")
	require.NoError(t, err)

	_, err = engine.HandleCallback(exec.ID, "verify", CallbackResult{Status: "success"})
	assert.ErrorIs(t, err, ErrStepMismatch)

	_, err = engine.HandleCallback(exec.ID, "install", CallbackResult{Status: "failed", Message: "disk error"})
	require.NoError(t, err)
}

func TestRetryPolicy(t *testing.T) {
	engine, _, node := newTestEngine(t)
	engine.workflows.Register(&types.Workflow{
		ID: "flaky",
		Steps: []types.WorkflowStep{
			{ID: "fetch", Kind: types.StepScript, OnFailure: types.PolicyRetry, MaxRetries: 2},
		},
	})

	exec, err := engine.StartExecution(node.ID, "flaky")
	require.NoError(t, err)

	// First failure is retried in place.
	exec, err = engine.HandleCallback(exec.ID, "fetch", CallbackResult{Status: "failed", Message: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRunning, exec.Status)
	assert.Equal(t, "fetch", exec.CurrentStepID)
	assert.Equal(t, 2, exec.StepAttempts["fetch"])

	// Exhausting the retries fails the execution.
	exec, err = engine.HandleCallback(exec.ID, "fetch", CallbackResult{Status: "failed", Message: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	assert.Equal(t, "timeout", exec.Error)
}

func TestSkipPolicy(t *testing.T) {
	engine, reg, node := newTestEngine(t)
	engine.workflows.Register(&types.Workflow{
		ID: "tolerant",
		Steps: []types.WorkflowStep{
			{ID: "optional", Kind: types.StepScript, OnFailure: types.PolicySkip, NextState: types.StateInstalling},
			{ID: "final", Kind: types.StepScript},
		},
	})

	exec, err := engine.StartExecution(node.ID, "tolerant")
	require.NoError(t, err)

	exec, err = engine.HandleCallback(exec.ID, "optional", CallbackResult{Status: "failed", Message: "missing tool"})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRunning, exec.Status)
	assert.Equal(t, "final", exec.CurrentStepID)

	// A skipped step must not apply its next_state.
	got, err := reg.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, got.State)
}

func TestRollbackPolicy(t *testing.T) {
	engine, _, node := newTestEngine(t)
	engine.workflows.Register(&types.Workflow{
		ID: "guarded",
		Steps: []types.WorkflowStep{
			{ID: "prepare", Kind: types.StepScript},
			{ID: "apply", Kind: types.StepScript, OnFailure: types.PolicyRollback, RollbackStepID: "prepare"},
		},
	})

	exec, err := engine.StartExecution(node.ID, "guarded")
	require.NoError(t, err)
	exec, err = engine.HandleCallback(exec.ID, "prepare", CallbackResult{Status: "success"})
	require.NoError(t, err)
	require.Equal(t, "apply", exec.CurrentStepID)

	exec, err = engine.HandleCallback(exec.ID, "apply", CallbackResult{Status: "failed", Message: "apply broke"})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRunning, exec.Status)
	assert.Equal(t, "prepare", exec.CurrentStepID)
}

func TestCancelExecution(t *testing.T) {
	engine, _, node := newTestEngine(t)
	engine.workflows.Register(installWorkflow())

	exec, err := engine.StartExecution(node.ID, "ubuntu-server")
	require.NoError(t, err)

	cancelled, err := engine.Cancel(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCancelled, cancelled.Status)
	assert.Nil(t, cancelled.StepDeadline)

	_, err = engine.Cancel(exec.ID)
	assert.ErrorIs(t, err, ErrExecutionNotRunning)

	_, err = engine.HandleCallback(exec.ID, "install", CallbackResult{Status: "failed"})
	assert.ErrorIs(t, err, ErrExecutionNotRunning)
}

func TestScanTimeoutsWaitStepElapses(t *testing.T) {
	engine, _, node := newTestEngine(t)
	engine.workflows.Register(&types.Workflow{
		ID: "reboot-wait",
		Steps: []types.WorkflowStep{
			{ID: "settle", Kind: types.StepWait, WaitSeconds: 0},
			{ID: "confirm", Kind: types.StepScript},
		},
	})

	exec, err := engine.StartExecution(node.ID, "reboot-wait")
	require.NoError(t, err)

	// A zero-length wait is already due.
	require.NoError(t, engine.scanTimeouts())

	got, err := engine.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRunning, got.Status)
	assert.Equal(t, "confirm", got.CurrentStepID)

	results, err := engine.store.ListStepResults(exec.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "success", results[0].Status)
}

func TestScanTimeoutsFailsExpiredStep(t *testing.T) {
	engine, _, node := newTestEngine(t)
	engine.workflows.Register(&types.Workflow{
		ID: "strict",
		Steps: []types.WorkflowStep{
			{ID: "install", Kind: types.StepBoot, TimeoutSeconds: 600},
		},
	})

	exec, err := engine.StartExecution(node.ID, "strict")
	require.NoError(t, err)

	// Not due yet: the scan leaves it alone.
	require.NoError(t, engine.scanTimeouts())
	got, err := engine.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionRunning, got.Status)

	// Force the deadline into the past.
	past := time.Now().Add(-time.Minute)
	got.StepDeadline = &past
	require.NoError(t, engine.store.UpdateExecution(got))

	require.NoError(t, engine.scanTimeouts())
	got, err = engine.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, got.Status)

	results, err := engine.store.ListStepResults(exec.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "timeout", results[0].Status)
}
