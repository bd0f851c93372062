package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

var (
	// ErrStepMismatch is returned when a callback names a step that is
	// not the execution's current step and was never completed.
	ErrStepMismatch = errors.New("callback step does not match current step")
	// ErrExecutionNotRunning is returned for callbacks against a
	// finished execution.
	ErrExecutionNotRunning = errors.New("execution is not running")
	// ErrNoSteps is returned when starting a workflow without steps.
	ErrNoSteps = errors.New("workflow has no steps")
)

const defaultStepTimeout = 30 * time.Minute

// Engine drives multi-step workflow executions. Progress lives in the
// store; timers are reconstructed from persisted step deadlines, so the
// engine is recoverable after a restart.
type Engine struct {
	store     storage.Store
	workflows *Store
	registry  *registry.Registry
	logger    zerolog.Logger

	scanInterval time.Duration
	stopCh       chan struct{}
}

// NewEngine creates an execution engine.
func NewEngine(store storage.Store, workflows *Store, reg *registry.Registry) *Engine {
	return &Engine{
		store:        store,
		workflows:    workflows,
		registry:     reg,
		logger:       log.WithComponent("workflow"),
		scanInterval: 15 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the timeout scan loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop stops the timeout scan loop.
func (e *Engine) Stop() {
	close(e.stopCh)
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.scanTimeouts(); err != nil {
				e.logger.Error().Err(err).Msg("timeout scan failed")
			}
		case <-e.stopCh:
			return
		}
	}
}

// StartExecution creates and starts an execution of the workflow for
// the node. The first step becomes current immediately.
func (e *Engine) StartExecution(nodeID, workflowID string) (*types.WorkflowExecution, error) {
	wf, err := e.workflows.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if len(wf.Steps) == 0 {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrNoSteps)
	}
	if _, err := e.store.GetNode(nodeID); err != nil {
		return nil, err
	}

	now := time.Now()
	first := wf.Steps[0]
	exec := &types.WorkflowExecution{
		ID:            uuid.New().String(),
		NodeID:        nodeID,
		WorkflowID:    workflowID,
		Status:        types.ExecutionRunning,
		CurrentStepID: first.ID,
		StepAttempts:  map[string]int{first.ID: 1},
		StepDeadline:  stepDeadline(&first, now),
		StartedAt:     &now,
		CreatedAt:     now,
	}
	if err := e.store.CreateExecution(exec); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("execution_id", exec.ID).
		Str("node_id", nodeID).
		Str("workflow_id", workflowID).
		Str("step", first.ID).
		Msg("execution started")
	return exec, nil
}

// GetExecution returns an execution by id.
func (e *Engine) GetExecution(id string) (*types.WorkflowExecution, error) {
	return e.store.GetExecution(id)
}

// Cancel marks a running execution cancelled.
func (e *Engine) Cancel(id string) (*types.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(id)
	if err != nil {
		return nil, err
	}
	if exec.Status != types.ExecutionRunning && exec.Status != types.ExecutionPending {
		return nil, fmt.Errorf("execution %s is %s: %w", id, exec.Status, ErrExecutionNotRunning)
	}
	now := time.Now()
	exec.Status = types.ExecutionCancelled
	exec.CompletedAt = &now
	exec.StepDeadline = nil
	if err := e.store.UpdateExecution(exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// CallbackResult is the body of a per-step callback from a booted
// helper environment.
type CallbackResult struct {
	Status   string // "success" or "failed"
	ExitCode *int
	Message  string
}

// HandleCallback processes a step callback. Replaying a success for an
// already-completed step is a no-op.
func (e *Engine) HandleCallback(executionID, stepID string, result CallbackResult) (*types.WorkflowExecution, error) {
	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	wf, err := e.workflows.Get(exec.WorkflowID)
	if err != nil {
		return nil, err
	}

	if exec.Status != types.ExecutionRunning {
		// Duplicate success after completion is idempotent.
		if result.Status == "success" && e.stepSucceeded(exec, stepID) {
			return exec, nil
		}
		return nil, fmt.Errorf("execution %s is %s: %w", executionID, exec.Status, ErrExecutionNotRunning)
	}

	if exec.CurrentStepID != stepID {
		if result.Status == "success" && e.stepSucceeded(exec, stepID) {
			return exec, nil
		}
		return nil, fmt.Errorf("step %s, current %s: %w", stepID, exec.CurrentStepID, ErrStepMismatch)
	}

	step := findStep(wf, stepID)
	if step == nil {
		return nil, fmt.Errorf("step %s not in workflow %s: %w", stepID, wf.ID, ErrStepMismatch)
	}

	if err := e.recordResult(exec, stepID, result.Status, result.ExitCode, result.Message); err != nil {
		return nil, err
	}

	if result.Status == "success" {
		return e.advance(exec, wf, step)
	}
	return e.applyFailurePolicy(exec, wf, step, result.Message)
}

// stepSucceeded reports whether a successful StepResult already exists.
func (e *Engine) stepSucceeded(exec *types.WorkflowExecution, stepID string) bool {
	results, err := e.store.ListStepResults(exec.ID)
	if err != nil {
		return false
	}
	for _, res := range results {
		if res.StepID == stepID && res.Status == "success" {
			return true
		}
	}
	return false
}

func (e *Engine) recordResult(exec *types.WorkflowExecution, stepID, status string, exitCode *int, message string) error {
	return e.store.AppendStepResult(&types.StepResult{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		StepID:      stepID,
		Attempt:     exec.StepAttempts[stepID],
		Status:      status,
		ExitCode:    exitCode,
		Message:     message,
		Timestamp:   time.Now(),
	})
}

// advance applies the step's next_state and moves to the following step
// or completes the execution.
func (e *Engine) advance(exec *types.WorkflowExecution, wf *types.Workflow, step *types.WorkflowStep) (*types.WorkflowExecution, error) {
	if step.NextState != "" {
		if _, err := e.registry.Transition(exec.NodeID, registry.TransitionRequest{
			To:          step.NextState,
			TriggeredBy: types.TriggerSystem,
			Comment:     fmt.Sprintf("workflow %s step %s", wf.ID, step.ID),
		}); err != nil {
			e.logger.Error().Err(err).
				Str("execution_id", exec.ID).
				Str("step", step.ID).
				Msg("next_state transition rejected")
		}
	}

	next := stepAfter(wf, step.ID)
	now := time.Now()
	if next == nil {
		exec.Status = types.ExecutionCompleted
		exec.CurrentStepID = ""
		exec.StepDeadline = nil
		exec.CompletedAt = &now
	} else {
		exec.CurrentStepID = next.ID
		if exec.StepAttempts == nil {
			exec.StepAttempts = map[string]int{}
		}
		exec.StepAttempts[next.ID]++
		exec.StepDeadline = stepDeadline(next, now)
	}
	if err := e.store.UpdateExecution(exec); err != nil {
		return nil, err
	}

	if next == nil {
		e.logger.Info().Str("execution_id", exec.ID).Msg("execution completed")
	} else {
		e.logger.Info().
			Str("execution_id", exec.ID).
			Str("step", next.ID).
			Msg("advanced to next step")
	}
	return exec, nil
}

// applyFailurePolicy handles a failed or timed-out step per its
// on-failure policy.
func (e *Engine) applyFailurePolicy(exec *types.WorkflowExecution, wf *types.Workflow, step *types.WorkflowStep, message string) (*types.WorkflowExecution, error) {
	policy := step.OnFailure
	if policy == "" {
		policy = types.PolicyFail
	}

	now := time.Now()
	switch policy {
	case types.PolicyRetry:
		if exec.StepAttempts[step.ID] < maxRetries(step) {
			exec.StepAttempts[step.ID]++
			delay := time.Duration(step.RetryDelaySec) * time.Second
			exec.StepDeadline = stepDeadline(step, now.Add(delay))
			if err := e.store.UpdateExecution(exec); err != nil {
				return nil, err
			}
			e.logger.Warn().
				Str("execution_id", exec.ID).
				Str("step", step.ID).
				Int("attempt", exec.StepAttempts[step.ID]).
				Msg("retrying step")
			return exec, nil
		}
		// Retries exhausted.
	case types.PolicySkip:
		e.logger.Warn().
			Str("execution_id", exec.ID).
			Str("step", step.ID).
			Msg("skipping failed step")
		if err := e.recordResult(exec, step.ID, "skipped", nil, message); err != nil {
			return nil, err
		}
		return e.advanceWithoutState(exec, wf, step)
	case types.PolicyRollback:
		if rollback := findStep(wf, step.RollbackStepID); rollback != nil {
			exec.CurrentStepID = rollback.ID
			exec.StepAttempts[rollback.ID]++
			exec.StepDeadline = stepDeadline(rollback, now)
			if err := e.store.UpdateExecution(exec); err != nil {
				return nil, err
			}
			e.logger.Warn().
				Str("execution_id", exec.ID).
				Str("step", step.ID).
				Str("rollback_step", rollback.ID).
				Msg("rolling back")
			return exec, nil
		}
		// No rollback step configured; fall through to fail.
	}

	exec.Status = types.ExecutionFailed
	exec.Error = message
	exec.StepDeadline = nil
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(exec); err != nil {
		return nil, err
	}
	e.logger.Error().
		Str("execution_id", exec.ID).
		Str("step", step.ID).
		Str("error", message).
		Msg("execution failed")
	return exec, nil
}

// advanceWithoutState advances past a step without applying its
// next_state (used for skip).
func (e *Engine) advanceWithoutState(exec *types.WorkflowExecution, wf *types.Workflow, step *types.WorkflowStep) (*types.WorkflowExecution, error) {
	stripped := *step
	stripped.NextState = ""
	return e.advance(exec, wf, &stripped)
}

// scanTimeouts finds running executions whose current step deadline has
// passed. A wait step's expiry is its normal completion; any other
// kind's expiry applies the failure policy. Each expiry is handled once:
// the handling updates or clears the deadline.
func (e *Engine) scanTimeouts() error {
	execs, err := e.store.ListExecutions()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, exec := range execs {
		if exec.Status != types.ExecutionRunning || exec.StepDeadline == nil || exec.StepDeadline.After(now) {
			continue
		}
		wf, err := e.workflows.Get(exec.WorkflowID)
		if err != nil {
			e.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("workflow missing for running execution")
			continue
		}
		step := findStep(wf, exec.CurrentStepID)
		if step == nil {
			continue
		}

		if step.Kind == types.StepWait {
			if err := e.recordResult(exec, step.ID, "success", nil, "wait elapsed"); err != nil {
				return err
			}
			if _, err := e.advance(exec, wf, step); err != nil {
				return err
			}
			continue
		}

		if err := e.recordResult(exec, step.ID, "timeout", nil, "step timed out"); err != nil {
			return err
		}
		if _, err := e.applyFailurePolicy(exec, wf, step, "step timed out"); err != nil {
			return err
		}
	}
	return nil
}

func findStep(wf *types.Workflow, stepID string) *types.WorkflowStep {
	for i := range wf.Steps {
		if wf.Steps[i].ID == stepID {
			return &wf.Steps[i]
		}
	}
	return nil
}

func stepAfter(wf *types.Workflow, stepID string) *types.WorkflowStep {
	for i := range wf.Steps {
		if wf.Steps[i].ID == stepID && i+1 < len(wf.Steps) {
			return &wf.Steps[i+1]
		}
	}
	return nil
}

func maxRetries(step *types.WorkflowStep) int {
	if step.MaxRetries > 0 {
		return step.MaxRetries
	}
	return 1
}

// stepDeadline computes the deadline for a step started at the given
// time. Wait steps use their duration; other kinds use their timeout or
// the default.
func stepDeadline(step *types.WorkflowStep, from time.Time) *time.Time {
	var d time.Duration
	switch {
	case step.Kind == types.StepWait:
		d = time.Duration(step.WaitSeconds) * time.Second
	case step.TimeoutSeconds > 0:
		d = time.Duration(step.TimeoutSeconds) * time.Second
	default:
		d = defaultStepTimeout
	}
	deadline := from.Add(d)
	return &deadline
}
