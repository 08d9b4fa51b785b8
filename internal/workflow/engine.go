package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Executor names which kind of actor runs a phase, for logging and
// for the Orchestrator's LLM-vs-worker dispatch decisions; the engine
// itself does not branch on it.
type Executor string

const (
	ExecutorLocal  Executor = "local"
	ExecutorLLM    Executor = "llm"
	ExecutorWorker Executor = "worker"
	ExecutorHybrid Executor = "hybrid"
)

// PhaseFunc executes one phase attempt and returns arbitrary result
// data merged into the StepResult.
type PhaseFunc func(ctx context.Context, wf *Workflow, input any) (map[string]any, error)

// PhaseSpec is the policy and implementation for one Step.
type PhaseSpec struct {
	Executor   Executor
	MaxRetries int
	Timeout    time.Duration
	Fn         PhaseFunc
}

// recoverMaxRetries bounds how many times the engine detours through
// RECOVER for the same failing step before giving up.
const recoverMaxRetries = 2

// locker is the distributed-lock subset of kv.Client the engine needs,
// kept as an interface so it is testable without live Redis.
type locker interface {
	AcquireLock(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, holderID string) error
}

// store is the persistence subset the engine needs.
type store interface {
	Save(ctx context.Context, wf *Workflow) error
}

const lockTTL = 300 * time.Second

// Engine drives Workflow.advance.
type Engine struct {
	phases map[Step]PhaseSpec
	lock   locker
	store  store
}

// New constructs an Engine. phases must have an entry for every Step
// including RECOVER; a missing entry is a programmer error surfaced
// at Advance time rather than at construction, matching the teacher's
// preference for explicit returned errors over panics.
func New(lock locker, st store, phases map[Step]PhaseSpec) *Engine {
	return &Engine{phases: phases, lock: lock, store: st}
}

// phaseLockKey returns the extra per-phase lock key for steps that
// need exclusivity broader than just this workflow id (e.g. two
// workflows must never build against the same sandbox concurrently).
func phaseLockKey(wf *Workflow, step Step) (string, bool) {
	switch step {
	case StepBuild:
		if wf.SandboxID != "" {
			return "build:" + wf.SandboxID, true
		}
	case StepResolvePackages:
		return "resolve:" + wf.ID, true
	}
	return "", false
}

// Advance executes wf's current step (or RECOVER, redirected there by
// a prior failure) and returns the resulting StepResult. A non-nil
// error is reserved for programmer/infrastructure failures (unknown
// phase, lock backend down); a rejected or failed phase attempt is
// reported via the returned StepResult, not an error.
func (e *Engine) Advance(ctx context.Context, wf *Workflow, input any) (*StepResult, error) {
	if wf.Status.IsTerminal() {
		return nil, ErrTerminal
	}

	spec, ok := e.phases[wf.CurrentStep]
	if !ok {
		return nil, fmt.Errorf("workflow: no phase spec for step %s", wf.CurrentStep)
	}

	wf.Status = StatusRunning
	if key, ok := stepToPlanKey[wf.CurrentStep]; ok {
		wf.Context.Plan.setStatus(key, PlanStepInProgress)
	}
	wf.UpdatedAt = time.Now()
	if err := e.store.Save(ctx, wf); err != nil {
		return nil, fmt.Errorf("workflow: persist pre-advance state: %w", err)
	}

	holderID := uuid.New().String()
	workflowLockKey := "workflow:" + wf.ID
	acquired, err := e.lock.AcquireLock(ctx, workflowLockKey, holderID, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("workflow: acquire lock: %w", err)
	}
	if !acquired {
		return &StepResult{Step: wf.CurrentStep, Success: false, Error: "already in progress"}, nil
	}
	defer func() { _ = e.lock.ReleaseLock(ctx, workflowLockKey, holderID) }()

	var phaseHolder string
	if pk, needsPhaseLock := phaseLockKey(wf, wf.CurrentStep); needsPhaseLock {
		phaseHolder = uuid.New().String()
		ok, err := e.lock.AcquireLock(ctx, pk, phaseHolder, lockTTL)
		if err != nil {
			return nil, fmt.Errorf("workflow: acquire phase lock: %w", err)
		}
		if !ok {
			return &StepResult{Step: wf.CurrentStep, Success: false, Error: "phase lock held by another workflow"}, nil
		}
		defer func() { _ = e.lock.ReleaseLock(ctx, pk, phaseHolder) }()
	}

	result := e.runWithRetries(ctx, wf, spec, input)
	wf.History = append(wf.History, *result)

	if key, ok := stepToPlanKey[wf.CurrentStep]; ok {
		if result.Success {
			wf.Context.Plan.setStatus(key, PlanStepDone)
		} else {
			wf.Context.Plan.setStatus(key, PlanStepFailed)
		}
	}

	if result.Success {
		e.onSuccess(wf)
	} else {
		e.onFailure(wf)
	}

	wf.UpdatedAt = time.Now()
	if err := e.store.Save(ctx, wf); err != nil {
		return result, fmt.Errorf("workflow: persist post-advance state: %w", err)
	}
	return result, nil
}

func (e *Engine) runWithRetries(ctx context.Context, wf *Workflow, spec PhaseSpec, input any) *StepResult {
	start := time.Now()
	maxRetries := spec.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	var data map[string]any
	for attempt := 1; attempt <= maxRetries; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if spec.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		}
		data, lastErr = spec.Fn(attemptCtx, wf, input)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			return &StepResult{
				Step:       wf.CurrentStep,
				Success:    true,
				Data:       data,
				DurationMs: time.Since(start).Milliseconds(),
				RetryCount: attempt - 1,
			}
		}
		if attempt < maxRetries {
			backoff(attempt)
		}
	}
	return &StepResult{
		Step:       wf.CurrentStep,
		Success:    false,
		Error:      lastErr.Error(),
		Data:       data,
		DurationMs: time.Since(start).Milliseconds(),
		RetryCount: maxRetries - 1,
	}
}

// backoff sleeps min(10s, 2^(n-1)*1s) for attempt n, as specified.
var sleep = time.Sleep

func backoff(attempt int) {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	sleep(d)
}

func (e *Engine) onSuccess(wf *Workflow) {
	if wf.CurrentStep == StepRecover {
		wf.CurrentStep = wf.Context.RecoverTarget
		wf.Context.RecoverTarget = ""
		wf.Context.RecoverAttempts = 0
		return
	}
	if wf.CurrentStep == StepDeploy {
		wf.Status = StatusCompleted
		return
	}
	next, ok := nextStep(wf.CurrentStep)
	if !ok {
		wf.Status = StatusCompleted
		return
	}
	wf.CurrentStep = next
}

func (e *Engine) onFailure(wf *Workflow) {
	if wf.CurrentStep == StepRecover {
		wf.Status = StatusFailed
		return
	}
	if wf.Context.RecoverAttempts < recoverMaxRetries {
		wf.Context.RecoverTarget = recoverTargetFor(wf.CurrentStep)
		wf.Context.RecoverAttempts++
		wf.CurrentStep = StepRecover
		return
	}
	wf.Status = StatusFailed
}

// recoverTargetFor picks the step RECOVER resumes at once it succeeds.
// A failed BUILD resumes at GENERATE rather than BUILD itself: BUILD
// retried against byte-identical files fails identically, so the
// orchestrator needs a chance to regenerate source before BUILD runs
// again. Every other step resumes at itself, since RECOVER's
// adjustedPackages output is enough to make a retry meaningfully
// different (e.g. INSTALL_PACKAGES with a corrected package list).
func recoverTargetFor(failed Step) Step {
	if failed == StepBuild {
		return StepGenerate
	}
	return failed
}
