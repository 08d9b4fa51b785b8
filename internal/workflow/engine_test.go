package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeLocker mimics the Redis-backed distributed lock in memory.
type fakeLocker struct {
	mu      sync.Mutex
	holders map[string]string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{holders: make(map[string]string)}
}

func (f *fakeLocker) AcquireLock(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.holders[key]; held {
		return false, nil
	}
	f.holders[key] = holderID
	return true, nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, key, holderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holders[key] == holderID {
		delete(f.holders, key)
	}
	return nil
}

// fakeStore records every Save call without persistence.
type fakeStore struct {
	mu    sync.Mutex
	saved []*Workflow
}

func (f *fakeStore) Save(ctx context.Context, wf *Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *wf
	f.saved = append(f.saved, &cp)
	return nil
}

func alwaysSucceeds(ctx context.Context, wf *Workflow, input any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func alwaysFails(ctx context.Context, wf *Workflow, input any) (map[string]any, error) {
	return nil, errors.New("boom")
}

func phasesWithOverride(step Step, fn PhaseFunc, maxRetries int) map[Step]PhaseSpec {
	phases := DefaultPhaseTable(nil, nil, nil, nil, nil)
	for s := range phases {
		phases[s] = PhaseSpec{Executor: ExecutorLocal, MaxRetries: 1, Timeout: time.Second, Fn: alwaysSucceeds}
	}
	phases[step] = PhaseSpec{Executor: ExecutorLocal, MaxRetries: maxRetries, Timeout: time.Second, Fn: fn}
	return phases
}

func TestAdvanceMovesToNextStepOnSuccess(t *testing.T) {
	sleep = func(time.Duration) {}
	defer func() { sleep = time.Sleep }()

	lock := newFakeLocker()
	st := &fakeStore{}
	engine := New(lock, st, phasesWithOverride(StepPlan, alwaysSucceeds, 1))
	wf := New("wf1", "u1", "c1")

	result, err := engine.Advance(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if wf.CurrentStep != StepAnalyze {
		t.Fatalf("expected step to advance to ANALYZE, got %s", wf.CurrentStep)
	}
	if wf.Status != StatusRunning {
		t.Fatalf("expected status running after a non-terminal step, got %s", wf.Status)
	}
}

func TestAdvanceDetoursToRecoverAfterFailure(t *testing.T) {
	sleep = func(time.Duration) {}
	defer func() { sleep = time.Sleep }()

	lock := newFakeLocker()
	st := &fakeStore{}
	engine := New(lock, st, phasesWithOverride(StepAnalyze, alwaysFails, 1))
	wf := New("wf2", "u1", "c1")
	wf.CurrentStep = StepAnalyze

	result, err := engine.Advance(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure result")
	}
	if wf.CurrentStep != StepRecover {
		t.Fatalf("expected detour to RECOVER, got %s", wf.CurrentStep)
	}
	if wf.Context.RecoverTarget != StepAnalyze {
		t.Fatalf("expected recover target ANALYZE, got %s", wf.Context.RecoverTarget)
	}
	if wf.Context.RecoverAttempts != 1 {
		t.Fatalf("expected recover attempts to be 1, got %d", wf.Context.RecoverAttempts)
	}
}

func TestAdvanceDetoursBuildFailureToGenerate(t *testing.T) {
	sleep = func(time.Duration) {}
	defer func() { sleep = time.Sleep }()

	lock := newFakeLocker()
	st := &fakeStore{}
	engine := New(lock, st, phasesWithOverride(StepBuild, alwaysFails, 1))
	wf := New("wf6", "u1", "c1")
	wf.CurrentStep = StepBuild

	result, err := engine.Advance(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure result")
	}
	if wf.CurrentStep != StepRecover {
		t.Fatalf("expected detour to RECOVER, got %s", wf.CurrentStep)
	}
	// A BUILD retried against unchanged files fails identically, so
	// RECOVER must resume at GENERATE, giving the orchestrator a
	// chance to regenerate source before BUILD runs again.
	if wf.Context.RecoverTarget != StepGenerate {
		t.Fatalf("expected recover target GENERATE for a failed BUILD, got %s", wf.Context.RecoverTarget)
	}
}

func TestAdvanceFailsPermanentlyAfterRecoverExhausted(t *testing.T) {
	sleep = func(time.Duration) {}
	defer func() { sleep = time.Sleep }()

	lock := newFakeLocker()
	st := &fakeStore{}
	engine := New(lock, st, phasesWithOverride(StepRecover, alwaysFails, 1))
	wf := New("wf3", "u1", "c1")
	wf.CurrentStep = StepRecover
	wf.Context.RecoverTarget = StepGenerate
	wf.Context.RecoverAttempts = 2

	result, err := engine.Advance(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result.Success {
		t.Fatalf("expected failure result")
	}
	if wf.Status != StatusFailed {
		t.Fatalf("expected workflow to fail permanently, got status %s", wf.Status)
	}
}

func TestAdvanceRecoverSuccessResetsToTarget(t *testing.T) {
	sleep = func(time.Duration) {}
	defer func() { sleep = time.Sleep }()

	lock := newFakeLocker()
	st := &fakeStore{}
	engine := New(lock, st, phasesWithOverride(StepRecover, alwaysSucceeds, 1))
	wf := New("wf4", "u1", "c1")
	wf.CurrentStep = StepRecover
	wf.Context.RecoverTarget = StepInstallPackages
	wf.Context.RecoverAttempts = 1

	result, err := engine.Advance(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success")
	}
	if wf.CurrentStep != StepInstallPackages {
		t.Fatalf("expected to resume at INSTALL_PACKAGES, got %s", wf.CurrentStep)
	}
	if wf.Context.RecoverAttempts != 0 {
		t.Fatalf("expected recover attempts reset to 0, got %d", wf.Context.RecoverAttempts)
	}
}

func TestAdvanceRetriesBeforeSucceeding(t *testing.T) {
	sleep = func(time.Duration) {}
	defer func() { sleep = time.Sleep }()

	attempts := 0
	flaky := func(ctx context.Context, wf *Workflow, input any) (map[string]any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	}

	lock := newFakeLocker()
	st := &fakeStore{}
	engine := New(lock, st, phasesWithOverride(StepBuild, flaky, 3))
	wf := New("wf5", "u1", "c1")
	wf.CurrentStep = StepBuild

	result, err := engine.Advance(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected eventual success, got %+v", result)
	}
	if result.RetryCount != 2 {
		t.Fatalf("expected 2 retries before success, got %d", result.RetryCount)
	}
}

func TestAdvanceRejectsTerminalWorkflow(t *testing.T) {
	lock := newFakeLocker()
	st := &fakeStore{}
	engine := New(lock, st, phasesWithOverride(StepPlan, alwaysSucceeds, 1))
	wf := New("wf6", "u1", "c1")
	wf.Status = StatusCompleted

	_, err := engine.Advance(context.Background(), wf, nil)
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestAdvanceRejectsWhenWorkflowLockHeld(t *testing.T) {
	lock := newFakeLocker()
	lock.holders["workflow:wf7"] = "someone-else"
	st := &fakeStore{}
	engine := New(lock, st, phasesWithOverride(StepPlan, alwaysSucceeds, 1))
	wf := New("wf7", "u1", "c1")

	result, err := engine.Advance(context.Background(), wf, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if result.Success {
		t.Fatalf("expected rejection while lock is held by another holder")
	}
}
