package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseCron_Valid(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"every minute", "* * * * *"},
		{"every 5 minutes", "*/5 * * * *"},
		{"daily at 3am", "0 3 * * *"},
		{"hourly", "0 * * * *"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCron(tt.expr); err != nil {
				t.Errorf("ParseCron(%q) error = %v, want nil", tt.expr, err)
			}
		})
	}
}

func TestParseCron_Invalid(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"too few fields", "* * *"},
		{"invalid minute", "60 * * * *"},
		{"garbage", "not a cron"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCron(tt.expr); err == nil {
				t.Errorf("ParseCron(%q) error = nil, want error", tt.expr)
			}
		})
	}
}

func TestNewRunner_RejectsInvalidExpr(t *testing.T) {
	_, err := NewRunner([]*Sweep{{Name: "bad", Expr: "garbage", Fn: func(context.Context) error { return nil }}})
	if err == nil {
		t.Fatal("expected NewRunner to reject a malformed cron expression")
	}
}

func TestRunner_TriggerNowRunsEverySweep(t *testing.T) {
	var reconcileCalls, retentionCalls int32
	sweeps := []*Sweep{
		{Name: "reconcile", Expr: "*/5 * * * *", Fn: func(context.Context) error {
			atomic.AddInt32(&reconcileCalls, 1)
			return nil
		}},
		{Name: "retention", Expr: "0 3 * * *", Fn: func(context.Context) error {
			atomic.AddInt32(&retentionCalls, 1)
			return nil
		}},
	}
	r, err := NewRunner(sweeps)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.ctx = context.Background()

	r.TriggerNow(context.Background())

	deadline := time.Now().Add(time.Second)
	for (atomic.LoadInt32(&reconcileCalls) == 0 || atomic.LoadInt32(&retentionCalls) == 0) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&reconcileCalls) != 1 {
		t.Errorf("reconcile sweep ran %d times, want 1", reconcileCalls)
	}
	if atomic.LoadInt32(&retentionCalls) != 1 {
		t.Errorf("retention sweep ran %d times, want 1", retentionCalls)
	}
}

func TestRunner_SkipsOverlappingSweep(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	var wg sync.WaitGroup

	sweeps := []*Sweep{
		{Name: "slow", Expr: "* * * * *", Fn: func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			started <- struct{}{}
			<-release
			return nil
		}},
	}
	r, err := NewRunner(sweeps)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	r.ctx = context.Background()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.runSweep(context.Background(), r.sweeps[0])
	}()
	<-started

	// a second trigger while the first is still in flight must be
	// skipped, not queued or run in parallel.
	r.TriggerNow(context.Background())
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected the overlapping sweep to be skipped, calls = %d", calls)
	}

	close(release)
	wg.Wait()
}
