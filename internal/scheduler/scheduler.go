// Package scheduler drives the periodic maintenance sweeps a server
// instance needs independently of any single request: sandbox
// reconciliation, warm-pool refill, idle-sandbox expiry, and retention
// cleanup of completed runs and stale backup objects. It replaces the
// teacher's per-concern hand-rolled time.Ticker loops (backup.go,
// cleanup.go) with a single cron-expression-driven runner, grounded on
// the teacher's own schedule.Runner.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/edward/internal/logger"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates and parses a 5-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Sweep is one named maintenance task driven on its own cron schedule.
type Sweep struct {
	Name     string
	Expr     string
	Fn       func(ctx context.Context) error
	schedule cron.Schedule
	next     time.Time
}

// Runner ticks once a minute, checking each registered Sweep's cron
// schedule and running any that are due. A sweep still running at the
// next tick is skipped for that tick rather than stacked, the same
// overlap-avoidance the teacher's Runner applies per schedule.
type Runner struct {
	sweeps []*Sweep

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runningMu sync.Mutex
	running   map[string]bool
}

// NewRunner builds a Runner from sweeps, resolving each one's cron
// expression up front so a malformed expression fails at construction
// rather than silently never firing.
func NewRunner(sweeps []*Sweep) (*Runner, error) {
	now := time.Now()
	for _, sw := range sweeps {
		sched, err := ParseCron(sw.Expr)
		if err != nil {
			return nil, err
		}
		sw.schedule = sched
		sw.next = sched.Next(now)
	}
	return &Runner{sweeps: sweeps, running: make(map[string]bool)}, nil
}

// Start begins the once-a-minute sweep loop in the background.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.ctx = ctx
	r.cancel = cancel
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		r.tick()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick()
			}
		}
	}()

	logger.Logger().Info("scheduler: started", "sweeps", len(r.sweeps))
}

// Stop cancels the loop and waits for any in-flight sweep goroutines
// this tick spawned to be scheduled (not necessarily finished — sweeps
// run fire-and-forget so a slow one never blocks shutdown of the loop
// itself; callers that need a hard drain should race Stop against their
// own timeout on whatever store handles the sweeps touch).
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.wg.Wait()
		logger.Logger().Info("scheduler: stopped")
	}
}

func (r *Runner) tick() {
	now := time.Now()
	for _, sw := range r.sweeps {
		if now.Before(sw.next) {
			continue
		}
		sw.next = sw.schedule.Next(now)
		r.runSweep(r.ctx, sw)
	}
}

func (r *Runner) runSweep(ctx context.Context, sw *Sweep) {
	r.runningMu.Lock()
	if r.running[sw.Name] {
		r.runningMu.Unlock()
		logger.Logger().Warn("scheduler: sweep still running, skipping this tick", "sweep", sw.Name)
		return
	}
	r.running[sw.Name] = true
	r.runningMu.Unlock()

	go func() {
		defer func() {
			r.runningMu.Lock()
			delete(r.running, sw.Name)
			r.runningMu.Unlock()
		}()
		if err := sw.Fn(ctx); err != nil {
			logger.ErrorContext(ctx, "scheduler: sweep failed", "sweep", sw.Name, "error", err)
		}
	}()
}

// TriggerNow runs every registered sweep immediately, ignoring its cron
// schedule. Intended for an operator-triggered maintenance endpoint or
// a test, not the steady-state loop.
func (r *Runner) TriggerNow(ctx context.Context) {
	for _, sw := range r.sweeps {
		r.runSweep(ctx, sw)
	}
}
