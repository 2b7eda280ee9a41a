package auditkit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CancelStage names a rung on the three-stage cancellation ladder the
// Scheduler exposes to callers.
type CancelStage string

const (
	// CancelGraceful stops submitting new units; in-flight units run to
	// completion and their results are kept.
	CancelGraceful CancelStage = "graceful"
	// CancelUrgent additionally cancels in-flight units at their next
	// line/record boundary; partial results already collected are kept.
	CancelUrgent CancelStage = "urgent"
	// CancelImmediate aborts the scheduler outright; the caller receives
	// an InterruptedError instead of a results set.
	CancelImmediate CancelStage = "immediate"
)

// ProgressFunc receives a (systems_completed, systems_total) tick at each
// work unit's completion. It is called from worker goroutines, one call at
// a time, with done increasing by one on each call.
type ProgressFunc func(done, total int)

// unitResult is one work unit's outcome, indexed so results can be
// reassembled in input order regardless of completion order.
type unitResult struct {
	index int
	sys   *System
	rows  map[string][]SearchResult
	err   error
}

// Scheduler distributes per-System analysis over a bounded worker pool and
// reassembles results in input order, independent of completion order.
type Scheduler struct {
	engine      *Engine
	workers     int
	progress    ProgressFunc
	unitTimeout time.Duration

	mu    sync.Mutex
	stage CancelStage

	activeMu      sync.Mutex
	activeCancels map[int]context.CancelFunc
}

// SchedulerOption configures a Scheduler using the functional options
// pattern.
type SchedulerOption func(*Scheduler)

// WithWorkers sets the worker pool size; n <= 0 is clamped to 1.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n <= 0 {
			n = 1
		}
		s.workers = n
	}
}

// WithProgress installs a progress sink invoked once per completed unit.
func WithProgress(fn ProgressFunc) SchedulerOption {
	return func(s *Scheduler) { s.progress = fn }
}

// WithSchedulerUnitTimeout sets a soft per-unit timeout; d <= 0 disables it
// (the default). On expiry, the affected unit is urgent-cancelled — its
// partially collected rows are kept, other units are unaffected.
func WithSchedulerUnitTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.unitTimeout = d }
}

// NewScheduler builds a Scheduler running engine over a pool of workers
// (default 4).
func NewScheduler(engine *Engine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{engine: engine, workers: 4}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cancel advances the scheduler toward the named stage. Stages only ever
// escalate (graceful -> urgent -> immediate); calling Cancel with a milder
// stage than the current one is a no-op. Escalating to urgent or beyond
// also cancels the context of every unit currently in flight, so a unit
// mid-stream inside AnalyzeSystem observes cancellation at its next
// line/record boundary instead of only at its next dispatch.
func (s *Scheduler) Cancel(stage CancelStage) {
	s.mu.Lock()
	escalated := rank(stage) > rank(s.stage)
	if escalated {
		s.stage = stage
	}
	s.mu.Unlock()

	if escalated && rank(stage) >= rank(CancelUrgent) {
		s.cancelActiveUnits()
	}
}

func (s *Scheduler) currentStage() CancelStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// cancelActiveUnits cancels every unit context currently registered as
// in flight. Safe to call with none registered (nothing running yet).
func (s *Scheduler) cancelActiveUnits() {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	for _, cancel := range s.activeCancels {
		cancel()
	}
}

// registerActiveUnit records idx's cancel func so a later Cancel(CancelUrgent)
// or beyond can reach it while the unit is still running.
func (s *Scheduler) registerActiveUnit(idx int, cancel context.CancelFunc) {
	s.activeMu.Lock()
	s.activeCancels[idx] = cancel
	s.activeMu.Unlock()
}

func (s *Scheduler) unregisterActiveUnit(idx int) {
	s.activeMu.Lock()
	delete(s.activeCancels, idx)
	s.activeMu.Unlock()
}

func rank(stage CancelStage) int {
	switch stage {
	case CancelGraceful:
		return 1
	case CancelUrgent:
		return 2
	case CancelImmediate:
		return 3
	default:
		return 0
	}
}

// Run analyzes every System in systems, returning per-system rows in input
// order. A nil entry at index i means systems[i] produced no row map: it
// was errored, no search applied to it, its file could not be read, or its
// unit was never dispatched after a cancel. An analyzed System that matched
// nothing gets a map whose row slices are empty. An InterruptedError is returned only once
// the scheduler has been cancelled at CancelImmediate.
func (s *Scheduler) Run(ctx context.Context, systems []*System) ([]map[string][]SearchResult, error) {
	total := len(systems)
	results := make([]map[string][]SearchResult, total)
	if total == 0 {
		return results, nil
	}

	s.activeMu.Lock()
	s.activeCancels = make(map[int]context.CancelFunc)
	s.activeMu.Unlock()

	// back-pressure: never buffer more than 4x worker_count pending units.
	pending := make(chan int, 4*s.workers)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers)

	var completed int
	var completedMu sync.Mutex
	tick := func() {
		completedMu.Lock()
		defer completedMu.Unlock()
		completed++
		if s.progress != nil {
			s.progress(completed, total)
		}
	}

	feeder := func() error {
		defer close(pending)
		for i := range systems {
			if s.currentStage() == CancelGraceful || s.currentStage() == CancelUrgent {
				return nil
			}
			select {
			case pending <- i:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
		return nil
	}
	go feeder()

	for idx := range pending {
		idx := idx
		if s.currentStage() == CancelImmediate {
			// drain the rest so the feeder (which may still be blocked
			// sending into pending) can finish and close it, instead of
			// leaking a goroutine.
			go func() {
				for range pending {
				}
			}()
			break
		}

		group.Go(func() error {
			if s.currentStage() == CancelImmediate {
				return &InterruptedError{Stage: CancelImmediate}
			}

			var unitCtx context.Context
			var cancel context.CancelFunc
			if s.unitTimeout > 0 {
				unitCtx, cancel = context.WithTimeout(groupCtx, s.unitTimeout)
			} else {
				unitCtx, cancel = context.WithCancel(groupCtx)
			}
			defer cancel()

			// register before the stage check below so a Cancel(CancelUrgent)
			// racing with this dispatch can't slip between the two: either it
			// fires before registration (caught by the rank check) or after
			// (caught by cancelActiveUnits reaching this unit's cancel func).
			s.registerActiveUnit(idx, cancel)
			defer s.unregisterActiveUnit(idx)
			if rank(s.currentStage()) >= rank(CancelUrgent) {
				cancel()
			}

			rows, err := s.engine.AnalyzeSystem(unitCtx, systems[idx])
			if err != nil && s.currentStage() != CancelImmediate {
				// per-unit soft-timeout or urgent cancel: keep whatever was
				// already collected rather than failing the whole run.
				results[idx] = rows
				tick()
				return nil
			}
			results[idx] = rows
			tick()
			return err
		})
	}

	err := group.Wait()
	if s.currentStage() == CancelImmediate {
		return results, &InterruptedError{Stage: CancelImmediate}
	}
	return results, err
}
