// Package scheduler implements the Operation Scheduler (C7): an
// admission-controlled priority queue for ScheduledOperations, ordered
// system-critical-first, then by Priority, then FIFO within a priority.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/quay/pyenvd"
	"github.com/quay/pyenvd/errs"
	"github.com/quay/pyenvd/internal/xlog"
)

// Executor runs one ScheduledOperation to completion. The Scheduler calls
// it from a worker goroutine; Executor implementations (the daemon's
// transaction-engine binding, in production) do the actual work.
type Executor interface {
	Execute(ctx context.Context, op pyenvd.ScheduledOperation) error
}

// Options configures a Scheduler.
type Options struct {
	MaxConcurrentOps int
	OpsPerMinute     int
	MaxQueueSize     int
	OperationTimeouts map[pyenvd.OpType]time.Duration
	DefaultTimeout    time.Duration
}

// Scheduler is the Operation Scheduler. The zero value is not usable; build
// one with New.
type Scheduler struct {
	opts Options
	exec Executor

	mu          sync.Mutex
	queue       opQueue
	statuses    map[string]*pyenvd.OperationStatus
	cancelFuncs map[string]context.CancelFunc
	depGraph    map[string][]string
	running     int

	limiter *rate.Limiter
	sem     chan struct{}

	subsMu sync.Mutex
	subs   map[chan pyenvd.OperationStatus]struct{}

	wake chan struct{}
	seq  int64

	paused atomic.Bool
}

// New constructs a Scheduler. Call Run in a goroutine (or via an
// errgroup, as the daemon does) to start dispatching.
func New(opts Options, exec Executor) *Scheduler {
	if opts.MaxConcurrentOps <= 0 {
		opts.MaxConcurrentOps = 1
	}
	return &Scheduler{
		opts:        opts,
		exec:        exec,
		statuses:    make(map[string]*pyenvd.OperationStatus),
		cancelFuncs: make(map[string]context.CancelFunc),
		depGraph:    make(map[string][]string),
		limiter:     rate.NewLimiter(rate.Limit(float64(opts.OpsPerMinute)/60.0), max(1, opts.OpsPerMinute)),
		sem:         make(chan struct{}, opts.MaxConcurrentOps),
		subs:        make(map[chan pyenvd.OperationStatus]struct{}),
		wake:        make(chan struct{}, 1),
	}
}

// Submit enqueues op, returning errs.QueueFull if the queue is already at
// MaxQueueSize.
func (s *Scheduler) Submit(ctx context.Context, op pyenvd.ScheduledOperation) error {
	const errOp = "scheduler.submit"
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.MaxQueueSize > 0 && s.queue.Len() >= s.opts.MaxQueueSize {
		return errs.New(errs.QueueFull, errOp, "operation queue is full").WithContext("max_queue_size", s.opts.MaxQueueSize)
	}
	if len(op.Dependencies) > 0 && s.hasCycleLocked(op.ID, op.Dependencies) {
		return errs.New(errs.Conflict, errOp, "dependency cycle detected").WithContext("operation", op.ID)
	}
	s.depGraph[op.ID] = op.Dependencies
	heap.Push(&s.queue, &queuedOp{op: op, seq: s.nextSeq()})
	s.statuses[op.ID] = &pyenvd.OperationStatus{Kind: pyenvd.OpQueued, Position: s.queue.Len()}
	s.publish(op.ID)
	s.nudge()
	return nil
}

func (s *Scheduler) nextSeq() int64 {
	s.seq++
	return s.seq
}

// hasCycleLocked reports whether id is reachable by following deps through
// s.depGraph, which would mean accepting id with these deps closes a cycle.
// Called with s.mu held.
func (s *Scheduler) hasCycleLocked(id string, deps []string) bool {
	visited := make(map[string]bool)
	var dfs func(cur string) bool
	dfs = func(cur string) bool {
		if cur == id {
			return true
		}
		if visited[cur] {
			return false
		}
		visited[cur] = true
		for _, next := range s.depGraph[cur] {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	for _, d := range deps {
		if dfs(d) {
			return true
		}
	}
	return false
}

// dependenciesSatisfiedLocked reports whether every ID in op.Dependencies
// has reached OpCompleted. Called with s.mu held.
func (s *Scheduler) dependenciesSatisfiedLocked(op pyenvd.ScheduledOperation) bool {
	for _, dep := range op.Dependencies {
		st, ok := s.statuses[dep]
		if !ok || st.Kind != pyenvd.OpCompleted {
			return false
		}
	}
	return true
}

// popReadyLocked pops and returns the highest-priority queued operation
// whose dependencies are all satisfied, scanning past (and re-queuing)
// any blocked operations ahead of it. Returns nil if every queued
// operation is currently blocked. Called with s.mu held.
func (s *Scheduler) popReadyLocked() *queuedOp {
	var skipped []*queuedOp
	var ready *queuedOp
	for s.queue.Len() > 0 {
		qo := heap.Pop(&s.queue).(*queuedOp)
		if s.dependenciesSatisfiedLocked(qo.op) {
			ready = qo
			break
		}
		skipped = append(skipped, qo)
	}
	for _, qo := range skipped {
		heap.Push(&s.queue, qo)
	}
	return ready
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Status returns the current OperationStatus for id.
func (s *Scheduler) Status(id string) (pyenvd.OperationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	if !ok {
		return pyenvd.OperationStatus{}, errs.New(errs.NotFound, "scheduler.status", "no such operation").WithContext("id", id)
	}
	return *st, nil
}

// Cancel removes a queued operation, or signals a running one to stop (the
// Executor is responsible for honoring context cancellation).
func (s *Scheduler) Cancel(id string) error {
	const op = "scheduler.cancel"
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.statuses[id]
	if !ok {
		return errs.New(errs.NotFound, op, "no such operation").WithContext("id", id)
	}
	switch st.Kind {
	case pyenvd.OpQueued:
		s.queue.removeByID(id)
		st.Kind = pyenvd.OpFailed
		st.Error = "cancelled"
		st.FailedAt = time.Now()
	case pyenvd.OpRunning:
		if cancel, ok := s.cancelFuncs[id]; ok {
			cancel()
		}
	default:
		return errs.New(errs.Conflict, op, "operation already finished").WithContext("id", id)
	}
	s.publish(id)
	return nil
}

// Subscribe returns a channel that receives OperationStatus updates. If the
// consumer falls behind, further updates are dropped for it rather than
// blocking the scheduler (broadcast, lagging-consumer-drops semantics).
func (s *Scheduler) Subscribe() (<-chan pyenvd.OperationStatus, func()) {
	ch := make(chan pyenvd.OperationStatus, 64)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	return ch, func() {
		s.subsMu.Lock()
		delete(s.subs, ch)
		s.subsMu.Unlock()
		close(ch)
	}
}

func (s *Scheduler) publish(id string) {
	st, ok := s.statuses[id]
	if !ok {
		return
	}
	snapshot := *st
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- snapshot:
		default:
			// Lagging consumer: drop this update rather than block.
		}
	}
}

// Stats summarizes the scheduler's current load.
type Stats struct {
	Queued  int
	Running int
}

// Stats returns a point-in-time snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Queued: s.queue.Len(), Running: s.running}
}

// Run dispatches queued operations until ctx is done. It's meant to be
// supervised by an errgroup alongside the daemon's other background tasks.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-time.After(time.Second):
		}
		s.dispatchReady(ctx)
	}
}

// Pause stops dispatchReady from popping new work off the queue; already
// running operations are unaffected. Submit still accepts new operations.
// Used by the daemon to throttle dispatch on a resource-limit breach
// (spec §4.8).
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume reverses Pause and nudges the dispatch loop to recheck the queue.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.nudge()
}

// Paused reports whether the scheduler is currently throttled.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

func (s *Scheduler) dispatchReady(ctx context.Context) {
	if s.paused.Load() {
		return
	}
	for {
		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		// popReadyLocked scans past operations blocked on an incomplete
		// dependency (§4.7 condition (a)); if everything queued is blocked,
		// there's nothing to dispatch this round.
		qo := s.popReadyLocked()
		if qo == nil {
			s.mu.Unlock()
			return
		}
		if !qo.op.Priority.BypassesRateLimit() && !s.limiter.Allow() {
			heap.Push(&s.queue, qo)
			s.mu.Unlock()
			return
		}
		select {
		case s.sem <- struct{}{}:
		default:
			heap.Push(&s.queue, qo)
			s.mu.Unlock()
			return
		}
		st := s.statuses[qo.op.ID]
		st.Kind = pyenvd.OpRunning
		st.StartedAt = time.Now()
		s.running++
		s.publish(qo.op.ID)
		s.mu.Unlock()

		go s.execute(ctx, qo.op)
	}
}

func (s *Scheduler) execute(ctx context.Context, op pyenvd.ScheduledOperation) {
	defer func() { <-s.sem }()

	timeout := op.Timeout
	if timeout <= 0 {
		timeout = s.opts.OperationTimeouts[op.OpType]
	}
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	opCtx := xlog.With(ctx, "component", "scheduler.execute", "operation", op.ID, "type", op.OpType)
	var cancel context.CancelFunc
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(opCtx, timeout)
	} else {
		opCtx, cancel = context.WithCancel(opCtx)
	}
	defer cancel()

	s.mu.Lock()
	s.cancelFuncs[op.ID] = cancel
	s.mu.Unlock()

	err := s.exec.Execute(opCtx, op)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelFuncs, op.ID)
	s.running--
	st := s.statuses[op.ID]
	now := time.Now()
	switch {
	case err == nil:
		st.Kind = pyenvd.OpCompleted
		st.CompletedAt = now
	case opCtx.Err() == context.DeadlineExceeded:
		st.Kind = pyenvd.OpTimedOut
		st.TimeoutAt = now
		st.Error = fmt.Sprintf("timed out after %s", timeout)
	default:
		st.Kind = pyenvd.OpFailed
		st.FailedAt = now
		st.Error = err.Error()
	}
	s.publish(op.ID)
	s.nudge()
}
