package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrLaneClosed is returned when a task is submitted to a lane that has
// been shut down, or when a pending schedule is cancelled by shutdown.
var ErrLaneClosed = errors.New("executor: lane is shut down")

// ErrLaneSaturated is returned when the lane's task queue is full.
var ErrLaneSaturated = errors.New("executor: lane queue is full")

// Task is a unit of work executed on a lane. The context is cancelled when
// the lane is shut down forcefully; tasks are expected to observe it at
// their blocking points.
type Task func(ctx context.Context) error

// Handle tracks the completion of a submitted task.
type Handle struct {
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// FailedHandle returns a handle already completed with err, for callers
// that must hand back a uniform handle on rejected submissions.
func FailedHandle(err error) *Handle {
	h := newHandle()
	h.complete(err)
	return h
}

func (h *Handle) complete(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Done is closed when the task has finished, successfully or not.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err blocks until the task finishes and returns its error, if any.
func (h *Handle) Err() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

type laneTask struct {
	run    Task
	handle *Handle
}

// Lane is a strictly-serial single-worker executor with delayed and
// fixed-rate scheduling. Tasks on a lane never overlap; a task error ends
// that run only and never terminates the lane.
type Lane struct {
	name   string
	logger *zap.Logger

	tasks     chan *laneTask
	stopChan  chan struct{}
	doneChan  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc

	mu       sync.Mutex
	shutdown bool
}

// NewLane creates a lane and starts its worker.
func NewLane(name string, logger *zap.Logger) *Lane {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lane{
		name:      name,
		logger:    logger,
		tasks:     make(chan *laneTask, 1024),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		runCtx:    ctx,
		runCancel: cancel,
	}
	go l.worker()
	return l
}

func (l *Lane) worker() {
	defer close(l.doneChan)
	for {
		select {
		case t := <-l.tasks:
			l.execute(t)
		case <-l.stopChan:
			// Drain tasks accepted before shutdown, then exit.
			for {
				select {
				case t := <-l.tasks:
					l.execute(t)
				default:
					return
				}
			}
		}
	}
}

func (l *Lane) execute(t *laneTask) {
	if l.runCtx.Err() != nil {
		// Forceful shutdown: queued tasks are dropped, not run.
		t.handle.complete(ErrLaneClosed)
		return
	}
	err := l.safeRun(t.run)
	if err != nil {
		l.logger.Error("Lane task failed",
			zap.String("lane", l.name),
			zap.Error(err))
	}
	t.handle.complete(err)
}

func (l *Lane) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lane task panicked: %v", r)
			l.logger.Error("Lane task panic recovered",
				zap.String("lane", l.name),
				zap.Any("panic", r))
		}
	}()
	return task(l.runCtx)
}

// Submit enqueues a one-shot task. It returns ErrLaneClosed after shutdown
// and ErrLaneSaturated when the queue is full.
func (l *Lane) Submit(task Task) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return nil, ErrLaneClosed
	}
	t := &laneTask{run: task, handle: newHandle()}
	select {
	case l.tasks <- t:
		return t.handle, nil
	default:
		return nil, ErrLaneSaturated
	}
}

// Schedule enqueues the task after the given delay. A shutdown before the
// delay elapses completes the handle with ErrLaneClosed.
func (l *Lane) Schedule(delay time.Duration, task Task) (*Handle, error) {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return nil, ErrLaneClosed
	}
	l.mu.Unlock()

	h := newHandle()
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-l.stopChan:
			h.complete(ErrLaneClosed)
		case <-timer.C:
			inner, err := l.Submit(task)
			if err != nil {
				h.complete(err)
				return
			}
			h.complete(inner.Err())
		}
	}()
	return h, nil
}

// ScheduleAtFixedRate runs the task periodically. Each run is scheduled one
// period after the previous run's start, but runs never overlap: when a run
// outlasts its period the next one starts as soon as the lane is free.
func (l *Lane) ScheduleAtFixedRate(initialDelay, period time.Duration, task Task) error {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return ErrLaneClosed
	}
	l.mu.Unlock()

	go func() {
		next := time.Now().Add(initialDelay)
		for {
			timer := time.NewTimer(time.Until(next))
			select {
			case <-l.stopChan:
				timer.Stop()
				return
			case <-timer.C:
			}
			start := time.Now()
			h, err := l.Submit(task)
			if err != nil {
				return
			}
			<-h.Done()
			next = start.Add(period)
		}
	}()
	return nil
}

// IsShutdown reports whether the lane has stopped accepting tasks.
func (l *Lane) IsShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

// Shutdown stops the lane gracefully: no new work is accepted, tasks
// already queued still run. Idempotent.
func (l *Lane) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return
	}
	l.shutdown = true
	close(l.stopChan)
}

// ShutdownNow stops the lane and cancels the context seen by the in-flight
// task; queued tasks are dropped with ErrLaneClosed.
func (l *Lane) ShutdownNow() {
	l.Shutdown()
	l.runCancel()
}

// AwaitTermination blocks until the worker has exited or the timeout
// elapses, and reports whether termination happened in time.
func (l *Lane) AwaitTermination(timeout time.Duration) bool {
	select {
	case <-l.doneChan:
		return true
	case <-time.After(timeout):
		return false
	}
}
