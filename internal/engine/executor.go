package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"trader_go/internal/infra"
)

const (
	DefaultLanes         = 10
	DefaultLaneQueueSize = 1024
)

var ErrExecutorStopped = errors.New("executor: stopped")

// OrderedExecutor runs tasks on a fixed set of sequential lanes. Tasks sharing
// a key always land on the same lane and run in submission order; different
// lanes run concurrently.
//
// A task must not block on another task of the same executor: the lane it
// waits for may be its own.
type OrderedExecutor struct {
	lanes   []chan func()
	log     *slog.Logger
	metrics *infra.Metrics

	mu      sync.RWMutex
	stopped bool
	wg      conc.WaitGroup
}

// NewOrderedExecutor starts lanes goroutines, each with a queue of queueSize tasks.
func NewOrderedExecutor(lanes, queueSize int) *OrderedExecutor {
	if lanes <= 0 {
		lanes = DefaultLanes
	}
	if queueSize <= 0 {
		queueSize = DefaultLaneQueueSize
	}

	e := &OrderedExecutor{
		lanes:   make([]chan func(), lanes),
		log:     slog.Default().With(slog.String("module", "executor")),
		metrics: infra.GlobalMetrics,
	}
	for i := range e.lanes {
		q := make(chan func(), queueSize)
		e.lanes[i] = q
		e.wg.Go(func() { e.runLane(i, q) })
	}
	return e
}

// Lanes returns the lane count.
func (e *OrderedExecutor) Lanes() int {
	return len(e.lanes)
}

// LaneOf returns the lane a key maps to, or -1 for the empty key.
func (e *OrderedExecutor) LaneOf(key string) int {
	if key == "" {
		return -1
	}
	return int(xxhash.Sum64String(key) % uint64(len(e.lanes)))
}

// Execute queues task on the lane of key. An empty key picks a random lane.
// It blocks only while the lane queue is full.
func (e *OrderedExecutor) Execute(key string, task func()) error {
	return e.enqueue(context.Background(), key, task)
}

func (e *OrderedExecutor) enqueue(ctx context.Context, key string, task func()) error {
	if task == nil {
		return errors.New("executor: nil task")
	}

	lane := e.LaneOf(key)
	if lane < 0 {
		lane = rand.IntN(len(e.lanes))
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrExecutorStopped
	}
	select {
	case e.lanes[lane] <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: lane %d full: %w", lane, ctx.Err())
	}
}

// Call runs task on the lane of key and waits for its result. If ctx ends
// before the lane reaches the task, the task is dropped and the ctx error
// returned. A task that has started always runs to completion and its result
// is returned. It must not be called from a lane task.
func (e *OrderedExecutor) Call(ctx context.Context, key string, task func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var (
		result  error
		claimed atomic.Bool
		done    = make(chan struct{})
	)
	err := e.enqueue(ctx, key, func() {
		if !claimed.CompareAndSwap(false, true) {
			return // caller gave up
		}
		defer close(done)
		var pc panics.Catcher
		pc.Try(func() { result = task() })
		if r := pc.Recovered(); r != nil {
			e.reportPanic(key, r)
			result = fmt.Errorf("executor: task panicked: %v", r.Value)
		}
	})
	if err != nil {
		return err
	}

	select {
	case <-done:
		return result
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return fmt.Errorf("executor: lane %d busy: %w", e.LaneOf(key), ctx.Err())
		}
		<-done
		return result
	}
}

func (e *OrderedExecutor) runLane(idx int, q <-chan func()) {
	for task := range q {
		var pc panics.Catcher
		pc.Try(task)
		if r := pc.Recovered(); r != nil {
			e.reportPanic(fmt.Sprintf("lane-%d", idx), r)
		}
	}
}

func (e *OrderedExecutor) reportPanic(where string, r *panics.Recovered) {
	e.metrics.RecordPanic()
	e.log.Error("Task panic recovered",
		slog.String("key", where),
		slog.Any("panic", r.Value),
		slog.String("stack", string(r.Stack)))
}

// Stop stops admission, lets every lane drain its queue and waits for them
// until ctx ends.
func (e *OrderedExecutor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		for _, q := range e.lanes {
			close(q)
		}
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor: lanes did not drain: %w", ctx.Err())
	}
}
