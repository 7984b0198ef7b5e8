package transfer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when a run already has an active pipeline.
var ErrBusy = errors.New("run already has an active pipeline")

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("transfer queue is shut down")

// QueueStats holds statistics about the queue.
type QueueStats struct {
	Queued    int
	Active    int
	Completed int
	Failed    int
}

// Queue runs pipelines in the background with a bound on concurrency.
type Queue struct {
	mu       sync.Mutex
	tasks    []*Task          // All tasks in creation order
	byRun    map[string]*Task // Active (queued or running) task per run
	maxKept  int
	slots    chan struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown bool
}

// NewQueue creates a queue running at most maxConcurrent tasks at once.
func NewQueue(maxConcurrent int) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		byRun:   make(map[string]*Task),
		maxKept: 500,
		slots:   make(chan struct{}, maxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit reserves runID, calls prepare synchronously, then runs fn in the
// background. If prepare fails the reservation is released and its error
// returned. ErrBusy means another pipeline holds runID.
func (q *Queue) Submit(runID string, typ TaskType, prepare func() error, fn func(ctx context.Context) error) (Task, error) {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return Task{}, ErrClosed
	}
	if _, busy := q.byRun[runID]; busy {
		q.mu.Unlock()
		return Task{}, ErrBusy
	}
	task := newTask(runID, typ)
	q.byRun[runID] = task
	q.wg.Add(1)
	q.mu.Unlock()

	if prepare != nil {
		if err := prepare(); err != nil {
			q.mu.Lock()
			delete(q.byRun, runID)
			q.mu.Unlock()
			q.wg.Done()
			return Task{}, err
		}
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.trimLocked()
	snapshot := *task
	q.mu.Unlock()

	go q.run(task, fn)
	return snapshot, nil
}

func (q *Queue) run(task *Task, fn func(ctx context.Context) error) {
	defer q.wg.Done()

	var err error
	select {
	case q.slots <- struct{}{}:
		q.setState(task, TaskActive)
		err = fn(q.ctx)
		<-q.slots
	case <-q.ctx.Done():
		err = q.ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	task.CompletedAt = time.Now()
	if err != nil {
		task.State = TaskFailed
		task.Error = err.Error()
	} else {
		task.State = TaskCompleted
	}
	delete(q.byRun, task.RunID)
}

func (q *Queue) setState(task *Task, state TaskState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.State = state
	if state == TaskActive {
		task.StartedAt = time.Now()
	}
}

// trimLocked drops the oldest finished tasks beyond maxKept.
func (q *Queue) trimLocked() {
	if len(q.tasks) <= q.maxKept {
		return
	}
	kept := q.tasks[:0]
	excess := len(q.tasks) - q.maxKept
	for _, t := range q.tasks {
		if excess > 0 && t.IsTerminal() {
			excess--
			continue
		}
		kept = append(kept, t)
	}
	q.tasks = kept
}

// IsActive reports whether runID has a queued or running pipeline.
func (q *Queue) IsActive(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byRun[runID]
	return ok
}

// GetStats returns counts per state.
func (q *Queue) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s QueueStats
	for _, t := range q.tasks {
		switch t.State {
		case TaskQueued:
			s.Queued++
		case TaskActive:
			s.Active++
		case TaskCompleted:
			s.Completed++
		case TaskFailed:
			s.Failed++
		}
	}
	return s
}

// Wait blocks until every submitted task has finished.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones until ctx is
// done, then cancels them and waits for them to return.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
	}
	q.cancel()
}
