package timeutil

import (
	"sync"
	"time"
)

// TaskScheduler runs delayed one-shot tasks keyed by a comparable key.
// Scheduling a task for a key cancels and replaces any task already pending
// for that key, so there is never more than one pending timer per key.
// Cancellation is cooperative: a task cancelled during its delay observes
// the cancellation before running and skips all side effects.
type TaskScheduler[K comparable] struct {
	mu      sync.Mutex
	tasks   map[K]*scheduledTask
	closed  bool
	onPanic func(key K, recovered any)
}

type scheduledTask struct {
	timer     *time.Timer
	cancelled bool
	mu        sync.Mutex
}

func (t *scheduledTask) cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.timer.Stop()
}

func (t *scheduledTask) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// NewTaskScheduler creates a new scheduler.
// The onPanic handler, if not nil, is called when a task panics.
func NewTaskScheduler[K comparable](onPanic func(key K, recovered any)) *TaskScheduler[K] {
	return &TaskScheduler[K]{
		tasks:   make(map[K]*scheduledTask),
		onPanic: onPanic,
	}
}

// Schedule runs fn after delay, replacing any pending task for the key.
// The task removes itself from the scheduler before fn runs, so fn may
// schedule a new task for the same key.
// Returns false if the scheduler is closed.
func (s *TaskScheduler[K]) Schedule(key K, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if prev, ok := s.tasks[key]; ok {
		prev.cancel()
	}

	task := &scheduledTask{}
	task.timer = time.AfterFunc(delay, func() {
		if task.isCancelled() {
			return
		}

		s.mu.Lock()
		// A replacement may have been scheduled between the timer firing
		// and this lock acquisition.
		if s.tasks[key] == task {
			delete(s.tasks, key)
		} else {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if task.isCancelled() {
			return
		}

		defer func() {
			if v := recover(); v != nil && s.onPanic != nil {
				s.onPanic(key, v)
			}
		}()
		fn()
	})
	s.tasks[key] = task
	s.mu.Unlock()
	return true
}

// Cancel stops the pending task for the key.
// Returns true if a task was pending.
func (s *TaskScheduler[K]) Cancel(key K) bool {
	s.mu.Lock()
	task, ok := s.tasks[key]
	if ok {
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	if ok {
		task.cancel()
	}
	return ok
}

// CancelAll stops every pending task.
func (s *TaskScheduler[K]) CancelAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[K]*scheduledTask)
	s.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
}

// Has reports whether a task is pending for the key.
func (s *TaskScheduler[K]) Has(key K) bool {
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Len returns the number of pending tasks.
func (s *TaskScheduler[K]) Len() int {
	if s == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every pending task and refuses new ones.
// Safe to call multiple times and with tasks in flight.
func (s *TaskScheduler[K]) Close() {
	s.mu.Lock()
	s.closed = true
	tasks := s.tasks
	s.tasks = make(map[K]*scheduledTask)
	s.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
}
