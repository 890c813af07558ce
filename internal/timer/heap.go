// Package timer tracks many deadlines with a single scheduler goroutine.
package timer

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrManagerStopped = errors.New("timer manager is stopped")

// Task is a callback scheduled for a deadline.
type Task struct {
	ID       string
	ExpiryAt time.Time
	Callback func()
	index    int
}

// taskHeap is a min-heap of tasks ordered by ExpiryAt.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].ExpiryAt.Before(h[j].ExpiryAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}

// Manager runs callbacks when their deadlines pass. Deadlines are measured on the injected clock.
type Manager struct {
	clock clockwork.Clock

	mu      sync.Mutex
	heap    taskHeap
	tasks   map[string]*Task
	wakeup  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// NewManager creates a manager. Start must be called for deadlines to fire on their own.
func NewManager(clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Manager{
		clock:  clock,
		heap:   make(taskHeap, 0),
		tasks:  make(map[string]*Task),
		wakeup: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	heap.Init(&m.heap)
	return m
}

// Start launches the scheduler goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	go m.run()
}

// Stop halts the scheduler and drops pending tasks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	close(m.stopCh)
	m.heap = m.heap[:0]
	m.tasks = make(map[string]*Task)
	m.mu.Unlock()

	if started {
		<-m.done
	}
}

// Schedule registers callback to run after the given delay. A task with the same id is replaced.
func (m *Manager) Schedule(id string, after time.Duration, callback func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}

	if existing, ok := m.tasks[id]; ok {
		heap.Remove(&m.heap, existing.index)
	}

	task := &Task{ID: id, ExpiryAt: m.clock.Now().Add(after), Callback: callback}
	heap.Push(&m.heap, task)
	m.tasks[id] = task

	if m.heap[0] == task {
		select {
		case m.wakeup <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel removes a task and reports whether it was pending.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return false
	}
	heap.Remove(&m.heap, task.index)
	delete(m.tasks, id)
	return true
}

// Pending returns the number of scheduled tasks.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// ExpireDue runs, on the calling goroutine, every task whose deadline has passed and
// returns how many ran.
func (m *Manager) ExpireDue() int {
	due := m.popDue()
	for _, t := range due {
		t.Callback()
	}
	return len(due)
}

func (m *Manager) popDue() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var due []*Task
	for m.heap.Len() > 0 && !m.heap[0].ExpiryAt.After(now) {
		task := heap.Pop(&m.heap).(*Task)
		delete(m.tasks, task.ID)
		due = append(due, task)
	}
	return due
}

// next returns the wait until the earliest deadline.
func (m *Manager) next() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heap.Len() == 0 {
		return 0, false
	}
	return m.heap[0].ExpiryAt.Sub(m.clock.Now()), true
}

func (m *Manager) run() {
	defer close(m.done)

	for {
		for _, task := range m.popDue() {
			go task.Callback()
		}

		wait, ok := m.next()
		if !ok {
			wait = 24 * time.Hour
		}
		if wait <= 0 {
			continue
		}

		t := m.clock.NewTimer(wait)
		select {
		case <-t.Chan():
		case <-m.wakeup:
			t.Stop()
		case <-m.stopCh:
			t.Stop()
			return
		}
	}
}
