package engine

import "sync"

// mailbox is an unbounded FIFO queue with a single consumer. push never blocks.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// push appends f and reports false if the mailbox is closed.
func (m *mailbox) push(f func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, f)
	m.mu.Unlock()

	m.signal()
	return true
}

// take removes every queued item.
func (m *mailbox) take() ([]func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items, m.closed
}

// close stops accepting items; queued items are still delivered.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// closeIfEmpty closes the mailbox only when nothing is queued.
func (m *mailbox) closeIfEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.items) > 0 {
		return false
	}
	m.closed = true
	return true
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
