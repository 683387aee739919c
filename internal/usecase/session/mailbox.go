package session

import (
	"sync"

	"github.com/eapache/queue"
)

// mailbox is the unbounded FIFO between the dispatch loop and the
// application. put never blocks, so a slow consumer cannot stall
// correlation of responses.
type mailbox struct {
	mu     sync.Mutex
	items  *queue.Queue
	closed bool
	notify chan struct{}
	out    chan Incoming
}

func newMailbox() *mailbox {
	return &mailbox{
		items:  queue.New(),
		notify: make(chan struct{}, 1),
		out:    make(chan Incoming),
	}
}

func (m *mailbox) put(item Incoming) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items.Add(item)
	m.mu.Unlock()
	m.wake()
}

// close stops accepting items. Items already queued are still delivered.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// run pumps queued items to out until the mailbox is closed and empty, or
// abort fires. out is closed on return.
func (m *mailbox) run(abort <-chan struct{}) {
	defer close(m.out)
	for {
		m.mu.Lock()
		if m.items.Length() == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-m.notify:
				continue
			case <-abort:
				return
			}
		}
		item := m.items.Peek().(Incoming)
		m.mu.Unlock()

		select {
		case m.out <- item:
			m.mu.Lock()
			m.items.Remove()
			m.mu.Unlock()
		case <-abort:
			return
		}
	}
}
