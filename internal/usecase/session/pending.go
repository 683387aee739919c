package session

import (
	"fmt"
	"sync"

	"rpcsession/internal/domain"
)

// pendingCalls is the outbound correlation table: one capacity-1 slot per
// outstanding request id. Slots are fulfilled at most once.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[domain.RequestID]chan domain.Message
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[domain.RequestID]chan domain.Message)}
}

// register creates the slot for id. An id can have only one outstanding call.
func (p *pendingCalls) register(id domain.RequestID) (<-chan domain.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.calls[id]; ok {
		return nil, fmt.Errorf("%w: request id %s is already outstanding", domain.ErrDuplicate, id)
	}
	ch := make(chan domain.Message, 1)
	p.calls[id] = ch
	return ch, nil
}

// resolve pops the slot for id and delivers msg into it. It reports false
// when no call is waiting on id.
func (p *pendingCalls) resolve(id domain.RequestID, msg domain.Message) bool {
	p.mu.Lock()
	ch, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// remove deletes the slot for id if it is still slot. A reused id that was
// registered again after slot resolved is left alone.
func (p *pendingCalls) remove(id domain.RequestID, slot <-chan domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.calls[id]; ok && ch == slot {
		delete(p.calls, id)
	}
}

func (p *pendingCalls) has(id domain.RequestID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.calls[id]
	return ok
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// drain drops every slot. Waiters observe session shutdown separately.
func (p *pendingCalls) drain() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.calls)
	p.calls = make(map[domain.RequestID]chan domain.Message)
	return n
}
