package mcp

import (
	"encoding/json"
	"sync"
)

// callResult is the single value delivered into a pending call's slot: a raw
// result payload or a failure, never both.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCalls correlates asynchronously arriving responses with the calls
// awaiting them. Each registered id owns a 1-buffered channel that is written
// at most once, by whichever of resolve, remove-timeout or cancelAll gets
// there first.
type pendingCalls struct {
	mu    sync.Mutex
	next  int64
	slots map[int64]chan callResult
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{
		slots: make(map[int64]chan callResult),
	}
}

// register allocates a fresh id and an empty result slot. Ids are unique for
// the lifetime of the connection.
func (p *pendingCalls) register() (int64, chan callResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.next++
	id := p.next
	slot := make(chan callResult, 1)
	p.slots[id] = slot
	return id, slot
}

// resolve fulfills the slot registered under id and reports whether one
// existed. Resolving a stale or unknown id is a no-op, never an error.
func (p *pendingCalls) resolve(id int64, res callResult) bool {
	p.mu.Lock()
	slot, ok := p.slots[id]
	if ok {
		delete(p.slots, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	slot <- res
	return true
}

// remove drops a pending call without fulfilling it. Used by callers that
// time out, so a late response cannot leak the slot.
func (p *pendingCalls) remove(id int64) {
	p.mu.Lock()
	delete(p.slots, id)
	p.mu.Unlock()
}

// cancelAll fails every outstanding slot with err. Used on teardown.
func (p *pendingCalls) cancelAll(err error) {
	p.mu.Lock()
	slots := p.slots
	p.slots = make(map[int64]chan callResult)
	p.mu.Unlock()

	for _, slot := range slots {
		slot <- callResult{err: err}
	}
}

// size reports the number of outstanding calls.
func (p *pendingCalls) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
