package mcp

import "sync"

// pendingRequests correlates request IDs to their eventual responses. The
// reader goroutine deposits, request initiators await on the returned
// channel. Channels are buffered so a deposit never blocks the reader.
type pendingRequests struct {
	mu      sync.Mutex
	waiters map[string]chan Response
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{
		waiters: make(map[string]chan Response),
	}
}

// register creates a waiter slot for the given request ID. The channel is
// signaled exactly once by deposit.
func (p *pendingRequests) register(id string) <-chan Response {
	ch := make(chan Response, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// deposit delivers a response to the waiter registered under its ID and
// removes the slot. Responses for unknown IDs (timed out and pruned, or
// never requested) are discarded.
func (p *pendingRequests) deposit(id string, resp Response) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	if ok {
		ch <- resp
	}
}

// remove prunes the slot for id without delivering a response. Called when
// the awaiting side gives up (timeout, cancellation, write failure) so a
// late response cannot leak the slot.
func (p *pendingRequests) remove(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// failAll abandons every outstanding request by closing its channel, waking
// each waiter with a failure, and empties the table. Used when the
// transport shuts down so no waiter is silently dropped.
func (p *pendingRequests) failAll() {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan Response)
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// size reports the number of outstanding requests.
func (p *pendingRequests) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
