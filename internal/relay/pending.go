package relay

import (
	"context"
	"sync"
	"time"

	"github.com/akidinvr/proxyrelay/internal/protocol"
)

// PendingTable maps in-flight review-RPC request ids to their waiters
// (§4.C). A waiter is resolved exactly once, by whichever of {reply
// arrives, deadline fires, FailAll runs} happens first.
type PendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan result
}

type result struct {
	frame protocol.Frame
	err   error
}

// NewPendingTable returns an empty pending-decision table.
func NewPendingTable() *PendingTable {
	return &PendingTable{waiters: make(map[string]chan result)}
}

// Await registers a waiter for id and blocks until a reply arrives via
// Complete, the deadline elapses, ctx is cancelled, or FailAll runs.
func (p *PendingTable) Await(ctx context.Context, id string, deadline time.Duration) (protocol.Frame, error) {
	return p.wait(ctx, id, p.Register(id), deadline)
}

// Register records a waiter for id and returns the channel it will be
// resolved on. Callers that must send the outbound frame between
// registering and waiting (so a fast reply is never dropped) use Register
// and Wait separately instead of Await.
func (p *PendingTable) Register(id string) chan result {
	ch := make(chan result, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// Wait blocks on a channel previously returned by Register until a reply
// arrives, the deadline elapses, or ctx is cancelled.
func (p *PendingTable) Wait(ctx context.Context, id string, ch chan result, deadline time.Duration) (protocol.Frame, error) {
	return p.wait(ctx, id, ch, deadline)
}

func (p *PendingTable) wait(ctx context.Context, id string, ch chan result, deadline time.Duration) (protocol.Frame, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case r := <-ch:
		return r.frame, r.err
	case <-timeoutCtx.Done():
		p.remove(id)
		if ctx.Err() != nil {
			return protocol.Frame{}, ctx.Err()
		}
		return protocol.Frame{}, ErrManagerTimeout
	}
}

// Complete resolves the waiter for id with frame, if one is still pending.
// A reply for an id with no waiter (already timed out, or never existed)
// is silently dropped, per §5 "a late reply is dropped silently".
func (p *PendingTable) Complete(id string, frame protocol.Frame) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- result{frame: frame}
	}
}

// FailAll resolves every pending waiter with err and empties the table.
// Only the manager channel's teardown path calls this (§4.C).
func (p *PendingTable) FailAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan result)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- result{err: err}
	}
}

func (p *PendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// Len reports the number of in-flight waiters.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
