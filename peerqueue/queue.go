// Package peerqueue is the bounded, deduplicated source of peer endpoints
// (spec component F): trackers push discovered peers in, the supervisor
// pulls them out one at a time.
package peerqueue

import (
	"context"
	"sync"

	"github.com/cenkalti/leech/tracker"
)

// Queue is an asynchronous bounded channel of deduplicated endpoints. An
// endpoint is not handed out twice within one announce cycle; NewCycle
// clears that dedup set so a peer can be rediscovered on the next
// announce.
type Queue struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ch   chan tracker.Peer
}

// New creates a queue with the given buffer capacity. A full queue makes
// Push block rather than drop peers.
func New(capacity int) *Queue {
	return &Queue{
		seen: make(map[string]struct{}),
		ch:   make(chan tracker.Peer, capacity),
	}
}

// NewCycle clears the current cycle's dedup set, allowing a peer that
// couldn't be pushed (or was already drained and dropped by a failed
// connection) to be offered again on the next announce.
func (q *Queue) NewCycle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seen = make(map[string]struct{})
}

// Push offers peers to the queue, silently skipping ones already seen this
// cycle. It blocks on a full queue rather than dropping.
func (q *Queue) Push(ctx context.Context, peers []tracker.Peer) {
	for _, p := range peers {
		key := p.String()
		q.mu.Lock()
		_, dup := q.seen[key]
		if !dup {
			q.seen[key] = struct{}{}
		}
		q.mu.Unlock()
		if dup {
			continue
		}
		select {
		case q.ch <- p:
		case <-ctx.Done():
			return
		}
	}
}

// Next blocks until a peer endpoint is available or ctx is done.
func (q *Queue) Next(ctx context.Context) (tracker.Peer, error) {
	select {
	case p := <-q.ch:
		return p, nil
	case <-ctx.Done():
		return tracker.Peer{}, ctx.Err()
	}
}
