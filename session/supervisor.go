package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/leech/bitfield"
	"github.com/cenkalti/leech/peerqueue"
	"github.com/cenkalti/leech/registry"
	"github.com/cenkalti/leech/torrent"
)

// dialRetryDelay is how long a worker waits after a failed dial before it
// pulls the next address from the queue.
const dialRetryDelay = 2 * time.Second

// Supervisor keeps up to Config.Peers sessions active, drawing addresses
// from a peer queue and replacing sessions that end for any reason.
type Supervisor struct {
	cfg       Config
	infoHash  torrent.InfoHash
	ourID     torrent.PeerID
	numPieces uint32
	registry  *registry.Registry
	queue     *peerqueue.Queue
	completed func() *bitfield.Bitfield

	mu       sync.Mutex
	sessions map[torrent.PeerID]*Session
}

// NewSupervisor builds a supervisor. completed is called fresh for every
// dial so newly connected peers are told about pieces finished after the
// supervisor started.
func NewSupervisor(cfg Config, infoHash torrent.InfoHash, ourID torrent.PeerID, numPieces uint32, reg *registry.Registry, queue *peerqueue.Queue, completed func() *bitfield.Bitfield) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		infoHash:  infoHash,
		ourID:     ourID,
		numPieces: numPieces,
		registry:  reg,
		queue:     queue,
		completed: completed,
		sessions:  make(map[torrent.PeerID]*Session),
	}
}

// Run keeps cfg.Peers workers alive, each pulling one address at a time
// from the queue and running a session to completion, until ctx is done or
// the registry reports every piece complete.
func (sup *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < sup.cfg.Peers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.worker(ctx)
		}()
	}
	wg.Wait()
}

func (sup *Supervisor) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if sup.registry.Complete() {
			return
		}
		peer, err := sup.queue.Next(ctx)
		if err != nil {
			return
		}
		addr := peer.String()

		s, err := Dial(ctx, addr, sup.infoHash, sup.ourID, sup.numPieces, sup.registry, sup.completed(), sup.cfg.Requests, sup.cancel)
		if err != nil {
			log.Debugln("dial", addr, "failed:", err)
			select {
			case <-time.After(dialRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		sup.mu.Lock()
		sup.sessions[s.Key()] = s
		sup.mu.Unlock()

		if err := s.Run(ctx); err != nil {
			log.Debugln("session with", addr, "ended:", err)
		}

		sup.mu.Lock()
		delete(sup.sessions, s.Key())
		sup.mu.Unlock()
	}
}

// cancel routes an endgame cancel hint produced by one session's delivery
// to whichever other session is holding the now-redundant reservation.
func (sup *Supervisor) cancel(hint registry.CancelHint) {
	sup.mu.Lock()
	target, ok := sup.sessions[hint.Peer]
	sup.mu.Unlock()
	if !ok {
		return
	}
	target.Cancel(hint.Index, hint.Begin, hint.Length)
}
