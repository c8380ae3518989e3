// Package session implements the per-peer workflow (spec component I):
// handshake, availability tracking, the block request pipeline, the
// receive loop, and endgame participation, plus a supervisor that keeps a
// bounded pool of sessions alive, drawing fresh endpoints from a peer
// queue.
package session

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/leech/bitfield"
	"github.com/cenkalti/leech/peerwire"
	"github.com/cenkalti/leech/registry"
	"github.com/cenkalti/leech/torrent"
	"github.com/cenkalti/leech/tracker"
	"github.com/cenkalti/leech/xlog"
)

var log = xlog.New("session")

const (
	dialTimeout    = 15 * time.Second
	keepaliveEvery = 2 * time.Minute
	idleTimeout    = 2 * time.Minute
	chokeGrace     = 20 * time.Second
)

// Config holds the CLI-tunable knobs for a download.
type Config struct {
	Peers    int // P: max concurrent sessions
	Requests int // R: max outstanding requests per session
}

// Session drives one peer connection: handshake, bitfield exchange,
// request pipeline and receive loop.
type Session struct {
	conn      net.Conn
	machine   *peerwire.Machine
	reader    *bufio.Reader
	registry  *registry.Registry
	key       torrent.PeerID // local bookkeeping key, never the peer's claimed id
	ourID     torrent.PeerID
	infoHash  torrent.InfoHash
	numPieces uint32
	requests  int
	completed *bitfield.Bitfield
	addr      string
	cancelFn  func(registry.CancelHint)

	mu          sync.Mutex
	outstanding map[reservationKey]struct{}
	peerChoking bool
}

type reservationKey struct {
	index int
	begin uint32
}

// newKey mints a random local identifier for a connection, since the
// spec requires peer-id not be trusted for identity.
func newKey() torrent.PeerID {
	var k torrent.PeerID
	_, _ = rand.Read(k[:])
	return k
}

// Dial opens a TCP connection to addr and runs the handshake. cancelFn, if
// non-nil, is invoked with any endgame cancel hint the registry produces
// while this session delivers blocks; the supervisor wires it to fan the
// hint out to whichever other session is holding that reservation.
func Dial(ctx context.Context, addr string, infoHash torrent.InfoHash, ourID torrent.PeerID, numPieces uint32, reg *registry.Registry, completed *bitfield.Bitfield, requests int, cancelFn func(registry.CancelHint)) (*Session, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("session: dialing %s: %w", addr, err)
	}

	s := &Session{
		conn:        conn,
		machine:     peerwire.New(infoHash, numPieces),
		reader:      bufio.NewReader(conn),
		registry:    reg,
		key:         newKey(),
		ourID:       ourID,
		infoHash:    infoHash,
		numPieces:   numPieces,
		requests:    requests,
		completed:   completed,
		addr:        addr,
		cancelFn:    cancelFn,
		outstanding: make(map[reservationKey]struct{}),
		peerChoking: true,
	}

	if err := s.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
	} else {
		_ = s.conn.SetDeadline(time.Now().Add(dialTimeout))
	}
	if _, err := s.conn.Write(peerwire.EncodeHandshake(s.infoHash, s.ourID, false)); err != nil {
		return fmt.Errorf("session: sending handshake: %w", err)
	}
	ev, err := s.readEvent()
	if err != nil {
		return err
	}
	if ev.Kind != peerwire.EventHandshake {
		return fmt.Errorf("session: expected handshake first")
	}
	_ = s.conn.SetDeadline(time.Time{})
	return nil
}

func (s *Session) readEvent() (*peerwire.Event, error) {
	for {
		ev, err := s.machine.Next()
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
		chunk := make([]byte, 16*1024)
		n, err := s.reader.Read(chunk)
		if n > 0 {
			s.machine.Feed(chunk[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

// Run drives the session until a fatal condition, ctx cancellation, or the
// download completes. It always releases the session's reservations
// before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.registry.Disconnect(s.key)
	defer s.conn.Close()

	if s.completed != nil && s.completed.Count() > 0 {
		if _, err := s.conn.Write(peerwire.EncodeBitfield(s.completed.Bytes())); err != nil {
			return fmt.Errorf("session: sending bitfield: %w", err)
		}
	}
	if _, err := s.conn.Write(peerwire.EncodeInterested()); err != nil {
		return fmt.Errorf("session: sending interested: %w", err)
	}

	errC := make(chan error, 1)
	go func() { errC <- s.readLoop() }()

	keepalive := time.NewTicker(keepaliveEvery)
	defer keepalive.Stop()

	fill := time.NewTicker(200 * time.Millisecond)
	defer fill.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errC:
			return err
		case <-keepalive.C:
			if _, err := s.conn.Write(peerwire.EncodeKeepAlive()); err != nil {
				return fmt.Errorf("session: keepalive: %w", err)
			}
		case <-fill.C:
			if err := s.fillRequestWindow(); err != nil {
				return err
			}
			if s.registry.Complete() {
				return nil
			}
		}
	}
}

func (s *Session) fillRequestWindow() error {
	s.mu.Lock()
	choking := s.peerChoking
	outstanding := len(s.outstanding)
	s.mu.Unlock()
	if choking {
		return nil
	}
	for outstanding < s.requests {
		res, ok := s.registry.Reserve(s.key)
		if !ok {
			break
		}
		if err := s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return err
		}
		if _, err := s.conn.Write(peerwire.EncodeRequest(uint32(res.Index), res.Begin, res.Length)); err != nil {
			return fmt.Errorf("session: sending request: %w", err)
		}
		s.mu.Lock()
		s.outstanding[reservationKey{res.Index, res.Begin}] = struct{}{}
		outstanding = len(s.outstanding)
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) readLoop() error {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return err
		}
		ev, err := s.readEvent()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("session: peer closed connection")
			}
			return err
		}
		if err := s.handleMessage(ev.Message); err != nil {
			return err
		}
	}
}

func (s *Session) handleMessage(msg peerwire.Message) error {
	switch msg.ID {
	case peerwire.KeepAlive:
		return nil
	case peerwire.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.mu.Unlock()
		time.AfterFunc(chokeGrace, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.peerChoking {
				s.registry.Release(s.key)
				// Release hands every reservation this session held back to
				// the registry, so none of them will ever arrive as a piece.
				s.outstanding = make(map[reservationKey]struct{})
			}
		})
		return nil
	case peerwire.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
		return nil
	case peerwire.Interest, peerwire.NotInterest:
		return nil // download-only client never uploads; no unchoke reciprocity needed
	case peerwire.Have:
		s.registry.Available(s.key, int(msg.Index))
		return nil
	case peerwire.BitfieldID:
		bf := bitfield.NewBytes(append([]byte(nil), msg.BitfieldBytes...), s.numPieces)
		for i, ok := bf.FirstSet(0); ok; i, ok = bf.FirstSet(i + 1) {
			s.registry.Available(s.key, int(i))
		}
		return nil
	case peerwire.Request, peerwire.Cancel:
		return nil // seeding is out of scope; ignore upload requests
	case peerwire.Piece:
		cancels, misbehaved, err := s.registry.Deliver(s.key, int(msg.Index), msg.Begin, msg.Block)
		if err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.outstanding, reservationKey{int(msg.Index), msg.Begin})
		s.mu.Unlock()
		if s.cancelFn != nil {
			for _, c := range cancels {
				s.cancelFn(c)
			}
		}
		if misbehaved {
			log.Warningf("peer %s sent piece %d that failed verification", s.addr, msg.Index)
			return fmt.Errorf("session: piece %d failed verification", msg.Index)
		}
		return nil
	default:
		return nil
	}
}

// Cancel sends a peer-wire cancel for a block this session had requested
// but which another session in the pool has already delivered (endgame).
func (s *Session) Cancel(index int, begin, length uint32) {
	s.mu.Lock()
	_, have := s.outstanding[reservationKey{index, begin}]
	if have {
		delete(s.outstanding, reservationKey{index, begin})
	}
	s.mu.Unlock()
	if !have {
		return
	}
	if _, err := s.conn.Write(peerwire.EncodeCancel(uint32(index), begin, length)); err != nil {
		log.Debugln("sending cancel:", err)
	}
}

// Key returns the session's local bookkeeping identity, used by the
// registry and by the supervisor to route cancel hints.
func (s *Session) Key() torrent.PeerID { return s.key }

// Peer is the tuple a Supervisor dials, matching tracker.Peer's shape
// without importing the tracker package's announce-only concerns into the
// session's public surface.
type Peer = tracker.Peer
