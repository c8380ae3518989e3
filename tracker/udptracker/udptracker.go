// Package udptracker implements the BEP 15 UDP tracker protocol: a
// connect/announce handshake with a shared 8-byte connection id and
// exponential-backoff retries on lost datagrams.
package udptracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/cenkalti/leech/tracker"
	"github.com/cenkalti/leech/xlog"
)

var log = xlog.New("udptracker")

const (
	connectMagic       int64 = 0x41727101980
	actionConnect      int32 = 0
	actionAnnounce     int32 = 1
	actionError        int32 = 3
	connectionIDMaxAge       = time.Minute

	// timeout 15*2^n seconds for attempt n, capped at 8 tries (BEP 15).
	maxRetries = 8
	baseDelay  = 15 * time.Second
)

// Client announces to a single udp:// tracker URL.
type Client struct {
	rawURL string
	addr   string

	conn           *net.UDPConn
	connID         [8]byte
	connIDObtained time.Time
}

func New(announceURL string) (*Client, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("udptracker: %w", err)
	}
	return &Client{rawURL: announceURL, addr: u.Host}, nil
}

func (c *Client) URL() string { return c.rawURL }

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	raddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return fmt.Errorf("udptracker: resolving %s: %w", c.addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("udptracker: dialing %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

// retryBackOff produces BEP 15's schedule directly: 15, 30, 60, ...
// seconds, capped at 8 attempts.
type retryBackOff struct {
	attempt int
}

func (b *retryBackOff) NextBackOff() time.Duration {
	if b.attempt >= maxRetries {
		return backoff.Stop
	}
	d := baseDelay * time.Duration(math.Pow(2, float64(b.attempt)))
	b.attempt++
	return d
}

func (b *retryBackOff) Reset() { b.attempt = 0 }

// transaction performs one request/response exchange, retrying on timeout
// per retryBackOff until a reply matching the transaction id arrives or
// retries are exhausted.
func (c *Client) transaction(ctx context.Context, build func(txID int32) []byte, respLen int) ([]byte, error) {
	txID := randInt32()
	req := build(txID)
	bo := &retryBackOff{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return nil, fmt.Errorf("%w: udptracker: exhausted retries against %s", tracker.ErrTrackerFailure, c.addr)
		}

		if _, err := c.conn.Write(req); err != nil {
			return nil, fmt.Errorf("udptracker: write: %w", err)
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(delay)); err != nil {
			return nil, err
		}
		buf := make([]byte, respLen)
		n, err := c.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Debugf("udptracker: timed out waiting for reply, retrying against %s", c.addr)
				continue
			}
			return nil, fmt.Errorf("udptracker: read: %w", err)
		}
		if n < 8 {
			continue
		}
		action := int32(binary.BigEndian.Uint32(buf[0:4]))
		gotTxID := int32(binary.BigEndian.Uint32(buf[4:8]))
		if gotTxID != txID {
			continue // stale reply for an earlier attempt, keep waiting
		}
		if action == actionError {
			return nil, fmt.Errorf("%w: %s", tracker.ErrTrackerFailure, string(buf[8:n]))
		}
		return buf[:n], nil
	}
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil && time.Since(c.connIDObtained) < connectionIDMaxAge {
		return nil
	}
	if err := c.dial(ctx); err != nil {
		return err
	}
	resp, err := c.transaction(ctx, func(txID int32) []byte {
		var b [16]byte
		binary.BigEndian.PutUint64(b[0:8], uint64(connectMagic))
		binary.BigEndian.PutUint32(b[8:12], uint32(actionConnect))
		binary.BigEndian.PutUint32(b[12:16], uint32(txID))
		return b[:]
	}, 16)
	if err != nil {
		return err
	}
	if len(resp) < 16 {
		return fmt.Errorf("udptracker: short connect response")
	}
	copy(c.connID[:], resp[8:16])
	c.connIDObtained = time.Now()
	return nil
}

func (c *Client) Announce(ctx context.Context, req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {
	if err := c.connect(ctx); err != nil {
		return tracker.AnnounceResponse{}, err
	}

	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}

	resp, err := c.transaction(ctx, func(txID int32) []byte {
		b := make([]byte, 98)
		copy(b[0:8], c.connID[:])
		binary.BigEndian.PutUint32(b[8:12], uint32(actionAnnounce))
		binary.BigEndian.PutUint32(b[12:16], uint32(txID))
		copy(b[16:36], req.InfoHash[:])
		copy(b[36:56], req.PeerID[:])
		binary.BigEndian.PutUint64(b[56:64], uint64(req.Downloaded))
		binary.BigEndian.PutUint64(b[64:72], uint64(req.Left))
		binary.BigEndian.PutUint64(b[72:80], uint64(req.Uploaded))
		binary.BigEndian.PutUint32(b[80:84], uint32(eventCode(req.Event)))
		binary.BigEndian.PutUint32(b[84:88], 0) // IP, 0 = default
		key := randInt32()
		binary.BigEndian.PutUint32(b[88:92], uint32(key))
		binary.BigEndian.PutUint32(b[92:96], uint32(numWant))
		binary.BigEndian.PutUint16(b[96:98], req.Port)
		return b
	}, 2048)
	if err != nil {
		return tracker.AnnounceResponse{}, err
	}
	return parseAnnounceResponse(resp)
}

func eventCode(e tracker.Event) int32 {
	switch e {
	case tracker.Completed:
		return 1
	case tracker.Started:
		return 2
	case tracker.Stopped:
		return 3
	default:
		return 0
	}
}

func parseAnnounceResponse(b []byte) (tracker.AnnounceResponse, error) {
	if len(b) < 20 {
		return tracker.AnnounceResponse{}, fmt.Errorf("udptracker: short announce response")
	}
	interval := int(binary.BigEndian.Uint32(b[8:12]))
	raw := b[20:]
	if len(raw)%6 != 0 {
		return tracker.AnnounceResponse{}, fmt.Errorf("udptracker: invalid peers length %d", len(raw))
	}
	var peers []tracker.Peer
	for i := 0; i+6 <= len(raw); i += 6 {
		peers = append(peers, tracker.Peer{
			IP:   append([]byte(nil), raw[i:i+4]...),
			Port: uint16(raw[i+4])<<8 | uint16(raw[i+5]),
		})
	}
	return tracker.AnnounceResponse{Interval: interval, Peers: peers}, nil
}

func randInt32() int32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return int32(binary.BigEndian.Uint32(b[:]) & 0x7fffffff)
}
