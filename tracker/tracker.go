// Package tracker holds the types shared by the HTTP and UDP tracker
// clients: the announce request/response shapes and the BEP 12 tier
// promotion policy used to walk a torrent's announce-list.
package tracker

import (
	"context"
	"errors"
	"net"

	"github.com/cenkalti/leech/torrent"
)

// Event is the announce lifecycle event reported to a tracker.
type Event int

const (
	None Event = iota
	Started
	Stopped
	Completed
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return ""
	}
}

// AnnounceRequest carries the torrent state reported at every announce.
type AnnounceRequest struct {
	InfoHash   torrent.InfoHash
	PeerID     torrent.PeerID
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// Peer is one discovered endpoint.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), portString(p.Port))
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}

// AnnounceResponse is what a tracker returns.
type AnnounceResponse struct {
	Interval int
	Peers    []Peer
}

// ErrTrackerFailure wraps a tracker-reported failure reason (HTTP) or a
// hard transport failure (UDP after exhausting retries).
var ErrTrackerFailure = errors.New("tracker: announce failed")

// Client is implemented by both the HTTP and UDP tracker clients.
type Client interface {
	// Announce performs a single announce and returns the response.
	Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error)
	// URL returns the tracker URL this client was built from, used for
	// logging and tier bookkeeping.
	URL() string
	// Close releases any held resources (e.g. the UDP client's socket).
	Close() error
}
