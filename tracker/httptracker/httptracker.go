// Package httptracker implements the HTTP(S) tracker announce protocol:
// URL-encoded binary parameters in, a bencoded mapping back.
package httptracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cenkalti/leech/bencode"
	"github.com/cenkalti/leech/tracker"
	"github.com/cenkalti/leech/xlog"
)

var log = xlog.New("httptracker")

// Client announces to a single HTTP(S) tracker URL.
type Client struct {
	url        string
	httpClient *http.Client
}

func New(announceURL string) *Client {
	return &Client{url: announceURL, httpClient: &http.Client{}}
}

func (c *Client) URL() string  { return c.url }
func (c *Client) Close() error { return nil }

func (c *Client) Announce(ctx context.Context, req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: %w", err)
	}
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if s := req.Event.String(); s != "" {
		q.Set("event", s)
	}
	u.RawQuery = q.Encode()

	log.Debugln("announcing to", u.String())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: reading response: %w", err)
	}
	return parseResponse(body)
}

func parseResponse(body []byte) (tracker.AnnounceResponse, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: %w", err)
	}
	if v.Kind != bencode.KindDict {
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: response is not a dictionary")
	}
	if reason, ok := v.Dict["failure reason"]; ok {
		return tracker.AnnounceResponse{}, fmt.Errorf("%w: %s", tracker.ErrTrackerFailure, reason.Str)
	}

	var out tracker.AnnounceResponse
	if iv, ok := v.Dict["interval"]; ok && iv.Kind == bencode.KindInt {
		out.Interval = int(iv.Int)
	}

	peersVal, ok := v.Dict["peers"]
	if !ok {
		return out, nil
	}
	switch peersVal.Kind {
	case bencode.KindString:
		// Compact format (BEP 23): n * (4 bytes IPv4, 2 bytes big-endian port).
		raw := peersVal.Str
		if len(raw)%6 != 0 {
			return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: invalid compact peers length %d", len(raw))
		}
		for i := 0; i+6 <= len(raw); i += 6 {
			out.Peers = append(out.Peers, tracker.Peer{
				IP:   append([]byte(nil), raw[i:i+4]...),
				Port: uint16(raw[i+4])<<8 | uint16(raw[i+5]),
			})
		}
	case bencode.KindList:
		// Non-compact dictionary model (BEP 3).
		for _, pv := range peersVal.List {
			if pv.Kind != bencode.KindDict {
				continue
			}
			var p tracker.Peer
			if ipv, ok := pv.Dict["ip"]; ok {
				p.IP = net.ParseIP(string(ipv.Str))
			}
			if portv, ok := pv.Dict["port"]; ok {
				p.Port = uint16(portv.Int)
			}
			out.Peers = append(out.Peers, p)
		}
	default:
		return tracker.AnnounceResponse{}, fmt.Errorf("httptracker: unexpected peers value kind")
	}
	return out, nil
}
