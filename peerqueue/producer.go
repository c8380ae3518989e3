package peerqueue

import (
	"context"
	"time"

	"github.com/cenkalti/leech/tracker"
	"github.com/cenkalti/leech/xlog"
)

var log = xlog.New("peerqueue")

// defaultRetryInterval spaces out announce cycles until a tracker reports
// an interval of its own; after that the last reported interval is used,
// also after a cycle that fails outright (every tier, every tracker in it).
const defaultRetryInterval = 30 * time.Second

// LeftFunc reports the number of bytes left to download at announce time.
type LeftFunc func() int64

// Producer runs periodic announces against a torrent's tracker tier list
// and pushes discovered peers into a Queue.
type Producer struct {
	Tiers   *tracker.TierList
	Queue   *Queue
	Request tracker.AnnounceRequest
	Left    LeftFunc
}

// Run announces on the Started event immediately, then again every
// tracker-reported interval, until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) {
	req := p.Request
	req.Event = tracker.Started
	interval := defaultRetryInterval

	for {
		p.Queue.NewCycle()
		req.Left = p.Left()
		resp, err := p.Tiers.Announce(ctx, req)
		if err != nil {
			log.Errorln("announce cycle failed:", err)
		} else {
			if resp.Interval > 0 {
				interval = time.Duration(resp.Interval) * time.Second
			}
			log.Debugf("announce returned %d peers, next in %s", len(resp.Peers), interval)
			p.Queue.Push(ctx, resp.Peers)
		}

		req.Event = tracker.None
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// AnnounceStopped makes a best-effort final announce telling trackers the
// download has stopped, with a short timeout since nothing else is
// waiting on it.
func (p *Producer) AnnounceStopped(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, 5*time.Second)
	defer cancel()
	req := p.Request
	req.Event = tracker.Stopped
	req.Left = p.Left()
	if _, err := p.Tiers.Announce(ctx, req); err != nil {
		log.Debugln("stopped announce failed (ignored):", err)
	}
}
