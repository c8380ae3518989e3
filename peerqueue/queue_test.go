package peerqueue

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/leech/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushDedupsWithinCycle(t *testing.T) {
	q := New(10)
	peers := []tracker.Peer{
		{IP: net.ParseIP("1.2.3.4"), Port: 6881},
		{IP: net.ParseIP("1.2.3.4"), Port: 6881},
		{IP: net.ParseIP("5.6.7.8"), Port: 6882},
	}
	q.Push(context.Background(), peers)
	assert.Len(t, q.ch, 2)
}

func TestNewCycleAllowsRediscovery(t *testing.T) {
	q := New(10)
	p := tracker.Peer{IP: net.ParseIP("1.2.3.4"), Port: 6881}
	q.Push(context.Background(), []tracker.Peer{p})
	q.Push(context.Background(), []tracker.Peer{p})
	assert.Len(t, q.ch, 1)

	q.NewCycle()
	q.Push(context.Background(), []tracker.Peer{p})
	assert.Len(t, q.ch, 2)
}

func TestNextRespectsContext(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	require.Error(t, err)
}
