package udptracker

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryBackOffSchedule(t *testing.T) {
	bo := &retryBackOff{}
	want := []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second}
	for i, w := range want {
		got := bo.NextBackOff()
		assert.Equal(t, w, got, "attempt %d", i)
	}
}

func TestRetryBackOffStopsAfterCap(t *testing.T) {
	bo := &retryBackOff{}
	for i := 0; i < maxRetries; i++ {
		d := bo.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
	}
	assert.Equal(t, backoff.Stop, bo.NextBackOff())
}

func TestParseAnnounceResponse(t *testing.T) {
	b := make([]byte, 26)
	// action, txid, interval, leechers, seeders
	b[3] = 1   // action=1 (big-endian bytes 0..4 -> byte index 3 is LSB of action)
	b[11] = 30 // interval = 30 (big-endian bytes 8..12 -> byte index 11 is LSB of interval)
	copy(b[20:26], []byte{1, 2, 3, 4, 0x1a, 0xe1})

	resp, err := parseAnnounceResponse(b)
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "1.2.3.4", resp.Peers[0].IP.String())
	assert.EqualValues(t, 6881, resp.Peers[0].Port)
}
