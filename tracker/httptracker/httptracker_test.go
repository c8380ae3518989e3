package httptracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompactResponse(t *testing.T) {
	body := "d8:intervali1800e5:peers6:\x01\x02\x03\x04\x1a\xe1e"
	resp, err := parseResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "1.2.3.4", resp.Peers[0].IP.String())
	assert.EqualValues(t, 6881, resp.Peers[0].Port)
}

func TestParseNonCompactResponse(t *testing.T) {
	body := "d8:intervali900e5:peersld2:ip9:127.0.0.16:peerid20:aaaaaaaaaaaaaaaaaaaa4:porti6881eeee"
	resp, err := parseResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	assert.EqualValues(t, 6881, resp.Peers[0].Port)
}

func TestParseFailureReason(t *testing.T) {
	body := "d14:failure reason19:info hash not founde"
	_, err := parseResponse([]byte(body))
	assert.Error(t, err)
}
