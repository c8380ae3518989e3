package magnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	uri := "magnet:?xt=urn:btih:0102030405060708090a0b0c0d0e0f1011121314&dn=example&tr=http%3A%2F%2Ftracker.example%2Fannounce&tr=udp%3A%2F%2Ftracker2.example%3A80"
	m, err := Parse(uri)
	require.NoError(t, err)
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f1011121314", m.InfoHash.String())
	assert.Equal(t, "example", m.Name)
	assert.Equal(t, []string{"http://tracker.example/announce", "udp://tracker2.example:80"}, m.Trackers)
}

func TestParseRejectsMissingXT(t *testing.T) {
	_, err := Parse("magnet:?dn=example")
	assert.Error(t, err)
}

func TestParseRejectsBadScheme(t *testing.T) {
	_, err := Parse("http://example.com")
	assert.Error(t, err)
}

func TestTiersOneTrackerPerTier(t *testing.T) {
	m := &Magnet{Trackers: []string{"a", "b"}}
	assert.Equal(t, [][]string{{"a"}, {"b"}}, m.Tiers())
}
