package metadata

import (
	"testing"

	"github.com/cenkalti/leech/bencode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtensionHandshake(t *testing.T) {
	payload := bencode.Encode(map[string]interface{}{
		"m":             map[string]interface{}{"ut_metadata": int64(3)},
		"metadata_size": int64(16384 * 2),
	})
	id, size, err := parseExtensionHandshake(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 3, id)
	assert.Equal(t, 32768, size)
}

func TestParseExtensionHandshakeMissingUTMetadata(t *testing.T) {
	payload := bencode.Encode(map[string]interface{}{
		"m": map[string]interface{}{},
	})
	id, _, err := parseExtensionHandshake(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 0, id)
}

func TestHandleMetadataMessageData(t *testing.T) {
	buf := make([]byte, pieceSize)
	received := newCountingBitset(1)

	hdr := bencode.Encode(map[string]interface{}{
		"msg_type":   int64(msgTypeData),
		"piece":      int64(0),
		"total_size": int64(pieceSize),
	})
	payload := append(hdr, []byte("hello")...)

	err := handleMetadataMessage(payload, buf, received)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:5]))
	assert.True(t, received.allSet())
}

func TestHandleMetadataMessageReject(t *testing.T) {
	buf := make([]byte, pieceSize)
	received := newCountingBitset(1)
	hdr := bencode.Encode(map[string]interface{}{
		"msg_type": int64(msgTypeReject),
		"piece":    int64(0),
	})
	err := handleMetadataMessage(hdr, buf, received)
	assert.ErrorIs(t, err, ErrRejected)
}
