package peerwire

import (
	"testing"

	"github.com/cenkalti/leech/torrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfoHash() torrent.InfoHash {
	var h torrent.InfoHash
	for i := range h {
		h[i] = byte(i)
	}
	return h
}

func testPeerID() torrent.PeerID {
	var p torrent.PeerID
	copy(p[:], "-LE0001-abcdefghijkl")
	return p
}

func TestHandshakeRoundTrip(t *testing.T) {
	hash := testInfoHash()
	peerID := testPeerID()
	frame := EncodeHandshake(hash, peerID, true)
	require.Len(t, frame, handshakeLen)

	m := New(hash, 10)
	m.Feed(frame)
	ev, err := m.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventHandshake, ev.Kind)
	assert.Equal(t, peerID, ev.Handshake.PeerID)
	assert.True(t, ev.Handshake.ExtensionProtocol())
	assert.Equal(t, AwaitingBitfield, m.State())
}

func TestHandshakeInfoHashMismatchIsFatal(t *testing.T) {
	m := New(testInfoHash(), 10)
	other := testInfoHash()
	other[0] ^= 0xff
	m.Feed(EncodeHandshake(other, testPeerID(), false))
	_, err := m.Next()
	assert.ErrorIs(t, err, ErrInfoHashMismatch)
	assert.Equal(t, Closed, m.State())
}

func TestIncrementalFeedWaitsForMoreData(t *testing.T) {
	m := New(testInfoHash(), 10)
	frame := EncodeHandshake(testInfoHash(), testPeerID(), false)
	m.Feed(frame[:10])
	ev, err := m.Next()
	require.NoError(t, err)
	assert.Nil(t, ev)

	m.Feed(frame[10:])
	ev, err = m.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
}

func TestBitfieldThenMessages(t *testing.T) {
	m := New(testInfoHash(), 10)
	m.Feed(EncodeHandshake(testInfoHash(), testPeerID(), false))
	_, err := m.Next()
	require.NoError(t, err)

	bits := []byte{0xff, 0xc0} // 10 bits worth, ceil(10/8)=2 bytes
	m.Feed(EncodeBitfield(bits))
	ev, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, BitfieldID, ev.Message.ID)
	assert.Equal(t, bits, ev.Message.BitfieldBytes)
	assert.Equal(t, Established, m.State())

	m.Feed(EncodeHave(3))
	ev, err = m.Next()
	require.NoError(t, err)
	assert.Equal(t, Have, ev.Message.ID)
	assert.EqualValues(t, 3, ev.Message.Index)
}

func TestSecondBitfieldIsFatal(t *testing.T) {
	m := New(testInfoHash(), 8)
	m.Feed(EncodeHandshake(testInfoHash(), testPeerID(), false))
	_, _ = m.Next()
	m.Feed(EncodeBitfield([]byte{0xff}))
	_, err := m.Next()
	require.NoError(t, err)

	m.Feed(EncodeBitfield([]byte{0xff}))
	_, err = m.Next()
	assert.ErrorIs(t, err, ErrBitfieldAfterFirst)
}

func TestKeepAliveAcceptedAnytime(t *testing.T) {
	m := New(testInfoHash(), 8)
	m.Feed(EncodeHandshake(testInfoHash(), testPeerID(), false))
	_, _ = m.Next()
	m.Feed(EncodeKeepAlive())
	ev, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, KeepAlive, ev.Message.ID)
}

func TestOversizedLengthIsFatal(t *testing.T) {
	m := New(testInfoHash(), 8)
	m.Feed(EncodeHandshake(testInfoHash(), testPeerID(), false))
	_, _ = m.Next()
	m.SetMaxMessageLength(16)
	m.Feed(EncodeRequest(0, 0, 100))
	// request frame is 13 bytes, fits; force a too-large declared length instead
	m2 := New(testInfoHash(), 8)
	m2.Feed(EncodeHandshake(testInfoHash(), testPeerID(), false))
	_, _ = m2.Next()
	m2.SetMaxMessageLength(4)
	m2.Feed(EncodeRequest(0, 0, 100))
	_, err := m2.Next()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestUnknownIDDropped(t *testing.T) {
	m := New(testInfoHash(), 8)
	m.Feed(EncodeHandshake(testInfoHash(), testPeerID(), false))
	_, _ = m.Next()

	// id 99 is unknown; frame carries no payload
	unknown := encodeHeader(nil, 1)
	unknown = append(unknown, 99)
	m.Feed(unknown)
	m.Feed(EncodeUnchoke())

	ev, err := m.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, Unchoke, ev.Message.ID)
}

func TestUnknownPieceCountDropsHaveAndBitfield(t *testing.T) {
	// numPieces is 0 during magnet metadata bootstrap, before the info
	// dictionary (and therefore the piece count) is known. A seeding peer
	// still greets with a bitfield and/or have messages; the machine must
	// tolerate them rather than treating them as fatal protocol errors.
	m := New(testInfoHash(), 0)
	m.Feed(EncodeHandshake(testInfoHash(), testPeerID(), true))
	_, err := m.Next()
	require.NoError(t, err)

	m.Feed(EncodeBitfield([]byte{0xff, 0xff}))
	m.Feed(EncodeHave(1000))
	m.Feed(EncodeUnchoke())

	ev, err := m.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, Unchoke, ev.Message.ID)
	assert.Equal(t, Established, m.State())
}

func TestPieceMessage(t *testing.T) {
	m := New(testInfoHash(), 8)
	m.Feed(EncodeHandshake(testInfoHash(), testPeerID(), false))
	_, _ = m.Next()
	m.Feed(EncodeBitfield([]byte{0}))
	_, _ = m.Next()

	block := []byte("hello world")
	m.Feed(EncodePiece(2, 16384, block))
	ev, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, Piece, ev.Message.ID)
	assert.EqualValues(t, 2, ev.Message.Index)
	assert.EqualValues(t, 16384, ev.Message.Begin)
	assert.Equal(t, block, ev.Message.Block)
}
