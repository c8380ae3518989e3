package registry

import (
	"crypto/sha1"
	"testing"

	"github.com/cenkalti/leech/metainfo"
	"github.com/cenkalti/leech/torrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peerID(b byte) torrent.PeerID {
	var p torrent.PeerID
	p[0] = b
	return p
}

func makeInfo(t *testing.T, pieceLen int64, pieceData [][]byte) *metainfo.Info {
	t.Helper()
	info := &metainfo.Info{PieceLength: pieceLen}
	var total int64
	for _, d := range pieceData {
		h := sha1.Sum(d)
		info.Pieces = append(info.Pieces, h)
		total += int64(len(d))
	}
	info.TotalLength = total
	return info
}

func TestReserveAndDeliverHappyPath(t *testing.T) {
	data := []byte("0123456789abcdef0123") // 20 bytes, one block
	info := makeInfo(t, 21, [][]byte{data})
	var completed []byte
	reg := New(info, func(index int, d []byte) { completed = d })

	p1 := peerID(1)
	reg.Available(p1, 0)

	res, ok := reg.Reserve(p1)
	require.True(t, ok)
	assert.Equal(t, 0, res.Index)
	assert.EqualValues(t, 0, res.Begin)

	_, ok = reg.Reserve(p1)
	assert.False(t, ok, "no more blocks left to reserve for this piece")

	cancels, misbehaved, err := reg.Deliver(p1, 0, 0, data)
	require.NoError(t, err)
	assert.False(t, misbehaved)
	assert.Empty(t, cancels)
	assert.Equal(t, data, completed)
	assert.Equal(t, Complete, reg.State(0))
	assert.True(t, reg.Complete())
}

func TestHashMismatchRevertsPiece(t *testing.T) {
	data := make([]byte, 10)
	info := makeInfo(t, 10, [][]byte{data})
	reg := New(info, func(int, []byte) { t.Fatal("should not complete on mismatch") })

	p1 := peerID(1)
	reg.Available(p1, 0)
	_, ok := reg.Reserve(p1)
	require.True(t, ok)

	bad := make([]byte, 10)
	bad[0] = 0xff
	_, misbehaved, err := reg.Deliver(p1, 0, 0, bad)
	require.NoError(t, err)
	assert.True(t, misbehaved)
	assert.Equal(t, InFlight, reg.State(0))

	p2 := peerID(2)
	reg.Available(p2, 0)
	res, ok := reg.Reserve(p2)
	require.True(t, ok)
	assert.EqualValues(t, 0, res.Begin)
}

func TestEndgameRequestsFromMultiplePeers(t *testing.T) {
	data := make([]byte, BlockSize) // exactly one block, so threshold=1 triggers immediately once InFlight
	info := makeInfo(t, BlockSize, [][]byte{data})
	reg := New(info, func(int, []byte) {})

	p1, p2 := peerID(1), peerID(2)
	reg.Available(p1, 0)
	reg.Available(p2, 0)

	res1, ok := reg.Reserve(p1)
	require.True(t, ok)

	// Endgame should now be active (0 absent pieces remain, 1 unsatisfied
	// block <= threshold of 1), so a second peer can get the same block.
	res2, ok := reg.Reserve(p2)
	require.True(t, ok)
	assert.Equal(t, res1.Index, res2.Index)
	assert.Equal(t, res1.Begin, res2.Begin)

	cancels, misbehaved, err := reg.Deliver(p1, 0, 0, data)
	require.NoError(t, err)
	assert.False(t, misbehaved)
	require.Len(t, cancels, 1)
	assert.Equal(t, p2, cancels[0].Peer)
}

func TestReleaseReturnsReservations(t *testing.T) {
	data := make([]byte, BlockSize*2)
	info := makeInfo(t, BlockSize, [][]byte{data[:BlockSize], data[BlockSize:]})
	reg := New(info, func(int, []byte) {})

	p1 := peerID(1)
	reg.Available(p1, 0)
	_, ok := reg.Reserve(p1)
	require.True(t, ok)

	reg.Release(p1)

	p2 := peerID(2)
	reg.Available(p2, 0)
	_, ok = reg.Reserve(p2)
	assert.True(t, ok, "released block should be reservable again")
}
