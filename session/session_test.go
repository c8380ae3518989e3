package session

import (
	"bufio"
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/leech/metainfo"
	"github.com/cenkalti/leech/peerwire"
	"github.com/cenkalti/leech/registry"
	"github.com/cenkalti/leech/torrent"
	"github.com/stretchr/testify/require"
)

func makeInfo(pieceLen int64, data []byte) *metainfo.Info {
	numPieces := (int64(len(data)) + pieceLen - 1) / pieceLen
	info := &metainfo.Info{
		PieceLength: pieceLen,
		TotalLength: int64(len(data)),
		Files:       []metainfo.File{{Path: "f", Length: int64(len(data))}},
		Pieces:      make([][metainfo.HashSize]byte, numPieces),
	}
	for i := int64(0); i < numPieces; i++ {
		start := i * pieceLen
		end := start + pieceLen
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		info.Pieces[i] = sha1.Sum(data[start:end])
	}
	return info
}

// TestSessionHandshakeAndDelivery drives both ends of a net.Pipe: the
// session under test on one side, a hand-scripted peer on the other,
// through handshake, bitfield, unchoke and a two-block piece delivery.
func TestSessionHandshakeAndDelivery(t *testing.T) {
	pieceLen := int64(32 * 1024)
	data := make([]byte, pieceLen)
	for i := range data {
		data[i] = byte(i)
	}
	info := makeInfo(pieceLen, data)

	var infoHash torrent.InfoHash
	infoHash[0] = 0xAB
	info.InfoHash = infoHash

	delivered := make(chan int, 1)
	reg := registry.New(info, func(index int, pieceData []byte) {
		delivered <- index
	})

	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	ourID, err := torrent.NewPeerID()
	require.NoError(t, err)
	peerID, err := torrent.NewPeerID()
	require.NoError(t, err)

	go func() {
		hsBuf := make([]byte, 68)
		if _, err := peerConn.Read(hsBuf); err != nil {
			return
		}
		if _, err := peerConn.Write(peerwire.EncodeHandshake(infoHash, peerID, false)); err != nil {
			return
		}
		// net.Pipe is unbuffered: Run writes `interested` before it starts
		// reading, so take that frame off the pipe before writing to it.
		small := make([]byte, 256)
		if _, err := peerConn.Read(small); err != nil {
			return
		}
		if _, err := peerConn.Write(peerwire.EncodeBitfield([]byte{0x80})); err != nil {
			return
		}
		if _, err := peerConn.Write(peerwire.EncodeUnchoke()); err != nil {
			return
		}

		for i := 0; i < 2; i++ {
			if _, err := peerConn.Read(small); err != nil {
				return
			}
		}
		if _, err := peerConn.Write(peerwire.EncodePiece(0, 0, data[:registry.BlockSize])); err != nil {
			return
		}
		if _, err := peerConn.Write(peerwire.EncodePiece(0, registry.BlockSize, data[registry.BlockSize:])); err != nil {
			return
		}
	}()

	s := &Session{
		conn:        clientConn,
		machine:     peerwire.New(infoHash, uint32(info.NumPieces())),
		reader:      bufio.NewReader(clientConn),
		registry:    reg,
		key:         newKey(),
		ourID:       ourID,
		infoHash:    infoHash,
		numPieces:   uint32(info.NumPieces()),
		requests:    10,
		addr:        "pipe",
		outstanding: make(map[reservationKey]struct{}),
		peerChoking: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.handshake(ctx))

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	select {
	case idx := <-delivered:
		require.Equal(t, 0, idx)
	case err := <-runErr:
		t.Fatalf("session exited early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for piece delivery")
	}
}

func TestCancelNoopWhenNotOutstanding(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	s := &Session{
		conn:        clientConn,
		outstanding: make(map[reservationKey]struct{}),
	}
	// No outstanding reservation for this block; Cancel must not write
	// anything (and must not block or panic).
	done := make(chan struct{})
	go func() {
		s.Cancel(0, 0, 16*1024)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel blocked with nothing outstanding")
	}
}
