// Package metadata implements the magnet bootstrap: BEP 10 extension
// handshake plus BEP 9 ut_metadata piece exchange, used to obtain the info
// dictionary bytes from a peer when only a magnet URI is known.
package metadata

import (
	"bufio"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/leech/bencode"
	"github.com/cenkalti/leech/peerwire"
	"github.com/cenkalti/leech/torrent"
	"github.com/cenkalti/leech/xlog"
)

var log = xlog.New("metadata")

const (
	pieceSize = 16 * 1024

	extensionHandshakeID = 0
	// ourUtMetadataID is the id we advertise for ut_metadata in our own
	// extension handshake; a peer sending us metadata data addresses it
	// to this id.
	ourUtMetadataID = 1
)

const (
	msgTypeRequest = 0
	msgTypeData    = 1
	msgTypeReject  = 2
)

var (
	ErrNoExtensionSupport = errors.New("metadata: peer does not support the extension protocol")
	ErrNoUTMetadata       = errors.New("metadata: peer does not support ut_metadata")
	ErrRejected           = errors.New("metadata: peer rejected a metadata request")
	ErrHashMismatch       = errors.New("metadata: assembled metadata does not match info-hash")
)

// Fetch runs the full handshake + ut_metadata exchange against one peer
// connection and returns the raw info dictionary bytes on success.
func Fetch(ctx context.Context, conn io.ReadWriter, infoHash torrent.InfoHash, ourPeerID torrent.PeerID) ([]byte, error) {
	if _, err := conn.Write(peerwire.EncodeHandshake(infoHash, ourPeerID, true)); err != nil {
		return nil, fmt.Errorf("metadata: sending handshake: %w", err)
	}

	m := peerwire.New(infoHash, 0)
	r := bufio.NewReader(conn)

	hs, err := readHandshake(ctx, r, m)
	if err != nil {
		return nil, err
	}
	if !hs.ExtensionProtocol() {
		return nil, ErrNoExtensionSupport
	}

	ourHandshake := bencode.Encode(map[string]interface{}{
		"m": map[string]interface{}{"ut_metadata": int64(ourUtMetadataID)},
	})
	if _, err := conn.Write(peerwire.EncodeExtended(extensionHandshakeID, ourHandshake)); err != nil {
		return nil, fmt.Errorf("metadata: sending extension handshake: %w", err)
	}

	var (
		peerUtMetadataID byte
		metadataSize     int
		buf              []byte
		received         *countingBitset
		requestsSent     bool
	)

	for {
		ev, err := readEvent(ctx, r, m)
		if err != nil {
			return nil, err
		}
		if ev.Kind != peerwire.EventMessage || ev.Message.ID != peerwire.Extended {
			continue
		}
		msg := ev.Message
		switch msg.ExtendedID {
		case extensionHandshakeID:
			id, size, err := parseExtensionHandshake(msg.ExtendedPayload)
			if err != nil {
				return nil, err
			}
			if id == 0 {
				return nil, ErrNoUTMetadata
			}
			peerUtMetadataID = id
			metadataSize = size
			buf = make([]byte, metadataSize)
			numPieces := (metadataSize + pieceSize - 1) / pieceSize
			received = newCountingBitset(numPieces)

			for i := 0; i < numPieces; i++ {
				req := bencode.Encode(map[string]interface{}{
					"msg_type": int64(msgTypeRequest),
					"piece":    int64(i),
				})
				if _, err := conn.Write(peerwire.EncodeExtended(peerUtMetadataID, req)); err != nil {
					return nil, fmt.Errorf("metadata: requesting piece %d: %w", i, err)
				}
			}
			requestsSent = true
		case ourUtMetadataID:
			if !requestsSent {
				continue
			}
			if err := handleMetadataMessage(msg.ExtendedPayload, buf, received); err != nil {
				return nil, err
			}
			if received.allSet() {
				sum := sha1.Sum(buf)
				if torrent.InfoHash(sum) != infoHash {
					return nil, ErrHashMismatch
				}
				return buf, nil
			}
		}
	}
}

func readHandshake(ctx context.Context, r *bufio.Reader, m *peerwire.Machine) (peerwire.Handshake, error) {
	ev, err := readEvent(ctx, r, m)
	if err != nil {
		return peerwire.Handshake{}, err
	}
	if ev.Kind != peerwire.EventHandshake {
		return peerwire.Handshake{}, fmt.Errorf("metadata: expected handshake first")
	}
	return ev.Handshake, nil
}

// readEvent pulls bytes from r until the machine yields an event or an
// error. ctx is checked only between reads; a read that is already blocked
// is interrupted only by the caller's connection deadline.
func readEvent(ctx context.Context, r *bufio.Reader, m *peerwire.Machine) (*peerwire.Event, error) {
	for {
		ev, err := m.Next()
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
		chunk := make([]byte, 4096)
		n, err := r.Read(chunk)
		if n > 0 {
			m.Feed(chunk[:n])
		}
		if err != nil {
			return nil, fmt.Errorf("metadata: reading from peer: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func parseExtensionHandshake(payload []byte) (utMetadataID byte, metadataSize int, err error) {
	v, err := bencode.Decode(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("metadata: decoding extension handshake: %w", err)
	}
	if v.Kind != bencode.KindDict {
		return 0, 0, fmt.Errorf("metadata: extension handshake is not a dictionary")
	}
	mv, ok := v.Dict["m"]
	if !ok || mv.Kind != bencode.KindDict {
		return 0, 0, ErrNoUTMetadata
	}
	idVal, ok := mv.Dict["ut_metadata"]
	if !ok || idVal.Kind != bencode.KindInt {
		return 0, 0, nil // id 0 signals "not supported" to the caller
	}
	sizeVal, ok := v.Dict["metadata_size"]
	if !ok || sizeVal.Kind != bencode.KindInt || sizeVal.Int <= 0 {
		return 0, 0, fmt.Errorf("metadata: missing or invalid metadata_size")
	}
	return byte(idVal.Int), int(sizeVal.Int), nil
}

func handleMetadataMessage(payload []byte, buf []byte, received *countingBitset) error {
	hdr, n, err := bencode.DecodePrefix(payload, 0)
	if err != nil {
		return fmt.Errorf("metadata: decoding piece message header: %w", err)
	}
	if hdr.Kind != bencode.KindDict {
		return fmt.Errorf("metadata: piece message header is not a dictionary")
	}
	typeVal, ok := hdr.Dict["msg_type"]
	if !ok || typeVal.Kind != bencode.KindInt {
		return fmt.Errorf("metadata: missing msg_type")
	}
	pieceVal, ok := hdr.Dict["piece"]
	if !ok || pieceVal.Kind != bencode.KindInt {
		return fmt.Errorf("metadata: missing piece index")
	}
	piece := int(pieceVal.Int)

	switch typeVal.Int {
	case msgTypeReject:
		return fmt.Errorf("%w: piece %d", ErrRejected, piece)
	case msgTypeRequest:
		// We never seed metadata; ignore requests for pieces we don't
		// have rather than replying, since we are download-only.
		return nil
	case msgTypeData:
		raw := payload[n:]
		start := piece * pieceSize
		if start < 0 || start > len(buf) {
			return fmt.Errorf("metadata: piece index %d out of range", piece)
		}
		end := start + len(raw)
		if end > len(buf) {
			return fmt.Errorf("metadata: piece %d overruns metadata_size", piece)
		}
		copy(buf[start:end], raw)
		received.set(piece)
		return nil
	default:
		return fmt.Errorf("metadata: unknown msg_type %d", typeVal.Int)
	}
}

type countingBitset struct {
	seen  []bool
	total int
	count int
}

func newCountingBitset(n int) *countingBitset { return &countingBitset{seen: make([]bool, n), total: n} }

func (c *countingBitset) set(i int) {
	if i < 0 || i >= len(c.seen) || c.seen[i] {
		return
	}
	c.seen[i] = true
	c.count++
}

func (c *countingBitset) allSet() bool { return c.count == c.total }

// FetchTimeout is the timeout callers wiring Fetch to a real net.Conn are
// expected to enforce via conn.SetDeadline; Fetch itself sets no deadline.
const FetchTimeout = 30 * time.Second
