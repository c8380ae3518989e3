package peerwire

import (
	"errors"
	"fmt"

	"github.com/cenkalti/leech/torrent"
)

const (
	pstr         = "BitTorrent protocol"
	handshakeLen = 1 + len(pstr) + 8 + 20 + 20

	// extensionBitByte and extensionBitMask locate the BEP 10 extension
	// protocol flag within the 8 reserved handshake bytes: bit 0x10 of
	// the byte 5 from the left (equivalently, byte 2 from the right).
	extensionBitByte = 5
	extensionBitMask = 0x10
)

// ErrInfoHashMismatch is returned by the machine when a peer's handshake
// carries an info-hash different from the one this download expects.
var ErrInfoHashMismatch = errors.New("peerwire: info-hash mismatch")

// ErrBadHandshake is returned when the fixed handshake preamble doesn't
// match the expected protocol string.
var ErrBadHandshake = errors.New("peerwire: invalid handshake preamble")

// Handshake is the parsed 68-byte handshake preamble.
type Handshake struct {
	Extensions [8]byte
	InfoHash   torrent.InfoHash
	PeerID     torrent.PeerID
}

// ExtensionProtocol reports whether the peer advertised BEP 10 extension
// protocol support.
func (h Handshake) ExtensionProtocol() bool {
	return h.Extensions[extensionBitByte]&extensionBitMask != 0
}

// EncodeHandshake builds the outbound 68-byte handshake. Set extended to
// advertise BEP 10 extension protocol support.
func EncodeHandshake(infoHash torrent.InfoHash, peerID torrent.PeerID, extended bool) []byte {
	b := make([]byte, 0, handshakeLen)
	b = append(b, byte(len(pstr)))
	b = append(b, pstr...)
	var reserved [8]byte
	if extended {
		reserved[extensionBitByte] |= extensionBitMask
	}
	b = append(b, reserved[:]...)
	b = append(b, infoHash[:]...)
	b = append(b, peerID[:]...)
	return b
}

func parseHandshake(b []byte, want torrent.InfoHash) (Handshake, error) {
	var hs Handshake
	if len(b) != handshakeLen {
		return hs, fmt.Errorf("peerwire: short handshake")
	}
	if int(b[0]) != len(pstr) || string(b[1:1+len(pstr)]) != pstr {
		return hs, ErrBadHandshake
	}
	off := 1 + len(pstr)
	copy(hs.Extensions[:], b[off:off+8])
	off += 8
	copy(hs.InfoHash[:], b[off:off+20])
	off += 20
	copy(hs.PeerID[:], b[off:off+20])
	if hs.InfoHash != want {
		return hs, ErrInfoHashMismatch
	}
	return hs, nil
}
