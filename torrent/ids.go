// Package torrent holds identifiers shared across the download pipeline:
// info-hashes and peer ids.
package torrent

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"fmt"
)

// InfoHash is the SHA-1 of the bencoded info dictionary, identifying a
// torrent.
type InfoHash [sha1.Size]byte

// NewInfoHashString parses a 40-character hex or 32-character base32
// encoded info-hash, as accepted in a magnet URI's xt parameter.
func NewInfoHashString(s string) (InfoHash, error) {
	var h InfoHash
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return h, fmt.Errorf("torrent: invalid hex info-hash: %w", err)
		}
		copy(h[:], b)
		return h, nil
	case 32:
		b, err := base32.StdEncoding.DecodeString(s)
		if err != nil {
			return h, fmt.Errorf("torrent: invalid base32 info-hash: %w", err)
		}
		copy(h[:], b)
		return h, nil
	default:
		return h, fmt.Errorf("torrent: info-hash must be 40 hex or 32 base32 characters, got %d", len(s))
	}
}

func (h InfoHash) String() string { return hex.EncodeToString(h[:]) }

func (h InfoHash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// PeerID is the 20-byte self-identifier a client sends in every handshake
// and tracker announce.
type PeerID [20]byte

func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// clientPrefix follows the Azureus-style convention: two letters, four
// version digits, surrounded by dashes.
const clientPrefix = "-LE0001-"

// NewPeerID generates a random peer id with the client's identifying
// prefix.
func NewPeerID() (PeerID, error) {
	var p PeerID
	copy(p[:], clientPrefix)
	if _, err := rand.Read(p[len(clientPrefix):]); err != nil {
		return p, fmt.Errorf("torrent: generating peer id: %w", err)
	}
	return p, nil
}
