package storage

import (
	"fmt"
	"time"

	"github.com/cenkalti/leech/bitfield"
	"github.com/cenkalti/leech/torrent"
	bolt "go.etcd.io/bbolt"
)

var (
	resumeBucket    = []byte("leech-resume")
	keyInfoHash     = []byte("info-hash")
	keyBitfield     = []byte("bitfield")
	keyNumPieces    = []byte("num-pieces")
)

// Resume is the small sidecar database recording, for one torrent, its
// info-hash and the bitset of pieces already verified complete. It is
// self-describing: a sidecar written for a different torrent is rejected
// rather than silently misapplied.
type Resume struct {
	db *bolt.DB
}

// OpenResume opens (creating if necessary) the sidecar at path.
func OpenResume(path string) (*Resume, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: opening resume db: %w", err)
	}
	return &Resume{db: db}, nil
}

func (r *Resume) Close() error { return r.db.Close() }

// Load returns the saved complete-pieces bitfield if the sidecar was
// written for infoHash with the same piece count, or (nil, false) if the
// sidecar is empty or belongs to a different torrent.
func (r *Resume) Load(infoHash torrent.InfoHash, numPieces uint32) (*bitfield.Bitfield, bool, error) {
	var bits *bitfield.Bitfield
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(resumeBucket)
		if b == nil {
			return nil
		}
		savedHash := b.Get(keyInfoHash)
		if savedHash == nil || string(savedHash) != string(infoHash[:]) {
			return nil // sidecar for a different (or no) torrent
		}
		raw := b.Get(keyBitfield)
		savedNumPieces := b.Get(keyNumPieces)
		if raw == nil || savedNumPieces == nil {
			return nil
		}
		if decodeUint32(savedNumPieces) != numPieces {
			return nil // sidecar predates a metainfo change; treat as absent
		}
		buf := make([]byte, len(raw))
		copy(buf, raw)
		bits = bitfield.NewBytes(buf, numPieces)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("storage: reading resume db: %w", err)
	}
	return bits, found, nil
}

// Save overwrites the sidecar with the current complete-pieces bitfield.
func (r *Resume) Save(infoHash torrent.InfoHash, bits *bitfield.Bitfield) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(resumeBucket)
		if err != nil {
			return err
		}
		if err := b.Put(keyInfoHash, infoHash[:]); err != nil {
			return err
		}
		if err := b.Put(keyBitfield, bits.Bytes()); err != nil {
			return err
		}
		return b.Put(keyNumPieces, encodeUint32(uint32(bits.Len())))
	})
}

func encodeUint32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func decodeUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
