// Package peerwire is a Sans-I/O driver for the BitTorrent peer wire
// protocol: it consumes bytes received from a peer and events issued by the
// owning session, and produces parsed messages and outbound byte frames. It
// owns no socket; all I/O is the caller's responsibility.
package peerwire

import (
	"encoding/binary"
)

// MessageID identifies a peer-wire message. KeepAlive has no wire id of its
// own; it is the zero-length message.
type MessageID int

const (
	KeepAlive   MessageID = -1
	Choke       MessageID = 0
	Unchoke     MessageID = 1
	Interest    MessageID = 2
	NotInterest MessageID = 3
	Have        MessageID = 4
	BitfieldID  MessageID = 5
	Request     MessageID = 6
	Piece       MessageID = 7
	Cancel      MessageID = 8
	Extended    MessageID = 20
)

// Message is a fully parsed peer-wire message.
type Message struct {
	ID MessageID

	// Have
	Index uint32

	// Request, Cancel
	Begin  uint32
	Length uint32

	// Bitfield
	BitfieldBytes []byte

	// Piece: Index and Begin above locate the block, Block is its payload
	Block []byte

	// Extended: id 0 is the extension handshake, ids negotiated for
	// other extensions are opaque to this package.
	ExtendedID      byte
	ExtendedPayload []byte
}

func encodeHeader(buf []byte, length uint32) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], length)
	return append(buf, hdr[:]...)
}

// EncodeKeepAlive returns the zero-length keepalive frame.
func EncodeKeepAlive() []byte { return encodeHeader(nil, 0) }

func encodeSimple(id MessageID) []byte {
	b := encodeHeader(nil, 1)
	return append(b, byte(id))
}

func EncodeChoke() []byte         { return encodeSimple(Choke) }
func EncodeUnchoke() []byte       { return encodeSimple(Unchoke) }
func EncodeInterested() []byte    { return encodeSimple(Interest) }
func EncodeNotInterested() []byte { return encodeSimple(NotInterest) }

func EncodeHave(index uint32) []byte {
	b := encodeHeader(nil, 5)
	b = append(b, byte(Have))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	return append(b, idx[:]...)
}

func EncodeBitfield(bits []byte) []byte {
	b := encodeHeader(nil, uint32(1+len(bits)))
	b = append(b, byte(BitfieldID))
	return append(b, bits...)
}

func encodeIndexBeginLength(id MessageID, index, begin, length uint32) []byte {
	b := encodeHeader(nil, 13)
	b = append(b, byte(id))
	var tmp [12]byte
	binary.BigEndian.PutUint32(tmp[0:4], index)
	binary.BigEndian.PutUint32(tmp[4:8], begin)
	binary.BigEndian.PutUint32(tmp[8:12], length)
	return append(b, tmp[:]...)
}

func EncodeRequest(index, begin, length uint32) []byte {
	return encodeIndexBeginLength(Request, index, begin, length)
}

func EncodeCancel(index, begin, length uint32) []byte {
	return encodeIndexBeginLength(Cancel, index, begin, length)
}

func EncodePiece(index, begin uint32, block []byte) []byte {
	b := encodeHeader(nil, uint32(9+len(block)))
	b = append(b, byte(Piece))
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[0:4], index)
	binary.BigEndian.PutUint32(tmp[4:8], begin)
	b = append(b, tmp[:]...)
	return append(b, block...)
}

func EncodeExtended(extendedID byte, payload []byte) []byte {
	b := encodeHeader(nil, uint32(2+len(payload)))
	b = append(b, byte(Extended), extendedID)
	return append(b, payload...)
}
