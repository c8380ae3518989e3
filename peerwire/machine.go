package peerwire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cenkalti/leech/torrent"
)

// State is one of the machine's four states, driven purely by what has been
// fed to it and consumed from it.
type State int

const (
	AwaitingHandshake State = iota
	AwaitingBitfield
	Established
	Closed
)

// DefaultBlockSize is the block size the default message cap is sized for.
const DefaultBlockSize = 16 * 1024

// DefaultMaxMessageLength is the default cap on a length-prefixed message:
// one id byte, a piece message's 8-byte index/begin header, and one full
// block.
func DefaultMaxMessageLength() uint32 { return 1 + 8 + DefaultBlockSize }

var (
	ErrClosed             = errors.New("peerwire: machine is closed")
	ErrMessageTooLarge    = errors.New("peerwire: message length exceeds cap")
	ErrBitfieldAfterFirst = errors.New("peerwire: bitfield received after handshake window")
	ErrBadBitfieldLength  = errors.New("peerwire: bitfield length does not match piece count")
	ErrTruncatedMessage   = errors.New("peerwire: message truncated")
	ErrPieceIndexRange    = errors.New("peerwire: piece index out of range")
)

// EventKind distinguishes a parsed handshake from a parsed message.
type EventKind int

const (
	EventHandshake EventKind = iota
	EventMessage
)

// Event is what Next returns: either the parsed handshake (once, at the
// AwaitingHandshake -> AwaitingBitfield transition) or a parsed message.
type Event struct {
	Kind      EventKind
	Handshake Handshake
	Message   Message
}

// Machine is the Sans-I/O peer wire state machine. It has no socket: bytes
// arrive via Feed and outbound frames are produced by the Encode* helpers
// in message.go / handshake.go, which the caller writes to the transport.
type Machine struct {
	state     State
	ourHash   torrent.InfoHash
	numPieces uint32
	maxLen    uint32
	buf       []byte
}

// New creates a machine bound to the info-hash this download expects and
// the piece count needed to validate bitfield/have message bounds.
func New(ourInfoHash torrent.InfoHash, numPieces uint32) *Machine {
	return &Machine{
		ourHash:   ourInfoHash,
		numPieces: numPieces,
		maxLen:    DefaultMaxMessageLength(),
		state:     AwaitingHandshake,
	}
}

// State reports the machine's current state.
func (m *Machine) State() State { return m.state }

// SetMaxMessageLength overrides the default length-prefix cap.
func (m *Machine) SetMaxMessageLength(n uint32) { m.maxLen = n }

// Feed appends bytes received from the peer's transport to the machine's
// internal buffer. It performs no parsing by itself; call Next to drain
// parsed events.
func (m *Machine) Feed(b []byte) {
	m.buf = append(m.buf, b...)
}

// Next parses and returns the next available event. It returns (nil, nil)
// when the buffered bytes don't yet contain a whole event; the caller
// should Feed more and call Next again. Once Next returns a non-nil error,
// the machine transitions to Closed and every subsequent call returns
// ErrClosed.
func (m *Machine) Next() (*Event, error) {
	for {
		switch m.state {
		case Closed:
			return nil, ErrClosed
		case AwaitingHandshake:
			if len(m.buf) < handshakeLen {
				return nil, nil
			}
			hs, err := parseHandshake(m.buf[:handshakeLen], m.ourHash)
			if err != nil {
				m.state = Closed
				return nil, err
			}
			m.buf = m.buf[handshakeLen:]
			m.state = AwaitingBitfield
			return &Event{Kind: EventHandshake, Handshake: hs}, nil
		default:
			ev, more, err := m.nextMessage()
			if err != nil {
				m.state = Closed
				return nil, err
			}
			if ev == nil {
				if more {
					continue // unknown id dropped, try for another frame
				}
				return nil, nil
			}
			return ev, nil
		}
	}
}

// nextMessage parses one length-prefixed frame. more is true when a frame
// was consumed but produced no event (an unknown, silently-dropped id),
// meaning the caller should loop for another frame instead of blocking.
func (m *Machine) nextMessage() (ev *Event, more bool, err error) {
	if len(m.buf) < 4 {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(m.buf[:4])
	if length == 0 {
		m.buf = m.buf[4:]
		return &Event{Kind: EventMessage, Message: Message{ID: KeepAlive}}, false, nil
	}
	if length > m.maxLen {
		return nil, false, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, m.maxLen)
	}
	if uint32(len(m.buf)) < 4+length {
		return nil, false, nil
	}
	id := MessageID(m.buf[4])
	payload := m.buf[5 : 4+length]
	first := m.state == AwaitingBitfield
	m.state = Established
	m.buf = m.buf[4+length:]

	msg, err := parsePayload(id, payload, first, m.numPieces)
	if err != nil {
		return nil, false, err
	}
	if msg == nil {
		return nil, true, nil
	}
	return &Event{Kind: EventMessage, Message: *msg}, false, nil
}

func parsePayload(id MessageID, payload []byte, first bool, numPieces uint32) (*Message, error) {
	switch id {
	case Choke, Unchoke, Interest, NotInterest:
		return &Message{ID: id}, nil
	case Have:
		if len(payload) != 4 {
			return nil, fmt.Errorf("%w: have", ErrTruncatedMessage)
		}
		idx := binary.BigEndian.Uint32(payload)
		if numPieces == 0 {
			// Piece count isn't known yet (e.g. metadata bootstrap over a
			// magnet link); availability messages can't be validated, so
			// they're dropped like an unknown id rather than treated as
			// fatal protocol errors.
			return nil, nil
		}
		if idx >= numPieces {
			return nil, ErrPieceIndexRange
		}
		return &Message{ID: id, Index: idx}, nil
	case BitfieldID:
		if !first {
			return nil, ErrBitfieldAfterFirst
		}
		if numPieces == 0 {
			return nil, nil
		}
		want := (numPieces + 7) / 8
		if uint32(len(payload)) != want {
			return nil, ErrBadBitfieldLength
		}
		buf := make([]byte, len(payload))
		copy(buf, payload)
		return &Message{ID: id, BitfieldBytes: buf}, nil
	case Request, Cancel:
		if len(payload) != 12 {
			return nil, fmt.Errorf("%w: request/cancel", ErrTruncatedMessage)
		}
		return &Message{
			ID:     id,
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("%w: piece", ErrTruncatedMessage)
		}
		idx := binary.BigEndian.Uint32(payload[0:4])
		if numPieces > 0 && idx >= numPieces {
			return nil, ErrPieceIndexRange
		}
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		return &Message{
			ID:    id,
			Index: idx,
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Block: block,
		}, nil
	case Extended:
		if len(payload) < 1 {
			return nil, fmt.Errorf("%w: extended", ErrTruncatedMessage)
		}
		buf := make([]byte, len(payload)-1)
		copy(buf, payload[1:])
		return &Message{ID: id, ExtendedID: payload[0], ExtendedPayload: buf}, nil
	default:
		// Unknown ids are dropped, not fatal.
		return nil, nil
	}
}
