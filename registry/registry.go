// Package registry implements the piece registry (coordinator): the
// authoritative, single-owner map of piece state and block-level request
// accounting across peers, including endgame behavior at the tail of a
// download.
package registry

import (
	"crypto/sha1"
	"fmt"
	"sort"
	"sync"

	"github.com/cenkalti/leech/metainfo"
	"github.com/cenkalti/leech/torrent"
	"github.com/cenkalti/leech/xlog"
)

var log = xlog.New("registry")

// State is a piece's lifecycle state. Complete is terminal.
type State int

const (
	Absent State = iota
	InFlight
	Complete
)

// BlockSize is the fixed block granularity requests are made at, except
// for the final block of the final piece.
const BlockSize = 16 * 1024

// OnComplete is invoked with a piece's verified bytes once its SHA-1
// matches; the registry itself does not touch the filesystem.
type OnComplete func(index int, data []byte)

// Registry is the piece registry. All exported methods lock internally, so
// from the caller's point of view every operation is synchronous and
// linearizable, satisfying the "single owner" requirement without needing
// callers to route through an explicit channel.
type Registry struct {
	mu sync.Mutex

	info    *metainfo.Info
	pieces  []*pieceState
	peerHas map[torrent.PeerID]map[int]struct{}

	absentCount      int
	unsatisfiedInFlt int
	endgame          bool
	endgameThreshold int

	onComplete OnComplete
}

type reservationKey struct {
	index int
	begin uint32
}

type pieceState struct {
	index   int
	state   State
	length  int64
	hash    [metainfo.HashSize]byte
	blocks  []blockState
	holders map[torrent.PeerID]struct{}
	data    []byte
}

type blockState struct {
	begin       uint32
	length      uint32
	satisfied   bool
	requestedBy map[torrent.PeerID]struct{}
}

// New builds a registry for info with every piece Absent. endgameThreshold
// is the number of unsatisfied blocks, summed across all InFlight pieces,
// at or below which endgame activates once no Absent piece remains. One
// piece's worth of blocks is used here.
func New(info *metainfo.Info, onComplete OnComplete) *Registry {
	r := &Registry{
		info:       info,
		peerHas:    make(map[torrent.PeerID]map[int]struct{}),
		onComplete: onComplete,
	}
	r.pieces = make([]*pieceState, info.NumPieces())
	for i := range r.pieces {
		r.pieces[i] = newPieceState(info, i)
	}
	r.absentCount = len(r.pieces)
	r.endgameThreshold = blocksInPiece(info, 0)
	return r
}

func newPieceState(info *metainfo.Info, index int) *pieceState {
	length := info.PieceLen(index)
	p := &pieceState{
		index:   index,
		state:   Absent,
		length:  length,
		hash:    info.Pieces[index],
		holders: make(map[torrent.PeerID]struct{}),
	}
	var begin int64
	for begin < length {
		blen := int64(BlockSize)
		if begin+blen > length {
			blen = length - begin
		}
		p.blocks = append(p.blocks, blockState{begin: uint32(begin), length: uint32(blen)})
		begin += blen
	}
	return p
}

func blocksInPiece(info *metainfo.Info, index int) int {
	return len(newPieceState(info, index).blocks)
}

// SeedComplete marks pieces already verified on disk (via resume) as
// Complete without invoking OnComplete, since their bytes are already
// where they belong.
func (r *Registry) SeedComplete(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pieces[index]
	if p.state == Complete {
		return
	}
	if p.state == Absent {
		r.absentCount--
	}
	p.state = Complete
	p.data = nil
}

// Available records that peerID has piece index, per the peer's `have` or
// `bitfield` message.
func (r *Registry) Available(peerID torrent.PeerID, index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markHolder(peerID, index)
}

func (r *Registry) markHolder(peerID torrent.PeerID, index int) {
	if index < 0 || index >= len(r.pieces) {
		return
	}
	set, ok := r.peerHas[peerID]
	if !ok {
		set = make(map[int]struct{})
		r.peerHas[peerID] = set
	}
	set[index] = struct{}{}
	r.pieces[index].holders[peerID] = struct{}{}
}

// State reports a piece's current state.
func (r *Registry) State(index int) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pieces[index].state
}

// Complete reports whether every piece is Complete.
func (r *Registry) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.absentCount == 0 && r.unsatisfiedInFlt == 0
}

// Reservation is a block a peer session should now request.
type Reservation struct {
	Index  int
	Begin  uint32
	Length uint32
}

// Reserve returns an unrequested block that peerID has, or ok=false if
// there is nothing left to give this peer right now.
func (r *Registry) Reserve(peerID torrent.PeerID) (Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updateEndgame()

	if idx, ok := r.pickInFlight(peerID); ok {
		if res, ok := r.reserveBlockIn(idx, peerID, r.endgame); ok {
			return res, true
		}
	}

	if idx, ok := r.pickAbsentToPromote(peerID); ok {
		r.promote(idx)
		if res, ok := r.reserveBlockIn(idx, peerID, false); ok {
			return res, true
		}
	}

	return Reservation{}, false
}

// pickInFlight returns the rarest InFlight piece the peer has that still
// has a reservable block for it.
func (r *Registry) pickInFlight(peerID torrent.PeerID) (int, bool) {
	var candidates []int
	for i, p := range r.pieces {
		if p.state != InFlight {
			continue
		}
		if _, has := r.peerHas[peerID][i]; !has {
			continue
		}
		if r.hasReservableBlock(i, peerID, r.endgame) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Slice(candidates, func(a, b int) bool {
		return len(r.pieces[candidates[a]].holders) < len(r.pieces[candidates[b]].holders)
	})
	return candidates[0], true
}

func (r *Registry) pickAbsentToPromote(peerID torrent.PeerID) (int, bool) {
	var candidates []int
	for i, p := range r.pieces {
		if p.state != Absent {
			continue
		}
		if _, has := r.peerHas[peerID][i]; !has {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Slice(candidates, func(a, b int) bool {
		return len(r.pieces[candidates[a]].holders) < len(r.pieces[candidates[b]].holders)
	})
	return candidates[0], true
}

func (r *Registry) promote(index int) {
	p := r.pieces[index]
	p.state = InFlight
	p.data = make([]byte, p.length)
	r.absentCount--
	r.unsatisfiedInFlt += len(p.blocks)
}

func (r *Registry) hasReservableBlock(index int, peerID torrent.PeerID, endgame bool) bool {
	for _, b := range r.pieces[index].blocks {
		if b.satisfied {
			continue
		}
		if len(b.requestedBy) == 0 {
			return true
		}
		if endgame {
			if _, already := b.requestedBy[peerID]; !already {
				return true
			}
		}
	}
	return false
}

// reserveBlockIn hands out the lowest-offset reservable block of piece
// index to peerID.
func (r *Registry) reserveBlockIn(index int, peerID torrent.PeerID, endgame bool) (Reservation, bool) {
	p := r.pieces[index]
	for i := range p.blocks {
		b := &p.blocks[i]
		if b.satisfied {
			continue
		}
		if len(b.requestedBy) == 0 || (endgame && !hasKey(b.requestedBy, peerID)) {
			if b.requestedBy == nil {
				b.requestedBy = make(map[torrent.PeerID]struct{})
			}
			b.requestedBy[peerID] = struct{}{}
			return Reservation{Index: index, Begin: b.begin, Length: b.length}, true
		}
	}
	return Reservation{}, false
}

func hasKey(m map[torrent.PeerID]struct{}, k torrent.PeerID) bool {
	_, ok := m[k]
	return ok
}

// updateEndgame flips into endgame once every remaining Absent piece has
// been promoted and the outstanding InFlight block count is small.
func (r *Registry) updateEndgame() {
	if r.endgame {
		return
	}
	if r.absentCount == 0 && r.unsatisfiedInFlt > 0 && r.unsatisfiedInFlt <= r.endgameThreshold {
		r.endgame = true
		log.Infoln("entering endgame,", r.unsatisfiedInFlt, "blocks outstanding")
	}
}

// CancelHint is returned by Deliver when, in endgame, a delivered block
// makes redundant requests to other peers obsolete; the caller (session
// layer) should send a `cancel` to each.
type CancelHint struct {
	Peer   torrent.PeerID
	Index  int
	Begin  uint32
	Length uint32
}

// Deliver records a received block payload. If the delivery completes the
// piece, its SHA-1 is checked: on match the piece becomes Complete and
// OnComplete is invoked with the assembled bytes; on mismatch the piece
// reverts to InFlight with all blocks cleared, and misbehaved reports the
// offending peer via the second return value.
func (r *Registry) Deliver(peerID torrent.PeerID, index int, begin uint32, payload []byte) (cancels []CancelHint, misbehaved bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.pieces) {
		return nil, true, fmt.Errorf("registry: delivered piece index %d out of range", index)
	}
	p := r.pieces[index]
	if p.state != InFlight {
		return nil, false, nil // stale/duplicate delivery, tolerated
	}

	bi := blockIndexAt(p, begin)
	if bi < 0 {
		return nil, true, fmt.Errorf("registry: delivered unexpected block begin=%d for piece %d", begin, index)
	}
	b := &p.blocks[bi]
	if uint32(len(payload)) != b.length {
		return nil, true, fmt.Errorf("registry: delivered block length %d != expected %d", len(payload), b.length)
	}

	if b.satisfied {
		return nil, false, nil // second delivery of an endgame block: first counts
	}

	copy(p.data[begin:int64(begin)+int64(len(payload))], payload)
	b.satisfied = true
	r.unsatisfiedInFlt--

	if r.endgame {
		for other := range b.requestedBy {
			if other != peerID {
				cancels = append(cancels, CancelHint{Peer: other, Index: index, Begin: begin, Length: b.length})
			}
		}
	}

	if !allSatisfied(p) {
		return cancels, false, nil
	}

	sum := sha1.Sum(p.data)
	if sum != p.hash {
		log.Warningf("piece %d failed hash check, reverting", index)
		revertPiece(p)
		r.unsatisfiedInFlt += len(p.blocks)
		return cancels, true, nil
	}

	p.state = Complete
	data := p.data
	p.data = nil
	if r.onComplete != nil {
		r.onComplete(index, data)
	}
	return cancels, false, nil
}

func blockIndexAt(p *pieceState, begin uint32) int {
	for i, b := range p.blocks {
		if b.begin == begin {
			return i
		}
	}
	return -1
}

func allSatisfied(p *pieceState) bool {
	for _, b := range p.blocks {
		if !b.satisfied {
			return false
		}
	}
	return true
}

func revertPiece(p *pieceState) {
	for i := range p.blocks {
		p.blocks[i].satisfied = false
		p.blocks[i].requestedBy = nil
	}
	for i := range p.data {
		p.data[i] = 0
	}
}

// Release reverts every outstanding reservation held by peerID, making
// those blocks available to other peers. It does not affect the peer's
// recorded `peer_has` availability.
func (r *Registry) Release(peerID torrent.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pieces {
		if p.state != InFlight {
			continue
		}
		for i := range p.blocks {
			delete(p.blocks[i].requestedBy, peerID)
		}
	}
}

// Disconnect releases peerID's reservations and removes it from every
// piece's holder set, so rarest-first accounting reflects only currently
// connected peers.
func (r *Registry) Disconnect(peerID torrent.PeerID) {
	r.Release(peerID)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pieces {
		delete(r.pieces[i].holders, peerID)
	}
	delete(r.peerHas, peerID)
}
