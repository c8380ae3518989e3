// Package metainfo builds the immutable torrent description from a parsed
// bencode mapping: info-hash, piece hashes and the flattened file layout.
package metainfo

import (
	"crypto/sha1"
	"fmt"

	"github.com/cenkalti/leech/bencode"
	"github.com/cenkalti/leech/torrent"
)

const HashSize = sha1.Size

// File describes one file in the (possibly multi-file) target layout,
// flattened into a single ordered sequence with its offset into the
// concatenated piece stream.
type File struct {
	Path         string
	Length       int64
	GlobalOffset int64
}

// Info is the immutable, validated description of a torrent, built once
// per download and never mutated afterward.
type Info struct {
	InfoHash     torrent.InfoHash
	Name         string
	PieceLength  int64
	Pieces       [][HashSize]byte
	Files        []File
	TotalLength  int64
	AnnounceList [][]string // BEP 12 tiers; a bare `announce` becomes a single one-URL tier
}

// NumPieces returns the number of pieces in the torrent.
func (i *Info) NumPieces() int { return len(i.Pieces) }

// PieceLen returns the length of piece index idx, accounting for the
// (possibly shorter) final piece.
func (i *Info) PieceLen(idx int) int64 {
	if idx == len(i.Pieces)-1 {
		return i.TotalLength - int64(idx)*i.PieceLength
	}
	return i.PieceLength
}

// Parse builds an Info from the raw bytes of a .torrent file.
func Parse(raw []byte) (*Info, error) {
	top, err := bencode.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: decoding top level: %w", err)
	}
	if top.Kind != bencode.KindDict {
		return nil, fmt.Errorf("metainfo: top level is not a dictionary")
	}
	infoVal, ok := top.Dict["info"]
	if !ok {
		return nil, fmt.Errorf("metainfo: missing info dictionary")
	}
	if infoVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("metainfo: info is not a dictionary")
	}

	hash := sha1.Sum(infoVal.Raw(raw))

	info := &Info{InfoHash: torrent.InfoHash(hash)}

	if name, ok := infoVal.Dict["name"]; ok && name.Kind == bencode.KindString {
		info.Name = string(name.Str)
	}

	plVal, ok := infoVal.Dict["piece length"]
	if !ok || plVal.Kind != bencode.KindInt || plVal.Int <= 0 {
		return nil, fmt.Errorf("metainfo: invalid piece length")
	}
	info.PieceLength = plVal.Int

	piecesVal, ok := infoVal.Dict["pieces"]
	if !ok || piecesVal.Kind != bencode.KindString {
		return nil, fmt.Errorf("metainfo: missing pieces")
	}
	if len(piecesVal.Str)%HashSize != 0 {
		return nil, fmt.Errorf("metainfo: pieces length not a multiple of %d", HashSize)
	}
	numPieces := len(piecesVal.Str) / HashSize
	info.Pieces = make([][HashSize]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(info.Pieces[i][:], piecesVal.Str[i*HashSize:(i+1)*HashSize])
	}

	if err := buildFiles(info, infoVal); err != nil {
		return nil, err
	}

	pieceCount := int64(numPieces)
	if pieceCount == 0 || info.TotalLength <= 0 {
		return nil, fmt.Errorf("metainfo: empty torrent")
	}
	maxTotal := pieceCount * info.PieceLength
	minTotal := (pieceCount - 1) * info.PieceLength
	if info.TotalLength > maxTotal || info.TotalLength <= minTotal {
		return nil, fmt.Errorf("metainfo: total length %d inconsistent with %d pieces of length %d", info.TotalLength, pieceCount, info.PieceLength)
	}

	info.AnnounceList = buildAnnounceList(top)

	return info, nil
}

func buildFiles(info *Info, infoVal bencode.Value) error {
	if lenVal, ok := infoVal.Dict["length"]; ok {
		if lenVal.Kind != bencode.KindInt || lenVal.Int < 0 {
			return fmt.Errorf("metainfo: invalid length")
		}
		info.Files = []File{{Path: info.Name, Length: lenVal.Int, GlobalOffset: 0}}
		info.TotalLength = lenVal.Int
		return nil
	}

	filesVal, ok := infoVal.Dict["files"]
	if !ok || filesVal.Kind != bencode.KindList {
		return fmt.Errorf("metainfo: neither length nor files present")
	}
	if len(filesVal.List) == 0 {
		return fmt.Errorf("metainfo: files list is empty")
	}
	var offset int64
	for _, fv := range filesVal.List {
		if fv.Kind != bencode.KindDict {
			return fmt.Errorf("metainfo: file entry is not a dictionary")
		}
		lenVal, ok := fv.Dict["length"]
		if !ok || lenVal.Kind != bencode.KindInt || lenVal.Int < 0 {
			return fmt.Errorf("metainfo: file entry missing valid length")
		}
		pathVal, ok := fv.Dict["path"]
		if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
			return fmt.Errorf("metainfo: file entry missing path")
		}
		path := info.Name
		for _, comp := range pathVal.List {
			if comp.Kind != bencode.KindString {
				return fmt.Errorf("metainfo: path component is not a string")
			}
			path += "/" + string(comp.Str)
		}
		info.Files = append(info.Files, File{Path: path, Length: lenVal.Int, GlobalOffset: offset})
		offset += lenVal.Int
	}
	info.TotalLength = offset
	return nil
}

func buildAnnounceList(top bencode.Value) [][]string {
	if listVal, ok := top.Dict["announce-list"]; ok && listVal.Kind == bencode.KindList {
		var tiers [][]string
		for _, tierVal := range listVal.List {
			if tierVal.Kind != bencode.KindList {
				continue
			}
			var tier []string
			for _, urlVal := range tierVal.List {
				if urlVal.Kind == bencode.KindString {
					tier = append(tier, string(urlVal.Str))
				}
			}
			if len(tier) > 0 {
				tiers = append(tiers, tier)
			}
		}
		if len(tiers) > 0 {
			return tiers
		}
	}
	if announceVal, ok := top.Dict["announce"]; ok && announceVal.Kind == bencode.KindString {
		return [][]string{{string(announceVal.Str)}}
	}
	return nil
}

// FlattenedPiece maps a piece index to the (file, offset, length) sections
// it spans, walking the flattened file layout.
func (i *Info) FlattenedPiece(idx int) []FileSection {
	start := int64(idx) * i.PieceLength
	end := start + i.PieceLen(idx)
	var sections []FileSection
	for fi, f := range i.Files {
		fStart := f.GlobalOffset
		fEnd := fStart + f.Length
		if fEnd <= start || fStart >= end {
			continue
		}
		secStart := max64(start, fStart)
		secEnd := min64(end, fEnd)
		sections = append(sections, FileSection{
			FileIndex:  fi,
			FileOffset: secStart - fStart,
			PieceRange: [2]int64{secStart - start, secEnd - start},
			Length:     secEnd - secStart,
		})
	}
	return sections
}

// FileSection is one contiguous slice of a piece's payload that belongs to
// a single target file.
type FileSection struct {
	FileIndex  int
	FileOffset int64
	PieceRange [2]int64 // [start,end) offset within the piece payload
	Length     int64
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
