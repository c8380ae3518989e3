package storage

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/leech/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePieceSpanningTwoFiles(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		PieceLength: 32 * 1024,
		Files: []metainfo.File{
			{Path: "a.bin", Length: 20 * 1024, GlobalOffset: 0},
			{Path: "b.bin", Length: 12 * 1024, GlobalOffset: 20 * 1024},
		},
		TotalLength: 32 * 1024,
	}
	payload := make([]byte, 32*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	info.Pieces = [][20]byte{sha1.Sum(payload)}

	w, err := Open(info, dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WritePiece(0, payload))

	a, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload[:20*1024], a)

	b, err := os.ReadFile(filepath.Join(dir, "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload[20*1024:], b)

	ok, err := w.VerifyPiece(0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyPieceDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	info := &metainfo.Info{
		PieceLength: 16,
		Files:       []metainfo.File{{Path: "f.bin", Length: 16}},
		TotalLength: 16,
	}
	data := make([]byte, 16)
	info.Pieces = [][20]byte{sha1.Sum(data)}

	w, err := Open(info, dir)
	require.NoError(t, err)
	defer w.Close()

	corrupt := make([]byte, 16)
	corrupt[0] = 0xff
	require.NoError(t, w.WritePiece(0, corrupt))

	ok, err := w.VerifyPiece(0)
	require.NoError(t, err)
	assert.False(t, ok)
}
