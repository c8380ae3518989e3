package metainfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTorrentBytes(t *testing.T, infoDict string) []byte {
	t.Helper()
	return []byte("d8:announce17:http://tracker.io4:info" + infoDict + "e")
}

func TestParseSingleFile(t *testing.T) {
	pieces := "00000000000000000000" + "11111111111111111111"
	info := "d6:lengthi40960e4:name5:a.txt12:piece lengthi32768e6:pieces" +
		"" + itoa(len(pieces)) + ":" + pieces + "e"
	raw := makeTorrentBytes(t, info)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", m.Name)
	assert.EqualValues(t, 32768, m.PieceLength)
	assert.Equal(t, 2, m.NumPieces())
	assert.EqualValues(t, 40960, m.TotalLength)
	require.Len(t, m.Files, 1)
	assert.Equal(t, "a.txt", m.Files[0].Path)
	assert.EqualValues(t, [][]string{{"http://tracker.io"}}, m.AnnounceList)
}

func TestParseMultiFile(t *testing.T) {
	pieces := "00000000000000000000" + "11111111111111111111"
	files := "l" +
		"d6:lengthi20480e4:pathl5:a.txtee" +
		"d6:lengthi20480e4:pathl5:b.txteee"
	info := "d5:files" + files + "4:name4:root12:piece lengthi32768e6:pieces" +
		itoa(len(pieces)) + ":" + pieces + "e"
	raw := makeTorrentBytes(t, info)

	m, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	assert.Equal(t, "root/a.txt", m.Files[0].Path)
	assert.Equal(t, "root/b.txt", m.Files[1].Path)
	assert.EqualValues(t, 0, m.Files[0].GlobalOffset)
	assert.EqualValues(t, 20480, m.Files[1].GlobalOffset)
	assert.EqualValues(t, 40960, m.TotalLength)

	secs := m.FlattenedPiece(0)
	require.Len(t, secs, 2)
	assert.Equal(t, 0, secs[0].FileIndex)
	assert.EqualValues(t, 20480, secs[0].Length)
	assert.Equal(t, 1, secs[1].FileIndex)
	assert.EqualValues(t, 12288, secs[1].Length)
}

func TestParseRejectsBadPieceLength(t *testing.T) {
	info := "d6:lengthi70e4:name5:a.txt12:piece lengthi0e6:pieces20:00000000000000000000e"
	_, err := Parse(makeTorrentBytes(t, info))
	assert.Error(t, err)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
