package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInt(t *testing.T) {
	v, err := Decode([]byte("i42e"))
	require.NoError(t, err)
	assert.Equal(t, KindInt, v.Kind)
	assert.EqualValues(t, 42, v.Int)

	v, err = Decode([]byte("i-3e"))
	require.NoError(t, err)
	assert.EqualValues(t, -3, v.Int)

	v, err = Decode([]byte("i0e"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.Int)
}

func TestDecodeIntRejectsNonMinimal(t *testing.T) {
	_, err := Decode([]byte("i03e"))
	assert.ErrorIs(t, err, ErrLeadingZero)

	_, err = Decode([]byte("i-0e"))
	assert.Error(t, err)
}

func TestDecodeString(t *testing.T) {
	v, err := Decode([]byte("4:spam"))
	require.NoError(t, err)
	assert.Equal(t, KindString, v.Kind)
	assert.Equal(t, "spam", string(v.Str))
}

func TestDecodeListAndDict(t *testing.T) {
	v, err := Decode([]byte("l4:spam4:eggse"))
	require.NoError(t, err)
	require.Len(t, v.List, 2)
	assert.Equal(t, "spam", string(v.List[0].Str))

	v, err = Decode([]byte("d3:cow3:moo4:spam4:eggse"))
	require.NoError(t, err)
	assert.Equal(t, "moo", string(v.Dict["cow"].Str))
	assert.Equal(t, "eggs", string(v.Dict["spam"].Str))
	assert.Equal(t, []string{"cow", "spam"}, v.Keys)
}

func TestDecodeRejectsUnsortedOrDuplicateKeys(t *testing.T) {
	_, err := Decode([]byte("d4:spam4:eggs3:cow3:mooe"))
	assert.ErrorIs(t, err, ErrUnsortedKeys)

	_, err = Decode([]byte("d3:cow3:moo3:cow3:baae"))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	_, err := Decode([]byte("i1eextra"))
	assert.ErrorIs(t, err, ErrTrailingData)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte("d3:cow3:moo"))
	assert.ErrorIs(t, err, ErrUnexpectedEOF)

	_, err = Decode([]byte("5:hi"))
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestRawByteRange(t *testing.T) {
	src := []byte("d4:infod6:lengthi10eee")
	v, err := Decode(src)
	require.NoError(t, err)
	info := v.Dict["info"]
	assert.Equal(t, "d6:lengthi10ee", string(info.Raw(src)))
}

func TestEncodeCanonicalOrder(t *testing.T) {
	m := map[string]interface{}{
		"spam": []byte("eggs"),
		"cow":  []byte("moo"),
	}
	got := Encode(m)
	assert.Equal(t, "d3:cow3:moo4:spam4:eggse", string(got))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := []byte("d3:agei30e4:name5:alice6:pieces9:iiiiiiiiie")
	v, err := Decode(original)
	require.NoError(t, err)

	back := map[string]interface{}{}
	for _, k := range v.Keys {
		item := v.Dict[k]
		switch item.Kind {
		case KindInt:
			back[k] = item.Int
		case KindString:
			back[k] = item.Str
		}
	}
	assert.Equal(t, original, Encode(back))
}
