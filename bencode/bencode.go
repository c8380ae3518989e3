// Package bencode implements the BEncoding used by the BitTorrent metainfo
// and tracker wire formats: signed integers, byte strings, lists and
// dictionaries with byte-string keys.
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// Kind identifies the type of a decoded Value.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Value is a decoded bencode value together with the exact byte range it
// occupied in the source buffer it was parsed from. The byte range lets
// callers (metainfo, most importantly) recompute a SHA-1 over the verbatim
// bytes of a sub-value such as the info dictionary.
type Value struct {
	Kind  Kind
	Int   int64
	Str   []byte
	List  []Value
	Dict  map[string]Value
	Keys  []string // dictionary keys in on-wire order (for re-encoding fidelity)
	Start int
	End   int
}

var (
	ErrUnexpectedEOF = errors.New("bencode: unexpected end of input")
	ErrSyntax        = errors.New("bencode: invalid syntax")
	ErrDuplicateKey  = errors.New("bencode: duplicate dictionary key")
	ErrLeadingZero   = errors.New("bencode: non-minimal integer encoding")
	ErrTrailingData  = errors.New("bencode: trailing data after value")
	ErrUnsortedKeys  = errors.New("bencode: dictionary keys not in ascending order")
)

// Decode parses the single bencode value at the start of b and requires that
// it consumes the entire buffer, rejecting trailing garbage.
func Decode(b []byte) (Value, error) {
	v, n, err := decodeAt(b, 0)
	if err != nil {
		return Value{}, err
	}
	if n != len(b) {
		return Value{}, ErrTrailingData
	}
	return v, nil
}

// DecodePrefix parses the single bencode value at offset start and returns
// the offset immediately following it, allowing callers to decode a stream
// of concatenated values (as tracker UDP-esque framing never needs, but the
// metadata exchange's "bencoded header followed by raw bytes" framing does).
func DecodePrefix(b []byte, start int) (Value, int, error) {
	return decodeAt(b, start)
}

func decodeAt(b []byte, start int) (Value, int, error) {
	if start >= len(b) {
		return Value{}, 0, ErrUnexpectedEOF
	}
	switch b[start] {
	case 'i':
		return decodeInt(b, start)
	case 'l':
		return decodeList(b, start)
	case 'd':
		return decodeDict(b, start)
	default:
		if b[start] >= '0' && b[start] <= '9' {
			return decodeString(b, start)
		}
		return Value{}, 0, fmt.Errorf("%w: unexpected token %q at offset %d", ErrSyntax, b[start], start)
	}
}

func decodeInt(b []byte, start int) (Value, int, error) {
	end := bytes.IndexByte(b[start:], 'e')
	if end < 0 {
		return Value{}, 0, ErrUnexpectedEOF
	}
	end += start
	digits := b[start+1 : end]
	if len(digits) == 0 {
		return Value{}, 0, fmt.Errorf("%w: empty integer", ErrSyntax)
	}
	neg := digits[0] == '-'
	unsigned := digits
	if neg {
		unsigned = digits[1:]
		if len(unsigned) == 0 {
			return Value{}, 0, fmt.Errorf("%w: bare minus", ErrSyntax)
		}
	}
	if unsigned[0] == '0' && len(unsigned) > 1 {
		return Value{}, 0, ErrLeadingZero
	}
	if neg && unsigned[0] == '0' {
		return Value{}, 0, fmt.Errorf("%w: negative zero", ErrSyntax)
	}
	var n int64
	for _, c := range unsigned {
		if c < '0' || c > '9' {
			return Value{}, 0, fmt.Errorf("%w: non-digit in integer", ErrSyntax)
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return Value{Kind: KindInt, Int: n, Start: start, End: end + 1}, end + 1, nil
}

func decodeString(b []byte, start int) (Value, int, error) {
	colon := bytes.IndexByte(b[start:], ':')
	if colon < 0 {
		return Value{}, 0, ErrUnexpectedEOF
	}
	colon += start
	lenDigits := b[start:colon]
	if len(lenDigits) == 0 || (lenDigits[0] == '0' && len(lenDigits) > 1) {
		return Value{}, 0, fmt.Errorf("%w: invalid string length prefix", ErrSyntax)
	}
	var n int64
	for _, c := range lenDigits {
		if c < '0' || c > '9' {
			return Value{}, 0, fmt.Errorf("%w: non-digit in string length", ErrSyntax)
		}
		n = n*10 + int64(c-'0')
	}
	dataStart := colon + 1
	dataEnd := dataStart + int(n)
	if dataEnd > len(b) || dataEnd < dataStart {
		return Value{}, 0, ErrUnexpectedEOF
	}
	return Value{Kind: KindString, Str: b[dataStart:dataEnd], Start: start, End: dataEnd}, dataEnd, nil
}

func decodeList(b []byte, start int) (Value, int, error) {
	pos := start + 1
	var items []Value
	for {
		if pos >= len(b) {
			return Value{}, 0, ErrUnexpectedEOF
		}
		if b[pos] == 'e' {
			pos++
			break
		}
		v, next, err := decodeAt(b, pos)
		if err != nil {
			return Value{}, 0, err
		}
		items = append(items, v)
		pos = next
	}
	return Value{Kind: KindList, List: items, Start: start, End: pos}, pos, nil
}

func decodeDict(b []byte, start int) (Value, int, error) {
	pos := start + 1
	dict := make(map[string]Value)
	var keys []string
	prevKey := ""
	for {
		if pos >= len(b) {
			return Value{}, 0, ErrUnexpectedEOF
		}
		if b[pos] == 'e' {
			pos++
			break
		}
		keyVal, next, err := decodeString(b, pos)
		if err != nil {
			return Value{}, 0, err
		}
		key := string(keyVal.Str)
		if len(keys) > 0 && key <= prevKey {
			if key == prevKey {
				return Value{}, 0, ErrDuplicateKey
			}
			return Value{}, 0, ErrUnsortedKeys
		}
		prevKey = key
		val, next2, err := decodeAt(b, next)
		if err != nil {
			return Value{}, 0, err
		}
		dict[key] = val
		keys = append(keys, key)
		pos = next2
	}
	return Value{Kind: KindDict, Dict: dict, Keys: keys, Start: start, End: pos}, pos, nil
}

// Raw returns the verbatim bytes of the value as it appeared in the source
// buffer, without re-encoding, which is required for info-hash computation.
func (v Value) Raw(source []byte) []byte {
	return source[v.Start:v.End]
}

// Encode produces the canonical bencoding of a Go value tree built from
// int/int64, []byte/string, []interface{} and map[string]interface{},
// with dictionary keys emitted in ascending lexicographic order regardless
// of insertion order. Any other type, including Value, panics.
func Encode(v interface{}) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v interface{}) {
	switch x := v.(type) {
	case int:
		encodeInt(buf, int64(x))
	case int64:
		encodeInt(buf, x)
	case string:
		encodeString(buf, []byte(x))
	case []byte:
		encodeString(buf, x)
	case []interface{}:
		buf.WriteByte('l')
		for _, item := range x {
			encodeInto(buf, item)
		}
		buf.WriteByte('e')
	case map[string]interface{}:
		buf.WriteByte('d')
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			encodeString(buf, []byte(k))
			encodeInto(buf, x[k])
		}
		buf.WriteByte('e')
	default:
		panic(fmt.Sprintf("bencode: unsupported type %T", v))
	}
}

func encodeInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte('i')
	fmt.Fprintf(buf, "%d", n)
	buf.WriteByte('e')
}

func encodeString(buf *bytes.Buffer, s []byte) {
	fmt.Fprintf(buf, "%d:", len(s))
	buf.Write(s)
}
