package codec

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"
)

// Value type tags. Every encoded value is prefixed with one of these bytes.
const (
	TagUint8   = 0x80
	TagUint16  = 0x81
	TagUint32  = 0x82
	TagUint64  = 0x83
	TagBuffer  = 0x85
	TagString  = 0x86
	TagExtra   = 0x87 // reserved for values with no native representation
	TagInt8    = 0x88
	TagInt16   = 0x89
	TagInt32   = 0x90
	TagInt64   = 0x91
	TagFloat   = 0x92
	TagDouble  = 0x93
)

// floatStringBudget is the string-length cutoff that decides float32 vs
// float64 precision for non-integral numbers. The decimal representation,
// not the magnitude, drives the choice; firmware boards rely on this rule
// so it must not change.
const floatStringBudget = 5

// Encode serializes a heterogeneous value sequence into a tagged byte buffer.
//
// Supported inputs: all Go integer types, float32, float64, string, []byte.
// Integers are stored in the smallest width that fits: non-negative values
// use the unsigned tags (<256, <65536, <2^32, else 64-bit), negative values
// the mirrored signed tags. Integral float64 values take the integer path.
// Any other value is JSON-serialized and stored as a string.
//
// Multi-byte fields are little-endian. Returns nil for an empty sequence.
func Encode(values ...any) []byte {
	if len(values) == 0 {
		return nil
	}

	buf := make([]byte, 0, 16*len(values))
	for _, v := range values {
		buf = appendValue(buf, v)
	}
	return buf
}

func appendValue(buf []byte, v any) []byte {
	switch n := v.(type) {
	case uint8:
		return appendUint(buf, uint64(n))
	case uint16:
		return appendUint(buf, uint64(n))
	case uint32:
		return appendUint(buf, uint64(n))
	case uint64:
		return appendUint(buf, n)
	case uint:
		return appendUint(buf, uint64(n))
	case int8:
		return appendInt(buf, int64(n))
	case int16:
		return appendInt(buf, int64(n))
	case int32:
		return appendInt(buf, int64(n))
	case int64:
		return appendInt(buf, n)
	case int:
		return appendInt(buf, int64(n))
	case float32:
		// Explicit float32 always keeps the single-precision tag
		buf = append(buf, TagFloat)
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(n))
	case float64:
		return appendNumber(buf, n)
	case string:
		buf = append(buf, TagString)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n)))
		return append(buf, n...)
	case []byte:
		buf = append(buf, TagBuffer)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n)))
		return append(buf, n...)
	default:
		// JSON-like objects ride the wire as serialized strings
		data, err := json.Marshal(v)
		if err != nil {
			data = []byte("null")
		}
		buf = append(buf, TagString)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
		return append(buf, data...)
	}
}

// appendNumber encodes an untyped number: integral values route through the
// integer width selection, non-integral values pick float32 or float64 by
// the length of their decimal string form.
func appendNumber(buf []byte, n float64) []byte {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		buf = append(buf, TagDouble)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(n))
	}
	if n == math.Trunc(n) {
		if n >= 0 {
			return appendUint(buf, uint64(n))
		}
		return appendInt(buf, int64(n))
	}

	s := strconv.FormatFloat(n, 'g', -1, 64)
	if len(s)-1 > floatStringBudget {
		buf = append(buf, TagDouble)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(n))
	}
	buf = append(buf, TagFloat)
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(n)))
}

func appendUint(buf []byte, n uint64) []byte {
	switch {
	case n < 256:
		return append(buf, TagUint8, byte(n))
	case n < 65536:
		buf = append(buf, TagUint16)
		return binary.LittleEndian.AppendUint16(buf, uint16(n))
	case n < 4294967296:
		buf = append(buf, TagUint32)
		return binary.LittleEndian.AppendUint32(buf, uint32(n))
	default:
		buf = append(buf, TagUint64)
		return binary.LittleEndian.AppendUint64(buf, n)
	}
}

func appendInt(buf []byte, n int64) []byte {
	if n >= 0 {
		return appendUint(buf, uint64(n))
	}
	switch {
	case n >= -128:
		return append(buf, TagInt8, byte(n))
	case n >= -32768:
		buf = append(buf, TagInt16)
		return binary.LittleEndian.AppendUint16(buf, uint16(n))
	case n >= -2147483648:
		buf = append(buf, TagInt32)
		return binary.LittleEndian.AppendUint32(buf, uint32(n))
	default:
		buf = append(buf, TagInt64)
		return binary.LittleEndian.AppendUint64(buf, uint64(n))
	}
}

// Decode parses a tagged byte buffer back into a value sequence.
//
// Decoded types mirror the tags exactly: uint8..uint64, int8..int64,
// float32, float64, string and []byte. Decoding fails closed: a truncated
// or malformed buffer yields an empty (non-nil) slice, never a partial
// result or a panic.
func Decode(buf []byte) []any {
	values, _, ok := decode(buf, false)
	if !ok {
		return []any{}
	}
	return values
}

// DecodeNamed decodes buf and maps the positional values onto the supplied
// keys. Positions past the end of the decoded sequence become nil entries.
// With no names it behaves like Decode wrapped in an empty map contract:
// callers get a map keyed by names only.
func DecodeNamed(buf []byte, names []string) map[string]any {
	obj := make(map[string]any, len(names))
	values, _, ok := decode(buf, false)
	if !ok {
		return obj
	}
	for i, name := range names {
		if i > len(values)-1 {
			obj[name] = nil
		} else {
			obj[name] = values[i]
		}
	}
	return obj
}

// Located is a decoded value annotated with its position in the buffer.
// The offset points at the first payload byte (after the tag and, for
// strings and buffers, after the length prefix).
type Located struct {
	Value  any
	Offset int
	Length int
}

// DecodeOffsets decodes buf and reports each value's byte offset and
// length alongside the value itself. Used for frame inspection tooling,
// not by the router.
func DecodeOffsets(buf []byte) []Located {
	_, located, ok := decode(buf, true)
	if !ok {
		return []Located{}
	}
	return located
}

func decode(buf []byte, withOffsets bool) ([]any, []Located, bool) {
	if len(buf) == 0 {
		return nil, nil, false
	}

	var values []any
	var located []Located

	push := func(v any, offset, length int) {
		if withOffsets {
			located = append(located, Located{Value: v, Offset: offset, Length: length})
		} else {
			values = append(values, v)
		}
	}

	offset := 0
	for offset < len(buf) {
		tag := buf[offset]
		offset++

		switch tag {
		case TagUint8, TagInt8:
			if len(buf)-offset < 1 {
				return nil, nil, false
			}
			if tag == TagUint8 {
				push(buf[offset], offset, 1)
			} else {
				push(int8(buf[offset]), offset, 1)
			}
			offset++

		case TagUint16, TagInt16:
			if len(buf)-offset < 2 {
				return nil, nil, false
			}
			raw := binary.LittleEndian.Uint16(buf[offset:])
			if tag == TagUint16 {
				push(raw, offset, 2)
			} else {
				push(int16(raw), offset, 2)
			}
			offset += 2

		case TagUint32, TagInt32:
			if len(buf)-offset < 4 {
				return nil, nil, false
			}
			raw := binary.LittleEndian.Uint32(buf[offset:])
			if tag == TagUint32 {
				push(raw, offset, 4)
			} else {
				push(int32(raw), offset, 4)
			}
			offset += 4

		case TagUint64, TagInt64:
			if len(buf)-offset < 8 {
				return nil, nil, false
			}
			raw := binary.LittleEndian.Uint64(buf[offset:])
			if tag == TagUint64 {
				push(raw, offset, 8)
			} else {
				push(int64(raw), offset, 8)
			}
			offset += 8

		case TagFloat:
			if len(buf)-offset < 4 {
				return nil, nil, false
			}
			push(math.Float32frombits(binary.LittleEndian.Uint32(buf[offset:])), offset, 4)
			offset += 4

		case TagDouble:
			if len(buf)-offset < 8 {
				return nil, nil, false
			}
			push(math.Float64frombits(binary.LittleEndian.Uint64(buf[offset:])), offset, 8)
			offset += 8

		case TagBuffer:
			if len(buf)-offset < 4 {
				return nil, nil, false
			}
			length := int(binary.LittleEndian.Uint32(buf[offset:]))
			offset += 4
			if len(buf)-offset < length {
				return nil, nil, false
			}
			data := make([]byte, length)
			copy(data, buf[offset:offset+length])
			push(data, offset, length)
			offset += length

		case TagString, TagExtra:
			if len(buf)-offset < 4 {
				return nil, nil, false
			}
			length := int(binary.LittleEndian.Uint32(buf[offset:]))
			offset += 4
			if len(buf)-offset < length {
				return nil, nil, false
			}
			push(string(buf[offset:offset+length]), offset, length)
			offset += length

		default:
			// Unknown tag: the cursor cannot advance safely
			return nil, nil, false
		}
	}

	if values == nil {
		values = []any{}
	}
	return values, located, true
}
