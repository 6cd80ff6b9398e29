package aggregator

import (
	"encoding/binary"
	"fmt"

	"github.com/docdbgo/docdb/internal/keycodec"
)

// Op identifies how a stale aggregator row's recipe should be recomputed
// (spec §4.7.1/§4.7.2). The byte values are all below 0x20, so they never
// collide with the first byte of a json.Marshal'd authoritative value
// (which always starts with one of '{', '[', '"', a digit, '-', 't', 'f'
// or 'n' — all >= 0x22). That disjointness is what lets a reader tell a
// recipe row from an authoritative one by its first byte alone (spec
// invariant 6).
type Op byte

const (
	OpFind   Op = 0x01
	OpPrefix Op = 0x02
	OpRange  Op = 0x03
)

// recipe is the on-disk payload of a stale aggregator row: the opcode that
// named it stale, the arguments needed to reopen the matching iterator on
// the source view, and the caller's opaque per-result-key value.
type recipe struct {
	op           Op
	key          any // Find, Prefix
	fromKey      any // Range
	toKey        any // Range
	includeUpper bool
	userVal      any
}

func putLenPrefixed(buf []byte, chunk []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(chunk)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, chunk...)
	return buf
}

func takeLenPrefixed(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("aggregator: truncated recipe argument")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("aggregator: truncated recipe argument body")
	}
	return b[:n], b[n:], nil
}

// encodeRecipe serializes r as <op><args><userVal>, the userVal occupying
// the remainder of the value with no length prefix since it's last.
func encodeRecipe(r recipe) []byte {
	buf := []byte{byte(r.op)}
	switch r.op {
	case OpFind, OpPrefix:
		buf = putLenPrefixed(buf, keycodec.Encode(nil, r.key))
	case OpRange:
		buf = putLenPrefixed(buf, keycodec.Encode(nil, r.fromKey))
		buf = putLenPrefixed(buf, keycodec.Encode(nil, r.toKey))
		if r.includeUpper {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	buf = append(buf, keycodec.Encode(nil, r.userVal)...)
	return buf
}

// isRecipe reports whether value's first byte is a recipe opcode rather
// than the start of a json.Marshal'd authoritative value.
func isRecipe(value []byte) bool {
	if len(value) == 0 {
		return false
	}
	switch Op(value[0]) {
	case OpFind, OpPrefix, OpRange:
		return true
	default:
		return false
	}
}

func decodeRecipe(b []byte) (recipe, error) {
	if len(b) < 1 {
		return recipe{}, fmt.Errorf("aggregator: empty recipe row")
	}
	op := Op(b[0])
	b = b[1:]
	r := recipe{op: op}

	switch op {
	case OpFind, OpPrefix:
		chunk, rest, err := takeLenPrefixed(b)
		if err != nil {
			return recipe{}, err
		}
		k, _, err := keycodec.Decode(chunk)
		if err != nil {
			return recipe{}, fmt.Errorf("aggregator: decode recipe key: %w", err)
		}
		r.key = k
		b = rest
	case OpRange:
		fromChunk, rest, err := takeLenPrefixed(b)
		if err != nil {
			return recipe{}, err
		}
		toChunk, rest, err := takeLenPrefixed(rest)
		if err != nil {
			return recipe{}, err
		}
		if len(rest) < 1 {
			return recipe{}, fmt.Errorf("aggregator: truncated recipe includeUpper byte")
		}
		fromKey, _, err := keycodec.Decode(fromChunk)
		if err != nil {
			return recipe{}, fmt.Errorf("aggregator: decode recipe fromKey: %w", err)
		}
		toKey, _, err := keycodec.Decode(toChunk)
		if err != nil {
			return recipe{}, fmt.Errorf("aggregator: decode recipe toKey: %w", err)
		}
		r.fromKey = fromKey
		r.toKey = toKey
		r.includeUpper = rest[0] != 0
		b = rest[1:]
	default:
		return recipe{}, fmt.Errorf("aggregator: unknown recipe opcode %d", op)
	}

	if len(b) > 0 {
		uv, _, err := keycodec.Decode(b)
		if err != nil {
			return recipe{}, fmt.Errorf("aggregator: decode recipe userVal: %w", err)
		}
		r.userVal = uv
	}
	return r, nil
}
