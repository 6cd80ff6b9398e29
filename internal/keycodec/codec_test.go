package keycodec

import (
	"math"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	values := []any{
		nil,
		false,
		true,
		float64(0),
		float64(-0.0),
		float64(42),
		float64(-42),
		float64(1.5e300),
		float64(-1.5e300),
		"",
		"hello",
		"with\x00nul",
		[]any{float64(1), float64(2), float64(3)},
		[]any{"a", "b"},
		map[string]any{"x": float64(1)},
	}

	for _, v := range values {
		enc := Encode(nil, v)
		dec, n, err := Decode(enc)
		if err != nil {
			t.Fatalf("decode(%v): %v", v, err)
		}
		if n != len(enc) {
			t.Fatalf("decode(%v): consumed %d, want %d", v, n, len(enc))
		}
		if !jsonEqual(v, dec) {
			t.Fatalf("round trip mismatch: %#v -> %#v", v, dec)
		}
	}
}

// TestNumericOrdering is the property from spec testable-property 5: encoded
// order must match numeric order across the negative/positive boundary and
// across magnitudes. A naive raw-bytes encoder fails this for exactly these
// pairs.
func TestNumericOrdering(t *testing.T) {
	pairs := [][2]float64{
		{-1, 1},
		{-100, -1},
		{-1.5e300, -1},
		{1, 1.5e300},
		{-math.SmallestNonzeroFloat64, 0},
		{math.SmallestNonzeroFloat64, 1},
		{-1, -math.SmallestNonzeroFloat64},
	}

	for _, p := range pairs {
		a, b := p[0], p[1]
		if !(a < b) {
			t.Fatalf("bad test data: %v is not < %v", a, b)
		}
		encA := Encode(nil, a)
		encB := Encode(nil, b)
		if Compare(encA, encB) >= 0 {
			t.Fatalf("encode(%v) >= encode(%v), want <", a, b)
		}
	}
}

func TestStringOrdering(t *testing.T) {
	pairs := [][2]string{
		{"a", "b"},
		{"", "a"},
		{"aa", "ab"},
		{"a", "aa"},
	}
	for _, p := range pairs {
		encA := Encode(nil, p[0])
		encB := Encode(nil, p[1])
		if Compare(encA, encB) >= 0 {
			t.Fatalf("encode(%q) >= encode(%q), want <", p[0], p[1])
		}
	}
}

func TestArrayPrefixExtendable(t *testing.T) {
	// The codec guarantees that the encoding of an array is extendable: the
	// encoding of [a] must be a byte-prefix of the encoding of [a, b].
	short := Encode(nil, []any{"tag"})
	long := Encode(nil, []any{"tag", "docA"})
	if len(long) <= len(short) {
		t.Fatalf("expected long encoding to be strictly longer")
	}
	for i := range short {
		if short[i] != long[i] {
			t.Fatalf("byte %d differs: short=%x long=%x", i, short[i], long[i])
		}
	}
}

func jsonEqual(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af == bf || (math.IsNaN(af) && math.IsNaN(bf))
	}
	aArr, aok := a.([]any)
	bArr, bok := b.([]any)
	if aok && bok {
		if len(aArr) != len(bArr) {
			return false
		}
		for i := range aArr {
			if !jsonEqual(aArr[i], bArr[i]) {
				return false
			}
		}
		return true
	}
	aMap, aok := a.(map[string]any)
	bMap, bok := b.(map[string]any)
	if aok && bok {
		if len(aMap) != len(bMap) {
			return false
		}
		for k, v := range aMap {
			bv, ok := bMap[k]
			if !ok || !jsonEqual(v, bv) {
				return false
			}
		}
		return true
	}
	return a == b
}
