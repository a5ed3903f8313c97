package page

import (
	"bytes"
	"math/big"
	"sort"
	"testing"
)

func TestSentinelOrdering(t *testing.T) {
	k := NewBuilder().AppendInt(-1000000).Bytes()
	if bytes.Compare(Before, k) >= 0 {
		t.Fatal("BEFORE must sort before any real key")
	}
	if bytes.Compare(k, After) >= 0 {
		t.Fatal("any real key must sort before AFTER")
	}
	if !Before.IsBefore() || !After.IsAfter() {
		t.Fatal("sentinel classification broken")
	}
}

func TestIntOrderingAndRoundTrip(t *testing.T) {
	values := []int64{-1 << 40, -1000, -1, 0, 1, 1000, 1 << 40}
	var keys []Key
	for _, v := range values {
		keys = append(keys, NewBuilder().AppendInt(v).Bytes())
	}
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			t.Fatalf("int encoding not monotonic at %d: %v vs %v", i, values[i-1], values[i])
		}
	}
	for i, v := range values {
		segs, err := Segments(keys[i])
		if err != nil {
			t.Fatal(err)
		}
		if len(segs) != 1 || segs[0].Int != v {
			t.Fatalf("round trip failed for %d: got %+v", v, segs)
		}
	}
}

func TestUintOrdering(t *testing.T) {
	values := []uint64{0, 1, 255, 256, 1 << 40}
	var keys []Key
	for _, v := range values {
		keys = append(keys, NewBuilder().AppendUint(v).Bytes())
	}
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			t.Fatalf("uint encoding not monotonic at index %d", i)
		}
	}
}

func TestFloatOrdering(t *testing.T) {
	values := []float64{-100.5, -1.0, -0.001, 0, 0.001, 1.0, 100.5}
	var keys []Key
	for _, v := range values {
		keys = append(keys, NewBuilder().AppendFloat64(v).Bytes())
	}
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			t.Fatalf("float64 encoding not monotonic at index %d (%v vs %v)", i, values[i-1], values[i])
		}
	}
	for i, v := range values {
		segs, err := Segments(keys[i])
		if err != nil {
			t.Fatal(err)
		}
		if segs[0].Float64 != v {
			t.Fatalf("round trip failed for %v: got %v", v, segs[0].Float64)
		}
	}
}

func TestBoolAndNullOrdering(t *testing.T) {
	n := NewBuilder().AppendNull().Bytes()
	f := NewBuilder().AppendBool(false).Bytes()
	tt := NewBuilder().AppendBool(true).Bytes()
	i := NewBuilder().AppendInt(0).Bytes()

	if !(bytes.Compare(n, f) < 0 && bytes.Compare(f, tt) < 0 && bytes.Compare(tt, i) < 0) {
		t.Fatalf("type ordering violated: null=%v bool-false=%v bool-true=%v int=%v", n, f, tt, i)
	}
}

func TestBytesAndStringQuoting(t *testing.T) {
	a := NewBuilder().AppendBytes([]byte{0x00, 0x01}).Bytes()
	b := NewBuilder().AppendBytes([]byte{0x00, 0x02}).Bytes()
	if bytes.Compare(a, b) >= 0 {
		t.Fatal("escaped zero bytes must preserve order")
	}

	segs, err := Segments(a)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(segs[0].Bytes, []byte{0x00, 0x01}) {
		t.Fatalf("round trip failed: got %v", segs[0].Bytes)
	}

	short := NewBuilder().AppendString("ab").Bytes()
	long := NewBuilder().AppendString("abc").Bytes()
	if bytes.Compare(short, long) >= 0 {
		t.Fatal("prefix string must sort before its extension")
	}
}

func TestBigIntRoundTripAndOrdering(t *testing.T) {
	vals := []*big.Int{
		big.NewInt(-1000000000000),
		big.NewInt(-5),
		big.NewInt(0),
		big.NewInt(5),
		big.NewInt(1000000000000),
	}
	var keys []Key
	for _, v := range vals {
		b := NewBuilder()
		if _, err := b.AppendBigInt(v); err != nil {
			t.Fatal(err)
		}
		keys = append(keys, b.Bytes())
	}
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			t.Fatalf("bigint ordering violated at %d (%v vs %v)", i, vals[i-1], vals[i])
		}
	}
	for i, v := range vals {
		segs, err := Segments(keys[i])
		if err != nil {
			t.Fatal(err)
		}
		if segs[0].BigInt.Cmp(v) != 0 {
			t.Fatalf("round trip failed: got %v want %v", segs[0].BigInt, v)
		}
	}
}

func TestBigDecimalRoundTrip(t *testing.T) {
	cases := []BigDecimal{
		{Unscaled: big.NewInt(0), Scale: 0},
		{Unscaled: big.NewInt(12345), Scale: 2},  // 123.45
		{Unscaled: big.NewInt(-12345), Scale: 2}, // -123.45
		{Unscaled: big.NewInt(100), Scale: 2},    // 1.00 -> normalizes to 1
	}
	for _, c := range cases {
		b := NewBuilder()
		if _, err := b.AppendBigDecimal(c); err != nil {
			t.Fatal(err)
		}
		segs, err := Segments(b.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		got := segs[0].BigDecimal
		wantVal := decimalValue(c)
		gotVal := decimalValue(got)
		if wantVal.Cmp(gotVal) != 0 {
			t.Fatalf("decimal value mismatch: want %v got %v", wantVal, gotVal)
		}
	}
}

func TestBigDecimalOrdering(t *testing.T) {
	small := BigDecimal{Unscaled: big.NewInt(5), Scale: 1}    // 0.5
	big1 := BigDecimal{Unscaled: big.NewInt(150), Scale: 1}   // 15.0
	neg := BigDecimal{Unscaled: big.NewInt(-150), Scale: 1}   // -15.0

	var ks []Key
	for _, d := range []BigDecimal{neg, small, big1} {
		b := NewBuilder()
		if _, err := b.AppendBigDecimal(d); err != nil {
			t.Fatal(err)
		}
		ks = append(ks, b.Bytes())
	}
	if !sort.SliceIsSorted(ks, func(i, j int) bool { return bytes.Compare(ks[i], ks[j]) < 0 }) {
		t.Fatalf("decimal ordering violated: %v", ks)
	}
}

// decimalValue converts a BigDecimal to a big.Rat for comparison in tests.
func decimalValue(d BigDecimal) *big.Rat {
	r := new(big.Rat).SetInt(d.Unscaled)
	absScale := d.Scale
	if absScale < 0 {
		absScale = -absScale
	}
	pow10 := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(absScale)), nil)
	if d.Scale >= 0 {
		r.Quo(r, new(big.Rat).SetInt(pow10))
	} else {
		r.Mul(r, new(big.Rat).SetInt(pow10))
	}
	return r
}

func TestKeyValidate(t *testing.T) {
	if err := Validate(Before, 100); err != ErrKeyIsSentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if err := Validate(Key{}, 100); err != ErrKeyIsSentinel {
		// Before and empty key are the same representation; documented.
		t.Fatalf("expected sentinel error for empty key, got %v", err)
	}
	long := NewBuilder().AppendBytes(bytes.Repeat([]byte("x"), 300)).Bytes()
	if err := Validate(long, 100); err != ErrKeyTooLong {
		t.Fatalf("expected too-long error, got %v", err)
	}
	ok := NewBuilder().AppendString("hello").Bytes()
	if err := Validate(ok, 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
