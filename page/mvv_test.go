package page

import (
	"bytes"
	"testing"
)

func TestPrimordialRoundTrip(t *testing.T) {
	enc := EncodePrimordial(Version{Kind: VersionInline, Inline: []byte("hello")})
	if !IsPrimordial(enc) {
		t.Fatal("expected primordial marker")
	}
	versions, err := DecodeMVV(enc)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || !bytes.Equal(versions[0].Inline, []byte("hello")) {
		t.Fatalf("unexpected decode: %+v", versions)
	}
}

func TestPrimordialAntivalue(t *testing.T) {
	enc := EncodePrimordial(Version{Kind: VersionAntivalue})
	versions, err := DecodeMVV(enc)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || !IsDelete(versions[0]) {
		t.Fatalf("expected antivalue, got %+v", versions)
	}
}

func TestMultiVersionRoundTrip(t *testing.T) {
	in := []Version{
		{Handle: 1, Kind: VersionInline, Inline: []byte("v1")},
		{Handle: 2, Kind: VersionInline, Inline: []byte("v2")},
		{Handle: 3, Kind: VersionAntivalue},
	}
	enc := EncodeMulti(in)
	if IsPrimordial(enc) {
		t.Fatal("should not be primordial")
	}
	out, err := DecodeMVV(enc)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d versions, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Handle != in[i].Handle || out[i].Kind != in[i].Kind {
			t.Fatalf("version %d mismatch: got %+v want %+v", i, out[i], in[i])
		}
		if in[i].Kind == VersionInline && !bytes.Equal(out[i].Inline, in[i].Inline) {
			t.Fatalf("version %d inline mismatch", i)
		}
	}
}

func TestLongRecordVersion(t *testing.T) {
	enc := EncodePrimordial(Version{Kind: VersionLongRecord, HeadAddr: 99, TotalLen: 123456})
	versions, err := DecodeMVV(enc)
	if err != nil {
		t.Fatal(err)
	}
	if versions[0].HeadAddr != 99 || versions[0].TotalLen != 123456 {
		t.Fatalf("unexpected decode: %+v", versions[0])
	}
}
