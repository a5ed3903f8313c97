package page

import (
	"encoding/binary"
	"errors"
)

// MVV is the in-page representation of a key's value: either a single
// "primordial" version left over after pruning, or a series of versions
// tagged by the writer transaction that produced them. Layout (spec §3):
//
//	marker byte:
//	  0 = primordial value/antivalue follows (one VersionKind + payload)
//	  1 = multiple versions follow: varint count, then per version:
//	        handle (varint), VersionKind byte, payload
//
// VersionKind distinguishes an inline value, a long-record pointer, and an
// antivalue (deletion marker) so both the primordial and multi-version
// cases share one payload codec.
type VersionKind byte

const (
	VersionInline     VersionKind = 0
	VersionLongRecord VersionKind = 1
	VersionAntivalue  VersionKind = 2
)

const (
	mvvMarkerPrimordial = 0
	mvvMarkerMulti      = 1
)

var (
	ErrMalformedMVV = errors.New("page: malformed multi-version value")
)

// Version is one writer's contribution to an MVV.
type Version struct {
	Handle   uint32 // txn.Handle of the writer; ignored for primordial values
	Kind     VersionKind
	Inline   []byte // valid when Kind == VersionInline
	HeadAddr uint32 // valid when Kind == VersionLongRecord
	TotalLen uint64 // valid when Kind == VersionLongRecord
}

func (v Version) isDelete() bool { return v.Kind == VersionAntivalue }

func encodeVersionPayload(buf []byte, v Version) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case VersionInline:
		var vbuf [5]byte
		n := putUvarint32(vbuf[:], uint32(len(v.Inline)))
		buf = append(buf, vbuf[:n]...)
		buf = append(buf, v.Inline...)
	case VersionLongRecord:
		var tmp [12]byte
		binary.BigEndian.PutUint32(tmp[0:4], v.HeadAddr)
		binary.BigEndian.PutUint64(tmp[4:12], v.TotalLen)
		buf = append(buf, tmp[:]...)
	case VersionAntivalue:
		// no payload
	}
	return buf
}

func decodeVersionPayload(buf []byte) (Version, int, error) {
	if len(buf) < 1 {
		return Version{}, 0, ErrMalformedMVV
	}
	kind := VersionKind(buf[0])
	switch kind {
	case VersionInline:
		l, n := uvarint32(buf[1:])
		if n <= 0 {
			return Version{}, 0, ErrMalformedMVV
		}
		start := 1 + n
		if start+int(l) > len(buf) {
			return Version{}, 0, ErrMalformedMVV
		}
		return Version{Kind: kind, Inline: append([]byte(nil), buf[start:start+int(l)]...)}, start + int(l), nil
	case VersionLongRecord:
		if len(buf) < 1+12 {
			return Version{}, 0, ErrMalformedMVV
		}
		head := binary.BigEndian.Uint32(buf[1:5])
		total := binary.BigEndian.Uint64(buf[5:13])
		return Version{Kind: kind, HeadAddr: head, TotalLen: total}, 13, nil
	case VersionAntivalue:
		return Version{Kind: kind}, 1, nil
	default:
		return Version{}, 0, ErrMalformedMVV
	}
}

// EncodePrimordial encodes a single version with no writer attribution, the
// form an MVV takes once pruning has removed all concurrent versions.
func EncodePrimordial(v Version) []byte {
	buf := make([]byte, 0, 16+len(v.Inline))
	buf = append(buf, mvvMarkerPrimordial)
	return encodeVersionPayload(buf, v)
}

// EncodeMulti encodes a set of concurrent versions, ordered oldest-first.
func EncodeMulti(versions []Version) []byte {
	buf := make([]byte, 0, 32*len(versions))
	buf = append(buf, mvvMarkerMulti)
	var vbuf [5]byte
	n := putUvarint32(vbuf[:], uint32(len(versions)))
	buf = append(buf, vbuf[:n]...)
	for _, v := range versions {
		n := putUvarint32(vbuf[:], v.Handle)
		buf = append(buf, vbuf[:n]...)
		buf = encodeVersionPayload(buf, v)
	}
	return buf
}

// DecodeMVV parses a leaf cell's value bytes into its constituent versions.
// A primordial value decodes to a single-element slice with Handle 0.
func DecodeMVV(data []byte) ([]Version, error) {
	if len(data) == 0 {
		return nil, ErrMalformedMVV
	}
	switch data[0] {
	case mvvMarkerPrimordial:
		v, _, err := decodeVersionPayload(data[1:])
		if err != nil {
			return nil, err
		}
		return []Version{v}, nil
	case mvvMarkerMulti:
		count, n := uvarint32(data[1:])
		if n <= 0 {
			return nil, ErrMalformedMVV
		}
		off := 1 + n
		versions := make([]Version, 0, count)
		for i := uint32(0); i < count; i++ {
			handle, hn := uvarint32(data[off:])
			if hn <= 0 {
				return nil, ErrMalformedMVV
			}
			off += hn
			v, vn, err := decodeVersionPayload(data[off:])
			if err != nil {
				return nil, err
			}
			v.Handle = handle
			off += vn
			versions = append(versions, v)
		}
		return versions, nil
	default:
		return nil, ErrMalformedMVV
	}
}

// IsPrimordial reports whether the encoded MVV has already been pruned to a
// single value with no writer attribution.
func IsPrimordial(data []byte) bool {
	return len(data) > 0 && data[0] == mvvMarkerPrimordial
}

// IsMulti reports whether the encoded MVV still carries one or more
// writer-attributed versions subject to visibility checks and pruning.
func IsMulti(data []byte) bool {
	return len(data) > 0 && data[0] == mvvMarkerMulti
}

// IsDelete reports whether a decoded version represents a deletion.
func IsDelete(v Version) bool { return v.isDelete() }
