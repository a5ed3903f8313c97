// Package journal implements the append-only write-ahead record stream:
// page images, transaction lifecycle markers, logical redo records, and
// checkpoints, spread across rolling files and flushed under a
// configurable durability policy.
package journal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// RecordKind identifies the wire-level shape of a journal record.
type RecordKind uint16

const (
	KindPageImage    RecordKind = 1 // PA: full page image
	KindPageMutation RecordKind = 2 // PM: incremental page image
	KindTxnStart     RecordKind = 3 // TS
	KindTxnCommit    RecordKind = 4 // TC
	KindStore        RecordKind = 5 // SR
	KindDelete       RecordKind = 6 // DR
	KindDeleteTree   RecordKind = 7 // DT
	KindCheckpoint   RecordKind = 8 // CP
	KindIdentity     RecordKind = 9 // IV
	KindJournalHead  RecordKind = 10 // JH
)

func (k RecordKind) String() string {
	switch k {
	case KindPageImage:
		return "PA"
	case KindPageMutation:
		return "PM"
	case KindTxnStart:
		return "TS"
	case KindTxnCommit:
		return "TC"
	case KindStore:
		return "SR"
	case KindDelete:
		return "DR"
	case KindDeleteTree:
		return "DT"
	case KindCheckpoint:
		return "CP"
	case KindIdentity:
		return "IV"
	case KindJournalHead:
		return "JH"
	default:
		return "??"
	}
}

// Record header layout: [u32 length | u16 kind | u16 checksum | u64 timestamp]
// followed by `length` bytes of payload. length counts only the payload.
// The checksum is the low 16 bits of the record's CRC32 Castagnoli,
// computed over kind + timestamp + payload — a 16-bit field is a
// corruption tripwire for crash recovery, not an integrity guarantee on
// par with a page's full 32-bit checksum.
const HeaderSize = 4 + 2 + 2 + 8

var (
	ErrTruncated        = errors.New("journal: truncated record")
	ErrChecksumMismatch = errors.New("journal: record checksum mismatch")
)

// Record is a decoded journal entry.
type Record struct {
	Kind      RecordKind
	Timestamp uint64
	Payload   []byte
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func checksum(kind RecordKind, timestamp uint64, payload []byte) uint16 {
	h := crc32.New(castagnoli)
	var hdr [10]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(kind))
	binary.BigEndian.PutUint64(hdr[2:10], timestamp)
	h.Write(hdr[:])
	h.Write(payload)
	return uint16(h.Sum32())
}

// Encode serializes a record for appending to the active file.
func Encode(kind RecordKind, timestamp uint64, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(kind))
	binary.BigEndian.PutUint16(buf[6:8], checksum(kind, timestamp, payload))
	binary.BigEndian.PutUint64(buf[8:16], timestamp)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode parses one record from the front of buf, returning the record
// and the number of bytes it consumed. ErrTruncated means buf holds an
// incomplete trailing record — normal at the tail of the active file.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < HeaderSize {
		return Record{}, 0, ErrTruncated
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	kind := RecordKind(binary.BigEndian.Uint16(buf[4:6]))
	wantSum := binary.BigEndian.Uint16(buf[6:8])
	timestamp := binary.BigEndian.Uint64(buf[8:16])
	total := HeaderSize + int(length)
	if len(buf) < total {
		return Record{}, 0, ErrTruncated
	}
	payload := buf[HeaderSize:total]
	if checksum(kind, timestamp, payload) != wantSum {
		return Record{}, 0, ErrChecksumMismatch
	}
	return Record{Kind: kind, Timestamp: timestamp, Payload: append([]byte(nil), payload...)}, total, nil
}

// --- payload codecs for the logical record kinds ---

// PageImagePayload is the PA/PM payload: a page image bound to a volume.
type PageImagePayload struct {
	VolumeID uint64
	PageAddr uint32
	Image    []byte
}

func EncodePageImage(p PageImagePayload) []byte {
	buf := make([]byte, 12+len(p.Image))
	binary.BigEndian.PutUint64(buf[0:8], p.VolumeID)
	binary.BigEndian.PutUint32(buf[8:12], p.PageAddr)
	copy(buf[12:], p.Image)
	return buf
}

func DecodePageImage(payload []byte) (PageImagePayload, error) {
	if len(payload) < 12 {
		return PageImagePayload{}, ErrTruncated
	}
	return PageImagePayload{
		VolumeID: binary.BigEndian.Uint64(payload[0:8]),
		PageAddr: binary.BigEndian.Uint32(payload[8:12]),
		Image:    append([]byte(nil), payload[12:]...),
	}, nil
}

// TxnCommitPayload is the TC payload.
type TxnCommitPayload struct {
	StartTS  uint64
	CommitTS uint64
}

func EncodeTxnCommit(p TxnCommitPayload) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], p.StartTS)
	binary.BigEndian.PutUint64(buf[8:16], p.CommitTS)
	return buf
}

func DecodeTxnCommit(payload []byte) (TxnCommitPayload, error) {
	if len(payload) < 16 {
		return TxnCommitPayload{}, ErrTruncated
	}
	return TxnCommitPayload{
		StartTS:  binary.BigEndian.Uint64(payload[0:8]),
		CommitTS: binary.BigEndian.Uint64(payload[8:16]),
	}, nil
}

// LogicalUpdatePayload is the SR/DR payload: a redo-level (tree, key,
// value) update. DT (drop tree) uses only Tree.
type LogicalUpdatePayload struct {
	Tree  string
	Key   []byte
	Value []byte
}

func EncodeLogicalUpdate(p LogicalUpdatePayload) []byte {
	buf := make([]byte, 0, 8+len(p.Tree)+len(p.Key)+len(p.Value))
	buf = appendLenPrefixed(buf, []byte(p.Tree))
	buf = appendLenPrefixed(buf, p.Key)
	buf = appendLenPrefixed(buf, p.Value)
	return buf
}

func DecodeLogicalUpdate(payload []byte) (LogicalUpdatePayload, error) {
	tree, rest, err := readLenPrefixed(payload)
	if err != nil {
		return LogicalUpdatePayload{}, err
	}
	key, rest, err := readLenPrefixed(rest)
	if err != nil {
		return LogicalUpdatePayload{}, err
	}
	value, _, err := readLenPrefixed(rest)
	if err != nil {
		return LogicalUpdatePayload{}, err
	}
	return LogicalUpdatePayload{Tree: string(tree), Key: key, Value: value}, nil
}

// CheckpointPayload is the CP payload.
type CheckpointPayload struct {
	CheckpointTS uint64
	BaseAddress  uint64
	ActiveTxn    []uint64 // start timestamps of transactions active at ct
}

func EncodeCheckpoint(p CheckpointPayload) []byte {
	buf := make([]byte, 16+4+8*len(p.ActiveTxn))
	binary.BigEndian.PutUint64(buf[0:8], p.CheckpointTS)
	binary.BigEndian.PutUint64(buf[8:16], p.BaseAddress)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(p.ActiveTxn)))
	off := 20
	for _, ts := range p.ActiveTxn {
		binary.BigEndian.PutUint64(buf[off:off+8], ts)
		off += 8
	}
	return buf
}

func DecodeCheckpoint(payload []byte) (CheckpointPayload, error) {
	if len(payload) < 20 {
		return CheckpointPayload{}, ErrTruncated
	}
	p := CheckpointPayload{
		CheckpointTS: binary.BigEndian.Uint64(payload[0:8]),
		BaseAddress:  binary.BigEndian.Uint64(payload[8:16]),
	}
	count := binary.BigEndian.Uint32(payload[16:20])
	off := 20
	for i := uint32(0); i < count; i++ {
		if off+8 > len(payload) {
			return CheckpointPayload{}, ErrTruncated
		}
		p.ActiveTxn = append(p.ActiveTxn, binary.BigEndian.Uint64(payload[off:off+8]))
		off += 8
	}
	return p, nil
}

func appendLenPrefixed(buf []byte, data []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func readLenPrefixed(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	if len(buf) < 4+int(n) {
		return nil, nil, ErrTruncated
	}
	return buf[4 : 4+n], buf[4+n:], nil
}
