// Package wal implements the write-ahead log and page-checkpoint/recovery
// machinery of spec §4.6 and the wire format of spec §6: an append-only
// log of committed transactions' relation deltas, fsynced after every
// record, plus a directory of whole-page checkpoints. Recovery (ReplayAll)
// reads only the log, never the checkpoints.
package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/moodb/moodb/internal/store/storeerr"
)

// DeltaKind tags one key/value change within a relation delta.
type DeltaKind uint8

const (
	DeltaInsert DeltaKind = iota
	DeltaUpdate
	DeltaDelete
)

// Delta is one key (and, except for deletes, value) change.
type Delta struct {
	Kind  DeltaKind
	Key   []byte
	Value []byte // absent (nil) for DeltaDelete
}

// RelationDelta batches every delta a committed transaction made to one
// relation.
type RelationDelta struct {
	RelationID uint32
	Deltas     []Delta
}

// Record is one committed transaction's WAL entry: per spec §6, a header
// of {commit-ts, record-length, relation-count, body checksum} followed
// by each relation's deltas.
type Record struct {
	CommitTS  uint64
	Relations []RelationDelta
}

// Encode serializes r into the exact wire format of spec §6:
//
//	header: u64 commit-ts, u32 record-length, u32 relation-count, u32 checksum-of-body
//	body:   per-relation { u32 relation-id, u32 delta-count, deltas }
//	delta:  u8 kind, u32 key-len, key bytes, u32 value-len, value bytes (absent for delete)
func (r Record) Encode() []byte {
	var body bytes.Buffer
	for _, rel := range r.Relations {
		writeU32(&body, rel.RelationID)
		writeU32(&body, uint32(len(rel.Deltas)))
		for _, d := range rel.Deltas {
			body.WriteByte(byte(d.Kind))
			writeU32(&body, uint32(len(d.Key)))
			body.Write(d.Key)
			if d.Kind == DeltaDelete {
				writeU32(&body, 0)
			} else {
				writeU32(&body, uint32(len(d.Value)))
				body.Write(d.Value)
			}
		}
	}
	bodyBytes := body.Bytes()
	checksum := crc32.ChecksumIEEE(bodyBytes)

	var out bytes.Buffer
	writeU64(&out, r.CommitTS)
	recordLen := uint32(headerSize + len(bodyBytes))
	writeU32(&out, recordLen)
	writeU32(&out, uint32(len(r.Relations)))
	writeU32(&out, checksum)
	out.Write(bodyBytes)
	return out.Bytes()
}

// headerSize is the fixed {commit-ts, record-length, relation-count,
// checksum} prefix.
const headerSize = 8 + 4 + 4 + 4

// Decode parses one record from the head of buf and returns it along with
// the number of bytes consumed. It returns storeerr.ErrCorruptWAL if the
// header claims more bytes than buf holds or the checksum does not match
// — the recovery path truncates the WAL tail at this point rather than
// treating it as fatal, per spec §4.6's "partial write handling".
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < headerSize {
		return Record{}, 0, fmt.Errorf("wal: truncated header: %w", storeerr.ErrCorruptWAL)
	}
	commitTS := binary.LittleEndian.Uint64(buf[0:8])
	recordLen := binary.LittleEndian.Uint32(buf[8:12])
	relCount := binary.LittleEndian.Uint32(buf[12:16])
	checksum := binary.LittleEndian.Uint32(buf[16:20])

	if int(recordLen) > len(buf) || recordLen < headerSize {
		return Record{}, 0, fmt.Errorf("wal: record length %d exceeds available %d bytes: %w", recordLen, len(buf), storeerr.ErrCorruptWAL)
	}
	body := buf[headerSize:recordLen]
	if crc32.ChecksumIEEE(body) != checksum {
		return Record{}, 0, fmt.Errorf("wal: checksum mismatch: %w", storeerr.ErrCorruptWAL)
	}

	rec := Record{CommitTS: commitTS}
	off := 0
	for i := uint32(0); i < relCount; i++ {
		if off+8 > len(body) {
			return Record{}, 0, fmt.Errorf("wal: truncated relation header: %w", storeerr.ErrCorruptWAL)
		}
		relID := binary.LittleEndian.Uint32(body[off : off+4])
		deltaCount := binary.LittleEndian.Uint32(body[off+4 : off+8])
		off += 8

		rd := RelationDelta{RelationID: relID}
		for j := uint32(0); j < deltaCount; j++ {
			if off+1+4 > len(body) {
				return Record{}, 0, fmt.Errorf("wal: truncated delta: %w", storeerr.ErrCorruptWAL)
			}
			kind := DeltaKind(body[off])
			off++
			keyLen := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			if off+int(keyLen) > len(body) {
				return Record{}, 0, fmt.Errorf("wal: truncated key: %w", storeerr.ErrCorruptWAL)
			}
			key := append([]byte(nil), body[off:off+int(keyLen)]...)
			off += int(keyLen)

			if off+4 > len(body) {
				return Record{}, 0, fmt.Errorf("wal: truncated value length: %w", storeerr.ErrCorruptWAL)
			}
			valLen := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			var value []byte
			if kind != DeltaDelete {
				if off+int(valLen) > len(body) {
					return Record{}, 0, fmt.Errorf("wal: truncated value: %w", storeerr.ErrCorruptWAL)
				}
				value = append([]byte(nil), body[off:off+int(valLen)]...)
				off += int(valLen)
			}
			rd.Deltas = append(rd.Deltas, Delta{Kind: kind, Key: key, Value: value})
		}
		rec.Relations = append(rec.Relations, rd)
	}
	return rec, int(recordLen), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
