package wal

// ============================================================================
// Checksum
// Responsibility: compute and verify the CRC32 of a dead-letter record
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum covers the sequence number, the reason and the batch
// bytes exactly as stored. Timestamp and error text are informational and
// left out.
func CalculateChecksum(seq uint64, reason Reason, batch []byte) uint32 {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	h := crc32.NewIEEE()
	h.Write(seqBuf[:])
	h.Write([]byte(reason))
	h.Write(batch)
	return h.Sum32()
}

// VerifyChecksum reports whether rec is intact.
func VerifyChecksum(rec Record) bool {
	return rec.Checksum == CalculateChecksum(rec.Seq, rec.Reason, rec.Batch)
}
