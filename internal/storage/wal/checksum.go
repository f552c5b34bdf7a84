package wal

// ============================================================================
// Checksum
// Responsibility: compute and verify the CRC32 of a WAL event
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
	"strconv"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// CalculateChecksum computes the CRC32-IEEE of the event type, sequence number
// and the JSON encoding of the record. Timestamp is excluded.
func CalculateChecksum(eventType EventType, job *types.Job, seq uint64) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{0})
	if job != nil {
		// json.Marshal sorts map keys, so the encoding is deterministic.
		if b, err := json.Marshal(job); err == nil {
			h.Write(b)
		}
	}
	return h.Sum32()
}

// VerifyChecksum recomputes the checksum of event and compares it with the stored one.
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event.Type, event.Job, event.Seq)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
