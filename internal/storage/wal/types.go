package wal

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/dashsync/pkg/types"
)

// ============================================================================
// Dead-letter record definitions
// Responsibility: Define the durable record of an undeliverable log batch
// ============================================================================

// Reason explains why a batch was written to the dead-letter log.
type Reason string

const (
	ReasonExhausted Reason = "exhausted" // retry ceiling reached on connectivity faults
	ReasonRejected  Reason = "rejected"  // backend refused the batch (4xx)
	ReasonShutdown  Reason = "shutdown"  // buffer closed before the batch could be delivered
)

// Record is one dead-lettered batch.
type Record struct {
	Seq       uint64          `json:"seq"`             // monotonically increasing within one file
	Reason    Reason          `json:"reason"`          // why delivery stopped
	Error     string          `json:"error,omitempty"` // last delivery error
	Batch     json.RawMessage `json:"batch"`           // encoded types.LogBatch, checksummed as stored
	Timestamp int64           `json:"timestamp"`       // Unix milliseconds
	Checksum  uint32          `json:"checksum"`        // CRC32 over seq, reason and batch bytes
}

// DecodeBatch returns the batch carried by the record.
func (r Record) DecodeBatch() (types.LogBatch, error) {
	var b types.LogBatch
	if err := json.Unmarshal(r.Batch, &b); err != nil {
		return types.LogBatch{}, errors.Wrapf(err, "wal: decode batch at seq=%d", r.Seq)
	}
	return b, nil
}

// Handler processes records during Replay. Returning an error stops the replay.
type Handler func(rec Record) error
