package cli

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dashsync/internal/fault"
	"github.com/ChuLiYu/dashsync/internal/logbuffer"
	"github.com/ChuLiYu/dashsync/internal/storage/wal"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

type resyncResult struct {
	Records   int
	Delivered int
	Kept      int
	Corrupt   int
	Archive   string
}

type pendingBatch struct {
	batch  types.LogBatch
	reason wal.Reason
	err    error
}

/*
redeliver replays the dead-letter log through sink.

Flow:
 1. read every record; a checksum failure aborts before anything changes
 2. deliver each batch in write order
 3. rotate: the current file becomes a gzip archive holding every record
 4. batches that still failed are written back to the fresh file

A cancelled ctx stops delivery; the remaining batches are kept.
*/
func redeliver(ctx context.Context, log zerolog.Logger, w *wal.WAL, sink logbuffer.Sink) (resyncResult, error) {
	var res resyncResult

	var records []wal.Record
	if err := w.Replay(func(rec wal.Record) error {
		records = append(records, rec)
		return nil
	}); err != nil {
		return res, errors.Wrap(err, "read dead-letter log")
	}
	res.Records = len(records)
	if len(records) == 0 {
		return res, nil
	}

	var kept []pendingBatch
	for _, rec := range records {
		batch, err := rec.DecodeBatch()
		if err != nil {
			res.Corrupt++
			log.Warn().Err(err).Uint64("seq", rec.Seq).Msg("Skipping undecodable dead letter")
			continue
		}

		if ctx.Err() != nil {
			kept = append(kept, pendingBatch{batch: batch, reason: rec.Reason, err: ctx.Err()})
			continue
		}

		if err := sink.DeliverBatch(ctx, batch); err != nil {
			reason := wal.ReasonExhausted
			if fault.KindOf(err) == fault.KindRejected {
				reason = wal.ReasonRejected
			}
			kept = append(kept, pendingBatch{batch: batch, reason: reason, err: err})
			log.Warn().Err(err).Str("batch", batch.ID).Int("entries", len(batch.Entries)).Msg("Redelivery failed")
			continue
		}
		res.Delivered++
		log.Info().Str("batch", batch.ID).Int("entries", len(batch.Entries)).Msg("Dead letter redelivered")
	}

	archive, err := w.Rotate()
	res.Archive = archive
	if err != nil {
		return res, errors.Wrap(err, "rotate dead-letter log")
	}

	for _, p := range kept {
		if err := w.Store(p.batch, p.reason, p.err); err != nil {
			return res, errors.Wrapf(err, "keep batch %s", p.batch.ID)
		}
		res.Kept++
	}
	return res, nil
}
