package wal

// ============================================================================
// Dead-letter WAL
// Responsibilities:
// 1. Append undeliverable log batches to a JSON-lines file (append-only)
// 2. Replay them in write order for redelivery
// 3. Rotate: archive the current file as gzip and start empty
// 4. Guarantee durability with fsync after every record
// ============================================================================

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/ChuLiYu/dashsync/pkg/types"
)

// maxLine bounds one record; a batch of a few hundred entries fits easily.
const maxLine = 16 << 20

// FileInterface is the subset of *os.File the WAL writes through, so tests
// can inject failing files.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is an append-only dead-letter log.
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	clock        clock.Clock
	closed       bool
}

// Option configures Open.
type Option func(*WAL)

// WithSync controls fsync after every record (default true).
func WithSync(sync bool) Option {
	return func(w *WAL) { w.syncOnAppend = sync }
}

// WithClock sets the clock used for record timestamps and archive names.
func WithClock(c clock.Clock) Option {
	return func(w *WAL) { w.clock = c }
}

/*
Open creates or opens a dead-letter WAL.

Behavior:
  - missing file: created, seq starts at 0
  - existing file: scanned to continue numbering after the last record
  - opened with O_APPEND so writes never overwrite
*/
func Open(path string, opts ...Option) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "wal: create directory %s", dir)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: open %s", path)
	}

	w := &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		syncOnAppend: true,
		clock:        clock.New(),
	}
	for _, opt := range opts {
		opt(w)
	}

	last, err := lastSeq(path)
	if err != nil {
		file.Close()
		return nil, err
	}
	w.seq = last

	if err := terminateTornLine(file); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// terminateTornLine makes sure the next record starts on its own line.
func terminateTornLine(file *os.File) error {
	stat, err := file.Stat()
	if err != nil {
		return errors.Wrap(err, "wal: stat")
	}
	if stat.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, stat.Size()-1); err != nil {
		return errors.Wrap(err, "wal: read tail")
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = file.Write([]byte("\n"))
	return errors.Wrap(err, "wal: terminate torn record")
}

// Store appends a batch with the reason delivery stopped.
func (w *WAL) Store(batch types.LogBatch, reason Reason, cause error) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return errors.Wrap(err, "wal: encode batch")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	seq := w.seq + 1
	rec := Record{
		Seq:       seq,
		Reason:    reason,
		Batch:     data,
		Timestamp: w.clock.Now().UnixMilli(),
		Checksum:  CalculateChecksum(seq, reason, data),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	if err := w.encoder.Encode(rec); err != nil {
		return errors.Wrapf(err, "wal: append seq=%d", seq)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return errors.Wrapf(err, "wal: sync seq=%d", seq)
		}
	}
	w.seq = seq
	return nil
}

// Replay reads every record in write order, verifies its checksum and hands
// it to handler. The first corrupt record or handler error stops the replay.
func (w *WAL) Replay(handler Handler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return scan(w.path, func(rec Record) error {
		if !VerifyChecksum(rec) {
			return &ChecksumError{
				Seq:      rec.Seq,
				Expected: CalculateChecksum(rec.Seq, rec.Reason, rec.Batch),
				Actual:   rec.Checksum,
			}
		}
		return handler(rec)
	})
}

// Count returns the number of records in the current file.
func (w *WAL) Count() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	err := scan(w.path, func(Record) error {
		n++
		return nil
	})
	return n, err
}

// LastSeq returns the sequence number of the newest record.
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the file path.
func (w *WAL) Path() string { return w.path }

// Rotate archives the current file as <path>.<timestamp>.gz and starts a new
// empty one. The archive path is returned.
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrWALClosed
	}

	if err := w.file.Close(); err != nil {
		return "", errors.Wrap(err, "wal: close before rotate")
	}

	backupPath := w.path + "." + w.clock.Now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", errors.Wrap(err, "wal: rename for rotate")
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "wal: reopen after rotate")
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0

	archive := backupPath + ".gz"
	if err := compressWALFile(backupPath, archive); err != nil {
		// The uncompressed backup is still on disk.
		return backupPath, errors.Wrap(err, "wal: compress archive")
	}
	if err := os.Remove(backupPath); err != nil {
		return archive, errors.Wrap(err, "wal: remove uncompressed archive")
	}
	return archive, nil
}

// Close syncs and closes the file. A closed WAL must not be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "wal: sync on close")
	}
	return w.file.Close()
}

// ============================================================================
// Internal helpers
// ============================================================================

// scan decodes every line of path.
func scan(path string, fn func(Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "wal: open %s for read", path)
	}
	defer file.Close()
	return decodeRecords(file, fn)
}

func decodeRecords(r io.Reader, fn func(Record) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "wal: read")
	}
	return nil
}

// lastSeq returns the highest sequence number in path. A torn final line,
// left by a crash mid-write, is ignored.
func lastSeq(path string) (uint64, error) {
	var last uint64
	err := scan(path, func(rec Record) error {
		last = rec.Seq
		return nil
	})
	var ce *CorruptionError
	if errors.As(err, &ce) {
		return last, nil
	}
	return last, err
}

// compressWALFile gzips srcPath into dstPath.
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		dstFile.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}

// ReadArchive replays a rotated .gz archive with the same checks as Replay.
func ReadArchive(path string, handler Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "wal: open archive %s", path)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return errors.Wrap(err, "wal: archive is not gzip")
	}
	defer gz.Close()

	return decodeRecords(gz, func(rec Record) error {
		if !VerifyChecksum(rec) {
			return &ChecksumError{Seq: rec.Seq, Expected: CalculateChecksum(rec.Seq, rec.Reason, rec.Batch), Actual: rec.Checksum}
		}
		return handler(rec)
	})
}
