// ============================================================================
// dashsync Log Buffer - batched, ordered, at-least-once log delivery
// ============================================================================
//
// Package: internal/logbuffer
// File: buffer.go
// Purpose: Accept log entries from any goroutine and deliver them to the
//          backend in batches without losing or reordering them.
//
// Model:
//   Every producer (node id + session id) owns a lane:
//
//     Append -> open batch --(BatchSize reached | MaxAge elapsed)--> pending
//     pending[0] --deliver--> ack      : removed
//                            rejected  : removed, dead-lettered, reported
//                            transport : stays at the front, backoff, retry
//                            exhausted : removed, dead-lettered
//
//   One goroutine per lane delivers pending[0] and nothing else, so a
//   producer never has two batches in flight and entries cannot be reordered.
//   A lane with nothing open, pending or in flight for IdleTimeout is
//   retired; the producer's next entry starts a new one.
//
// ============================================================================

package logbuffer

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/storage/wal"
	"github.com/ChuLiYu/dashsync/internal/transport"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("log buffer closed")

// Sink delivers one batch. The transport client implements it.
type Sink interface {
	DeliverBatch(ctx context.Context, batch types.LogBatch) error
}

// DeadLetter durably keeps batches that could not be delivered. The WAL
// implements it.
type DeadLetter interface {
	Store(batch types.LogBatch, reason wal.Reason, cause error) error
}

// ErrorHandler is told about every batch that left the buffer undelivered.
type ErrorHandler func(batch types.LogBatch, reason wal.Reason, err error)

// Config holds the buffer settings.
type Config struct {
	MinLevel     types.Level
	BatchSize    int
	MaxAge       time.Duration
	MaxRetries   int
	Backoff      transport.Backoff
	FlushTimeout time.Duration
	IdleTimeout  time.Duration
	NodeID       string
	SessionID    string
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = time.Minute
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		} else {
			c.NodeID = "local"
		}
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
}

// Stats is a point-in-time view of the buffer.
type Stats struct {
	Appended     uint64 `json:"appended"`
	Filtered     uint64 `json:"filtered"`
	Delivered    uint64 `json:"delivered_batches"`
	DeadLettered uint64 `json:"dead_lettered_batches"`
	Buffered     int    `json:"buffered_entries"`
	Lanes        int    `json:"lanes"`
}

// Buffer is the distributed log buffer. Safe for concurrent use.
type Buffer struct {
	env  env.Env
	log  zerolog.Logger
	cfg  Config
	sink Sink
	dead DeadLetter

	minLevel atomic.Int32

	appended     atomic.Uint64
	filtered     atomic.Uint64
	delivered    atomic.Uint64
	deadLettered atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	lanes   map[types.ProducerKey]*lane
	closed  bool
	onError ErrorHandler
	self    *Producer
}

// New creates a buffer delivering to sink and dead-lettering to dead.
func New(e env.Env, cfg Config, sink Sink, dead DeadLetter) *Buffer {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	b := &Buffer{
		env:    e.Component("logbuffer"),
		cfg:    cfg,
		sink:   sink,
		dead:   dead,
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[types.ProducerKey]*lane),
	}
	b.log = b.env.Log
	b.minLevel.Store(int32(cfg.MinLevel))
	b.self = b.Producer(cfg.NodeID, cfg.SessionID)
	return b
}

// OnError installs the handler told about undelivered batches.
func (b *Buffer) OnError(fn ErrorHandler) {
	b.mu.Lock()
	b.onError = fn
	b.mu.Unlock()
}

// SetMinimumLevel changes the append-time filter.
func (b *Buffer) SetMinimumLevel(level types.Level) {
	b.minLevel.Store(int32(level))
	b.log.Info().Stringer("level", level).Msg("Minimum log level changed")
}

// MinimumLevel returns the append-time filter.
func (b *Buffer) MinimumLevel() types.Level {
	return types.Level(b.minLevel.Load())
}

// Append records an entry for the buffer's own node and session.
func (b *Buffer) Append(level types.Level, message string, fields map[string]any) error {
	return b.self.Append(level, message, fields)
}

// AppendEntry records a fully formed entry, e.g. one forwarded by the
// renderer. A zero timestamp is stamped with the current time and a missing
// node or session falls back to the buffer's own.
func (b *Buffer) AppendEntry(entry types.LogEntry) error {
	if entry.NodeID == "" {
		entry.NodeID = b.cfg.NodeID
	}
	if entry.SessionID == "" {
		entry.SessionID = b.cfg.SessionID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.env.Clock.Now()
	}
	entry.Context = copyContext(entry.Context)
	return b.append(entry)
}

// Producer returns an appender bound to one node and session.
func (b *Buffer) Producer(nodeID, sessionID string) *Producer {
	return &Producer{buf: b, key: types.ProducerKey{NodeID: nodeID, SessionID: sessionID}}
}

func (b *Buffer) append(entry types.LogEntry) error {
	if entry.Level < b.MinimumLevel() {
		b.filtered.Add(1)
		b.env.Metrics.RecordLogFiltered()
		return nil
	}

	for {
		l, err := b.lane(entry.Producer())
		if err != nil {
			return err
		}
		if l.add(entry) {
			break
		}
	}
	b.appended.Add(1)
	b.env.Metrics.RecordLogAppended()
	return nil
}

func (b *Buffer) lane(key types.ProducerKey) (*lane, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	l, ok := b.lanes[key]
	if !ok {
		l = newLane(b, key)
		b.lanes[key] = l
		b.wg.Add(1)
		go l.run(b.ctx)
	}
	return l, nil
}

// retire drops an idle lane from the buffer. It refuses when the lane took
// an entry after going idle or the buffer is closing.
func (b *Buffer) retire(l *lane) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	if b.closed || len(l.open) > 0 || len(l.pending) > 0 || l.inFlight {
		return false
	}
	l.retired = true
	if b.lanes[l.key] == l {
		delete(b.lanes, l.key)
	}
	l.log.Debug().Msg("Idle lane retired")
	return true
}

func (b *Buffer) snapshotLanes() []*lane {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*lane, 0, len(b.lanes))
	for _, l := range b.lanes {
		out = append(out, l)
	}
	return out
}

// Flush closes every open batch and waits until all lanes have delivered or
// dead-lettered their pending batches. Lanes waiting out a backoff retry
// immediately.
func (b *Buffer) Flush(ctx context.Context) error {
	lanes := b.snapshotLanes()

	drained := make([]<-chan struct{}, 0, len(lanes))
	for _, l := range lanes {
		l.closeOpen()
		l.nudge()
		drained = append(drained, l.waitDrained())
	}

	for _, ch := range drained {
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "flush interrupted")
		}
	}
	return nil
}

// Close flushes within ctx, stops every lane and dead-letters whatever is
// still undelivered with reason shutdown.
func (b *Buffer) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	flushErr := b.Flush(ctx)

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	for _, l := range b.snapshotLanes() {
		for _, batch := range l.drainAll() {
			b.deadLetter(batch, wal.ReasonShutdown, errors.New("buffer closed before delivery"))
		}
	}
	if flushErr != nil {
		b.log.Warn().Err(flushErr).Msg("Log buffer closed before flush completed")
	}
	return flushErr
}

// Stats returns counters and the number of entries not yet delivered.
func (b *Buffer) Stats() Stats {
	lanes := b.snapshotLanes()
	buffered := 0
	for _, l := range lanes {
		buffered += l.buffered()
	}
	return Stats{
		Appended:     b.appended.Load(),
		Filtered:     b.filtered.Load(),
		Delivered:    b.delivered.Load(),
		DeadLettered: b.deadLettered.Load(),
		Buffered:     buffered,
		Lanes:        len(lanes),
	}
}

func (b *Buffer) deliver(ctx context.Context, batch types.LogBatch) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	err := b.sink.DeliverBatch(ctx, batch)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		b.env.Metrics.RecordBatchFailed(elapsed)
		return err
	}
	b.env.Metrics.RecordBatchDelivered(elapsed)
	b.delivered.Add(1)
	return nil
}

func (b *Buffer) deadLetter(batch types.LogBatch, reason wal.Reason, cause error) {
	b.deadLettered.Add(1)
	b.env.Metrics.RecordBatchDeadLettered()

	if b.dead == nil {
		b.log.Error().Str("batch", batch.ID).Int("entries", len(batch.Entries)).Msg("No dead-letter store, batch lost")
	} else if err := b.dead.Store(batch, reason, cause); err != nil {
		b.log.Error().Err(err).Str("batch", batch.ID).Msg("Failed to dead-letter batch")
	} else {
		b.log.Warn().Str("batch", batch.ID).Str("reason", string(reason)).Int("entries", len(batch.Entries)).Msg("Batch dead-lettered")
	}

	b.mu.Lock()
	fn := b.onError
	b.mu.Unlock()
	if fn != nil {
		fn(batch, reason, cause)
	}
}

// ============================================================================
// Producer
// ============================================================================

// Producer appends entries for one node and session.
type Producer struct {
	buf *Buffer
	key types.ProducerKey
}

// Key returns the producer's ordering key.
func (p *Producer) Key() types.ProducerKey { return p.key }

// Append records one entry. Entries below the minimum level are discarded.
func (p *Producer) Append(level types.Level, message string, fields map[string]any) error {
	return p.buf.append(types.LogEntry{
		Level:     level,
		Message:   message,
		Context:   copyContext(fields),
		Timestamp: p.buf.env.Clock.Now(),
		NodeID:    p.key.NodeID,
		SessionID: p.key.SessionID,
	})
}

func copyContext(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
