package logbuffer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dashsync/internal/fault"
	"github.com/ChuLiYu/dashsync/internal/storage/wal"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

// lane holds one producer's open batch and its queue of closed batches.
type lane struct {
	buf *Buffer
	key types.ProducerKey
	log zerolog.Logger

	mu       sync.Mutex
	open     []types.LogEntry
	openedAt time.Time
	gen      uint64 // bumped on every close so stale age timers do nothing
	ageTimer *clock.Timer
	pending  []types.LogBatch
	inFlight bool
	retired  bool
	waiters  []chan struct{}

	wake    chan struct{}
	nudgeCh chan struct{}
}

func newLane(b *Buffer, key types.ProducerKey) *lane {
	return &lane{
		buf:     b,
		key:     key,
		log:     b.log.With().Str("producer", key.String()).Logger(),
		wake:    make(chan struct{}, 1),
		nudgeCh: make(chan struct{}, 1),
	}
}

// add appends to the open batch. It returns false once the lane has been
// retired; the caller must fetch a fresh lane.
func (l *lane) add(entry types.LogEntry) bool {
	l.mu.Lock()
	if l.retired {
		l.mu.Unlock()
		return false
	}
	if len(l.open) == 0 {
		l.openedAt = l.buf.env.Clock.Now()
		gen := l.gen
		l.ageTimer = l.buf.env.Clock.AfterFunc(l.buf.cfg.MaxAge, func() { l.closeIfGen(gen) })
	}
	l.open = append(l.open, entry)

	closed := false
	if len(l.open) >= l.buf.cfg.BatchSize {
		closed = l.closeOpenLocked()
	}
	l.mu.Unlock()

	if closed {
		signal(l.wake)
	}
	return true
}

// closeOpenLocked turns the open batch into the newest pending batch.
func (l *lane) closeOpenLocked() bool {
	if len(l.open) == 0 {
		return false
	}
	if l.ageTimer != nil {
		l.ageTimer.Stop()
		l.ageTimer = nil
	}
	l.gen++

	l.pending = append(l.pending, types.LogBatch{
		ID:        uuid.NewString(),
		Producer:  l.key.String(),
		Entries:   l.open,
		CreatedAt: l.openedAt,
	})
	l.open = nil
	return true
}

func (l *lane) closeOpen() {
	l.mu.Lock()
	closed := l.closeOpenLocked()
	l.mu.Unlock()
	if closed {
		signal(l.wake)
	}
}

func (l *lane) closeIfGen(gen uint64) {
	l.mu.Lock()
	closed := false
	if l.gen == gen {
		closed = l.closeOpenLocked()
	}
	l.mu.Unlock()
	if closed {
		signal(l.wake)
	}
}

func (l *lane) nudge() { signal(l.nudgeCh) }

// waitDrained returns a channel closed once no batch is pending or in flight.
func (l *lane) waitDrained() <-chan struct{} {
	ch := make(chan struct{})
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 && !l.inFlight {
		close(ch)
		return ch
	}
	l.waiters = append(l.waiters, ch)
	return ch
}

func (l *lane) buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.open)
	for _, b := range l.pending {
		n += len(b.Entries)
	}
	return n
}

// drainAll closes the open batch and hands back everything undelivered.
// Only called once the lane goroutine has exited.
func (l *lane) drainAll() []types.LogBatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeOpenLocked()
	out := l.pending
	l.pending = nil
	l.inFlight = false
	l.notifyDrainedLocked()
	return out
}

func (l *lane) notifyDrainedLocked() {
	for _, ch := range l.waiters {
		close(ch)
	}
	l.waiters = nil
}

func (l *lane) run(ctx context.Context) {
	defer l.buf.wg.Done()

	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.notifyDrainedLocked()
			l.mu.Unlock()
			idle := l.buf.env.Clock.Timer(l.buf.cfg.IdleTimeout)
			select {
			case <-ctx.Done():
				idle.Stop()
				return
			case <-l.wake:
				idle.Stop()
			case <-idle.C:
				if l.buf.retire(l) {
					return
				}
			}
			continue
		}
		batch := l.pending[0]
		l.inFlight = true
		l.mu.Unlock()

		err := l.buf.deliver(ctx, batch)
		if err != nil && ctx.Err() != nil {
			l.mu.Lock()
			l.inFlight = false
			l.mu.Unlock()
			return
		}

		switch {
		case err == nil:
			l.popFront()
			l.log.Debug().Str("batch", batch.ID).Int("entries", len(batch.Entries)).Int("attempt", batch.Attempt+1).Msg("Batch delivered")

		case !fault.IsRetryable(err):
			l.popFront()
			l.buf.deadLetter(batch, wal.ReasonRejected, err)

		default:
			attempt := l.bumpFront()
			batch.Attempt = attempt
			if attempt >= l.buf.cfg.MaxRetries {
				l.popFront()
				l.buf.deadLetter(batch, wal.ReasonExhausted,
					fault.Transport("logs.deliver", errors.Wrapf(err, "gave up after %d attempts", attempt)))
				continue
			}

			delay := l.buf.cfg.Backoff.Delay(attempt - 1)
			l.log.Warn().Err(err).Str("batch", batch.ID).Int("attempt", attempt).Dur("retry_in", delay).Msg("Batch delivery failed")
			if !l.sleep(ctx, delay) {
				return
			}
		}
	}
}

func (l *lane) popFront() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[0] = types.LogBatch{}
	l.pending = l.pending[1:]
	l.inFlight = false
}

func (l *lane) bumpFront() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[0].Attempt++
	l.inFlight = false
	return l.pending[0].Attempt
}

func (l *lane) sleep(ctx context.Context, d time.Duration) bool {
	t := l.buf.env.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-l.nudgeCh:
		return true
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
