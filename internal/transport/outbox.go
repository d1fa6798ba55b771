package transport

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/dashsync/pkg/types"
)

var (
	// ErrOutboxFull is returned when the queue limit is reached. Writes are
	// never dropped silently to make room.
	ErrOutboxFull = errors.New("outbox full")
	// ErrNotFront is returned when acknowledging anything but the head.
	ErrNotFront = errors.New("request is not at the front of the outbox")
)

// ============================================================================
// Outbox - FIFO of writes deferred while not connected
// ============================================================================
//
// State transitions of a queued request:
//
//	Push      -> queued (tail)
//	Front     -> inspected for replay, stays queued
//	Ack       -> delivered, removed
//	Drop      -> rejected by the backend, removed
//	Bump      -> delivery failed on connectivity, stays at the front
//
// Only the head may be acknowledged or dropped, so replay can never reorder.
type Outbox struct {
	mu    sync.Mutex
	items []types.QueuedRequest
	limit int
}

// NewOutbox creates an outbox holding at most limit requests (0 = unbounded).
func NewOutbox(limit int) *Outbox {
	return &Outbox{limit: limit}
}

// Push appends req at the tail.
func (o *Outbox) Push(req types.QueuedRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.limit > 0 && len(o.items) >= o.limit {
		return errors.Wrapf(ErrOutboxFull, "limit %d", o.limit)
	}
	o.items = append(o.items, req)
	return nil
}

// Front returns the oldest request without removing it.
func (o *Outbox) Front() (types.QueuedRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.items) == 0 {
		return types.QueuedRequest{}, false
	}
	return o.items[0], true
}

// Ack removes the head after confirmed delivery.
func (o *Outbox) Ack(id string) error {
	return o.removeFront(id)
}

// Drop removes the head after the backend rejected it.
func (o *Outbox) Drop(id string) error {
	return o.removeFront(id)
}

// Bump records a failed delivery attempt on the head.
func (o *Outbox) Bump(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.items) == 0 || o.items[0].ID != id {
		return ErrNotFront
	}
	o.items[0].Attempt++
	return nil
}

func (o *Outbox) removeFront(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.items) == 0 || o.items[0].ID != id {
		return ErrNotFront
	}
	o.items[0] = types.QueuedRequest{}
	o.items = o.items[1:]
	return nil
}

// Len returns the number of queued requests.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Items returns a copy of the queue in order.
func (o *Outbox) Items() []types.QueuedRequest {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]types.QueuedRequest, len(o.items))
	copy(out, o.items)
	return out
}
