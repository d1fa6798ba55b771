package transport

import (
	"encoding/json"
	"time"

	"github.com/ChuLiYu/dashsync/pkg/types"
)

// Event is emitted by the Client on its event channel. Consumers switch on the
// concrete type; the variant set is closed.
type Event interface {
	isEvent()
}

// StateChanged reports a connection state transition. Cause is set when the
// transition was forced by a failure, e.g. the retry budget running out.
type StateChanged struct {
	From  types.ConnectionState
	To    types.ConnectionState
	Cause error
	At    time.Time
}

// Opened reports that the stream is established and subscribed.
type Opened struct {
	At time.Time
}

// MessageReceived carries one inbound stream update.
type MessageReceived struct {
	Update Update
	At     time.Time
}

// Channel returns the channel the message arrived on.
func (m MessageReceived) Channel() string { return m.Update.Domain().Channel() }

// Closed reports loss of the stream.
type Closed struct {
	Reason string
	Err    error
	At     time.Time
}

// Retrying reports the wait before a reconnect dial. Attempt is 0-based and
// restarts at 0 after every successful connection.
type Retrying struct {
	Attempt int
	Delay   time.Duration
	At      time.Time
}

// Resynced carries the full-domain refresh fetched after the outbox drained.
// Domains that could not be fetched are listed in Errors.
type Resynced struct {
	Domains map[types.Domain]json.RawMessage
	Errors  map[types.Domain]error
	At      time.Time
}

// RequestFailed reports a queued write the backend rejected; it has been
// dropped from the outbox.
type RequestFailed struct {
	Request types.QueuedRequest
	Err     error
	At      time.Time
}

func (StateChanged) isEvent()    {}
func (Opened) isEvent()          {}
func (MessageReceived) isEvent() {}
func (Closed) isEvent()          {}
func (Retrying) isEvent()        {}
func (Resynced) isEvent()        {}
func (RequestFailed) isEvent()   {}
