package orchestrator

import (
	"sync"
	"time"

	"github.com/ChuLiYu/dashsync/pkg/types"
)

// NotificationKind classifies what changed.
type NotificationKind string

const (
	NotifyUpdate     NotificationKind = "update"
	NotifyConnection NotificationKind = "connection"
	NotifyError      NotificationKind = "error"
	NotifyAlert      NotificationKind = "alert"
)

// Notification is one entry of the orchestrator's outbound event stream,
// consumed by the renderer through the local API.
type Notification struct {
	Kind       NotificationKind   `json:"kind"`
	Domain     types.Domain       `json:"domain,omitempty"`
	State      *types.DomainState `json:"state,omitempty"`
	Connection string             `json:"connection,omitempty"`
	Fault      string             `json:"fault,omitempty"`
	Message    string             `json:"message,omitempty"`
	At         time.Time          `json:"at"`
}

// subscriberBuffer bounds each subscriber; a slow reader loses notifications
// rather than stalling the writer.
const subscriberBuffer = 64

type hub struct {
	mu      sync.Mutex
	subs    map[int]chan Notification
	next    int
	dropped uint64
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Notification)}
}

func (h *hub) subscribe() (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan Notification, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.dropped++
		}
	}
}

// closeAll ends every subscription.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *hub) droppedCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
