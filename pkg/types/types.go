// Package types defines the core domain model shared by every dashsync component.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the transport lifecycle state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota // not connected, not trying
	StateConnecting                          // dialing for the first time or after a probe
	StateConnected                           // stream open, writes delivered directly
	StateReconnecting                        // stream lost, backing off between dials
	StateOffline                             // retry budget exhausted, probing at low frequency
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateOffline:
		return "OFFLINE"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the legal edges of the connection state machine.
// Every state may fall back to DISCONNECTED through an explicit disconnect.
var transitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateOffline, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnected, StateOffline, StateDisconnected},
	StateOffline:      {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is a defined edge.
func CanTransition(from, to ConnectionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ============================================================================
// Domains
// ============================================================================

// Domain keys one slice of the canonical snapshot.
type Domain string

const (
	DomainSovereignty Domain = "sovereignty"
	DomainWallet      Domain = "wallet"
	DomainNodes       Domain = "nodes"
	DomainLogs        Domain = "logs"
)

// AllDomains lists every domain in refresh order.
var AllDomains = []Domain{DomainSovereignty, DomainWallet, DomainNodes, DomainLogs}

// ParseDomain accepts a domain name.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllDomains {
		if d == known {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown domain %q", s)
}

// RESTPath is the backend endpoint holding the domain's full state.
func (d Domain) RESTPath() string {
	switch d {
	case DomainSovereignty:
		return "/api/sovereignty/status"
	case DomainWallet:
		return "/api/wallet/balance"
	case DomainNodes:
		return "/api/nodes/status"
	case DomainLogs:
		return "/api/logs"
	default:
		return ""
	}
}

// Channel is the stream channel name used in subscribe frames.
func (d Domain) Channel() string {
	return string(d)
}

// ============================================================================
// Log levels and entries
// ============================================================================

// Level is a log severity. Higher values are more severe.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

var levelNames = [...]string{"debug", "info", "warn", "error", "critical"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelCritical {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel accepts the lower-case level names; "warning" is an alias of warn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "critical", "fatal":
		return LevelCritical, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// MarshalJSON encodes the level by name, as the backend expects.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// LogEntry is one log event. It is never mutated after creation.
type LogEntry struct {
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	NodeID    string         `json:"nodeId"`
	SessionID string         `json:"sessionId"`
}

// ProducerKey identifies the node+session pair whose order is preserved.
type ProducerKey struct {
	NodeID    string
	SessionID string
}

func (k ProducerKey) String() string {
	return k.NodeID + "/" + k.SessionID
}

// Producer returns the entry's ordering key.
func (e LogEntry) Producer() ProducerKey {
	return ProducerKey{NodeID: e.NodeID, SessionID: e.SessionID}
}

// LogBatch is an ordered run of entries delivered as one unit.
type LogBatch struct {
	ID        string     `json:"id"`
	Producer  string     `json:"producer"`
	Entries   []LogEntry `json:"entries"`
	CreatedAt time.Time  `json:"createdAt"`
	Attempt   int        `json:"attempt"`
}

// ============================================================================
// Queued writes
// ============================================================================

// QueuedRequest is a write deferred while the transport is not connected.
type QueuedRequest struct {
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempt    int             `json:"attempt"`
}

// ============================================================================
// Canonical snapshot
// ============================================================================

// Provenance tells the renderer whether a payload came from the backend or
// from locally configured placeholder data.
type Provenance string

const (
	ProvenanceReal     Provenance = "real"
	ProvenanceFallback Provenance = "fallback"
)

// Source records which path delivered a domain payload.
type Source string

const (
	SourceStream   Source = "stream"
	SourcePoll     Source = "poll"
	SourceRefresh  Source = "refresh"
	SourceFallback Source = "fallback"
	SourceRestored Source = "restored"
	SourceLocal    Source = "local"
)

// DomainState is the current payload for one domain.
type DomainState struct {
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Provenance Provenance      `json:"provenance"`
	Source     Source          `json:"source"`
	Version    uint64          `json:"version"`
}

// StateSnapshot is the canonical application state.
type StateSnapshot struct {
	Domains   map[Domain]DomainState `json:"domains"`
	SchemaVer int                    `json:"schema_ver"`
	TakenAt   time.Time              `json:"taken_at"`
}

// NewStateSnapshot returns an empty snapshot.
func NewStateSnapshot() StateSnapshot {
	return StateSnapshot{Domains: make(map[Domain]DomainState), SchemaVer: 1}
}

// Clone returns a deep copy; payload bytes are copied so callers can never
// reach into the owner's buffers.
func (s StateSnapshot) Clone() StateSnapshot {
	out := StateSnapshot{
		Domains:   make(map[Domain]DomainState, len(s.Domains)),
		SchemaVer: s.SchemaVer,
		TakenAt:   s.TakenAt,
	}
	for d, st := range s.Domains {
		st.Payload = append(json.RawMessage(nil), st.Payload...)
		out.Domains[d] = st
	}
	return out
}
