package transport

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/dashsync/internal/fault"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

// Stream frame discriminators.
const (
	FrameSubscribe   = "subscribe"
	FrameSubscribed  = "subscribed"
	FramePong        = "pong"
	FrameSovereignty = "sovereignty_update"
	FrameWallet      = "wallet_update"
	FrameNodeStatus  = "node_status"
	FrameLogEntry    = "log_entry"
)

// Frame is the JSON envelope on the stream in both directions.
type Frame struct {
	Type     string          `json:"type"`
	Channels []string        `json:"channels,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Update - one inbound domain payload
// ============================================================================

// Update is a decoded stream message. The set of variants is closed; each
// maps to exactly one domain.
type Update interface {
	Domain() types.Domain
	Payload() json.RawMessage
	isUpdate()
}

// SovereigntyUpdate carries the sovereignty status.
type SovereigntyUpdate struct{ Raw json.RawMessage }

// WalletUpdate carries the wallet balance.
type WalletUpdate struct{ Raw json.RawMessage }

// NodeStatusUpdate carries the node list.
type NodeStatusUpdate struct{ Raw json.RawMessage }

// LogEntryUpdate carries one backend log entry.
type LogEntryUpdate struct{ Raw json.RawMessage }

func (SovereigntyUpdate) Domain() types.Domain { return types.DomainSovereignty }
func (WalletUpdate) Domain() types.Domain      { return types.DomainWallet }
func (NodeStatusUpdate) Domain() types.Domain  { return types.DomainNodes }
func (LogEntryUpdate) Domain() types.Domain    { return types.DomainLogs }

func (u SovereigntyUpdate) Payload() json.RawMessage { return u.Raw }
func (u WalletUpdate) Payload() json.RawMessage      { return u.Raw }
func (u NodeStatusUpdate) Payload() json.RawMessage  { return u.Raw }
func (u LogEntryUpdate) Payload() json.RawMessage    { return u.Raw }

func (SovereigntyUpdate) isUpdate() {}
func (WalletUpdate) isUpdate()      {}
func (NodeStatusUpdate) isUpdate()  {}
func (LogEntryUpdate) isUpdate()    {}

// NewUpdate builds the variant for domain.
func NewUpdate(domain types.Domain, payload json.RawMessage) (Update, error) {
	switch domain {
	case types.DomainSovereignty:
		return SovereigntyUpdate{Raw: payload}, nil
	case types.DomainWallet:
		return WalletUpdate{Raw: payload}, nil
	case types.DomainNodes:
		return NodeStatusUpdate{Raw: payload}, nil
	case types.DomainLogs:
		return LogEntryUpdate{Raw: payload}, nil
	default:
		return nil, errors.Errorf("no update variant for domain %q", domain)
	}
}

// DecodeFrame maps a stream message to its Update. Control frames
// (subscribed, pong) decode to nil with no error. An unknown discriminator or
// malformed envelope is a protocol violation.
func DecodeFrame(data []byte) (Update, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fault.Transport("transport.decode", errors.Wrap(err, "malformed frame"))
	}

	switch f.Type {
	case FrameSubscribed, FramePong:
		return nil, nil
	case FrameSovereignty:
		return SovereigntyUpdate{Raw: f.Payload}, nil
	case FrameWallet:
		return WalletUpdate{Raw: f.Payload}, nil
	case FrameNodeStatus:
		return NodeStatusUpdate{Raw: f.Payload}, nil
	case FrameLogEntry:
		return LogEntryUpdate{Raw: f.Payload}, nil
	default:
		return nil, fault.Transport("transport.decode", errors.Errorf("unknown frame type %q", f.Type))
	}
}

// FrameType returns the stream discriminator used for domain.
func FrameType(domain types.Domain) string {
	switch domain {
	case types.DomainSovereignty:
		return FrameSovereignty
	case types.DomainWallet:
		return FrameWallet
	case types.DomainNodes:
		return FrameNodeStatus
	case types.DomainLogs:
		return FrameLogEntry
	default:
		return ""
	}
}

// EncodeSubscribe builds the subscribe frame for the given domains.
func EncodeSubscribe(domains []types.Domain) ([]byte, error) {
	channels := make([]string, 0, len(domains))
	for _, d := range domains {
		channels = append(channels, d.Channel())
	}
	return json.Marshal(Frame{Type: FrameSubscribe, Channels: channels})
}
