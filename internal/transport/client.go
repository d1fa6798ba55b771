// ============================================================================
// dashsync Transport Client - stream connection with REST fallback
// ============================================================================
//
// Package: internal/transport
// File: client.go
// Purpose: Keep one bidirectional stream to the backend alive, defer writes
//          while it is down, and replay them in order once it is back.
//
// State machine:
//
//	DISCONNECTED --Connect--> CONNECTING --dial ok--> CONNECTED
//	CONNECTING   --dial failed--> RECONNECTING
//	CONNECTED    --stream lost--> RECONNECTING --dial ok--> CONNECTED
//	RECONNECTING --retry budget exhausted--> OFFLINE
//	OFFLINE      --probe timer--> CONNECTING
//	any          --Disconnect--> DISCONNECTED
//
// On every entry into CONNECTED the run loop:
//   1. drains the outbox strictly in enqueue order
//   2. only then fetches every subscribed domain over REST
//   3. emits exactly one Resynced event carrying that refresh
//
// Concurrency:
//   - run loop goroutine owns dialing, state transitions and replay
//   - reader goroutine per connection turns frames into events
//   - writeMu serializes REST writes with replay so a new Send can never
//     overtake a queued one
//
// ============================================================================

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/fault"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

const maxResponseBytes = 8 << 20

// Config holds the client settings.
type Config struct {
	BaseURL        string
	StreamURL      string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Backoff        Backoff
	MaxRetries     int           // reconnect attempts before OFFLINE
	ProbeInterval  time.Duration // OFFLINE probe period
	PingInterval   time.Duration // 0 disables keepalive pings
	QueueLimit     int
	Channels       []types.Domain
	EventBuffer    int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 500 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Minute
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient sets the REST client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithProber sets the reachability check run from OFFLINE before dialing.
func WithProber(p Prober) Option {
	return func(c *Client) { c.prober = p }
}

// Request is a REST write.
type Request struct {
	Method string
	Path   string
	Body   any
}

// Delivery tells the caller of Send what happened to the write.
type Delivery int

const (
	Delivered Delivery = iota + 1
	Queued
)

func (d Delivery) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

// Client is the transport client. All methods are safe for concurrent use.
type Client struct {
	env    env.Env
	log    zerolog.Logger
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
	prober Prober
	outbox *Outbox
	events chan Event
	kick   chan struct{}

	mu       sync.Mutex
	state    types.ConnectionState
	conn     *websocket.Conn
	channels []types.Domain
	cancel   context.CancelFunc
	stop     <-chan struct{}
	done     chan struct{}

	writeMu     sync.Mutex
	connWriteMu sync.Mutex
}

// New creates a disconnected client.
func New(e env.Env, cfg Config, opts ...Option) *Client {
	cfg.applyDefaults()

	c := &Client{
		env:      e.Component("transport"),
		cfg:      cfg,
		http:     &http.Client{},
		dialer:   websocket.DefaultDialer,
		outbox:   NewOutbox(cfg.QueueLimit),
		events:   make(chan Event, cfg.EventBuffer),
		kick:     make(chan struct{}, 1),
		state:    types.StateDisconnected,
		channels: dedupeDomains(cfg.Channels),
	}
	c.log = c.env.Log
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// Lifecycle
// ============================================================================

// Connect starts the connection manager. The first dial happens before
// Connect returns; if it fails the error is returned and the client keeps
// retrying in the background until Disconnect or ctx cancellation.
// Calling Connect on a running client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.stop = runCtx.Done()
	c.done = done
	c.mu.Unlock()

	c.transition(types.StateConnecting, nil)
	conn, err := c.dial(runCtx)

	go c.run(runCtx, done, conn, err)
	return err
}

// Disconnect aborts in-flight dials and fetches, closes the stream, stops
// every transport timer and leaves the client DISCONNECTED. Queued writes
// stay in the outbox.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	c.closeConn()
	<-done
}

// State returns the current connection state.
func (c *Client) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the event stream. The channel is never closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Pending returns a copy of the queued writes, oldest first.
func (c *Client) Pending() []types.QueuedRequest {
	return c.outbox.Items()
}

// Channels returns the subscribed domains.
func (c *Client) Channels() []types.Domain {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Domain(nil), c.channels...)
}

// Subscribe adds domains to the subscription set and, when connected, sends
// the full set on the stream. The set is re-sent on every reconnect.
func (c *Client) Subscribe(ctx context.Context, domains ...types.Domain) error {
	c.mu.Lock()
	c.channels = dedupeDomains(append(c.channels, domains...))
	channels := append([]types.Domain(nil), c.channels...)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	frame, err := EncodeSubscribe(channels)
	if err != nil {
		return errors.Wrap(err, "encode subscribe frame")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeFrame(conn, frame)
}

func (c *Client) run(ctx context.Context, done chan struct{}, conn *websocket.Conn, lastErr error) {
	defer close(done)
	defer c.teardown()

	attempt := 0
	if conn == nil {
		c.transition(types.StateReconnecting, lastErr)
	}

	for {
		if conn != nil {
			c.transition(types.StateConnected, nil)
			attempt = 0

			lastErr = c.serve(ctx, conn)
			c.closeConn()
			conn = nil
			if ctx.Err() != nil {
				return
			}

			c.log.Warn().Err(lastErr).Msg("Stream lost")
			c.emit(Closed{Reason: closeReason(lastErr), Err: lastErr, At: c.env.Clock.Now()})
			c.transition(types.StateReconnecting, nil)
		}

		switch c.State() {
		case types.StateReconnecting:
			if attempt >= c.cfg.MaxRetries {
				cause := fault.Transport("transport.reconnect",
					errors.Wrapf(lastErr, "retry budget of %d attempts exhausted", c.cfg.MaxRetries))
				c.log.Error().Err(cause).Msg("Backend unreachable, going offline")
				c.transition(types.StateOffline, cause)
				continue
			}
			delay := c.cfg.Backoff.Delay(attempt)
			c.emit(Retrying{Attempt: attempt, Delay: delay, At: c.env.Clock.Now()})
			if !c.sleep(ctx, delay) {
				return
			}
			attempt++
			c.env.Metrics.RecordReconnectAttempt()
			c.log.Debug().Int("attempt", attempt).Msg("Reconnecting")
			conn, lastErr = c.dial(ctx)

		case types.StateOffline:
			if !c.sleep(ctx, c.cfg.ProbeInterval) {
				return
			}
			if c.prober != nil {
				if err := c.prober.Probe(ctx); err != nil {
					c.log.Debug().Err(err).Msg("Offline probe failed")
					continue
				}
			}
			c.transition(types.StateConnecting, nil)
			conn, lastErr = c.dial(ctx)
			if conn == nil {
				c.transition(types.StateOffline, lastErr)
			}

		default:
			return
		}
	}
}

// serve runs one CONNECTED session until the stream fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.log.Info().Str("url", c.cfg.StreamURL).Msg("Stream connected")
	c.emit(Opened{At: c.env.Clock.Now()})

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := c.env.Clock.Ticker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	resync := true
	replayPending := false
	due := true
	retryAttempt := 0
	var retry *clock.Timer
	var retryC <-chan time.Time
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		if due && (resync || replayPending) {
			due = false
			if err := c.replay(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				delay := c.cfg.Backoff.Delay(retryAttempt)
				retryAttempt++
				c.log.Warn().Err(err).Dur("retry_in", delay).Int("queued", c.outbox.Len()).Msg("Replay interrupted")
				retry = c.env.Clock.Timer(delay)
				retryC = retry.C
			} else {
				if resync {
					c.resync(ctx)
				}
				resync, replayPending = false, false
				retryAttempt = 0
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-c.kick:
			replayPending = true
			if retryC == nil {
				due = true
			}
		case <-retryC:
			retry, retryC = nil, nil
			due = true
		case <-ping:
			c.connWriteMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.RequestTimeout))
			c.connWriteMu.Unlock()
			if err != nil {
				return errors.Wrap(err, "ping")
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	if c.cfg.PingInterval > 0 {
		grace := 2*c.cfg.PingInterval + c.cfg.RequestTimeout
		_ = conn.SetReadDeadline(time.Now().Add(grace))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(grace))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		upd, err := DecodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping stream frame")
			continue
		}
		if upd == nil {
			continue
		}
		c.emit(MessageReceived{Update: upd, At: c.env.Clock.Now()})
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.StreamURL, nil)
	if err != nil {
		return nil, fault.Transport("transport.dial", errors.Wrapf(err, "dial %s", c.cfg.StreamURL))
	}

	c.mu.Lock()
	c.conn = conn
	channels := append([]types.Domain(nil), c.channels...)
	c.mu.Unlock()

	if len(channels) > 0 {
		frame, err := EncodeSubscribe(channels)
		if err == nil {
			err = c.writeFrame(conn, frame)
		}
		if err != nil {
			c.closeConn()
			return nil, fault.Transport("transport.subscribe", err)
		}
	}
	return conn, nil
}

func (c *Client) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.connWriteMu.Lock()
	defer c.connWriteMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.connWriteMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.connWriteMu.Unlock()
	_ = conn.Close()
}

func (c *Client) teardown() {
	c.closeConn()
	c.transition(types.StateDisconnected, nil)

	c.mu.Lock()
	c.cancel = nil
	c.stop = nil
	c.mu.Unlock()
	c.log.Info().Msg("Transport stopped")
}

// sleep waits d on the env clock; false means ctx ended first.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := c.env.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) transition(to types.ConnectionState, cause error) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !types.CanTransition(from, to) {
		c.mu.Unlock()
		c.log.Error().Stringer("from", from).Stringer("to", to).Msg("Illegal state transition ignored")
		return
	}
	c.state = to
	c.mu.Unlock()

	c.env.Metrics.SetTransportState(int(to))
	c.log.Info().Stringer("from", from).Stringer("to", to).Msg("Connection state changed")
	c.emit(StateChanged{From: from, To: to, Cause: cause, At: c.env.Clock.Now()})
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
		return
	default:
	}

	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		c.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("Event buffer full, event dropped")
		return
	}
	select {
	case c.events <- ev:
	case <-stop:
		c.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("Event dropped during shutdown")
	}
}

// ============================================================================
// Writes and replay
// ============================================================================

// Send performs a REST write. While not CONNECTED, or while older writes are
// still queued, the write is appended to the outbox and Queued is returned.
// A connectivity failure on a direct write also queues it. A rejection is
// returned to the caller and nothing is queued.
func (c *Client) Send(ctx context.Context, req Request) (Delivery, error) {
	var payload []byte
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return 0, errors.Wrap(err, "encode request body")
		}
		payload = data
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	connected := c.State() == types.StateConnected
	if connected && c.outbox.Len() == 0 {
		_, err := c.do(ctx, "transport.send", method, req.Path, payload)
		if err == nil {
			return Delivered, nil
		}
		if !fault.IsRetryable(err) {
			c.env.Metrics.RecordRejected()
			return 0, err
		}
		c.log.Warn().Err(err).Str("path", req.Path).Msg("Write failed, queueing for replay")
	}

	q := types.QueuedRequest{
		ID:         uuid.NewString(),
		Method:     method,
		Path:       req.Path,
		Payload:    payload,
		EnqueuedAt: c.env.Clock.Now(),
	}
	if err := c.outbox.Push(q); err != nil {
		return 0, err
	}
	c.env.Metrics.SetQueuedRequests(c.outbox.Len())
	c.log.Debug().Str("id", q.ID).Str("path", q.Path).Int("queued", c.outbox.Len()).Msg("Write queued")

	if connected {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
	return Queued, nil
}

// replay drains the outbox head first. A rejected request is dropped and
// reported; a connectivity failure stops the drain and keeps the rest.
func (c *Client) replay(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for {
		req, ok := c.outbox.Front()
		if !ok {
			c.env.Metrics.SetQueuedRequests(0)
			return nil
		}

		_, err := c.do(ctx, "transport.replay", req.Method, req.Path, req.Payload)
		switch {
		case err == nil:
			_ = c.outbox.Ack(req.ID)
			c.env.Metrics.RecordReplayed()
			c.log.Debug().Str("id", req.ID).Str("path", req.Path).Msg("Queued write delivered")
		case !fault.IsRetryable(err):
			_ = c.outbox.Drop(req.ID)
			c.env.Metrics.RecordRejected()
			c.log.Error().Err(err).Str("id", req.ID).Str("path", req.Path).Msg("Queued write rejected, dropped")
			c.emit(RequestFailed{Request: req, Err: err, At: c.env.Clock.Now()})
		default:
			_ = c.outbox.Bump(req.ID)
			c.env.Metrics.SetQueuedRequests(c.outbox.Len())
			return err
		}
		c.env.Metrics.SetQueuedRequests(c.outbox.Len())
	}
}

func (c *Client) resync(ctx context.Context) {
	domains, errs := c.FetchAll(ctx)
	if ctx.Err() != nil {
		return
	}
	c.log.Info().Int("domains", len(domains)).Int("failed", len(errs)).Msg("Full refresh completed")
	c.emit(Resynced{Domains: domains, Errors: errs, At: c.env.Clock.Now()})
}

// ============================================================================
// REST reads
// ============================================================================

// Fetch reads the full state of one domain.
func (c *Client) Fetch(ctx context.Context, domain types.Domain) (json.RawMessage, error) {
	path := domain.RESTPath()
	if path == "" {
		return nil, errors.Errorf("unknown domain %q", domain)
	}
	return c.getJSON(ctx, "transport.fetch", path)
}

// FetchLogs reads a page of backend log entries.
func (c *Client) FetchLogs(ctx context.Context, limit, offset int) (json.RawMessage, error) {
	path := fmt.Sprintf("%s?limit=%d&offset=%d", types.DomainLogs.RESTPath(), limit, offset)
	return c.getJSON(ctx, "transport.fetch_logs", path)
}

// FetchAll reads every subscribed domain (all domains if none subscribed).
func (c *Client) FetchAll(ctx context.Context) (map[types.Domain]json.RawMessage, map[types.Domain]error) {
	domains := c.Channels()
	if len(domains) == 0 {
		domains = types.AllDomains
	}

	out := make(map[types.Domain]json.RawMessage, len(domains))
	errs := make(map[types.Domain]error)
	for _, d := range domains {
		payload, err := c.Fetch(ctx, d)
		if err != nil {
			errs[d] = err
			continue
		}
		out[d] = payload
	}
	return out, errs
}

// DeliverBatch posts a log batch. It implements the log buffer's sink and
// goes straight to REST; retry policy belongs to the caller.
func (c *Client) DeliverBatch(ctx context.Context, batch types.LogBatch) error {
	body, err := json.Marshal(struct {
		Entries []types.LogEntry `json:"entries"`
	}{Entries: batch.Entries})
	if err != nil {
		return errors.Wrap(err, "encode log batch")
	}
	_, err = c.do(ctx, "logs.deliver", http.MethodPost, types.DomainLogs.RESTPath(), body)
	return err
}

func (c *Client) getJSON(ctx context.Context, op, path string) (json.RawMessage, error) {
	data, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fault.Transport(op, errors.Errorf("%s returned invalid JSON", path))
	}
	return json.RawMessage(data), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, fault.New(fault.KindValidation, op, errors.Wrap(err, "build request"))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Transport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fault.Transport(op, errors.Wrap(err, "read response"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, fault.FromStatus(op, resp.StatusCode, msg)
	}
	return data, nil
}

func dedupeDomains(in []types.Domain) []types.Domain {
	seen := make(map[types.Domain]bool, len(in))
	out := make([]types.Domain, 0, len(in))
	for _, d := range in {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		return fmt.Sprintf("close code %d", ce.Code)
	}
	if err == nil {
		return "closed"
	}
	return err.Error()
}
