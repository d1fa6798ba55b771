// ============================================================================
// dashsync Orchestrator - owner of the canonical state snapshot
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: Compose the transport client, log buffer, scheduler and snapshot
//          store into one canonical StateSnapshot and an outbound
//          notification stream.
//
// Loops (one goroutine each, all cancelled by Stop):
//   1. Event loop    - consumes transport events; stream messages and
//                      refreshes become updates
//   2. Poll loop     - REST-polls every subscribed domain while the
//                      transport is not CONNECTED
//   3. Snapshot loop - persists the snapshot when it changed
//   4. Scheduler     - evaluates alert triggers (when a scheduler is wired)
//
// Writes:
//   Every mutation goes through apply(), which validates, replaces the
//   domain wholesale under the lock and then notifies subscribers. Nothing
//   else touches the snapshot, and readers only ever get deep copies.
//
// Offline strategy:
//   Entering OFFLINE fills domains that have no real data with configured
//   fallback payloads (provenance "fallback"). Real data always replaces
//   fallback data; fallback data never replaces real data.
//
// ============================================================================

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/fault"
	"github.com/ChuLiYu/dashsync/internal/logbuffer"
	"github.com/ChuLiYu/dashsync/internal/scheduler"
	"github.com/ChuLiYu/dashsync/internal/snapshot"
	"github.com/ChuLiYu/dashsync/internal/storage/wal"
	"github.com/ChuLiYu/dashsync/internal/transport"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

var (
	ErrAlreadyStarted = errors.New("orchestrator already started")
	ErrNoScheduler    = errors.New("no scheduler configured")
)

// ============================================================================
// Collaborators
// ============================================================================

// Transport is the part of the transport client the orchestrator drives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() types.ConnectionState
	Events() <-chan transport.Event
	Fetch(ctx context.Context, domain types.Domain) (json.RawMessage, error)
	Channels() []types.Domain
}

// LogSink receives the orchestrator's own log entries (rejected updates,
// alerts, surfaced faults).
type LogSink interface {
	Append(level types.Level, message string, fields map[string]any) error
}

// Deps are the components the orchestrator composes. Only Transport is
// required.
type Deps struct {
	Transport Transport
	Logs      LogSink
	Scheduler *scheduler.Scheduler
	Snapshots *snapshot.Manager
}

// Alert is a time-based notification registered with the scheduler.
type Alert struct {
	Name    string      `json:"name"`
	At      time.Time   `json:"at"`
	Message string      `json:"message"`
	Level   types.Level `json:"level"`
}

// Config holds the orchestrator settings.
type Config struct {
	PollInterval     time.Duration
	SnapshotInterval time.Duration
	// LogWindow bounds the recent entries kept in the logs domain.
	LogWindow int
	Fallback  map[types.Domain]json.RawMessage
	Alerts    []Alert
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.LogWindow <= 0 {
		c.LogWindow = 200
	}
}

// Stats counts what happened to offered updates.
type Stats struct {
	Accepted             uint64 `json:"accepted"`
	Unchanged            uint64 `json:"unchanged"`
	Rejected             uint64 `json:"rejected"`
	Refreshes            uint64 `json:"refreshes"`
	Polls                uint64 `json:"polls"`
	DroppedNotifications uint64 `json:"dropped_notifications"`
}

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	env  env.Env
	log  zerolog.Logger
	cfg  Config
	deps Deps
	hub  *hub

	mu        sync.Mutex
	snap      types.StateSnapshot
	logWindow []json.RawMessage
	dirty     bool
	stats     Stats

	runMu   sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New validates the configuration and creates a stopped orchestrator.
func New(e env.Env, cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Transport == nil {
		return nil, errors.New("orchestrator needs a transport")
	}
	cfg.applyDefaults()

	for d, payload := range cfg.Fallback {
		if err := Validate(d, payload); err != nil {
			return nil, errors.Wrapf(err, "fallback for %s", d)
		}
	}

	o := &Orchestrator{
		env:  e.Component("orchestrator"),
		cfg:  cfg,
		deps: deps,
		hub:  newHub(),
		snap: types.NewStateSnapshot(),
	}
	o.log = o.env.Log
	return o, nil
}

/*
Start restores the persisted snapshot, starts the loops and connects the
transport.

Flow:
 1. restore: domains from the snapshot file come back with source "restored"
 2. wire: scheduler anomalies, log buffer errors and configured alerts
 3. run: event, poll and snapshot loops plus the scheduler
 4. connect: a failed first dial is logged; the transport keeps retrying

Start returns ErrAlreadyStarted when called twice.
*/
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	if o.started {
		o.runMu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.runMu.Unlock()

	start := o.env.Clock.Now()
	o.restore()

	if lb, ok := o.deps.Logs.(interface{ OnError(logbuffer.ErrorHandler) }); ok {
		lb.OnError(o.onLogBatchLost)
	}

	if sched := o.deps.Scheduler; sched != nil {
		sched.OnAnomaly(func(err error) { o.surface(err, "Scheduler clock moved backwards") })
		for _, a := range o.cfg.Alerts {
			if err := o.RegisterAlert(a); err != nil {
				o.log.Warn().Err(err).Str("alert", a.Name).Msg("Failed to register alert")
			}
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			_ = sched.Run(ctx)
		}()
	}

	o.wg.Add(3)
	go o.eventLoop(ctx)
	go o.pollLoop(ctx)
	go o.snapshotLoop(ctx)

	if err := o.deps.Transport.Connect(ctx); err != nil {
		o.log.Warn().Err(err).Msg("Initial connect failed, retrying in background")
	}

	o.log.Info().Dur("startup", o.env.Clock.Since(start)).Msg("Orchestrator started")
	return nil
}

// Stop cancels every loop, disconnects the transport, writes a final
// snapshot and ends all subscriptions. It is idempotent.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	if !o.started || o.stopped {
		o.runMu.Unlock()
		return
	}
	o.stopped = true
	cancel := o.cancel
	o.runMu.Unlock()

	cancel()
	o.deps.Transport.Disconnect()
	o.wg.Wait()

	o.persist()
	o.hub.closeAll()
	o.log.Info().Msg("Orchestrator stopped")
}

// ApplyUpdate offers a locally produced payload for domain. Invalid payloads
// are rejected with a KindValidation fault and leave the snapshot untouched.
func (o *Orchestrator) ApplyUpdate(domain types.Domain, payload json.RawMessage) error {
	return o.apply(domain, payload, types.SourceLocal)
}

// Snapshot returns a deep copy of the canonical state.
func (o *Orchestrator) Snapshot() types.StateSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := o.snap.Clone()
	snap.TakenAt = o.env.Clock.Now()
	return snap
}

// Domain returns a copy of one domain's state.
func (o *Orchestrator) Domain(d types.Domain) (types.DomainState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.snap.Domains[d]
	if !ok {
		return types.DomainState{}, false
	}
	st.Payload = append(json.RawMessage(nil), st.Payload...)
	return st, true
}

// Subscribe returns a notification stream and its cancel function. The
// channel is closed by cancel or by Stop.
func (o *Orchestrator) Subscribe() (<-chan Notification, func()) {
	return o.hub.subscribe()
}

// ConnectionState is the transport's state, the single switch between live
// and offline behaviour.
func (o *Orchestrator) ConnectionState() types.ConnectionState {
	return o.deps.Transport.State()
}

// Stats returns update counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	s := o.stats
	o.mu.Unlock()
	s.DroppedNotifications = o.hub.droppedCount()
	return s
}

// ============================================================================
// Alerts
// ============================================================================

// RegisterAlert schedules a. Registering an existing name replaces it.
func (o *Orchestrator) RegisterAlert(a Alert) error {
	sched := o.deps.Scheduler
	if sched == nil {
		return ErrNoScheduler
	}
	return sched.Register(a.Name, a.At, func(f scheduler.Firing) { o.fireAlert(a, f) })
}

// UnregisterAlert removes a scheduled alert.
func (o *Orchestrator) UnregisterAlert(name string) bool {
	if o.deps.Scheduler == nil {
		return false
	}
	return o.deps.Scheduler.Unregister(name)
}

// Alerts lists scheduled alerts.
func (o *Orchestrator) Alerts() []scheduler.TriggerInfo {
	if o.deps.Scheduler == nil {
		return nil
	}
	return o.deps.Scheduler.Triggers()
}

func (o *Orchestrator) fireAlert(a Alert, f scheduler.Firing) {
	o.hub.publish(Notification{Kind: NotifyAlert, Message: a.Message, At: f.FiredAt})
	o.appendLog(a.Level, a.Message, map[string]any{
		"trigger": a.Name,
		"target":  f.Target.Format(time.RFC3339),
		"late_ms": f.Late().Milliseconds(),
	})
}

// ============================================================================
// Loops
// ============================================================================

func (o *Orchestrator) eventLoop(ctx context.Context) {
	defer o.wg.Done()
	events := o.deps.Transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			o.handleEvent(ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.StateChanged:
		o.hub.publish(Notification{Kind: NotifyConnection, Connection: ev.To.String(), At: ev.At})
		if ev.To == types.StateOffline {
			if ev.Cause != nil {
				o.surface(ev.Cause, "Backend unreachable, working offline")
			}
			o.applyFallbacks()
		}

	case transport.Opened:
		o.log.Debug().Time("at", ev.At).Msg("Stream opened")

	case transport.MessageReceived:
		_ = o.apply(ev.Update.Domain(), ev.Update.Payload(), types.SourceStream)

	case transport.Closed:
		o.log.Info().Str("reason", ev.Reason).Msg("Stream closed")

	case transport.Retrying:
		o.log.Debug().Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("Reconnect scheduled")

	case transport.Resynced:
		o.reconcile(ev)

	case transport.RequestFailed:
		o.surface(ev.Err, "Queued write rejected by backend")
		o.appendLog(types.LevelError, "Queued write rejected", map[string]any{
			"method": ev.Request.Method,
			"path":   ev.Request.Path,
			"error":  ev.Err.Error(),
		})

	default:
		o.log.Warn().Type("event", ev).Msg("Unhandled transport event")
	}
}

// reconcile applies one full-domain refresh.
func (o *Orchestrator) reconcile(ev transport.Resynced) {
	o.mu.Lock()
	o.stats.Refreshes++
	o.mu.Unlock()

	for _, d := range types.AllDomains {
		if payload, ok := ev.Domains[d]; ok {
			_ = o.apply(d, payload, types.SourceRefresh)
		}
		if err, ok := ev.Errors[d]; ok {
			o.log.Warn().Err(err).Str("domain", string(d)).Msg("Refresh failed for domain")
		}
	}
	o.log.Info().Int("domains", len(ev.Domains)).Int("failed", len(ev.Errors)).Msg("Snapshot reconciled")
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := o.env.Clock.Ticker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.deps.Transport.State() != types.StateConnected {
				o.pollOnce(ctx)
			}
		}
	}
}

// pollOnce fetches every subscribed domain over REST.
func (o *Orchestrator) pollOnce(ctx context.Context) {
	domains := o.deps.Transport.Channels()
	if len(domains) == 0 {
		domains = types.AllDomains
	}

	o.mu.Lock()
	o.stats.Polls++
	o.mu.Unlock()

	for _, d := range domains {
		if ctx.Err() != nil {
			return
		}
		payload, err := o.deps.Transport.Fetch(ctx, d)
		if err != nil {
			o.env.Metrics.RecordPoll(string(d), "error")
			o.log.Debug().Err(err).Str("domain", string(d)).Msg("Poll failed")
			continue
		}
		o.env.Metrics.RecordPoll(string(d), "ok")
		_ = o.apply(d, payload, types.SourcePoll)
	}
}

func (o *Orchestrator) snapshotLoop(ctx context.Context) {
	defer o.wg.Done()
	if o.deps.Snapshots == nil {
		return
	}
	ticker := o.env.Clock.Ticker(o.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.persist()
		}
	}
}

// ============================================================================
// Snapshot writes
// ============================================================================

// apply is the only writer of the snapshot.
func (o *Orchestrator) apply(domain types.Domain, payload json.RawMessage, source types.Source) error {
	if err := Validate(domain, payload); err != nil {
		o.reject(domain, source, err)
		return err
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		err = fault.New(fault.KindValidation, "orchestrator.apply", err)
		o.reject(domain, source, err)
		return err
	}
	compact := json.RawMessage(buf.Bytes())
	now := o.env.Clock.Now()

	o.mu.Lock()
	var (
		state   types.DomainState
		changed bool
	)
	if domain == types.DomainLogs {
		state, changed = o.applyLogsLocked(compact, source, now)
	} else {
		state, changed = o.replaceLocked(domain, compact, source, now)
	}
	if changed {
		o.dirty = true
		o.stats.Accepted++
	} else {
		o.stats.Unchanged++
	}
	o.mu.Unlock()

	if !changed {
		o.env.Metrics.RecordUpdate(string(domain), "unchanged")
		return nil
	}
	o.env.Metrics.RecordUpdate(string(domain), "accepted")
	o.log.Debug().Str("domain", string(domain)).Str("source", string(source)).Uint64("version", state.Version).Msg("Update applied")
	o.hub.publish(Notification{Kind: NotifyUpdate, Domain: domain, State: &state, At: now})
	return nil
}

func (o *Orchestrator) replaceLocked(domain types.Domain, payload json.RawMessage, source types.Source, now time.Time) (types.DomainState, bool) {
	cur, ok := o.snap.Domains[domain]
	prov := provenanceOf(source)
	if ok && prov == types.ProvenanceFallback && cur.Provenance == types.ProvenanceReal {
		return cur, false
	}
	if ok && cur.Provenance == prov && bytes.Equal(cur.Payload, payload) {
		return cur, false
	}

	next := types.DomainState{
		Payload:    payload,
		UpdatedAt:  now,
		Provenance: prov,
		Source:     source,
		Version:    cur.Version + 1,
	}
	o.snap.Domains[domain] = next
	next.Payload = append(json.RawMessage(nil), payload...)
	return next, true
}

// applyLogsLocked folds a single entry or a full page into the bounded
// window of recent entries.
func (o *Orchestrator) applyLogsLocked(payload json.RawMessage, source types.Source, now time.Time) (types.DomainState, bool) {
	cur, ok := o.snap.Domains[types.DomainLogs]
	prov := provenanceOf(source)
	if ok && prov == types.ProvenanceFallback && cur.Provenance == types.ProvenanceReal {
		return cur, false
	}
	window := o.logWindow
	if ok && cur.Provenance == types.ProvenanceFallback && prov == types.ProvenanceReal {
		window = nil
	}

	var page struct {
		Entries []json.RawMessage `json:"entries"`
	}
	_ = json.Unmarshal(payload, &page)

	var next []json.RawMessage
	if page.Entries != nil {
		next = compactAll(page.Entries)
	} else {
		for _, e := range window {
			if bytes.Equal(e, payload) {
				return cur, false
			}
		}
		next = append(append([]json.RawMessage(nil), window...), payload)
	}
	if len(next) > o.cfg.LogWindow {
		next = next[len(next)-o.cfg.LogWindow:]
	}
	if ok && cur.Provenance == prov && sameEntries(window, next) {
		return cur, false
	}

	encoded, _ := json.Marshal(struct {
		Entries []json.RawMessage `json:"entries"`
	}{Entries: nonNil(next)})

	o.logWindow = next
	state := types.DomainState{
		Payload:    encoded,
		UpdatedAt:  now,
		Provenance: prov,
		Source:     source,
		Version:    cur.Version + 1,
	}
	o.snap.Domains[types.DomainLogs] = state
	state.Payload = append(json.RawMessage(nil), encoded...)
	return state, true
}

func (o *Orchestrator) reject(domain types.Domain, source types.Source, err error) {
	o.mu.Lock()
	o.stats.Rejected++
	o.mu.Unlock()

	o.env.Metrics.RecordUpdate(string(domain), "rejected")
	o.log.Error().Err(err).Str("domain", string(domain)).Str("source", string(source)).Msg("Invalid update rejected")
	o.appendLog(types.LevelError, "Invalid update rejected", map[string]any{
		"domain": string(domain),
		"source": string(source),
		"error":  err.Error(),
	})
	o.hub.publish(Notification{
		Kind:    NotifyError,
		Domain:  domain,
		Fault:   fault.KindOf(err).String(),
		Message: err.Error(),
		At:      o.env.Clock.Now(),
	})
}

// applyFallbacks fills domains without real data from configuration.
func (o *Orchestrator) applyFallbacks() {
	for _, d := range types.AllDomains {
		payload, ok := o.cfg.Fallback[d]
		if !ok {
			continue
		}
		o.mu.Lock()
		cur, has := o.snap.Domains[d]
		o.mu.Unlock()
		if has && cur.Provenance == types.ProvenanceReal {
			continue
		}
		_ = o.apply(d, payload, types.SourceFallback)
	}
}

func (o *Orchestrator) restore() {
	if o.deps.Snapshots == nil {
		return
	}
	snap, err := o.deps.Snapshots.Load()
	if err != nil {
		o.log.Warn().Err(err).Str("path", o.deps.Snapshots.Path()).Msg("Snapshot unusable, starting empty")
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for d, st := range snap.Domains {
		if err := Validate(d, st.Payload); err != nil {
			o.log.Warn().Err(err).Str("domain", string(d)).Msg("Skipping invalid restored domain")
			continue
		}
		st.Source = types.SourceRestored
		o.snap.Domains[d] = st
		if d == types.DomainLogs {
			var page struct {
				Entries []json.RawMessage `json:"entries"`
			}
			if json.Unmarshal(st.Payload, &page) == nil {
				o.logWindow = compactAll(page.Entries)
			}
		}
	}
	o.log.Info().Int("domains", len(o.snap.Domains)).Msg("Snapshot restored")
}

// persist writes the snapshot if it changed since the last write.
func (o *Orchestrator) persist() {
	if o.deps.Snapshots == nil {
		return
	}
	o.mu.Lock()
	if !o.dirty {
		o.mu.Unlock()
		return
	}
	snap := o.snap.Clone()
	snap.TakenAt = o.env.Clock.Now()
	o.dirty = false
	o.mu.Unlock()

	if err := o.deps.Snapshots.Write(snap); err != nil {
		o.mu.Lock()
		o.dirty = true
		o.mu.Unlock()
		o.log.Error().Err(err).Msg("Failed to persist snapshot")
		return
	}
	o.log.Debug().Int("domains", len(snap.Domains)).Msg("Snapshot persisted")
}

// ============================================================================
// Surfacing
// ============================================================================

// surface reports a fault once to subscribers and the log.
func (o *Orchestrator) surface(err error, message string) {
	o.log.Error().Err(err).Str("fault", fault.KindOf(err).String()).Msg(message)
	o.hub.publish(Notification{
		Kind:    NotifyError,
		Fault:   fault.KindOf(err).String(),
		Message: message + ": " + err.Error(),
		At:      o.env.Clock.Now(),
	})
}

func (o *Orchestrator) onLogBatchLost(batch types.LogBatch, reason wal.Reason, err error) {
	// Not appended to the log buffer: that would feed its own failure loop.
	o.log.Error().Err(err).Str("batch", batch.ID).Str("reason", string(reason)).Int("entries", len(batch.Entries)).Msg("Log batch not delivered")
	msg := "Log batch " + string(reason)
	if err != nil {
		msg += ": " + err.Error()
	}
	o.hub.publish(Notification{
		Kind:    NotifyError,
		Fault:   fault.KindOf(err).String(),
		Message: msg,
		At:      o.env.Clock.Now(),
	})
}

func (o *Orchestrator) appendLog(level types.Level, message string, fields map[string]any) {
	if o.deps.Logs == nil {
		return
	}
	if err := o.deps.Logs.Append(level, message, fields); err != nil {
		o.log.Debug().Err(err).Msg("Log buffer refused entry")
	}
}

// ============================================================================
// Helpers
// ============================================================================

func provenanceOf(source types.Source) types.Provenance {
	if source == types.SourceFallback {
		return types.ProvenanceFallback
	}
	return types.ProvenanceReal
}

func compactAll(in []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(in))
	for _, raw := range in {
		var buf bytes.Buffer
		if json.Compact(&buf, raw) == nil {
			out = append(out, json.RawMessage(buf.Bytes()))
		}
	}
	return out
}

func sameEntries(a, b []json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func nonNil(in []json.RawMessage) []json.RawMessage {
	if in == nil {
		return []json.RawMessage{}
	}
	return in
}
