package main

// ============================================================================
// dashsync demo
// Runs an in-process fake backend and a full client against it:
//
//	1. connect: snapshot filled by the initial refresh
//	2. stream: a pushed wallet update lands in the snapshot
//	3. offline: the network is cut, a write is queued, a log entry buffered
//	4. recover: the network returns, the queue is replayed in order and
//	   every domain is refreshed
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/fakebackend"
	"github.com/ChuLiYu/dashsync/internal/logbuffer"
	"github.com/ChuLiYu/dashsync/internal/orchestrator"
	"github.com/ChuLiYu/dashsync/internal/scheduler"
	"github.com/ChuLiYu/dashsync/internal/snapshot"
	"github.com/ChuLiYu/dashsync/internal/storage/wal"
	"github.com/ChuLiYu/dashsync/internal/transport"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, err := os.MkdirTemp("", "dashsync-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	e := env.New(env.Options{Level: "warn", Format: "console"})

	backend := fakebackend.New()
	defer backend.Close()

	client := transport.New(e, transport.Config{
		BaseURL:       backend.URL(),
		StreamURL:     backend.StreamURL(),
		Backoff:       transport.Backoff{Base: 100 * time.Millisecond, Max: 400 * time.Millisecond},
		MaxRetries:    3,
		ProbeInterval: 300 * time.Millisecond,
		Channels:      types.AllDomains,
	}, transport.WithProber(transport.HTTPProber{URL: backend.URL() + "/healthz"}))

	deadLetters, err := wal.Open(filepath.Join(dir, "deadletter.wal"), wal.WithClock(e.Clock))
	if err != nil {
		return err
	}
	defer deadLetters.Close()

	logs := logbuffer.New(e, logbuffer.Config{
		BatchSize: 10,
		MaxAge:    200 * time.Millisecond,
		Backoff:   transport.Backoff{Base: 100 * time.Millisecond, Max: 500 * time.Millisecond},
		NodeID:    "demo-node",
	}, client, deadLetters)

	orch, err := orchestrator.New(e, orchestrator.Config{PollInterval: time.Second}, orchestrator.Deps{
		Transport: client,
		Logs:      logs,
		Scheduler: scheduler.New(e, scheduler.Config{Interval: 100 * time.Millisecond}),
		Snapshots: snapshot.NewManager(filepath.Join(dir, "snapshot.json"), e.Clock),
	})
	if err != nil {
		return err
	}

	notes, unsubscribe := orch.Subscribe()
	defer unsubscribe()
	go printNotifications(notes)

	// 1. connect
	step("1. Connect and refresh")
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Stop()
	if err := waitFor(5*time.Second, func() bool {
		return len(orch.Snapshot().Domains) >= 3
	}); err != nil {
		return errors.Wrap(err, "initial refresh")
	}
	printSnapshot(orch.Snapshot())

	// 2. stream
	step("2. Live stream update")
	backend.Push(transport.FrameType(types.DomainWallet), map[string]any{"balance": "1250.00", "currency": "DSC"})
	if err := waitFor(3*time.Second, func() bool {
		st, ok := orch.Domain(types.DomainWallet)
		return ok && strings.Contains(string(st.Payload), "1250.00")
	}); err != nil {
		return errors.Wrap(err, "stream update")
	}

	// 3. offline
	step("3. Network lost")
	backend.SetOnline(false)
	if err := waitFor(5*time.Second, func() bool {
		return client.State() != types.StateConnected
	}); err != nil {
		return errors.Wrap(err, "disconnect")
	}

	delivery, err := client.Send(ctx, transport.Request{
		Method: "POST",
		Path:   "/api/wallet/transfer",
		Body:   map[string]any{"to": "node-2", "amount": "10.00"},
	})
	if err != nil {
		return errors.Wrap(err, "send while offline")
	}
	fmt.Printf("   transfer %s, %d write(s) pending\n", delivery, len(client.Pending()))
	_ = logs.Append(types.LevelWarn, "Transfer submitted while offline", map[string]any{"amount": "10.00"})

	backend.SetDomain(types.DomainNodes, []byte(`{"nodes":[{"id":"node-1","status":"online"},{"id":"node-2","status":"offline"}]}`))
	time.Sleep(500 * time.Millisecond)

	// 4. recover
	step("4. Network restored")
	backend.ResetCalls()
	backend.SetOnline(true)
	if err := waitFor(10*time.Second, func() bool {
		return client.State() == types.StateConnected && len(client.Pending()) == 0
	}); err != nil {
		return errors.Wrap(err, "reconnect")
	}
	if err := waitFor(5*time.Second, func() bool {
		st, ok := orch.Domain(types.DomainNodes)
		return ok && strings.Contains(string(st.Payload), `"offline"`)
	}); err != nil {
		return errors.Wrap(err, "refresh after reconnect")
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 5*time.Second)
	defer flushCancel()
	if err := logs.Flush(flushCtx); err != nil {
		return errors.Wrap(err, "flush logs")
	}

	fmt.Println("   backend saw, in order:")
	for _, call := range backend.Calls() {
		fmt.Printf("     %s\n", call)
	}
	printSnapshot(orch.Snapshot())

	stats := logs.Stats()
	fmt.Printf("\nDone. %d log batches delivered, %d dead-lettered.\n", stats.Delivered, stats.DeadLettered)
	return nil
}

func step(title string) {
	fmt.Printf("\n== %s ==\n", title)
}

func printSnapshot(snap types.StateSnapshot) {
	for _, d := range types.AllDomains {
		st, ok := snap.Domains[d]
		if !ok {
			continue
		}
		payload := string(st.Payload)
		if len(payload) > 70 {
			payload = payload[:67] + "..."
		}
		fmt.Printf("   %-12s v%-3d %-8s %-8s %s\n", d, st.Version, st.Provenance, st.Source, payload)
	}
}

func printNotifications(notes <-chan orchestrator.Notification) {
	for n := range notes {
		switch n.Kind {
		case orchestrator.NotifyConnection:
			fmt.Printf("   [connection] %s\n", n.Connection)
		case orchestrator.NotifyUpdate:
			fmt.Printf("   [update] %s via %s\n", n.Domain, n.State.Source)
		case orchestrator.NotifyError:
			fmt.Printf("   [error] %s: %s\n", n.Fault, n.Message)
		case orchestrator.NotifyAlert:
			fmt.Printf("   [alert] %s\n", n.Message)
		}
	}
}

func waitFor(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return errors.Errorf("condition not met within %s", timeout)
}
