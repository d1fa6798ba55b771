package transport

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/fakebackend"
	"github.com/ChuLiYu/dashsync/internal/fault"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testConfig(b *fakebackend.Server) Config {
	return Config{
		BaseURL:        b.URL(),
		StreamURL:      b.StreamURL(),
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
		Backoff:        Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond},
		MaxRetries:     1000,
		ProbeInterval:  20 * time.Millisecond,
		Channels:       types.AllDomains,
	}
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *Client {
	t.Helper()
	c := New(env.Real(), cfg, opts...)
	t.Cleanup(c.Disconnect)
	return c
}

// waitEvent reads events until match returns true.
func waitEvent(t *testing.T, c *Client, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event")
			return nil
		}
	}
}

func isResynced(ev Event) bool {
	_, ok := ev.(Resynced)
	return ok
}

func enteredState(s types.ConnectionState) func(Event) bool {
	return func(ev Event) bool {
		sc, ok := ev.(StateChanged)
		return ok && sc.To == s
	}
}

func callStrings(calls []fakebackend.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.String())
	}
	return out
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestConnectEmitsOpenedAndRefresh(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	c := newTestClient(t, testConfig(backend))

	require.NoError(t, c.Connect(context.Background()))

	waitEvent(t, c, func(ev Event) bool { _, ok := ev.(Opened); return ok })
	ev := waitEvent(t, c, isResynced).(Resynced)

	assert.Equal(t, types.StateConnected, c.State())
	assert.Len(t, ev.Domains, len(types.AllDomains))
	assert.Empty(t, ev.Errors)
	require.Eventually(t, func() bool { return backend.Subscriptions() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStateTransitionsFollowDefinedEdges(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	c := newTestClient(t, testConfig(backend))

	var seen []StateChanged
	recording := func(match func(Event) bool) func(Event) bool {
		return func(ev Event) bool {
			if sc, ok := ev.(StateChanged); ok {
				seen = append(seen, sc)
			}
			return match(ev)
		}
	}

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, recording(isResynced))

	backend.SetStream(false)
	waitEvent(t, c, recording(enteredState(types.StateReconnecting)))
	backend.SetStream(true)
	waitEvent(t, c, recording(enteredState(types.StateConnected)))

	c.Disconnect()
	assert.Equal(t, types.StateDisconnected, c.State())
	drain := recording(func(Event) bool { return false })
	for done := false; !done; {
		select {
		case ev := <-c.Events():
			drain(ev)
		default:
			done = true
		}
	}

	got := make([][2]types.ConnectionState, 0, len(seen))
	for _, sc := range seen {
		assert.True(t, types.CanTransition(sc.From, sc.To), "%s -> %s", sc.From, sc.To)
		got = append(got, [2]types.ConnectionState{sc.From, sc.To})
	}
	assert.Equal(t, [][2]types.ConnectionState{
		{types.StateDisconnected, types.StateConnecting},
		{types.StateConnecting, types.StateConnected},
		{types.StateConnected, types.StateReconnecting},
		{types.StateReconnecting, types.StateConnected},
		{types.StateConnected, types.StateDisconnected},
	}, got)
}

func TestBackoffRestartsAfterReconnect(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	cfg := testConfig(backend)
	c := newTestClient(t, cfg)

	isRetrying := func(minAttempt int) func(Event) bool {
		return func(ev Event) bool {
			r, ok := ev.(Retrying)
			return ok && r.Attempt >= minAttempt
		}
	}

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, isResynced)

	backend.SetStream(false)
	climbed := waitEvent(t, c, isRetrying(3)).(Retrying)
	assert.Equal(t, cfg.Backoff.Max, climbed.Delay)

	backend.SetStream(true)
	waitEvent(t, c, enteredState(types.StateConnected))

	backend.SetStream(false)
	first := waitEvent(t, c, isRetrying(0)).(Retrying)
	assert.Equal(t, 0, first.Attempt)
	assert.Equal(t, cfg.Backoff.Base, first.Delay)
}

func TestFirstDialFailureKeepsRetrying(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.SetStream(false)
	c := newTestClient(t, testConfig(backend))

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindTransport, fault.KindOf(err))

	waitEvent(t, c, enteredState(types.StateReconnecting))
	backend.SetStream(true)
	waitEvent(t, c, isResynced)
	assert.Equal(t, types.StateConnected, c.State())
}

func TestRetryBudgetExhaustedGoesOffline(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()

	cfg := testConfig(backend)
	cfg.MaxRetries = 2
	probed := make(chan struct{}, 16)
	prober := ProberFunc(func(ctx context.Context) error {
		select {
		case probed <- struct{}{}:
		default:
		}
		return HTTPProber{URL: backend.URL() + "/healthz"}.Probe(ctx)
	})
	c := newTestClient(t, cfg, WithProber(prober))

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, isResynced)

	backend.SetOnline(false)
	ev := waitEvent(t, c, enteredState(types.StateOffline)).(StateChanged)
	require.Error(t, ev.Cause)
	assert.Equal(t, fault.KindTransport, fault.KindOf(ev.Cause))

	select {
	case <-probed:
	case <-time.After(2 * time.Second):
		t.Fatal("offline client never probed")
	}

	backend.SetOnline(true)
	waitEvent(t, c, isResynced)
	assert.Equal(t, types.StateConnected, c.State())
}

func TestDisconnectStopsClient(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	c := newTestClient(t, testConfig(backend))

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, isResynced)

	c.Disconnect()
	assert.Equal(t, types.StateDisconnected, c.State())
	require.Eventually(t, func() bool { return backend.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Disconnect twice is harmless, and the client can be started again.
	c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, isResynced)
}

func TestMessageReceived(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	c := newTestClient(t, testConfig(backend))

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, isResynced)

	require.Equal(t, 1, backend.Push(FrameWallet, map[string]string{"balance": "42"}))
	ev := waitEvent(t, c, func(ev Event) bool { _, ok := ev.(MessageReceived); return ok }).(MessageReceived)

	assert.Equal(t, "wallet", ev.Channel())
	assert.JSONEq(t, `{"balance":"42"}`, string(ev.Update.Payload()))
}

// ============================================================================
// Writes, queueing and replay
// ============================================================================

func TestSendWhileConnectedDelivers(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	c := newTestClient(t, testConfig(backend))

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, isResynced)
	backend.ResetCalls()

	d, err := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/orders", Body: map[string]string{"id": "X"}})
	require.NoError(t, err)
	assert.Equal(t, Delivered, d)
	assert.Equal(t, []string{`POST /api/orders {"id":"X"}`}, callStrings(backend.Calls()))
	assert.Empty(t, c.Pending())
}

func TestSendRejectedIsReturnedNotQueued(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.Reject("/api/orders", http.StatusUnprocessableEntity)
	c := newTestClient(t, testConfig(backend))

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, isResynced)

	_, err := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/orders", Body: map[string]string{"id": "X"}})
	require.Error(t, err)
	assert.Equal(t, fault.KindRejected, fault.KindOf(err))
	assert.Empty(t, c.Pending())
}

func TestSendBeforeConnectQueues(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	c := newTestClient(t, testConfig(backend))

	d, err := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/orders", Body: "A"})
	require.NoError(t, err)
	assert.Equal(t, Queued, d)
	require.Len(t, c.Pending(), 1)
	assert.Empty(t, backend.Calls())
}

func TestReplayInOrderThenSingleRefresh(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	c := newTestClient(t, testConfig(backend))

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, c, isResynced)

	backend.SetStream(false)
	waitEvent(t, c, enteredState(types.StateReconnecting))
	backend.ResetCalls()

	for _, id := range []string{"A", "B", "C"} {
		d, err := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/orders", Body: id})
		require.NoError(t, err)
		assert.Equal(t, Queued, d)
	}
	assert.Empty(t, backend.Calls(), "nothing reaches the backend while not connected")

	backend.SetStream(true)
	waitEvent(t, c, isResynced)

	assert.Equal(t, []string{
		`POST /api/orders "A"`,
		`POST /api/orders "B"`,
		`POST /api/orders "C"`,
		`GET /api/sovereignty/status`,
		`GET /api/wallet/balance`,
		`GET /api/nodes/status`,
		`GET /api/logs`,
	}, callStrings(backend.Calls()))
	assert.Empty(t, c.Pending())
}

func TestReplayDropsRejectedAndContinues(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.Reject("/api/bad", http.StatusBadRequest)
	c := newTestClient(t, testConfig(backend))

	_, err := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/orders", Body: "A"})
	require.NoError(t, err)
	_, err = c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/bad", Body: "B"})
	require.NoError(t, err)
	_, err = c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/orders", Body: "C"})
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))

	failed := waitEvent(t, c, func(ev Event) bool { _, ok := ev.(RequestFailed); return ok }).(RequestFailed)
	assert.Equal(t, "/api/bad", failed.Request.Path)
	assert.Equal(t, fault.KindRejected, fault.KindOf(failed.Err))

	waitEvent(t, c, isResynced)
	assert.Empty(t, c.Pending())

	var posts []string
	for _, call := range backend.Calls() {
		if call.Method == http.MethodPost {
			posts = append(posts, call.Body)
		}
	}
	assert.Equal(t, []string{`"A"`, `"B"`, `"C"`}, posts)
}

func TestReplayKeepsQueueOnConnectivityFault(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	backend.SetREST(false)
	c := newTestClient(t, testConfig(backend))

	_, err := c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/orders", Body: "A"})
	require.NoError(t, err)
	_, err = c.Send(context.Background(), Request{Method: http.MethodPost, Path: "/api/orders", Body: "B"})
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool {
		p := c.Pending()
		return len(p) == 2 && p[0].Attempt > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `"A"`, string(c.Pending()[0].Payload))

	backend.SetREST(true)
	waitEvent(t, c, isResynced)
	assert.Empty(t, c.Pending())
}

func TestDeliverBatch(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()
	c := newTestClient(t, testConfig(backend))

	batch := types.LogBatch{Entries: []types.LogEntry{
		{Level: types.LevelInfo, Message: "one", NodeID: "n1", SessionID: "s1"},
		{Level: types.LevelError, Message: "two", NodeID: "n1", SessionID: "s1"},
	}}
	require.NoError(t, c.DeliverBatch(context.Background(), batch))

	logs := backend.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "one", logs[0].Message)
	assert.Equal(t, types.LevelError, logs[1].Level)

	raw, err := c.FetchLogs(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"message":"two"`)
	assert.NotContains(t, string(raw), `"message":"one"`)

	err = c.DeliverBatch(context.Background(), types.LogBatch{})
	assert.Equal(t, fault.KindRejected, fault.KindOf(err))
}

// ============================================================================
// Probers
// ============================================================================

func TestGRPCHealthProber(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	p := GRPCHealthProber{Addr: lis.Addr().String(), Timeout: 2 * time.Second}
	require.NoError(t, p.Probe(context.Background()))

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	err = p.Probe(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindTransport, fault.KindOf(err))
}

func TestGRPCHealthProberUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	p := GRPCHealthProber{Addr: addr, Timeout: 200 * time.Millisecond}
	err = p.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsRetryable(err))
}

func TestHTTPProber(t *testing.T) {
	backend := fakebackend.New()
	defer backend.Close()

	p := HTTPProber{URL: backend.URL() + "/healthz"}
	require.NoError(t, p.Probe(context.Background()))

	backend.SetREST(false)
	assert.Error(t, p.Probe(context.Background()))
}
