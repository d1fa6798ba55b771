package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/fault"
)

// recorder collects fired trigger names in call order.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) cb(f Firing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, f.Name)
}

func (r *recorder) fired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func newTestScheduler(t *testing.T) (*Scheduler, time.Time) {
	t.Helper()
	e, mock := env.Nop()
	return New(e, Config{Interval: time.Second}), mock.Now()
}

func names(firings []Firing) []string {
	out := make([]string, len(firings))
	for i, f := range firings {
		out[i] = f.Name
	}
	return out
}

// ============================================================================
// Firing order and exactly-once
// ============================================================================

func TestSuspendedEvaluatorFiresAllCrossedThresholdsInOrder(t *testing.T) {
	s, now := newTestScheduler(t)
	rec := &recorder{}
	deadline := now.Add(2 * time.Hour)

	// Registered out of order on purpose.
	require.NoError(t, s.Register("at-deadline", deadline, rec.cb))
	require.NoError(t, s.Register("ten-minutes", deadline.Add(-600*time.Second), rec.cb))
	require.NoError(t, s.Register("one-hour", deadline.Add(-3600*time.Second), rec.cb))

	assert.Empty(t, s.Evaluate(now), "nothing is due yet")

	// The evaluator was suspended across all three thresholds.
	firings := s.Evaluate(deadline.Add(time.Second))
	assert.Equal(t, []string{"one-hour", "ten-minutes", "at-deadline"}, names(firings))
	assert.Equal(t, []string{"one-hour", "ten-minutes", "at-deadline"}, rec.fired())

	assert.Empty(t, s.Evaluate(deadline.Add(2*time.Second)), "fired triggers never refire")
	assert.Len(t, rec.fired(), 3)
}

func TestTriggerFiresExactlyOnceAcrossTicks(t *testing.T) {
	s, now := newTestScheduler(t)
	var calls atomic.Int32
	target := now.Add(10 * time.Second)
	require.NoError(t, s.Register("once", target, func(Firing) { calls.Add(1) }))

	for i := 0; i < 30; i++ {
		s.Evaluate(now.Add(time.Duration(i) * time.Second))
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestTargetEqualToNowFires(t *testing.T) {
	s, now := newTestScheduler(t)
	rec := &recorder{}
	require.NoError(t, s.Register("edge", now, rec.cb))

	firings := s.Evaluate(now)
	require.Len(t, firings, 1)
	assert.Equal(t, time.Duration(0), firings[0].Late())
}

func TestEqualTargetsFireInRegistrationOrder(t *testing.T) {
	s, now := newTestScheduler(t)
	rec := &recorder{}
	target := now.Add(time.Minute)
	for _, name := range []string{"c", "a", "b"} {
		require.NoError(t, s.Register(name, target, rec.cb))
	}

	s.Evaluate(target)
	assert.Equal(t, []string{"c", "a", "b"}, rec.fired())
}

func TestConcurrentEvaluateFiresOnce(t *testing.T) {
	s, now := newTestScheduler(t)
	var calls atomic.Int32
	require.NoError(t, s.Register("shared", now, func(Firing) { calls.Add(1) }))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Evaluate(now.Add(time.Second))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

// ============================================================================
// Registry
// ============================================================================

func TestRegisterValidation(t *testing.T) {
	s, now := newTestScheduler(t)

	assert.ErrorIs(t, s.Register("", now, func(Firing) {}), ErrEmptyName)
	assert.ErrorIs(t, s.Register("x", now, nil), ErrNilCallback)
}

func TestUnregisterFiredAndUnfired(t *testing.T) {
	s, now := newTestScheduler(t)
	rec := &recorder{}
	require.NoError(t, s.Register("fired", now, rec.cb))
	require.NoError(t, s.Register("pending", now.Add(time.Hour), rec.cb))

	s.Evaluate(now)
	require.Len(t, s.Triggers(), 2, "firing does not remove a trigger")

	assert.True(t, s.Unregister("fired"))
	assert.True(t, s.Unregister("pending"))
	assert.False(t, s.Unregister("pending"))
	assert.Empty(t, s.Triggers())

	s.Evaluate(now.Add(2 * time.Hour))
	assert.Equal(t, []string{"fired"}, rec.fired())
}

func TestReRegisterReArms(t *testing.T) {
	s, now := newTestScheduler(t)
	rec := &recorder{}
	require.NoError(t, s.Register("alert", now, rec.cb))
	s.Evaluate(now)

	require.NoError(t, s.Register("alert", now.Add(time.Minute), rec.cb))
	info := s.Triggers()
	require.Len(t, info, 1)
	assert.False(t, info[0].Fired)

	s.Evaluate(now.Add(time.Minute))
	assert.Equal(t, []string{"alert", "alert"}, rec.fired())
}

func TestTriggersSortedByTarget(t *testing.T) {
	s, now := newTestScheduler(t)
	require.NoError(t, s.Register("late", now.Add(time.Hour), func(Firing) {}))
	require.NoError(t, s.Register("early", now.Add(time.Minute), func(Firing) {}))

	s.Evaluate(now.Add(30 * time.Minute))

	info := s.Triggers()
	require.Len(t, info, 2)
	assert.Equal(t, "early", info[0].Name)
	assert.True(t, info[0].Fired)
	assert.Equal(t, now.Add(30*time.Minute), info[0].FiredAt)
	assert.Equal(t, "late", info[1].Name)
	assert.False(t, info[1].Fired)
}

func TestCallbackMayRegister(t *testing.T) {
	s, now := newTestScheduler(t)
	rec := &recorder{}
	require.NoError(t, s.Register("first", now, func(f Firing) {
		rec.cb(f)
		require.NoError(t, s.Register("second", now.Add(time.Second), rec.cb))
	}))

	s.Evaluate(now)
	s.Evaluate(now.Add(time.Second))
	assert.Equal(t, []string{"first", "second"}, rec.fired())
}

// ============================================================================
// Faults
// ============================================================================

func TestPanickingCallbackDoesNotStopOthers(t *testing.T) {
	s, now := newTestScheduler(t)
	rec := &recorder{}
	require.NoError(t, s.Register("boom", now, func(Firing) { panic("callback failure") }))
	require.NoError(t, s.Register("after", now.Add(time.Second), rec.cb))

	var firings []Firing
	assert.NotPanics(t, func() { firings = s.Evaluate(now.Add(time.Second)) })
	assert.Equal(t, []string{"boom", "after"}, names(firings))
	assert.Equal(t, []string{"after"}, rec.fired())
}

func TestBackwardClockJumpReportsAnomaly(t *testing.T) {
	s, now := newTestScheduler(t)
	rec := &recorder{}

	var anomalies []error
	s.OnAnomaly(func(err error) { anomalies = append(anomalies, err) })

	require.NoError(t, s.Register("past", now.Add(time.Minute), rec.cb))
	require.NoError(t, s.Register("future", now.Add(time.Hour), rec.cb))

	s.Evaluate(now.Add(2 * time.Minute))
	require.Equal(t, []string{"past"}, rec.fired())

	// Clock jumps back before "past"'s target.
	firings := s.Evaluate(now)
	assert.Empty(t, firings)
	require.Len(t, anomalies, 1)
	assert.Equal(t, fault.KindClockAnomaly, fault.KindOf(anomalies[0]))

	s.Evaluate(now.Add(2 * time.Hour))
	assert.Equal(t, []string{"past", "future"}, rec.fired(), "pending triggers still fire, fired ones never refire")
	assert.Len(t, anomalies, 1)
}

// ============================================================================
// Run loop
// ============================================================================

func TestRunEvaluatesOnTicker(t *testing.T) {
	e, mock := env.Nop()
	s := New(e, Config{Interval: time.Second})

	var calls atomic.Int32
	require.NoError(t, s.Register("tick", mock.Now().Add(3*time.Second), func(Firing) { calls.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		mock.Add(time.Second)
	}
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunFiresOverdueTriggersImmediately(t *testing.T) {
	e, mock := env.Nop()
	s := New(e, Config{Interval: time.Hour})

	fired := make(chan string, 1)
	require.NoError(t, s.Register("overdue", mock.Now().Add(-time.Minute), func(f Firing) { fired <- f.Name }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case name := <-fired:
		assert.Equal(t, "overdue", name)
	case <-time.After(time.Second):
		t.Fatal("overdue trigger did not fire on start")
	}
}
