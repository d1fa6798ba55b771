// Package scheduler fires named callbacks once their target time has passed.
//
// Evaluation is a pure function of the registry and the supplied time: the
// interval loop in Run only decides how often it is asked. An evaluator that
// was suspended across several targets fires all of them on its next tick,
// in ascending target order, each exactly once.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/fault"
)

var (
	ErrEmptyName   = errors.New("trigger name is empty")
	ErrNilCallback = errors.New("trigger callback is nil")
)

// Firing describes one trigger that fired.
type Firing struct {
	Name    string
	Target  time.Time
	FiredAt time.Time
}

// Late returns how far past its target the trigger fired.
func (f Firing) Late() time.Duration { return f.FiredAt.Sub(f.Target) }

// Callback runs when a trigger fires. It runs on the evaluating goroutine
// and may register or unregister triggers.
type Callback func(f Firing)

// TriggerInfo is the public view of a registered trigger.
type TriggerInfo struct {
	Name    string    `json:"name"`
	Target  time.Time `json:"target"`
	Fired   bool      `json:"fired"`
	FiredAt time.Time `json:"fired_at,omitempty"`
}

// Config holds the scheduler settings.
type Config struct {
	Interval time.Duration
}

type trigger struct {
	name    string
	target  time.Time
	fired   bool
	firedAt time.Time
	cb      Callback
	seq     uint64
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	env env.Env
	log zerolog.Logger
	cfg Config

	mu        sync.Mutex
	triggers  map[string]*trigger
	seq       uint64
	lastEval  time.Time
	onAnomaly func(error)
}

// New creates an empty scheduler.
func New(e env.Env, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	s := &Scheduler{
		env:      e.Component("scheduler"),
		cfg:      cfg,
		triggers: make(map[string]*trigger),
	}
	s.log = s.env.Log
	return s
}

// OnAnomaly installs the handler told about backward clock jumps.
func (s *Scheduler) OnAnomaly(fn func(error)) {
	s.mu.Lock()
	s.onAnomaly = fn
	s.mu.Unlock()
}

// Register adds a trigger. Registering an existing name replaces it and
// re-arms it, even if the old one already fired.
func (s *Scheduler) Register(name string, target time.Time, cb Callback) error {
	if name == "" {
		return ErrEmptyName
	}
	if cb == nil {
		return ErrNilCallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	_, replaced := s.triggers[name]
	s.triggers[name] = &trigger{name: name, target: target, cb: cb, seq: s.seq}

	s.log.Debug().Str("trigger", name).Time("target", target).Bool("replaced", replaced).Msg("Trigger registered")
	return nil
}

// Unregister removes a trigger whether or not it fired. It reports whether
// the name was registered.
func (s *Scheduler) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[name]; !ok {
		return false
	}
	delete(s.triggers, name)
	return true
}

// Evaluate fires every unfired trigger whose target is not after now, in
// ascending target order (registration order breaks ties), and returns them.
// A now earlier than the previous evaluation is reported as a clock anomaly;
// pending triggers are still checked against it and fired ones stay fired.
func (s *Scheduler) Evaluate(now time.Time) []Firing {
	s.mu.Lock()
	var anomaly error
	if !s.lastEval.IsZero() && now.Before(s.lastEval) {
		anomaly = fault.New(fault.KindClockAnomaly, "scheduler.evaluate",
			errors.Errorf("clock moved back by %s", s.lastEval.Sub(now)))
	}
	s.lastEval = now

	var due []*trigger
	for _, t := range s.triggers {
		if !t.fired && !t.target.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].target.Equal(due[j].target) {
			return due[i].seq < due[j].seq
		}
		return due[i].target.Before(due[j].target)
	})

	firings := make([]Firing, 0, len(due))
	callbacks := make([]Callback, 0, len(due))
	for _, t := range due {
		t.fired = true
		t.firedAt = now
		firings = append(firings, Firing{Name: t.name, Target: t.target, FiredAt: now})
		callbacks = append(callbacks, t.cb)
	}
	onAnomaly := s.onAnomaly
	s.mu.Unlock()

	if anomaly != nil {
		s.env.Metrics.RecordClockAnomaly()
		s.log.Warn().Err(anomaly).Msg("Clock anomaly detected")
		if onAnomaly != nil {
			onAnomaly(anomaly)
		}
	}

	for i, f := range firings {
		s.env.Metrics.RecordTriggerFired()
		s.log.Info().Str("trigger", f.Name).Time("target", f.Target).Dur("late", f.Late()).Msg("Trigger fired")
		s.invoke(callbacks[i], f)
	}
	return firings
}

func (s *Scheduler) invoke(cb Callback, f Firing) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("trigger", f.Name).Interface("panic", r).Msg("Trigger callback panicked")
		}
	}()
	cb(f)
}

// Triggers lists registered triggers by ascending target.
func (s *Scheduler) Triggers() []TriggerInfo {
	s.mu.Lock()
	list := make([]*trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		list = append(list, t)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].target.Equal(list[j].target) {
			return list[i].seq < list[j].seq
		}
		return list[i].target.Before(list[j].target)
	})

	out := make([]TriggerInfo, 0, len(list))
	s.mu.Lock()
	for _, t := range list {
		out = append(out, TriggerInfo{Name: t.name, Target: t.target, Fired: t.fired, FiredAt: t.firedAt})
	}
	s.mu.Unlock()
	return out
}

// Run evaluates immediately and then on every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.env.Clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.cfg.Interval).Msg("Scheduler started")
	s.Evaluate(s.env.Clock.Now())

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.Evaluate(s.env.Clock.Now())
		}
	}
}
