// Package connwatch tracks whether the services calexplorer depends on
// (LLM providers, the session endpoint) are reachable, for reporting on
// the health endpoint.
//
// A Watcher probes one service. While the service is down it retries on
// an exponential schedule; once up it falls back to a slow poll. Probe
// results never gate requests: a chat that reaches a down provider fails
// on its own and the stream reports it.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/calexplorer/internal/config"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the first retry delay after a failed probe.
	InitialDelay time.Duration
	// MaxDelay caps retry growth.
	MaxDelay time.Duration
	// Multiplier scales the delay after each consecutive failure.
	Multiplier float64
	// PollInterval is the delay between probes while healthy.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultSchedule retries at 2s, 4s, 8s ... capped at one minute, and
// polls every five minutes while healthy. Provider pings are not free.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		PollInterval: 5 * time.Minute,
		ProbeTimeout: 10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier < 1 {
		s.Multiplier = d.Multiplier
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Status is the last known state of one service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	onChange func(Status)
	logger   *slog.Logger

	mu     sync.Mutex
	status Status

	cancel context.CancelFunc
	done   chan struct{}
}

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop ends the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.schedule.InitialDelay
	for {
		probeCtx, cancel := context.WithTimeout(ctx, w.schedule.ProbeTimeout)
		err := w.probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		next := w.schedule.PollInterval
		if w.record(err) {
			delay = w.schedule.InitialDelay
		} else {
			next = delay
			delay = min(time.Duration(float64(delay)*w.schedule.Multiplier), w.schedule.MaxDelay)
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// record stores a probe result and reports whether the service is up.
// Transitions are logged and passed to onChange; the first result always
// counts as a transition.
func (w *Watcher) record(err error) bool {
	w.mu.Lock()
	first := w.status.LastCheck.IsZero()
	was := w.status.Ready
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	w.status.LastError = ""
	if err != nil {
		w.status.Failures++
		w.status.LastError = err.Error()
	} else {
		w.status.Failures = 0
	}
	snap := w.status
	w.mu.Unlock()

	changed := first || was != snap.Ready
	switch {
	case changed && snap.Ready:
		w.logger.Info("service reachable", "service", w.name)
	case changed:
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
	default:
		w.logger.Log(context.Background(), config.LevelTrace, "service probe", "service", w.name, "ready", snap.Ready)
	}
	if changed && w.onChange != nil {
		w.onChange(snap)
	}
	return snap.Ready
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// Option configures a watcher.
type Option func(*Watcher)

// WithSchedule replaces the default schedule. Zero fields keep their
// defaults.
func WithSchedule(s Schedule) Option {
	return func(w *Watcher) { w.schedule = s.withDefaults() }
}

// OnChange registers a callback run on every ready/down transition,
// including the first probe. It runs on the watcher goroutine.
func OnChange(fn func(Status)) Option {
	return func(w *Watcher) { w.onChange = fn }
}

// Watch starts probing a service until ctx is cancelled or Stop is
// called. Watching a name twice replaces the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, opts ...Option) *Watcher {
	if name == "" || probe == nil {
		panic("connwatch: Watch needs a name and a probe")
	}
	w := &Watcher{
		name:     name,
		probe:    probe,
		schedule: DefaultSchedule(),
		logger:   m.logger,
		status:   Status{Name: name},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	m.mu.Lock()
	old := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Status returns every watcher's state, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service answered its last probe.
// A service that has not been probed yet counts as unhealthy.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop ends all watchers.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
