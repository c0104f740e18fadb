package reachability

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/queue"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Prober answers whether the remote store can currently be reached.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor polls the remote store and replays every registered queue when the
// device comes back online. Its answer is advisory: a queue still attempts
// delivery while the monitor believes the device is offline.
type Monitor struct {
	prober   Prober
	logger   zerolog.Logger
	interval time.Duration
	timeout  time.Duration

	mu        sync.RWMutex
	replayers []queue.Replayer
	known     bool
	online    bool
	listeners map[int]func(bool)
	nextID    int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the probe period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewMonitor builds a monitor. Its state is unknown until the first probe.
func NewMonitor(prober Prober, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		prober:    prober,
		logger:    logger,
		interval:  defaultInterval,
		timeout:   defaultTimeout,
		listeners: make(map[int]func(bool)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds queues to replay on reconnection.
func (m *Monitor) Register(replayers ...queue.Replayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replayers = append(m.replayers, replayers...)
}

// OnChange registers a listener for reachability transitions and returns a
// function removing it.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Online reports the outcome of the latest probe.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Start probes immediately and then every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check probes once and handles a transition. The first successful probe
// counts as coming online, so records left pending by an earlier run are
// replayed at start-up.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Ping(pctx)
	cancel()
	online := err == nil

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.known = true
	m.online = online
	var listeners []func(bool)
	if changed {
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
	}
	replayers := append([]queue.Replayer(nil), m.replayers...)
	m.mu.Unlock()

	probes.WithLabelValues(outcome(online)).Inc()
	if !changed {
		return online
	}

	if online {
		reachable.Set(1)
		m.logger.Info().Msg("remote store reachable")
	} else {
		reachable.Set(0)
		m.logger.Warn().Err(err).Msg("remote store unreachable; records stay queued")
	}
	for _, fn := range listeners {
		fn(online)
	}
	if online {
		m.replay(ctx, replayers)
	}
	return online
}

func (m *Monitor) replay(ctx context.Context, replayers []queue.Replayer) {
	for _, r := range replayers {
		res, err := r.SyncPending(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("kind", string(r.Kind())).Msg("reconnect replay did not run")
			continue
		}
		replays.WithLabelValues(string(r.Kind())).Inc()
		m.logger.Info().
			Str("kind", string(r.Kind())).
			Int("attempted", res.Attempted).
			Int("synced", res.Synced).
			Int("failed", res.Failed).
			Msg("reconnect replay finished")
	}
}

func outcome(online bool) string {
	if online {
		return "up"
	}
	return "down"
}
