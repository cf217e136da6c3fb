package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the reachability of the backend as seen by the monitor.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultInterval = 10 * time.Second
	probeTimeout    = 5 * time.Second
)

// Monitor is the connectivity state machine.
type Monitor struct {
	probe    Probe
	debounce time.Duration
	interval time.Duration
	logger   zerolog.Logger

	mu          sync.Mutex
	state       State
	generation  uint64      // Bumped on every transition, stale debounce timers compare against it.
	timer       *time.Timer // Pending reconnect signal.
	reconnected chan struct{}
}

// New creates a monitor whose initial state is the result of probing once.
func New(ctx context.Context, probe Probe, options ...func(*Monitor) error) (*Monitor, error) {
	if probe == nil {
		return nil, fmt.Errorf("creating monitor : probe is nil")
	}

	m := &Monitor{
		probe:       probe,
		debounce:    DefaultDebounce,
		interval:    DefaultInterval,
		logger:      zerolog.Nop(),
		reconnected: make(chan struct{}, 1),
	}
	for _, option := range options {
		if err := option(m); err != nil {
			return nil, fmt.Errorf("applying monitor option : %w", err)
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if probe.Reachable(probeCtx) {
		m.state = Online
	}
	m.logger.Debug().Stringer("state", m.state).Msg("initial connectivity")
	return m, nil
}

// WithDebounce sets how long the state must stay Online before a reconnect is signalled.
func WithDebounce(d time.Duration) func(*Monitor) error {
	return func(m *Monitor) error {
		if d < 0 {
			return fmt.Errorf("negative debounce %s", d)
		}
		m.debounce = d
		return nil
	}
}

// WithInterval sets the polling interval used by Run.
func WithInterval(d time.Duration) func(*Monitor) error {
	return func(m *Monitor) error {
		if d <= 0 {
			return fmt.Errorf("polling interval must be positive, got %s", d)
		}
		m.interval = d
		return nil
	}
}

// WithLogger sets the logger for state transitions.
func WithLogger(logger zerolog.Logger) func(*Monitor) error {
	return func(m *Monitor) error {
		m.logger = logger.With().Str("component", "connectivity").Logger()
		return nil
	}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the backend is currently considered reachable.
func (m *Monitor) Online() bool {
	return m.State() == Online
}

// Reconnected returns the reconnect signal channel. It has a single consumer,
// signals that arrive while one is still unread are coalesced.
func (m *Monitor) Reconnected() <-chan struct{} {
	return m.reconnected
}

// Report feeds an observation into the state machine.
func (m *Monitor) Report(online bool) {
	next := Offline
	if online {
		next = Online
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if next == m.state {
		return
	}
	m.state = next
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.logger.Info().Stringer("state", next).Msg("connectivity changed")

	if next == Online {
		generation := m.generation
		m.timer = time.AfterFunc(m.debounce, func() { m.signal(generation) })
	}
}

// signal delivers the reconnect signal scheduled for generation if nothing happened since.
func (m *Monitor) signal(generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if generation != m.generation || m.state != Online {
		return
	}
	m.timer = nil

	select {
	case m.reconnected <- struct{}{}:
		m.logger.Debug().Msg("reconnect signalled")
	default:
	}
}

// Check probes once and reports the result.
func (m *Monitor) Check(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	m.Report(m.probe.Reachable(probeCtx))
	return m.State()
}

// Run polls the probe until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
