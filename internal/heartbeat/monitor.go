// Package heartbeat probes a connection at a fixed interval and reports
// it dead after a run of unacknowledged probes.
package heartbeat

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrTimeout = errors.New("heartbeat: acknowledgement not received")

type Config struct {
	Interval  time.Duration
	MaxMissed int
}

// Monitor tracks one connection. Start runs Tick on a ticker; tests call Tick directly.
type Monitor struct {
	config    Config
	probe     func() error
	onTimeout func(error)

	mu       sync.Mutex
	awaiting bool
	missed   int
	stopped  bool

	quit     chan struct{}
	stopOnce sync.Once
}

// New builds a stopped-until-Start monitor. probe sends one liveness probe;
// onTimeout runs at most once, outside the monitor's lock.
func New(config Config, probe func() error, onTimeout func(error)) *Monitor {
	if config.MaxMissed <= 0 {
		config.MaxMissed = 2
	}
	return &Monitor{
		config:    config,
		probe:     probe,
		onTimeout: onTimeout,
		quit:      make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Tick()
			case <-m.quit:
				return
			}
		}
	}()
}

// Tick runs one interval: count a miss if the last probe went unanswered,
// then either fire the timeout or send the next probe.
func (m *Monitor) Tick() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.awaiting {
		m.missed++
		if m.missed >= m.config.MaxMissed {
			missed := m.missed
			m.stopped = true
			m.mu.Unlock()
			m.halt()
			m.onTimeout(fmt.Errorf("%w: %d probes missed", ErrTimeout, missed))
			return
		}
	}
	m.awaiting = true
	m.mu.Unlock()

	if err := m.probe(); err != nil {
		if m.markStopped() {
			m.halt()
			m.onTimeout(fmt.Errorf("heartbeat probe: %w", err))
		}
	}
}

// Ack records an acknowledgement and clears the miss count.
func (m *Monitor) Ack() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaiting = false
	m.missed = 0
}

// Stop prevents any further probe or timeout from being decided. A timeout
// already decided before Stop may still be running.
func (m *Monitor) Stop() {
	m.markStopped()
	m.halt()
}

func (m *Monitor) markStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.stopped = true
	return true
}

func (m *Monitor) halt() {
	m.stopOnce.Do(func() { close(m.quit) })
}

func (m *Monitor) Missed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missed
}
