// Package ratelimit admits chat submissions per username using a fixed
// window counter plus a minimum spacing between accepted messages.
package ratelimit

import (
	"sync"
	"time"
)

type Config struct {
	Window       time.Duration
	MinInterval  time.Duration
	MaxPerWindow int
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type entry struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	lastMessage time.Time // zero until the first recorded message
}

// Limiter keeps one entry per username. The map lock is only held to find
// or create an entry, so different users never wait on each other.
type Limiter struct {
	config  Config
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]*entry
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(config Config, opts ...Option) *Limiter {
	l := &Limiter{
		config:  config,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) entry(username string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[username]
	if !ok {
		e = &entry{windowStart: l.now()}
		l.entries[username] = e
	}
	return e
}

// Admit reports whether username may send now. It does not count the
// message; call Record once the message has actually been stored.
func (l *Limiter) Admit(username string) Result {
	e := l.entry(username)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := l.now()
	if now.Sub(e.windowStart) > l.config.Window {
		e.count = 0
		e.windowStart = now
	}
	resetAt := e.windowStart.Add(l.config.Window)

	if !e.lastMessage.IsZero() {
		if since := now.Sub(e.lastMessage); since < l.config.MinInterval {
			return Result{
				Remaining:  l.config.MaxPerWindow - e.count,
				ResetAt:    resetAt,
				RetryAfter: l.config.MinInterval - since,
			}
		}
	}
	if e.count >= l.config.MaxPerWindow {
		return Result{ResetAt: resetAt, RetryAfter: resetAt.Sub(now)}
	}
	return Result{
		Allowed:   true,
		Remaining: l.config.MaxPerWindow - e.count - 1,
		ResetAt:   resetAt,
	}
}

// Record counts one accepted message against username.
func (l *Limiter) Record(username string) {
	e := l.entry(username)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.count++
	e.lastMessage = l.now()
}
