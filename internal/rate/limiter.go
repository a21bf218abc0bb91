// Package rate throttles outbound calls with one token bucket per backend host.
package rate

import (
	"context"
	"net/url"
	"sync"
	"time"
)

// pollInterval is how often a blocked Wait re-checks its bucket.
const pollInterval = 50 * time.Millisecond

// Config defines the bucket parameters. RequestsPerSecond <= 0 disables limiting.
type Config struct {
	RequestsPerSecond int
	Burst             int
}

// Limiter implements a token bucket rate limiter.
type Limiter struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	rate   float64
	burst  float64
	now    func() time.Time
}

// New creates a new limiter with a full bucket.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		tokens: float64(burst),
		last:   time.Now(),
		rate:   float64(cfg.RequestsPerSecond),
		burst:  float64(burst),
		now:    time.Now,
	}
}

// Allow takes one token if available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now

	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if l.tokens >= 1 {
		l.tokens -= 1
		return true
	}
	return false
}

// Wait blocks until a token becomes available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Manager holds one limiter per backend host.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	defaults Config
}

func NewManager(defaults Config) *Manager {
	return &Manager{
		limiters: make(map[string]*Limiter),
		defaults: defaults,
	}
}

// Enabled reports whether the manager throttles at all.
func (m *Manager) Enabled() bool {
	return m != nil && m.defaults.RequestsPerSecond > 0
}

func (m *Manager) GetLimiter(host string) *Limiter {
	m.mu.RLock()
	if lim, ok := m.limiters[host]; ok {
		m.mu.RUnlock()
		return lim
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[host]; ok {
		return lim
	}
	lim := New(m.defaults)
	m.limiters[host] = lim
	return lim
}

// Wait blocks until a call to host is allowed. It returns immediately when limiting
// is disabled.
func (m *Manager) Wait(ctx context.Context, host string) error {
	if !m.Enabled() {
		return nil
	}
	return m.GetLimiter(host).Wait(ctx)
}

// HostKey returns the bucket key for rawURL: its host, or the raw string when it
// does not parse.
func HostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
