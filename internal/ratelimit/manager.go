// Package ratelimit enforces per-client token-bucket rate limiting ahead of
// the query pipeline, so a flooding client never reaches the policy chain.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sinkholed/sinkholed/internal/config"
	"github.com/sinkholed/sinkholed/internal/obslog"
)

const cleanupInterval = 5 * time.Minute

// Manager tracks one token bucket per client IP, with optional CIDR-scoped
// overrides for a different rate.
type Manager struct {
	logger    *obslog.Logger
	overrides []overrideMatcher
	base      limiterSettings

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stopCh chan struct{}
	now    func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type overrideMatcher struct {
	prefix netip.Prefix
	limiterSettings
}

type limiterSettings struct {
	limit rate.Limit
	burst int
}

// New builds a Manager from cfg, or returns nil when rate limiting is
// disabled — callers treat a nil *Manager as "always allow".
func New(cfg *config.RateLimit, logger *obslog.Logger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	m := &Manager{
		logger:  logger,
		base:    limiterSettings{limit: rate.Limit(cfg.RequestsPerSecond), burst: cfg.Burst},
		clients: make(map[string]*clientLimiter, 128),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	for _, o := range cfg.Overrides {
		prefix, err := netip.ParsePrefix(o.CIDR)
		if err != nil {
			if logger != nil {
				logger.Warn("ratelimit: ignoring override with invalid CIDR", "cidr", o.CIDR, "error", err)
			}
			continue
		}
		m.overrides = append(m.overrides, overrideMatcher{
			prefix:          prefix,
			limiterSettings: limiterSettings{limit: rate.Limit(o.RequestsPerSecond), burst: o.Burst},
		})
	}

	go m.cleanupLoop()
	return m
}

// Allow reports whether clientIP may proceed. A nil Manager always allows.
func (m *Manager) Allow(clientIP string) bool {
	if m == nil || clientIP == "" {
		return true
	}
	entry := m.getLimiter(clientIP)
	allowed := entry.limiter.Allow()
	m.touch(entry)
	return allowed
}

// Close stops the background eviction loop.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for ip, entry := range m.clients {
		if now.Sub(entry.lastSeen) > cleanupInterval {
			delete(m.clients, ip)
		}
	}
}

func (m *Manager) getLimiter(clientIP string) *clientLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.clients[clientIP]; ok {
		return entry
	}

	settings := m.settingsFor(clientIP)
	entry := &clientLimiter{
		limiter:  rate.NewLimiter(settings.limit, settings.burst),
		lastSeen: m.now(),
	}
	m.clients[clientIP] = entry
	return entry
}

func (m *Manager) touch(entry *clientLimiter) {
	m.mu.Lock()
	entry.lastSeen = m.now()
	m.mu.Unlock()
}

func (m *Manager) settingsFor(clientIP string) limiterSettings {
	addr, err := netip.ParseAddr(clientIP)
	if err == nil {
		for _, o := range m.overrides {
			if o.prefix.Contains(addr) {
				return o.limiterSettings
			}
		}
	}
	return m.base
}
