package circuitbreaker

import (
	"sync"
	"time"
)

// Manager owns the per-vendor breakers and feeds the health endpoint.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config
}

func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
	}
}

// Get returns the named breaker, creating it from the default config.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}
	cfg := *m.cfg
	cfg.Name = name
	cb = New(&cfg)
	m.breakers[name] = cb
	return cb
}

func (m *Manager) GetOrCreate(name string, cfg *Config) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[name]; ok {
		return cb
	}
	if cfg == nil {
		cfg = m.cfg
	}
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// Stats snapshots every breaker for /health.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = Stats{Name: name, State: cb.State(), Counts: cb.Counts()}
	}
	return out
}

type Stats struct {
	Name   string
	State  State
	Counts Counts
}

// VendorBreakers holds the pre-configured breakers for every external system
// the core talks to.
type VendorBreakers struct {
	manager *Manager

	Vision  *CircuitBreaker
	Stripe  *CircuitBreaker
	Spanner *CircuitBreaker
	Push    *CircuitBreaker
}

// NewVendorBreakers builds the standard set. Vision trips fast because proof
// review degrades to manual_review anyway; the payment breaker is slower to
// trip since opening it delays money movement.
func NewVendorBreakers() *VendorBreakers {
	manager := NewManager(nil)

	visionCfg := &Config{
		Name:        "vision",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	}

	stripeCfg := &Config{
		Name:        "stripe",
		MaxRequests: 2,
		Interval:    120 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.Requests >= 10 && c.FailureRatio() > 0.5 },
	}

	spannerCfg := &Config{
		Name:        "spanner",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 5 },
	}

	pushCfg := &Config{
		Name:        "push",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c Counts) bool { return c.TotalFailures >= 10 },
	}

	return &VendorBreakers{
		manager: manager,
		Vision:  manager.GetOrCreate("vision", visionCfg),
		Stripe:  manager.GetOrCreate("stripe", stripeCfg),
		Spanner: manager.GetOrCreate("spanner", spannerCfg),
		Push:    manager.GetOrCreate("push", pushCfg),
	}
}

// HealthStatus reports DEGRADED when any breaker is open.
func (v *VendorBreakers) HealthStatus() (string, map[string]string) {
	stats := v.manager.Stats()
	statuses := make(map[string]string, len(stats))
	healthy := true
	for name, s := range stats {
		statuses[name] = s.State.String()
		if s.State == StateOpen {
			healthy = false
		}
	}
	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}
