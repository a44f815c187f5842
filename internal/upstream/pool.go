// Package upstream is the transport layer that forwards a client's request
// bytes to the chosen provider (spec.md §4.9's "forwards the request")
// and tees the response stream through a per-dialect usage accountant, so
// the client-facing writer and the cost accountant read the upstream byte
// stream exactly once (spec.md §9 "share the same upstream byte stream via
// a broadcast or tee... not via two independent reads").
//
// Grounded on the teacher's provider/pool.go shared-transport manager,
// generalized from per-provider-name pools to per-provider-id pools since
// spec.md's Provider is identified by id, not a fixed connector name.
package upstream

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig holds connection pool tuning (spec.md §3 supplemented
// connection-pooling feature; see SPEC_FULL.md §4).
type PoolConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
	ForceHTTP2            bool
}

// DefaultPoolConfig returns production-grade pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceHTTP2:            true,
	}
}

// PoolMetrics tracks per-provider connection pool utilization.
type PoolMetrics struct {
	activeConnections sync.Map // map[string]*int64
	totalRequests      sync.Map // map[string]*int64
	totalErrors        sync.Map // map[string]*int64
}

func (m *PoolMetrics) counter(store *sync.Map, key string) *int64 {
	if v, ok := store.Load(key); ok {
		return v.(*int64)
	}
	c := new(int64)
	actual, _ := store.LoadOrStore(key, c)
	return actual.(*int64)
}

// Snapshot is one provider's pool metrics, for the admin dashboard.
type Snapshot struct {
	ProviderID        string
	ActiveConnections int64
	TotalRequests     int64
	TotalErrors       int64
}

// Snapshot returns current metrics for every provider seen so far.
func (m *PoolMetrics) Snapshot() []Snapshot {
	seen := make(map[string]*Snapshot)
	get := func(id string) *Snapshot {
		if s, ok := seen[id]; ok {
			return s
		}
		s := &Snapshot{ProviderID: id}
		seen[id] = s
		return s
	}
	m.totalRequests.Range(func(k, v interface{}) bool {
		get(k.(string)).TotalRequests = atomic.LoadInt64(v.(*int64))
		return true
	})
	m.totalErrors.Range(func(k, v interface{}) bool {
		get(k.(string)).TotalErrors = atomic.LoadInt64(v.(*int64))
		return true
	})
	m.activeConnections.Range(func(k, v interface{}) bool {
		get(k.(string)).ActiveConnections = atomic.LoadInt64(v.(*int64))
		return true
	})
	out := make([]Snapshot, 0, len(seen))
	for _, s := range seen {
		out = append(out, *s)
	}
	return out
}

// Pool manages one shared HTTP transport/client per provider id.
type Pool struct {
	mu         sync.RWMutex
	transports map[string]*http.Transport
	clients    map[string]*http.Client
	defaults   PoolConfig
	metrics    *PoolMetrics
}

// NewPool creates a connection pool manager using defaults for every
// provider unless overridden.
func NewPool(defaults PoolConfig) *Pool {
	return &Pool{
		transports: make(map[string]*http.Transport),
		clients:    make(map[string]*http.Client),
		defaults:   defaults,
		metrics:    &PoolMetrics{},
	}
}

// Client returns the shared *http.Client for providerID, creating it (and
// its backing transport) on first use.
func (p *Pool) Client(providerID string, timeout time.Duration) *http.Client {
	p.mu.RLock()
	if c, ok := p.clients[providerID]; ok {
		p.mu.RUnlock()
		return c
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[providerID]; ok {
		return c
	}

	transport := p.createTransport(p.defaults)
	p.transports[providerID] = transport
	client := &http.Client{
		Transport: &meteredRoundTripper{inner: transport, providerID: providerID, metrics: p.metrics},
		Timeout:   timeout,
	}
	p.clients[providerID] = client
	return client
}

// Metrics exposes the pool's per-provider utilization snapshot.
func (p *Pool) Metrics() []Snapshot { return p.metrics.Snapshot() }

// Close releases idle connections across every provider's transport.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

func (p *Pool) createTransport(cfg PoolConfig) *http.Transport {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	}
	if cfg.ForceHTTP2 {
		t.TLSClientConfig = &tls.Config{NextProtos: []string{"h2", "http/1.1"}, MinVersion: tls.VersionTLS12}
		t.ForceAttemptHTTP2 = true
	}
	return t
}

type meteredRoundTripper struct {
	inner      http.RoundTripper
	providerID string
	metrics    *PoolMetrics
}

func (m *meteredRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	active := m.metrics.counter(&m.metrics.activeConnections, m.providerID)
	atomic.AddInt64(active, 1)
	defer atomic.AddInt64(active, -1)
	atomic.AddInt64(m.metrics.counter(&m.metrics.totalRequests, m.providerID), 1)

	resp, err := m.inner.RoundTrip(req)
	if err != nil {
		atomic.AddInt64(m.metrics.counter(&m.metrics.totalErrors, m.providerID), 1)
	}
	return resp, err
}
