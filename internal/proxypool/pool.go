// Package proxypool leases egress proxy endpoints round-robin and excludes
// endpoints that keep failing for a cooldown period.
package proxypool

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/metrics"
)

// EndpointConfig describes one proxy endpoint.
type EndpointConfig struct {
	ID       string `mapstructure:"id"`
	Scheme   string `mapstructure:"scheme"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Config controls the pool's circuit breaker.
type Config struct {
	Endpoints        []EndpointConfig
	FailureThreshold int
	Cooldown         time.Duration
}

// Endpoint is an egress proxy with its health counters. It is eligible for
// lease iff its circuit-open deadline is not in the future.
type Endpoint struct {
	ID       string
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string

	consecutiveFailures atomic.Int64
	circuitOpenUntil    atomic.Int64 // unix nanos, 0 when closed
}

// Address returns host:port.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// HasCredentials reports whether the endpoint requires authentication.
func (e *Endpoint) HasCredentials() bool {
	return e.Username != ""
}

// URL returns the proxy URL including credentials.
func (e *Endpoint) URL() *url.URL {
	u := &url.URL{Scheme: e.Scheme, Host: e.Address()}
	if e.HasCredentials() {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// ConsecutiveFailures returns the failure counter.
func (e *Endpoint) ConsecutiveFailures() int {
	return int(e.consecutiveFailures.Load())
}

// CircuitOpenUntil returns the circuit deadline, zero when closed.
func (e *Endpoint) CircuitOpenUntil() time.Time {
	nanos := e.circuitOpenUntil.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (e *Endpoint) eligible(now time.Time) bool {
	return e.circuitOpenUntil.Load() <= now.UnixNano()
}

// Pool hands out endpoints. All methods are safe for concurrent use and take
// no pool-wide lock.
type Pool struct {
	endpoints []*Endpoint
	cursor    atomic.Uint64
	threshold int64
	cooldown  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// New builds a Pool from configuration.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.FailureThreshold <= 0 {
		return nil, fmt.Errorf("proxy failure threshold must be > 0")
	}
	if cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("proxy cooldown must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoints := make([]*Endpoint, 0, len(cfg.Endpoints))
	seen := make(map[string]struct{}, len(cfg.Endpoints))
	for i, ec := range cfg.Endpoints {
		if ec.Host == "" || ec.Port <= 0 {
			return nil, fmt.Errorf("proxy endpoint %d: host and port are required", i)
		}
		id := ec.ID
		if id == "" {
			id = net.JoinHostPort(ec.Host, strconv.Itoa(ec.Port))
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate proxy endpoint id %q", id)
		}
		seen[id] = struct{}{}
		scheme := ec.Scheme
		if scheme == "" {
			scheme = "http"
		}
		if scheme != "http" && scheme != "https" && scheme != "socks5" {
			return nil, fmt.Errorf("proxy endpoint %q: unsupported scheme %q", id, scheme)
		}
		endpoints = append(endpoints, &Endpoint{
			ID:       id,
			Scheme:   scheme,
			Host:     ec.Host,
			Port:     ec.Port,
			Username: ec.Username,
			Password: ec.Password,
		})
	}
	return &Pool{
		endpoints: endpoints,
		threshold: int64(cfg.FailureThreshold),
		cooldown:  cfg.Cooldown,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// Size returns the number of configured endpoints.
func (p *Pool) Size() int {
	return len(p.endpoints)
}

// Endpoints returns the configured endpoints in order.
func (p *Pool) Endpoints() []*Endpoint {
	return append([]*Endpoint(nil), p.endpoints...)
}

// Lease returns the next eligible endpoint, or false when every circuit is open.
func (p *Pool) Lease() (*Endpoint, bool) {
	n := uint64(len(p.endpoints))
	if n == 0 {
		return nil, false
	}
	now := p.now()
	start := p.cursor.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		ep := p.endpoints[(start+i)%n]
		if ep.eligible(now) {
			metrics.ObserveProxyLease("ok")
			return ep, true
		}
	}
	metrics.ObserveProxyLease("exhausted")
	return nil, false
}

// RecordSuccess fully heals an endpoint.
func (p *Pool) RecordSuccess(ep *Endpoint) {
	if ep == nil {
		return
	}
	ep.consecutiveFailures.Store(0)
	if ep.circuitOpenUntil.Swap(0) != 0 {
		p.logger.Info("proxy circuit closed", zap.String("proxy_id", ep.ID))
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold. The
// counter keeps climbing until the next success, so a failure after the
// cooldown re-opens the circuit immediately. Failures while the circuit is
// already open leave its deadline alone.
func (p *Pool) RecordFailure(ep *Endpoint) {
	if ep == nil {
		return
	}
	failures := ep.consecutiveFailures.Add(1)
	if failures < p.threshold {
		return
	}
	now := p.now()
	until := now.Add(p.cooldown)
	for {
		current := ep.circuitOpenUntil.Load()
		if current > now.UnixNano() {
			return
		}
		if ep.circuitOpenUntil.CompareAndSwap(current, until.UnixNano()) {
			break
		}
	}
	metrics.ObserveCircuitOpen()
	p.logger.Warn("proxy circuit opened",
		zap.String("proxy_id", ep.ID),
		zap.Int64("consecutive_failures", failures),
		zap.Time("until", until),
	)
}

// Available counts endpoints eligible right now.
func (p *Pool) Available() int {
	now := p.now()
	count := 0
	for _, ep := range p.endpoints {
		if ep.eligible(now) {
			count++
		}
	}
	return count
}
