// Package ratelimit applies a per-site token bucket before each fetch.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/listing-monitor/internal/metrics"
)

// Limiter manages per-site rate limits. Sites flagged by Throttle run at a
// reduced rate until Recover restores the configured default.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	floor        rate.Limit
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	floor := r / 8
	if r == rate.Inf {
		floor = rate.Inf
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		floor:        floor,
	}
}

// Wait blocks until a token is available for the URL's site, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	site := siteOf(rawURL)
	limiter := l.limiterFor(site)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(site, waited)
	}
	return nil
}

// Throttle halves the site's rate, bounded below by an eighth of the default.
func (l *Limiter) Throttle(rawURL string) {
	limiter := l.limiterFor(siteOf(rawURL))
	next := limiter.Limit() / 2
	if next < l.floor {
		next = l.floor
	}
	limiter.SetLimit(next)
}

// Recover restores the site's configured rate.
func (l *Limiter) Recover(rawURL string) {
	l.limiterFor(siteOf(rawURL)).SetLimit(l.defaultRate)
}

// Rate returns the current limit for the URL's site.
func (l *Limiter) Rate(rawURL string) rate.Limit {
	return l.limiterFor(siteOf(rawURL)).Limit()
}

func (l *Limiter) limiterFor(site string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[site]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[site] = limiter
	}
	return limiter
}

func siteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
