// Package collyfetcher implements the lightweight static fetch tier using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/fetcher"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
	"github.com/JakeFAU/listing-monitor/internal/proxypool"
)

// TierName identifies this tier in documents, errors and metrics.
const TierName = "colly"

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements monitor.Fetcher using the Colly collector. Each request
// goes through a leased proxy; credentials are sent in the CONNECT request so
// providers that authenticate at tunnel setup accept the connection.
type Fetcher struct {
	cfg       Config
	pool      fetcher.Leaser
	inspector fetcher.Inspector
	logger    *zap.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, pool fetcher.Leaser, inspector fetcher.Inspector, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = fetcher.DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:        cfg,
		pool:       pool,
		inspector:  inspector,
		logger:     logger.Named("colly"),
		transports: make(map[string]*http.Transport),
	}
}

// Name implements monitor.Fetcher.
func (f *Fetcher) Name() string { return TierName }

// Fetch executes a single proxied GET.
func (f *Fetcher) Fetch(ctx context.Context, target string) (monitor.RawDocument, error) {
	ep, err := fetcher.Acquire(f.pool, TierName)
	if err != nil {
		return monitor.RawDocument{}, err
	}

	var (
		result   monitor.RawDocument
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ep, start, &result, &fetchErr)
	runErr := f.runCollector(ctx, collector, target, &fetchErr)

	if result.URL == "" {
		result.URL = target
	}
	result.Tier = TierName
	if ep != nil {
		result.ProxyID = ep.ID
	}
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	if err := fetcher.Settle(f.pool, f.inspector, ep, TierName, result, runErr); err != nil {
		f.logger.Debug("fetch failed", zap.String("url", target), zap.String("proxy_id", result.ProxyID), zap.Error(err))
		return result, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ep *proxypool.Endpoint,
	start time.Time,
	result *monitor.RawDocument,
	fetchErr *error,
) *colly.Collector {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	collector.UserAgent = f.cfg.UserAgent
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transportFor(ep))

	headers := fetcher.BrowserHeaders(f.cfg.UserAgent)
	if auth := fetcher.ProxyAuthorization(ep); auth != "" {
		// Plain-http targets are forwarded by the proxy instead of tunnelled.
		headers.Set("Proxy-Authorization", auth)
	}
	f.configureCollectorHooks(collector, headers, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	start time.Time,
	result *monitor.RawDocument,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = monitor.RawDocument{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = err
		if r != nil {
			result.StatusCode = r.StatusCode
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// transportFor returns the cached transport for ep. Transports are kept per
// endpoint so keep-alive connections stay bound to one egress address.
func (f *Fetcher) transportFor(ep *proxypool.Endpoint) *http.Transport {
	key := ""
	if ep != nil {
		key = ep.ID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transports[key]; ok {
		return t
	}
	t := newHTTPTransport(ep)
	f.transports[key] = t
	return t
}

// Close releases idle connections.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}

func newHTTPTransport(ep *proxypool.Endpoint) *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if ep == nil {
		return t
	}
	if ep.Scheme == "socks5" {
		// SOCKS5 authenticates during the handshake.
		t.Proxy = http.ProxyURL(ep.URL())
		return t
	}
	// The proxy URL carries no userinfo: the credential is set explicitly on
	// the CONNECT request rather than negotiated after a 407.
	t.Proxy = http.ProxyURL(&url.URL{Scheme: ep.Scheme, Host: ep.Address()})
	if auth := fetcher.ProxyAuthorization(ep); auth != "" {
		t.ProxyConnectHeader = http.Header{"Proxy-Authorization": {auth}}
	}
	return t
}
