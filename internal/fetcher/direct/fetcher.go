// Package direct implements the alternate static fetch tier on net/http.
// It shares no transport code with the colly tier: HTTP/2 is disabled and
// SOCKS5 endpoints are dialled through golang.org/x/net/proxy.
package direct

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/JakeFAU/listing-monitor/internal/fetcher"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
	"github.com/JakeFAU/listing-monitor/internal/proxypool"
)

// TierName identifies this tier in documents, errors and metrics.
const TierName = "nethttp"

const maxBodyBytes = 8 << 20

// Config controls the client.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements monitor.Fetcher with a plain net/http client.
type Fetcher struct {
	cfg       Config
	pool      fetcher.Leaser
	inspector fetcher.Inspector
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
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
		cfg:       cfg,
		pool:      pool,
		inspector: inspector,
		logger:    logger.Named("nethttp"),
		clients:   make(map[string]*http.Client),
	}
}

// Name implements monitor.Fetcher.
func (f *Fetcher) Name() string { return TierName }

// Fetch performs one proxied GET.
func (f *Fetcher) Fetch(ctx context.Context, target string) (monitor.RawDocument, error) {
	ep, err := fetcher.Acquire(f.pool, TierName)
	if err != nil {
		return monitor.RawDocument{}, err
	}
	doc := monitor.RawDocument{URL: target, Tier: TierName}
	if ep != nil {
		doc.ProxyID = ep.ID
	}

	client, err := f.clientFor(ep)
	if err != nil {
		return doc, fetcher.Settle(f.pool, f.inspector, ep, TierName, doc, err)
	}

	start := time.Now()
	fetchErr := f.do(ctx, client, ep, target, &doc)
	doc.Duration = time.Since(start)

	if err := fetcher.Settle(f.pool, f.inspector, ep, TierName, doc, fetchErr); err != nil {
		f.logger.Debug("fetch failed", zap.String("url", target), zap.String("proxy_id", doc.ProxyID), zap.Error(err))
		return doc, err
	}
	return doc, nil
}

func (f *Fetcher) do(ctx context.Context, client *http.Client, ep *proxypool.Endpoint, target string, doc *monitor.RawDocument) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = fetcher.BrowserHeaders(f.cfg.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	doc.URL = resp.Request.URL.String()
	doc.StatusCode = resp.StatusCode
	doc.Headers = resp.Header.Clone()
	doc.Body = body
	return nil
}

func (f *Fetcher) clientFor(ep *proxypool.Endpoint) (*http.Client, error) {
	key := ""
	if ep != nil {
		key = ep.ID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}
	transport, err := newTransport(ep)
	if err != nil {
		return nil, err
	}
	c := &http.Client{
		Transport: transport,
		Timeout:   f.cfg.Timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return nil
		},
	}
	f.clients[key] = c
	return c, nil
}

// Close releases idle connections.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		c.CloseIdleConnections()
	}
}

func newTransport(ep *proxypool.Endpoint) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   false,
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		TLSHandshakeTimeout: 15 * time.Second,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     60 * time.Second,
	}
	if ep == nil {
		return t, nil
	}
	if ep.Scheme == "socks5" {
		var auth *proxy.Auth
		if ep.HasCredentials() {
			auth = &proxy.Auth{User: ep.Username, Password: ep.Password}
		}
		socks, err := proxy.SOCKS5("tcp", ep.Address(), auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %q: %w", ep.ID, err)
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %q does not support contexts", ep.ID)
		}
		t.DialContext = cd.DialContext
		return t, nil
	}
	// Userinfo on the proxy URL makes net/http attach Proxy-Authorization to
	// the CONNECT request and to forwarded plain-http requests.
	t.Proxy = http.ProxyURL(ep.URL())
	return t, nil
}
