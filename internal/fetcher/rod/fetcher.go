// Package rodfetcher is the alternate rendering tier built on go-rod with the
// stealth evasions applied to every page.
package rodfetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/fetcher"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
	"github.com/JakeFAU/listing-monitor/internal/proxypool"
)

// TierName identifies this tier in documents, errors and metrics.
const TierName = "rod"

// Config controls the rod renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// Bin overrides browser discovery.
	Bin string
}

// launchFunc starts a browser and returns its control URL and a cleanup.
type launchFunc func(ep *proxypool.Endpoint) (string, func(), error)

// Fetcher implements monitor.Fetcher with go-rod.
type Fetcher struct {
	cfg       Config
	pool      fetcher.Leaser
	inspector fetcher.Inspector
	limiter   chan struct{}
	launch    launchFunc
	logger    *zap.Logger
}

// New creates a rod renderer.
func New(cfg Config, pool fetcher.Leaser, inspector fetcher.Inspector, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:       cfg,
		pool:      pool,
		inspector: inspector,
		logger:    logger.Named("rod"),
	}
	if cfg.MaxParallel > 0 {
		f.limiter = make(chan struct{}, cfg.MaxParallel)
	}
	f.launch = f.launchLocal
	return f, nil
}

// Name implements monitor.Fetcher.
func (f *Fetcher) Name() string { return TierName }

// Fetch renders target through a leased proxy and returns the outer HTML.
func (f *Fetcher) Fetch(ctx context.Context, target string) (monitor.RawDocument, error) {
	if f.limiter != nil {
		select {
		case f.limiter <- struct{}{}:
			defer func() { <-f.limiter }()
		case <-ctx.Done():
			return monitor.RawDocument{}, fmt.Errorf("rod slot wait canceled: %w", ctx.Err())
		}
	}

	ep, err := fetcher.Acquire(f.pool, TierName)
	if err != nil {
		return monitor.RawDocument{}, err
	}

	doc := monitor.RawDocument{URL: target, Tier: TierName, Rendered: true, Headers: http.Header{}}
	if ep != nil {
		doc.ProxyID = ep.ID
	}
	start := time.Now()
	html, renderErr := f.render(ctx, target, ep)
	doc.Duration = time.Since(start)
	doc.Body = []byte(html)
	if renderErr == nil {
		doc.StatusCode = http.StatusOK
	}
	if err := fetcher.Settle(f.pool, f.inspector, ep, TierName, doc, renderErr); err != nil {
		return doc, err
	}
	return doc, nil
}

func (f *Fetcher) render(ctx context.Context, target string, ep *proxypool.Endpoint) (string, error) {
	controlURL, cleanup, err := f.launch(ep)
	if err != nil {
		return "", fmt.Errorf("launch browser: %w", err)
	}
	defer cleanup()

	navCtx, cancel := context.WithTimeout(ctx, f.cfg.NavigationTimeout)
	defer cancel()

	browser := rod.New().ControlURL(controlURL).Context(navCtx)
	if err := browser.Connect(); err != nil {
		return "", fmt.Errorf("connect browser: %w", err)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			f.logger.Debug("close browser", zap.Error(err))
		}
	}()

	if ep != nil && ep.HasCredentials() {
		wait := browser.HandleAuth(ep.Username, ep.Password)
		go func() {
			if err := wait(); err != nil {
				f.logger.Debug("proxy auth handler", zap.Error(err))
			}
		}()
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return "", fmt.Errorf("open stealth page: %w", err)
	}
	if f.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: f.cfg.UserAgent}); err != nil {
			return "", fmt.Errorf("set user agent: %w", err)
		}
	}
	if err := page.Context(navCtx).Navigate(target); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		f.logger.Debug("wait load", zap.String("url", target), zap.Error(err))
	}
	res, err := page.Context(navCtx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("read DOM: %w", err)
	}
	return res.Value.Str(), nil
}

func (f *Fetcher) launchLocal(ep *proxypool.Endpoint) (string, func(), error) {
	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled")
	if f.cfg.Bin != "" {
		l = l.Bin(f.cfg.Bin)
	}
	if ep != nil {
		l = l.Proxy(ep.Scheme + "://" + ep.Address())
	}
	u, err := l.Launch()
	if err != nil {
		return "", func() {}, err
	}
	return u, l.Cleanup, nil
}
