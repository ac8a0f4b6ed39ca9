// Package scrape drives the fetch tiers and the extractor for one tracked
// item: bounded attempts with capped doubling backoff, tier fallback on
// errors and challenge pages, and a rendering pass that only tops up fields.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// Limiter paces requests per site.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
	Throttle(rawURL string)
	Recover(rawURL string)
}

// RenderAdvisor decides whether the rendering tier should run.
type RenderAdvisor interface {
	NeedsRender(doc monitor.RawDocument, snap monitor.Snapshot) bool
}

// Sleeper waits between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Dumper persists challenge pages for later inspection.
type Dumper interface {
	Dump(ctx context.Context, item monitor.TrackedItem, doc monitor.RawDocument, reason string)
}

// switchable renderers can be turned off by configuration.
type switchable interface {
	Enabled() bool
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Orchestrator implements the tier chain for one item at a time. It holds no
// per-item state and is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	static    []monitor.Fetcher
	renderer  monitor.Fetcher
	extractor monitor.Extractor
	advisor   RenderAdvisor
	limiter   Limiter
	sleeper   Sleeper
	dumper    Dumper
	logger    *zap.Logger
}

// Deps groups the orchestrator collaborators. Renderer, Limiter and Dumper
// are optional.
type Deps struct {
	Static    []monitor.Fetcher
	Renderer  monitor.Fetcher
	Extractor monitor.Extractor
	Advisor   RenderAdvisor
	Limiter   Limiter
	Sleeper   Sleeper
	Dumper    Dumper
	Logger    *zap.Logger
}

// New validates cfg and deps and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be > 0")
	}
	if cfg.BackoffBase < 0 || cfg.BackoffMax < cfg.BackoffBase {
		return nil, errors.New("backoff max must be >= backoff base >= 0")
	}
	if len(deps.Static) == 0 {
		return nil, errors.New("at least one static fetch tier is required")
	}
	if deps.Extractor == nil || deps.Advisor == nil || deps.Sleeper == nil {
		return nil, errors.New("extractor, advisor and sleeper are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	renderer := deps.Renderer
	if sw, ok := renderer.(switchable); ok && !sw.Enabled() {
		renderer = nil
	}
	return &Orchestrator{
		cfg:       cfg,
		static:    deps.Static,
		renderer:  renderer,
		extractor: deps.Extractor,
		advisor:   deps.Advisor,
		limiter:   deps.Limiter,
		sleeper:   deps.Sleeper,
		dumper:    deps.Dumper,
		logger:    logger.Named("scrape"),
	}, nil
}

// Scrape returns a best-effort merged snapshot for item. It fails with
// monitor.ErrExtractionIncomplete when neither price nor rank could be
// extracted after every attempt and tier.
func (o *Orchestrator) Scrape(ctx context.Context, item monitor.TrackedItem) (monitor.Snapshot, error) {
	target := item.URL()
	log := o.logger.With(zap.String("item_id", item.ID), zap.String("url", target))

	var (
		merged   *monitor.Snapshot
		lastDoc  monitor.RawDocument
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		snap, doc, err := o.staticPass(ctx, item, target, log)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return monitor.Snapshot{}, fmt.Errorf("scrape canceled: %w", ctxErr)
			}
			lastErr = err
			log.Info("static pass failed", zap.Int("attempt", attempt), zap.Error(err))
		} else {
			lastDoc = doc
			if merged == nil {
				merged = &snap
			} else {
				merged.TopUp(snap)
			}
			if merged.HasMandatory() {
				break
			}
			lastErr = nil
		}
		if attempt < o.cfg.MaxAttempts {
			if err := o.sleeper.Sleep(ctx, o.backoff(attempt)); err != nil {
				return monitor.Snapshot{}, fmt.Errorf("scrape canceled: %w", err)
			}
		}
	}

	if o.renderer != nil && (merged == nil || !merged.HasMandatory() || o.advisor.NeedsRender(lastDoc, *merged)) {
		if rendered, ok := o.renderPass(ctx, item, target, log); ok {
			if merged == nil {
				merged = &rendered
			} else {
				merged.TopUp(rendered)
			}
		}
	}

	if merged == nil || !merged.HasMandatory() {
		if lastErr != nil {
			return monitor.Snapshot{}, fmt.Errorf("%w after %d attempts: %w", monitor.ErrExtractionIncomplete, attempts, lastErr)
		}
		return monitor.Snapshot{}, fmt.Errorf("%w after %d attempts", monitor.ErrExtractionIncomplete, attempts)
	}
	merged.ItemID = item.ID
	return *merged, nil
}

// staticPass tries the static tiers in order. A tier that errors, returns a
// challenge page or yields no mandatory field hands over to the next one.
// Partial results from several tiers are merged.
func (o *Orchestrator) staticPass(
	ctx context.Context,
	item monitor.TrackedItem,
	target string,
	log *zap.Logger,
) (monitor.Snapshot, monitor.RawDocument, error) {
	var (
		partial *monitor.Snapshot
		lastDoc monitor.RawDocument
		lastErr error
	)
	for _, tier := range o.static {
		doc, err := o.fetch(ctx, tier, target)
		if err != nil {
			if ctx.Err() != nil {
				return monitor.Snapshot{}, doc, err
			}
			o.handleFetchError(ctx, item, target, doc, err)
			log.Debug("tier failed", zap.String("tier", tier.Name()), zap.Error(err))
			lastErr = err
			continue
		}
		if o.limiter != nil {
			o.limiter.Recover(target)
		}
		snap := o.extractor.Extract(doc)
		lastDoc = doc
		if partial == nil {
			partial = &snap
		} else {
			partial.TopUp(snap)
		}
		if partial.HasMandatory() {
			return *partial, lastDoc, nil
		}
		log.Debug("tier yielded no mandatory field", zap.String("tier", tier.Name()))
	}
	if partial != nil {
		return *partial, lastDoc, nil
	}
	return monitor.Snapshot{}, lastDoc, lastErr
}

func (o *Orchestrator) renderPass(
	ctx context.Context,
	item monitor.TrackedItem,
	target string,
	log *zap.Logger,
) (monitor.Snapshot, bool) {
	doc, err := o.fetch(ctx, o.renderer, target)
	if err != nil {
		if !errors.Is(err, monitor.ErrRendererDisabled) {
			o.handleFetchError(ctx, item, target, doc, err)
			log.Info("render pass failed", zap.String("tier", o.renderer.Name()), zap.Error(err))
		}
		return monitor.Snapshot{}, false
	}
	return o.extractor.Extract(doc), true
}

func (o *Orchestrator) fetch(ctx context.Context, tier monitor.Fetcher, target string) (monitor.RawDocument, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx, target); err != nil {
			return monitor.RawDocument{}, err
		}
	}
	return tier.Fetch(ctx, target)
}

func (o *Orchestrator) handleFetchError(ctx context.Context, item monitor.TrackedItem, target string, doc monitor.RawDocument, err error) {
	if !errors.Is(err, monitor.ErrSuspiciousDocument) {
		return
	}
	if o.limiter != nil {
		o.limiter.Throttle(target)
	}
	if o.dumper != nil {
		o.dumper.Dump(ctx, item, doc, err.Error())
	}
}

// backoff returns base * 2^(attempt-1), capped at BackoffMax.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.cfg.BackoffMax {
			return o.cfg.BackoffMax
		}
	}
	if d > o.cfg.BackoffMax {
		return o.cfg.BackoffMax
	}
	return d
}
