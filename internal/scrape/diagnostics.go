package scrape

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// BlobDumper writes challenge pages to a blob store. Failures are logged and
// never affect the scrape.
type BlobDumper struct {
	store  monitor.BlobStore
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// NewBlobDumper builds a BlobDumper writing under prefix.
func NewBlobDumper(store monitor.BlobStore, prefix string, logger *zap.Logger) *BlobDumper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobDumper{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("diagnostics"),
	}
}

// Dump stores doc's body under <prefix>/<external id>/<timestamp>-<tier>.html.
func (d *BlobDumper) Dump(ctx context.Context, item monitor.TrackedItem, doc monitor.RawDocument, reason string) {
	if len(doc.Body) == 0 {
		return
	}
	name := fmt.Sprintf("%s-%s.html", d.now().Format("20060102T150405.000000000Z"), tierLabel(doc.Tier))
	key := path.Join(d.prefix, safeSegment(item.ExternalID), name)
	uri, err := d.store.PutObject(ctx, key, "text/html; charset=utf-8", bytes.NewReader(doc.Body))
	if err != nil {
		d.logger.Warn("diagnostic dump failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	d.logger.Info("diagnostic dump written",
		zap.String("item_id", item.ID),
		zap.String("tier", doc.Tier),
		zap.String("proxy_id", doc.ProxyID),
		zap.String("reason", reason),
		zap.String("uri", uri),
	)
}

func tierLabel(tier string) string {
	if tier == "" {
		return "unknown"
	}
	return safeSegment(tier)
}

func safeSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Pruner is implemented by blob stores that can expire old dumps.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// SweepDumps removes dumps older than retention every interval until ctx is
// done. It returns immediately when retention is not positive.
func SweepDumps(ctx context.Context, p Pruner, retention, interval time.Duration, logger *zap.Logger) {
	if p == nil || retention <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	sweep := func() {
		removed, err := p.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("diagnostic dump retention sweep failed", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Info("expired diagnostic dumps", zap.Int("removed", removed))
		}
	}
	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
