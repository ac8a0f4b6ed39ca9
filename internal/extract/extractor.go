// Package extract turns listing documents into partial snapshots through an
// ordered list of independent per-field extractors.
package extract

import (
	"bytes"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/hash/sha256"
	"github.com/JakeFAU/listing-monitor/internal/metrics"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// TextHasher digests normalized text fragments.
type TextHasher interface {
	HashText(text string) string
}

// Page is the parsed document handed to each field extractor.
type Page struct {
	Doc    *goquery.Document
	URL    string
	hasher TextHasher
}

// Digest hashes a content fragment.
func (p *Page) Digest(text string) string {
	return p.hasher.HashText(text)
}

// Field extracts one snapshot attribute. Apply writes into snap and reports
// whether a value was found; a field that finds nothing leaves snap untouched.
type Field struct {
	Name  string
	Apply func(p *Page, snap *monitor.Snapshot) bool
}

// Extractor implements monitor.Extractor.
type Extractor struct {
	fields []Field
	hasher TextHasher
	now    func() time.Time
	logger *zap.Logger
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithFields replaces the default field list.
func WithFields(fields ...Field) Option {
	return func(e *Extractor) { e.fields = fields }
}

// WithHasher overrides the digest function.
func WithHasher(h TextHasher) Option {
	return func(e *Extractor) { e.hasher = h }
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// WithLogger attaches a logger for per-field panics.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Extractor) { e.logger = logger }
}

// New builds an Extractor with DefaultFields.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		fields: DefaultFields(),
		hasher: sha256.New(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract parses doc and runs every field extractor. It never fails: an
// unparseable document yields an empty snapshot.
func (e *Extractor) Extract(doc monitor.RawDocument) monitor.Snapshot {
	snap := monitor.Snapshot{CapturedAt: e.now()}
	parsed, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		e.logger.Debug("document parse failed", zap.String("url", doc.URL), zap.Error(err))
		return snap
	}
	page := &Page{Doc: parsed, URL: doc.URL, hasher: e.hasher}
	for _, field := range e.fields {
		metrics.ObserveField(field.Name, e.apply(field, page, &snap))
	}
	return snap
}

func (e *Extractor) apply(field Field, page *Page, snap *monitor.Snapshot) (found bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("field extractor panicked", zap.String("field", field.Name), zap.Any("panic", r))
			found = false
		}
	}()
	return field.Apply(page, snap)
}

// firstText returns the first non-empty, whitespace-collapsed text among the
// selectors, tried in order.
func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		var out string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			out = collapse(s.Text())
			return out == ""
		})
		if out != "" {
			return out
		}
	}
	return ""
}

// firstAttr returns the first non-empty attribute value among the selectors.
func firstAttr(doc *goquery.Document, selector string, attrs ...string) string {
	var out string
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, attr := range attrs {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				out = strings.TrimSpace(v)
				return false
			}
		}
		return true
	})
	return out
}

func collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
