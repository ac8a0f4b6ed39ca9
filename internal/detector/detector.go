// Package detector flags anti-automation challenge pages and decides when the
// rendering tier should top up a snapshot.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
)

// Reasons reported by Inspect.
const (
	ReasonNone        = ""
	ReasonEmpty       = "empty body"
	ReasonTruncated   = "body below minimum size"
	ReasonMarker      = "challenge marker"
	ReasonCaptchaForm = "captcha form"
	ReasonThrottled   = "throttled status"
)

// Config tunes the heuristics.
type Config struct {
	// ChallengeMarkers are matched case-insensitively against the body.
	ChallengeMarkers []string
	// MinBodyBytes flags short bodies; zero disables the check.
	MinBodyBytes int
	// StockProbe asks for a render whenever no explicit quantity was found.
	StockProbe bool
}

// Heuristic implements challenge detection and render promotion.
type Heuristic struct {
	markers      [][]byte
	minBodyBytes int
	stockProbe   bool
}

// New creates a Heuristic from cfg.
func New(cfg Config) *Heuristic {
	markers := make([][]byte, 0, len(cfg.ChallengeMarkers))
	for _, m := range cfg.ChallengeMarkers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		markers = append(markers, bytes.ToLower([]byte(m)))
	}
	return &Heuristic{
		markers:      markers,
		minBodyBytes: cfg.MinBodyBytes,
		stockProbe:   cfg.StockProbe,
	}
}

// Suspicious reports whether doc looks like an interstitial instead of a listing.
func (h *Heuristic) Suspicious(doc monitor.RawDocument) bool {
	return h.Inspect(doc) != ReasonNone
}

// Inspect returns the first matching challenge reason, or ReasonNone.
func (h *Heuristic) Inspect(doc monitor.RawDocument) string {
	if doc.StatusCode == http.StatusTooManyRequests {
		return ReasonThrottled
	}
	if len(bytes.TrimSpace(doc.Body)) == 0 {
		return ReasonEmpty
	}
	lower := bytes.ToLower(doc.Body)
	for _, m := range h.markers {
		if bytes.Contains(lower, m) {
			return ReasonMarker
		}
	}
	if hasCaptchaForm(doc.Body) {
		return ReasonCaptchaForm
	}
	if h.minBodyBytes > 0 && len(doc.Body) < h.minBodyBytes {
		return ReasonTruncated
	}
	return ReasonNone
}

func hasCaptchaForm(body []byte) bool {
	if !bytes.Contains(bytes.ToLower(body), []byte("captcha")) {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.Find(`form[action*="aptcha"], input#captchacharacters, img[src*="captcha"]`).Length() > 0
}

// NeedsRender reports whether the rendering tier should be asked to top up
// snap. The stock signal is frequently populated by scripts, so an unknown
// inventory always qualifies; a script-heavy shell with no mandatory field
// qualifies too.
func (h *Heuristic) NeedsRender(doc monitor.RawDocument, snap monitor.Snapshot) bool {
	if !snap.Inventory.Known() {
		return true
	}
	if h.stockProbe && snap.Inventory.Kind == monitor.InventoryInStock {
		return true
	}
	if !snap.HasMandatory() && scriptDensityHigh(doc.Body) {
		return true
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := strings.Index(lower[contentStart:], closeTag)
		next := total
		if end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
