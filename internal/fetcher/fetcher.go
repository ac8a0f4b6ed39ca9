// Package fetcher holds the pieces shared by the fetch tiers: proxy leasing,
// outcome classification and the browser-like request header set.
package fetcher

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/listing-monitor/internal/metrics"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
	"github.com/JakeFAU/listing-monitor/internal/proxypool"
)

// Leaser is the slice of the proxy pool the tiers depend on.
type Leaser interface {
	Size() int
	Lease() (*proxypool.Endpoint, bool)
	RecordSuccess(ep *proxypool.Endpoint)
	RecordFailure(ep *proxypool.Endpoint)
}

// Inspector flags anti-automation challenge pages.
type Inspector interface {
	Suspicious(doc monitor.RawDocument) bool
}

// Acquire leases an endpoint. It returns a nil endpoint and no error when the
// pool is empty, meaning the tier connects directly.
func Acquire(pool Leaser, tier string) (*proxypool.Endpoint, error) {
	if pool == nil || pool.Size() == 0 {
		return nil, nil
	}
	ep, ok := pool.Lease()
	if !ok {
		metrics.ObserveFetch(tier, "no_proxy", 0)
		return nil, &monitor.TransportError{Tier: tier, Err: monitor.ErrNoProxyAvailable}
	}
	return ep, nil
}

// Settle classifies the outcome of one fetch, records it against the endpoint
// and returns the error the tier should report. The document is returned
// unchanged so callers can still inspect challenge pages.
func Settle(
	pool Leaser,
	inspector Inspector,
	ep *proxypool.Endpoint,
	tier string,
	doc monitor.RawDocument,
	fetchErr error,
) error {
	proxyID := ""
	if ep != nil {
		proxyID = ep.ID
	}
	record := func(ok bool) {
		if pool == nil || ep == nil {
			return
		}
		if ok {
			pool.RecordSuccess(ep)
		} else {
			pool.RecordFailure(ep)
		}
	}

	if fetchErr != nil {
		record(false)
		metrics.ObserveFetch(tier, "error", doc.Duration)
		var te *monitor.TransportError
		if errors.As(fetchErr, &te) {
			return fetchErr
		}
		return &monitor.TransportError{Tier: tier, ProxyID: proxyID, StatusCode: doc.StatusCode, Err: fetchErr}
	}

	if inspector != nil && inspector.Suspicious(doc) {
		record(false)
		metrics.ObserveFetch(tier, "suspicious", doc.Duration)
		return fmt.Errorf("%s fetch via %q: %w", tier, proxyID, monitor.ErrSuspiciousDocument)
	}

	if doc.StatusCode < 200 || doc.StatusCode > 299 {
		record(!blamesProxy(doc.StatusCode))
		metrics.ObserveFetch(tier, "status", doc.Duration)
		return &monitor.TransportError{
			Tier:       tier,
			ProxyID:    proxyID,
			StatusCode: doc.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", http.StatusText(doc.StatusCode)),
		}
	}

	record(true)
	metrics.ObserveFetch(tier, "ok", doc.Duration)
	return nil
}

// blamesProxy reports statuses that indicate the egress address is refused
// rather than the page being absent.
func blamesProxy(status int) bool {
	switch {
	case status == http.StatusForbidden,
		status == http.StatusProxyAuthRequired,
		status == http.StatusTooManyRequests,
		status >= 500:
		return true
	default:
		return false
	}
}

// ProxyAuthorization returns the Basic credential for ep, or "".
func ProxyAuthorization(ep *proxypool.Endpoint) string {
	if ep == nil || !ep.HasCredentials() {
		return ""
	}
	raw := ep.Username + ":" + ep.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// BrowserHeaders is the request header set sent by the static tiers.
func BrowserHeaders(userAgent string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	return h
}

// DefaultTimeout bounds a static fetch when the tier config leaves it unset.
const DefaultTimeout = 20 * time.Second
