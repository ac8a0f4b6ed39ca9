package fetcher

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-monitor/internal/monitor"
	"github.com/JakeFAU/listing-monitor/internal/proxypool"
)

type fakeLeaser struct {
	size      int
	ep        *proxypool.Endpoint
	successes int
	failures  int
}

func (f *fakeLeaser) Size() int { return f.size }
func (f *fakeLeaser) Lease() (*proxypool.Endpoint, bool) {
	return f.ep, f.ep != nil
}
func (f *fakeLeaser) RecordSuccess(*proxypool.Endpoint) { f.successes++ }
func (f *fakeLeaser) RecordFailure(*proxypool.Endpoint) { f.failures++ }

type markerInspector struct{ marker string }

func (m markerInspector) Suspicious(doc monitor.RawDocument) bool {
	return m.marker != "" && string(doc.Body) == m.marker
}

func TestAcquire(t *testing.T) {
	t.Parallel()

	ep, err := Acquire(nil, "t")
	require.NoError(t, err)
	require.Nil(t, ep)

	ep, err = Acquire(&fakeLeaser{}, "t")
	require.NoError(t, err)
	require.Nil(t, ep)

	_, err = Acquire(&fakeLeaser{size: 1}, "t")
	require.ErrorIs(t, err, monitor.ErrNoProxyAvailable)

	want := &proxypool.Endpoint{ID: "p"}
	ep, err = Acquire(&fakeLeaser{size: 1, ep: want}, "t")
	require.NoError(t, err)
	require.Same(t, want, ep)
}

func TestSettle(t *testing.T) {
	t.Parallel()

	ep := &proxypool.Endpoint{ID: "p1"}
	inspector := markerInspector{marker: "captcha"}

	testCases := []struct {
		name          string
		doc           monitor.RawDocument
		fetchErr      error
		wantErr       error
		wantStatus    int
		wantSuccesses int
		wantFailures  int
	}{
		{name: "ok", doc: monitor.RawDocument{StatusCode: 200, Body: []byte("x")}, wantSuccesses: 1},
		{name: "transport", fetchErr: errors.New("reset"), wantFailures: 1},
		{name: "suspicious", doc: monitor.RawDocument{StatusCode: 200, Body: []byte("captcha")}, wantErr: monitor.ErrSuspiciousDocument, wantFailures: 1},
		{name: "throttled", doc: monitor.RawDocument{StatusCode: http.StatusTooManyRequests}, wantStatus: 429, wantFailures: 1},
		{name: "gone", doc: monitor.RawDocument{StatusCode: http.StatusNotFound}, wantStatus: 404, wantSuccesses: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pool := &fakeLeaser{size: 1, ep: ep}
			err := Settle(pool, inspector, ep, "tier", tc.doc, tc.fetchErr)

			require.Equal(t, tc.wantSuccesses, pool.successes)
			require.Equal(t, tc.wantFailures, pool.failures)
			switch {
			case tc.wantErr != nil:
				require.ErrorIs(t, err, tc.wantErr)
			case tc.fetchErr != nil || tc.wantStatus != 0:
				var te *monitor.TransportError
				require.ErrorAs(t, err, &te)
				require.Equal(t, "p1", te.ProxyID)
				require.Equal(t, tc.wantStatus, te.StatusCode)
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestSettleKeepsExistingTransportError(t *testing.T) {
	t.Parallel()

	orig := &monitor.TransportError{Tier: "other", Err: errors.New("x")}
	err := Settle(nil, nil, nil, "tier", monitor.RawDocument{Duration: time.Millisecond}, orig)
	require.Same(t, orig, err)
}

func TestProxyAuthorization(t *testing.T) {
	t.Parallel()

	require.Empty(t, ProxyAuthorization(nil))
	require.Empty(t, ProxyAuthorization(&proxypool.Endpoint{}))
	require.Equal(t, "Basic dXNlcjpwYXNz", ProxyAuthorization(&proxypool.Endpoint{Username: "user", Password: "pass"}))
}

func TestBrowserHeaders(t *testing.T) {
	t.Parallel()

	h := BrowserHeaders("agent/1.0")
	require.Equal(t, "agent/1.0", h.Get("User-Agent"))
	require.NotEmpty(t, h.Get("Accept"))
	require.Equal(t, "navigate", h.Get("Sec-Fetch-Mode"))
}
