package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://WWW.Amazon.com/dp/B0001", "www.amazon.com"},
		{"no scheme", "amazon.co.uk/dp/B0001", "amazon.co.uk"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserversIncrementCollectors(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(fetchTotal.WithLabelValues("static", "ok"))
	ObserveFetch("static", "ok", 20*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(fetchTotal.WithLabelValues("static", "ok")))

	before = testutil.ToFloat64(alertsTotal.WithLabelValues("PRICE_CHANGE"))
	ObserveAlert("PRICE_CHANGE")
	require.Equal(t, before+1, testutil.ToFloat64(alertsTotal.WithLabelValues("PRICE_CHANGE")))

	before = testutil.ToFloat64(proxyCircuitOpensTotal)
	ObserveCircuitOpen()
	require.Equal(t, before+1, testutil.ToFloat64(proxyCircuitOpensTotal))

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	require.GreaterOrEqual(t, testutil.ToFloat64(activeWorkers), float64(1))
	DecActiveWorkers()
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/items/{item_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/items/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")))
	require.GreaterOrEqual(t, testutil.CollectAndCount(httpRequestDurationSecond, "http_request_duration_seconds"), 1)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://amazon.com/dp/x", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
