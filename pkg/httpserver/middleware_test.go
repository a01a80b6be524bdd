package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.Header().Get(RequestIDHeader)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	h.ServeHTTP(rec, req)
	if seen != "abc-123" || rec.Header().Get(RequestIDHeader) != "abc-123" {
		t.Errorf("incoming id not propagated: %q", seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(rec.Header().Get(RequestIDHeader)) != 36 {
		t.Errorf("generated id = %q; want uuid", rec.Header().Get(RequestIDHeader))
	}
}

func TestMetricsMiddleware(t *testing.T) {
	h := MetricsMiddleware("/known")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/known" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	known := httpRequests.WithLabelValues("/known", "GET", "200")
	other := httpRequests.WithLabelValues("other", "GET", "404")
	knownBefore, otherBefore := testutil.ToFloat64(known), testutil.ToFloat64(other)
	for _, p := range []string{"/known", "/known", "/x/1", "/x/2"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	if got := testutil.ToFloat64(known) - knownBefore; got != 2 {
		t.Errorf("known = %v; want 2", got)
	}
	if got := testutil.ToFloat64(other) - otherBefore; got != 2 {
		t.Errorf("other = %v; want 2", got)
	}
}
