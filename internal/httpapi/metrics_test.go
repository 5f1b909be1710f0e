package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsEndpointExposesCounters(t *testing.T) {
	h := NewMux(newMock(), Options{})
	do(t, h, http.MethodGet, "/v1/status", "", "")
	w := do(t, h, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `localllm_http_requests_total{method="GET",path="/v1/status",status="200"}`) {
		t.Fatalf("route pattern label missing in metrics output")
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/items/{id}", "GET", "418"))
	for _, id := range []string{"1", "2", "3"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/items/{id}", "GET", "418"))
	if after-before != 3 {
		t.Fatalf("expected 3 observations on the pattern label, got %v", after-before)
	}
}

func TestConflictCounter(t *testing.T) {
	before := testutil.ToFloat64(conflictsTotal.WithLabelValues("unspecified"))
	IncrementConflict("")
	if got := testutil.ToFloat64(conflictsTotal.WithLabelValues("unspecified")); got != before+1 {
		t.Fatalf("conflicts=%v", got)
	}
}

func TestStatusRecorderPassThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: 200}
	sr.WriteHeader(http.StatusAccepted)
	sr.WriteHeader(http.StatusInternalServerError)
	_, _ = sr.Write([]byte("x"))
	sr.Flush()
	if sr.status != http.StatusAccepted || !rec.Flushed {
		t.Fatalf("status=%d flushed=%v", sr.status, rec.Flushed)
	}
	if _, _, err := sr.Hijack(); err == nil {
		t.Fatalf("recorder cannot hijack; expected error")
	}
}

func TestItoa(t *testing.T) {
	for n, want := range map[int]string{0: "0", 7: "7", 200: "200", 1001: "1001"} {
		if got := itoa(n); got != want {
			t.Fatalf("itoa(%d)=%q", n, got)
		}
	}
}
