package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

// TestCollector_RecordStoreFallback は遷移元・遷移先ラベル付きでカウントされることを検証する。
func TestCollector_RecordStoreFallback(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordStoreFallback("postgres", "redis")
	c.RecordStoreFallback("postgres", "redis")
	c.RecordStoreFallback("redis", "local")

	if got := testutil.ToFloat64(c.storeFallback.WithLabelValues("postgres", "redis")); got != 2 {
		t.Errorf("postgres->redis fallback count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.storeFallback.WithLabelValues("redis", "local")); got != 1 {
		t.Errorf("redis->local fallback count = %v, want 1", got)
	}
}

func TestCollector_RecordStoreOperation(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordStoreOperation("postgres", true)
	c.RecordStoreOperation("postgres", false)

	if got := testutil.ToFloat64(c.storeOps.WithLabelValues("postgres", "success")); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.storeOps.WithLabelValues("postgres", "failure")); got != 1 {
		t.Errorf("failure count = %v, want 1", got)
	}
}

func TestCollector_GenerateCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordGenerateSuccess("roadmap")
	c.RecordGenerateFailure("quiz")
	c.RecordGenerateLatency(250 * time.Millisecond)

	if got := testutil.ToFloat64(c.generateSuccess.WithLabelValues("roadmap")); got != 1 {
		t.Errorf("generate success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.generateFail.WithLabelValues("quiz")); got != 1 {
		t.Errorf("generate fail count = %v, want 1", got)
	}
}

func TestCollector_ReplayMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordReplayedWrites(3)
	c.RecordReplayedWrites(2)
	c.SetDirtyJournalSize(7)

	if got := testutil.ToFloat64(c.replayedWrites); got != 5 {
		t.Errorf("replayed writes = %v, want 5", got)
	}
	if got := testutil.ToFloat64(c.dirtyJournal); got != 7 {
		t.Errorf("dirty journal size = %v, want 7", got)
	}
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordHTTPRequest("GET", 200)
	c.RecordHTTPRequest("GET", 200)
	c.RecordHTTPRequest("POST", 502)

	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "200")); got != 2 {
		t.Errorf("GET 200 count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("POST", "502")); got != 1 {
		t.Errorf("POST 502 count = %v, want 1", got)
	}
}

// TestHandler_ServesRegisteredMetrics はスクレイプエンドポイントが
// 登録済みメトリクスを返すことを検証する。
func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordStoreFallback("postgres", "local")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "learnman_store_fallback_total") {
		t.Errorf("scrape output missing learnman_store_fallback_total:\n%s", rec.Body.String())
	}
}
