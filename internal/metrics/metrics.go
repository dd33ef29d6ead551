// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ワーカー・AI生成クライアントから利用する。
type MetricsCollector interface {
	RecordStoreFallback(from, to string)
	RecordStoreOperation(store string, success bool)
	RecordGenerateSuccess(kind string)
	RecordGenerateFailure(kind string)
	RecordGenerateLatency(duration time.Duration)
	RecordReplayedWrites(count int)
	SetDirtyJournalSize(size int)
	RecordHTTPRequest(method string, status int)
}

var _ MetricsCollector = (*Collector)(nil)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	storeFallback   *prometheus.CounterVec
	storeOps        *prometheus.CounterVec
	generateSuccess *prometheus.CounterVec
	generateFail    *prometheus.CounterVec
	generateLatency prometheus.Histogram
	replayedWrites  prometheus.Counter
	dirtyJournal    prometheus.Gauge
	httpRequests    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		storeFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "learnman_store_fallback_total",
			Help: "ストアフォールバック発生の合計数（遷移元・遷移先別）",
		}, []string{"from", "to"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "learnman_store_operations_total",
			Help: "ストア操作の合計数（ストア・結果別）",
		}, []string{"store", "result"}),
		generateSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "learnman_generate_success_total",
			Help: "AI生成成功の合計数（種別別）",
		}, []string{"kind"}),
		generateFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "learnman_generate_fail_total",
			Help: "AI生成失敗の合計数（種別別）",
		}, []string{"kind"}),
		generateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "learnman_generate_latency_seconds",
			Help:    "AI生成リクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		replayedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "learnman_replayed_writes_total",
			Help: "フォールバックからプライマリへ復元された書き込みの合計数",
		}),
		dirtyJournal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "learnman_dirty_journal_size",
			Help: "プライマリ未反映のジャーナルエントリ数",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "learnman_http_requests_total",
			Help: "HTTPリクエストの合計数（メソッド・ステータス別）",
		}, []string{"method", "status"}),
	}

	reg.MustRegister(
		c.storeFallback,
		c.storeOps,
		c.generateSuccess,
		c.generateFail,
		c.generateLatency,
		c.replayedWrites,
		c.dirtyJournal,
		c.httpRequests,
	)

	return c
}

// RecordStoreFallback はストアフォールバックの発生を記録する。
func (c *Collector) RecordStoreFallback(from, to string) {
	c.storeFallback.WithLabelValues(from, to).Inc()
}

// RecordStoreOperation はストア操作の結果を記録する。
func (c *Collector) RecordStoreOperation(store string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.storeOps.WithLabelValues(store, result).Inc()
}

// RecordGenerateSuccess はAI生成の成功を記録する。
func (c *Collector) RecordGenerateSuccess(kind string) {
	c.generateSuccess.WithLabelValues(kind).Inc()
}

// RecordGenerateFailure はAI生成の失敗を記録する。
func (c *Collector) RecordGenerateFailure(kind string) {
	c.generateFail.WithLabelValues(kind).Inc()
}

// RecordGenerateLatency はAI生成のレイテンシを記録する。
func (c *Collector) RecordGenerateLatency(duration time.Duration) {
	c.generateLatency.Observe(duration.Seconds())
}

// RecordReplayedWrites は復元された書き込み数を記録する。
func (c *Collector) RecordReplayedWrites(count int) {
	c.replayedWrites.Add(float64(count))
}

// SetDirtyJournalSize は未反映ジャーナルのエントリ数を記録する。
func (c *Collector) SetDirtyJournalSize(size int) {
	c.dirtyJournal.Set(float64(size))
}

// RecordHTTPRequest はHTTPリクエストの完了を記録する。
func (c *Collector) RecordHTTPRequest(method string, status int) {
	c.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
