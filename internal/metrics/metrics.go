// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 同期パスの結果。
const (
	OutcomeFresh     = "fresh"
	OutcomeRefreshed = "refreshed"
	OutcomePartial   = "partial"
	OutcomeDegraded  = "degraded"
	OutcomeError     = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// リコンサイラーとワーカーから利用する。
type MetricsCollector interface {
	RecordReconcile(feedName, outcome string, duration time.Duration)
	RecordCacheHit(feedName string)
	RecordCacheMiss(feedName string)
	RecordFetchSuccess(feedName string)
	RecordFetchFailure(feedName, reason string)
	RecordFetchLatency(duration time.Duration)
	RecordEventsSaved(feedName string, count int)
	RecordEventsDropped(feedName string, count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	reconcileTotal   *prometheus.CounterVec
	reconcileLatency prometheus.Histogram
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	fetchSuccess     *prometheus.CounterVec
	fetchFail        *prometheus.CounterVec
	fetchLatency     prometheus.Histogram
	eventsSaved      *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seminarcal_reconcile_total",
			Help: "フィード同期パスの結果別の合計数",
		}, []string{"feed", "outcome"}),
		reconcileLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seminarcal_reconcile_latency_seconds",
			Help:    "フィード同期パスのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seminarcal_source_cache_hits_total",
			Help: "キャッシュ済みイベントを再利用したソースの合計数",
		}, []string{"feed"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seminarcal_source_cache_misses_total",
			Help: "再取得が必要だったソースの合計数",
		}, []string{"feed"}),
		fetchSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seminarcal_fetch_success_total",
			Help: "取得成功の合計数",
		}, []string{"feed"}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seminarcal_fetch_fail_total",
			Help: "取得失敗の理由別の合計数",
		}, []string{"feed", "reason"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seminarcal_fetch_latency_seconds",
			Help:    "iCalendar取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		eventsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seminarcal_events_saved_total",
			Help: "保存されたイベントの合計数",
		}, []string{"feed"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seminarcal_events_dropped_total",
			Help: "長すぎるため除外されたイベントの合計数",
		}, []string{"feed"}),
	}

	reg.MustRegister(
		c.reconcileTotal,
		c.reconcileLatency,
		c.cacheHits,
		c.cacheMisses,
		c.fetchSuccess,
		c.fetchFail,
		c.fetchLatency,
		c.eventsSaved,
		c.eventsDropped,
	)

	return c
}

// RecordReconcile は同期パスの結果とレイテンシを記録する。
func (c *Collector) RecordReconcile(feedName, outcome string, duration time.Duration) {
	c.reconcileTotal.WithLabelValues(feedName, outcome).Inc()
	c.reconcileLatency.Observe(duration.Seconds())
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit(feedName string) {
	c.cacheHits.WithLabelValues(feedName).Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss(feedName string) {
	c.cacheMisses.WithLabelValues(feedName).Inc()
}

// RecordFetchSuccess は取得成功を記録する。
func (c *Collector) RecordFetchSuccess(feedName string) {
	c.fetchSuccess.WithLabelValues(feedName).Inc()
}

// RecordFetchFailure は取得失敗を記録する。
func (c *Collector) RecordFetchFailure(feedName, reason string) {
	c.fetchFail.WithLabelValues(feedName, reason).Inc()
}

// RecordFetchLatency は取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordEventsSaved は保存されたイベント数を記録する。
func (c *Collector) RecordEventsSaved(feedName string, count int) {
	c.eventsSaved.WithLabelValues(feedName).Add(float64(count))
}

// RecordEventsDropped は除外されたイベント数を記録する。
func (c *Collector) RecordEventsDropped(feedName string, count int) {
	c.eventsDropped.WithLabelValues(feedName).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
