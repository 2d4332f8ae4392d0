// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// フェッチクライアント・キャッシュ・エンジンから利用する。
type Recorder interface {
	RecordFetch(outcome string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordCacheHit(namespace string)
	RecordCacheMiss(namespace string)
	RecordMention(delivered bool)
	RecordWebSub(delivered bool)
	RecordWayback()
	RecordTaskStarted(kind string)
	RecordTaskCompleted(kind string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetchTotal    *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	mentions      *prometheus.CounterVec
	websub        *prometheus.CounterVec
	wayback       prometheus.Counter
	tasksStarted  *prometheus.CounterVec
	tasksComplete *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpush_fetch_total",
			Help: "フェッチ結果分類別のリクエスト数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpush_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedpush_fetch_latency_seconds",
			Help:    "フェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpush_cache_hits_total",
			Help: "名前空間別のキャッシュヒット数",
		}, []string{"namespace"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpush_cache_misses_total",
			Help: "名前空間別のキャッシュミス数（破損・スキーマ不一致を含む）",
		}, []string{"namespace"}),
		mentions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpush_mentions_total",
			Help: "webmention/pingback送信の結果別合計数",
		}, []string{"result"}),
		websub: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpush_websub_total",
			Help: "WebSubハブ通知の結果別合計数",
		}, []string{"result"}),
		wayback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpush_wayback_requests_total",
			Help: "Wayback Machineへのアーカイブ依頼数",
		}),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpush_tasks_started_total",
			Help: "タスク種別ごとの開始数",
		}, []string{"kind"}),
		tasksComplete: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpush_tasks_completed_total",
			Help: "タスク種別ごとの完了数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.fetchTotal,
		c.httpStatus,
		c.fetchLatency,
		c.cacheHits,
		c.cacheMisses,
		c.mentions,
		c.websub,
		c.wayback,
		c.tasksStarted,
		c.tasksComplete,
	)

	return c
}

// RecordFetch はフェッチ結果の分類を記録する。
func (c *Collector) RecordFetch(outcome string) {
	c.fetchTotal.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit(namespace string) {
	c.cacheHits.WithLabelValues(namespace).Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss(namespace string) {
	c.cacheMisses.WithLabelValues(namespace).Inc()
}

// RecordMention はwebmention/pingback送信の結果を記録する。
func (c *Collector) RecordMention(delivered bool) {
	c.mentions.WithLabelValues(resultLabel(delivered)).Inc()
}

// RecordWebSub はWebSub通知の結果を記録する。
func (c *Collector) RecordWebSub(delivered bool) {
	c.websub.WithLabelValues(resultLabel(delivered)).Inc()
}

// RecordWayback はWayback Machineへのアーカイブ依頼を記録する。
func (c *Collector) RecordWayback() {
	c.wayback.Inc()
}

// RecordTaskStarted はタスク開始を記録する。
func (c *Collector) RecordTaskStarted(kind string) {
	c.tasksStarted.WithLabelValues(kind).Inc()
}

// RecordTaskCompleted はタスク完了を記録する。
func (c *Collector) RecordTaskCompleted(kind string) {
	c.tasksComplete.WithLabelValues(kind).Inc()
}

func resultLabel(delivered bool) string {
	if delivered {
		return "delivered"
	}
	return "failed"
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないRecorder。テストとメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordFetch(string)                 {}
func (Nop) RecordHTTPStatus(int)               {}
func (Nop) RecordFetchLatency(time.Duration)   {}
func (Nop) RecordCacheHit(string)              {}
func (Nop) RecordCacheMiss(string)             {}
func (Nop) RecordMention(bool)                 {}
func (Nop) RecordWebSub(bool)                  {}
func (Nop) RecordWayback()                     {}
func (Nop) RecordTaskStarted(string)           {}
func (Nop) RecordTaskCompleted(string)         {}
