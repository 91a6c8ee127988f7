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
// 各コンポーネントは必要なメソッドだけを持つ小さなインターフェースで受け取る。
type MetricsCollector interface {
	RecordFetch(outcome string)
	RecordRecordsDropped(reason string, count int)
	RecordFetchLatency(duration time.Duration)
	RecordCacheLookup(cache string, hit bool)
	RecordCacheEviction(cache string)
	RecordDeltaBatch(added, modified, removed int)
	RecordScoreComputed(hasScore bool)
	RecordRevalidation(outcome string)
	RecordHTTPStatus(statusCode int)
	SetLiveClients(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	fetches        *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	cacheLookups   *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	deltaChanges   *prometheus.CounterVec
	deltaBatches   prometheus.Counter
	scores         *prometheus.CounterVec
	revalidations  *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	liveClients    prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dishfeed_fetch_total",
			Help: "レビュー取得の結果別回数",
		}, []string{"outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dishfeed_records_dropped_total",
			Help: "取得時に除外されたレビュー数",
		}, []string{"reason"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dishfeed_fetch_latency_seconds",
			Help:    "レビュー取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dishfeed_cache_lookups_total",
			Help: "キャッシュ参照回数",
		}, []string{"cache", "result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dishfeed_cache_evictions_total",
			Help: "容量超過によるキャッシュ追い出し回数",
		}, []string{"cache"}),
		deltaChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dishfeed_delta_changes_total",
			Help: "ライブ購読で適用した変更件数",
		}, []string{"kind"}),
		deltaBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dishfeed_delta_batches_total",
			Help: "ライブ購読で適用した差分バッチ数",
		}),
		scores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dishfeed_quality_scores_total",
			Help: "品質スコアの計算回数",
		}, []string{"result"}),
		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dishfeed_page_revalidations_total",
			Help: "先頭ページのバックグラウンド再検証の結果別回数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dishfeed_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		liveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dishfeed_live_clients",
			Help: "ライブフィードに接続中のクライアント数",
		}),
	}

	reg.MustRegister(
		c.fetches,
		c.dropped,
		c.fetchLatency,
		c.cacheLookups,
		c.cacheEvictions,
		c.deltaChanges,
		c.deltaBatches,
		c.scores,
		c.revalidations,
		c.httpStatus,
		c.liveClients,
	)

	return c
}

// RecordFetch はレビュー取得の結果を記録する。
// outcome: success, failure, rejected, unauthenticated
func (c *Collector) RecordFetch(outcome string) {
	c.fetches.WithLabelValues(outcome).Inc()
}

// RecordRecordsDropped は取得時に除外したレコード数を記録する。
func (c *Collector) RecordRecordsDropped(reason string, count int) {
	if count <= 0 {
		return
	}
	c.dropped.WithLabelValues(reason).Add(float64(count))
}

// RecordFetchLatency はレビュー取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordCacheLookup はキャッシュ参照のヒット/ミスを記録する。
func (c *Collector) RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(cache, result).Inc()
}

// RecordCacheEviction は容量超過による追い出しを記録する。
func (c *Collector) RecordCacheEviction(cache string) {
	c.cacheEvictions.WithLabelValues(cache).Inc()
}

// RecordDeltaBatch はライブ購読で適用した差分を記録する。
func (c *Collector) RecordDeltaBatch(added, modified, removed int) {
	c.deltaBatches.Inc()
	c.deltaChanges.WithLabelValues("added").Add(float64(added))
	c.deltaChanges.WithLabelValues("modified").Add(float64(modified))
	c.deltaChanges.WithLabelValues("removed").Add(float64(removed))
}

// RecordScoreComputed は品質スコアの計算結果を記録する。
func (c *Collector) RecordScoreComputed(hasScore bool) {
	result := "null"
	if hasScore {
		result = "scored"
	}
	c.scores.WithLabelValues(result).Inc()
}

// RecordRevalidation は先頭ページ再検証の結果を記録する。
// outcome: applied, stale, failed
func (c *Collector) RecordRevalidation(outcome string) {
	c.revalidations.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetLiveClients はライブフィードの接続数を設定する。
func (c *Collector) SetLiveClients(n int) {
	c.liveClients.Set(float64(n))
}

// Nop は何も記録しないMetricsCollector実装。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordFetch(string)                {}
func (Nop) RecordRecordsDropped(string, int)  {}
func (Nop) RecordFetchLatency(time.Duration)  {}
func (Nop) RecordCacheLookup(string, bool)    {}
func (Nop) RecordCacheEviction(string)        {}
func (Nop) RecordDeltaBatch(int, int, int)    {}
func (Nop) RecordScoreComputed(bool)          {}
func (Nop) RecordRevalidation(string)         {}
func (Nop) RecordHTTPStatus(int)              {}
func (Nop) SetLiveClients(int)                {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = Nop{}
