// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/storepub/internal/breaker"
	"github.com/hitoshi/storepub/internal/model"
)

// Collector はキュー処理のPrometheusメトリクスを収集する実装。
// queue.MetricsRecorderインターフェースを実装する。
type Collector struct {
	publishSuccess *prometheus.CounterVec
	publishFail    *prometheus.CounterVec
	retries        *prometheus.CounterVec
	rateLimitDefer *prometheus.CounterVec
	circuitOpen    *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	queueDepth     *prometheus.GaugeVec
	breakerState   *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		publishSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storepub_publish_success_total",
			Help: "公開成功の合計数（プラットフォーム別）",
		}, []string{"platform"}),
		publishFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storepub_publish_fail_total",
			Help: "公開失敗の合計数（プラットフォーム・エラー分類別）",
		}, []string{"platform", "kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storepub_publish_retry_total",
			Help: "ディスパッチ内リトライの合計数（プラットフォーム別）",
		}, []string{"platform"}),
		rateLimitDefer: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storepub_rate_limit_deferral_total",
			Help: "レート制限による持ち越しの合計数（プラットフォーム別）",
		}, []string{"platform"}),
		circuitOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storepub_circuit_open_total",
			Help: "サーキット遮断による持ち越しの合計数（プラットフォーム別）",
		}, []string{"platform"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storepub_queue_tick_duration_seconds",
			Help:    "キューティックの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storepub_queue_depth",
			Help: "キューの状態別アイテム数",
		}, []string{"status"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storepub_circuit_breaker_state",
			Help: "サーキットブレーカーの状態（0=closed, 1=half-open, 2=open）",
		}, []string{"platform"}),
	}

	reg.MustRegister(
		c.publishSuccess,
		c.publishFail,
		c.retries,
		c.rateLimitDefer,
		c.circuitOpen,
		c.tickDuration,
		c.queueDepth,
		c.breakerState,
	)

	return c
}

// RecordPublishSuccess は公開成功を記録する。
func (c *Collector) RecordPublishSuccess(platform string) {
	c.publishSuccess.WithLabelValues(platform).Inc()
}

// RecordPublishFailure は公開失敗をエラー分類付きで記録する。
func (c *Collector) RecordPublishFailure(platform string, kind string) {
	c.publishFail.WithLabelValues(platform, kind).Inc()
}

// RecordRetry はディスパッチ内リトライを記録する。
func (c *Collector) RecordRetry(platform string) {
	c.retries.WithLabelValues(platform).Inc()
}

// RecordRateLimitDeferral はレート制限による持ち越しを記録する。
func (c *Collector) RecordRateLimitDeferral(platform string) {
	c.rateLimitDefer.WithLabelValues(platform).Inc()
}

// RecordCircuitOpen はサーキット遮断による持ち越しを記録する。
func (c *Collector) RecordCircuitOpen(platform string) {
	c.circuitOpen.WithLabelValues(platform).Inc()
}

// RecordTickDuration はキューティックの処理時間を記録する。
func (c *Collector) RecordTickDuration(duration time.Duration) {
	c.tickDuration.Observe(duration.Seconds())
}

// SetQueueDepth はキューの状態別アイテム数を記録する。
func (c *Collector) SetQueueDepth(stats *model.QueueStats) {
	c.queueDepth.WithLabelValues(string(model.QueueStatusPending)).Set(float64(stats.Pending))
	c.queueDepth.WithLabelValues(string(model.QueueStatusProcessing)).Set(float64(stats.Processing))
	c.queueDepth.WithLabelValues(string(model.QueueStatusPublished)).Set(float64(stats.Published))
	c.queueDepth.WithLabelValues(string(model.QueueStatusFailed)).Set(float64(stats.Failed))
	c.queueDepth.WithLabelValues(string(model.QueueStatusRejected)).Set(float64(stats.Rejected))
}

// SetBreakerStates はサーキットブレーカーの状態を記録する。
func (c *Collector) SetBreakerStates(stats []breaker.Stats) {
	for _, s := range stats {
		c.breakerState.WithLabelValues(s.Name).Set(breakerStateValue(s.State))
	}
}

// breakerStateValue はブレーカー状態をゲージ値に変換する。
func breakerStateValue(state breaker.State) float64 {
	switch state {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
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
