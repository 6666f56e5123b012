// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// クエリ実行器・エンゲージメントサービス・可用性トラッカーの
// 各Recorderインターフェースを満たす。
type Collector struct {
	restSuccess       *prometheus.CounterVec
	restFail          *prometheus.CounterVec
	relayFallback     *prometheus.CounterVec
	queryLatency      *prometheus.HistogramVec
	circuitOpen       *prometheus.CounterVec
	circuitClose      *prometheus.CounterVec
	mutationPublished *prometheus.CounterVec
	mutationRollback  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		restSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rest_success_total",
			Help: "REST API呼び出し成功の合計数",
		}, []string{"op"}),
		restFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rest_fail_total",
			Help: "REST API呼び出し失敗（一時的エラー）の合計数",
		}, []string{"op"}),
		relayFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_relay_fallback_total",
			Help: "リレーフォールバック実行の合計数",
		}, []string{"op"}),
		queryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_query_latency_seconds",
			Help:    "クエリ操作全体のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		circuitOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_open_total",
			Help: "サーキットブレーカー開放の合計数",
		}, []string{"endpoint"}),
		circuitClose: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_close_total",
			Help: "サーキットブレーカー復帰の合計数",
		}, []string{"endpoint"}),
		mutationPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_mutation_published_total",
			Help: "発行に成功したエンゲージメントイベントの合計数",
		}, []string{"action"}),
		mutationRollback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_mutation_rollback_total",
			Help: "ロールバックされたエンゲージメント操作の合計数",
		}, []string{"action"}),
	}

	reg.MustRegister(
		c.restSuccess,
		c.restFail,
		c.relayFallback,
		c.queryLatency,
		c.circuitOpen,
		c.circuitClose,
		c.mutationPublished,
		c.mutationRollback,
	)

	return c
}

// RecordRESTSuccess はREST呼び出し成功を記録する。
func (c *Collector) RecordRESTSuccess(op string) {
	c.restSuccess.WithLabelValues(op).Inc()
}

// RecordRESTFailure はREST呼び出しの一時的失敗を記録する。
func (c *Collector) RecordRESTFailure(op string) {
	c.restFail.WithLabelValues(op).Inc()
}

// RecordRelayFallback はリレーフォールバックの実行を記録する。
func (c *Collector) RecordRelayFallback(op string) {
	c.relayFallback.WithLabelValues(op).Inc()
}

// RecordQueryLatency はクエリ操作のレイテンシを記録する。
func (c *Collector) RecordQueryLatency(op string, d time.Duration) {
	c.queryLatency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordCircuitOpen はサーキットブレーカーの開放を記録する。
func (c *Collector) RecordCircuitOpen(endpoint string) {
	c.circuitOpen.WithLabelValues(endpoint).Inc()
}

// RecordCircuitClose はサーキットブレーカーの復帰を記録する。
func (c *Collector) RecordCircuitClose(endpoint string) {
	c.circuitClose.WithLabelValues(endpoint).Inc()
}

// RecordMutationPublished はエンゲージメントイベントの発行成功を記録する。
func (c *Collector) RecordMutationPublished(action string) {
	c.mutationPublished.WithLabelValues(action).Inc()
}

// RecordMutationRollback はエンゲージメント操作のロールバックを記録する。
func (c *Collector) RecordMutationRollback(action string) {
	c.mutationRollback.WithLabelValues(action).Inc()
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
