package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/divinevideo/divine-gateway/internal/health"
	"github.com/divinevideo/divine-gateway/internal/mutation"
	"github.com/divinevideo/divine-gateway/internal/query"
)

// CollectorがRecorderインターフェースを満たすことの静的検証。
var (
	_ query.Recorder    = (*Collector)(nil)
	_ mutation.Recorder = (*Collector)(nil)
	_ health.Recorder   = (*Collector)(nil)
)

// TestCollector_RecordRESTSuccess はREST成功カウンターが加算されることを検証する。
func TestCollector_RecordRESTSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRESTSuccess("ListVideos")
	c.RecordRESTSuccess("ListVideos")
	c.RecordRESTSuccess("GetVideo")

	if got := testutil.ToFloat64(c.restSuccess.WithLabelValues("ListVideos")); got != 2 {
		t.Errorf("restSuccess[ListVideos] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.restSuccess.WithLabelValues("GetVideo")); got != 1 {
		t.Errorf("restSuccess[GetVideo] = %v, want 1", got)
	}
}

// TestCollector_RecordRESTFailureAndFallback は失敗とフォールバックが
// 独立したカウンターに記録されることを検証する。
func TestCollector_RecordRESTFailureAndFallback(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRESTFailure("ListVideos")
	c.RecordRelayFallback("ListVideos")
	c.RecordRelayFallback("Search")

	if got := testutil.ToFloat64(c.restFail.WithLabelValues("ListVideos")); got != 1 {
		t.Errorf("restFail[ListVideos] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.relayFallback.WithLabelValues("ListVideos")); got != 1 {
		t.Errorf("relayFallback[ListVideos] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.relayFallback.WithLabelValues("Search")); got != 1 {
		t.Errorf("relayFallback[Search] = %v, want 1", got)
	}
}

// TestCollector_RecordQueryLatency はレイテンシヒストグラムに観測が記録されることを検証する。
func TestCollector_RecordQueryLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordQueryLatency("ListVideos", 150*time.Millisecond)
	c.RecordQueryLatency("ListVideos", 300*time.Millisecond)

	count := testutil.CollectAndCount(c.queryLatency)
	if count == 0 {
		t.Error("queryLatencyヒストグラムに観測が記録されていない")
	}
}

// TestCollector_RecordCircuitTransitions はサーキットブレーカーの開閉が記録されることを検証する。
func TestCollector_RecordCircuitTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCircuitOpen("https://api.example.com")
	c.RecordCircuitClose("https://api.example.com")
	c.RecordCircuitOpen("https://api.example.com")

	if got := testutil.ToFloat64(c.circuitOpen.WithLabelValues("https://api.example.com")); got != 2 {
		t.Errorf("circuitOpen = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.circuitClose.WithLabelValues("https://api.example.com")); got != 1 {
		t.Errorf("circuitClose = %v, want 1", got)
	}
}

// TestCollector_RecordMutationMetrics はエンゲージメント操作の発行とロールバックが
// アクション別に記録されることを検証する。
func TestCollector_RecordMutationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMutationPublished("like")
	c.RecordMutationPublished("like")
	c.RecordMutationPublished("repost")
	c.RecordMutationRollback("pin")

	if got := testutil.ToFloat64(c.mutationPublished.WithLabelValues("like")); got != 2 {
		t.Errorf("mutationPublished[like] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.mutationPublished.WithLabelValues("repost")); got != 1 {
		t.Errorf("mutationPublished[repost] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.mutationRollback.WithLabelValues("pin")); got != 1 {
		t.Errorf("mutationRollback[pin] = %v, want 1", got)
	}
}
