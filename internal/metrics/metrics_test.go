package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/storepub/internal/breaker"
	"github.com/hitoshi/storepub/internal/model"
	"github.com/hitoshi/storepub/internal/queue"
)

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// counterValue は指定名・ラベルのカウンタ値を取得する。
func counterValue(t *testing.T, reg *prometheus.Registry, name string, wantLabels map[string]string) float64 {
	t.Helper()

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if wantLabels[label.GetName()] != label.GetValue() {
					continue metric
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("%s metric not found with labels %v", name, wantLabels)
	return 0
}

// TestRecordPublishSuccess_IncrementsCounter は公開成功カウンタが増加することを検証する。
func TestRecordPublishSuccess_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPublishSuccess("amazon")
	c.RecordPublishSuccess("amazon")
	c.RecordPublishSuccess("printify")

	val := counterValue(t, reg, "storepub_publish_success_total", map[string]string{"platform": "amazon"})
	if val != 2 {
		t.Errorf("publish_success_total{platform=amazon} = %v, want 2", val)
	}
}

// TestRecordPublishFailure_IncrementsCounterWithKind は公開失敗カウンタが分類ラベル付きで増加することを検証する。
func TestRecordPublishFailure_IncrementsCounterWithKind(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPublishFailure("amazon", "transient")
	c.RecordPublishFailure("amazon", "transient")
	c.RecordPublishFailure("amazon", "permanent")

	val := counterValue(t, reg, "storepub_publish_fail_total",
		map[string]string{"platform": "amazon", "kind": "transient"})
	if val != 2 {
		t.Errorf("publish_fail_total{kind=transient} = %v, want 2", val)
	}
}

// TestRecordRateLimitDeferral_IncrementsCounter はレート制限持ち越しカウンタが増加することを検証する。
func TestRecordRateLimitDeferral_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRateLimitDeferral("amazon")

	val := counterValue(t, reg, "storepub_rate_limit_deferral_total", map[string]string{"platform": "amazon"})
	if val != 1 {
		t.Errorf("rate_limit_deferral_total = %v, want 1", val)
	}
}

// TestRecordTickDuration_ObservesHistogram はティック処理時間のヒストグラムに値が記録されることを検証する。
func TestRecordTickDuration_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTickDuration(100 * time.Millisecond)
	c.RecordTickDuration(2 * time.Second)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "storepub_queue_tick_duration_seconds" {
			found = true
			h := mf.GetMetric()[0].GetHistogram()
			if h.GetSampleCount() != 2 {
				t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
			}
			// 合計は0.1 + 2.0 = 2.1秒
			if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
				t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
			}
		}
	}
	if !found {
		t.Error("storepub_queue_tick_duration_seconds metric not found")
	}
}

// TestSetQueueDepth_SetsGaugePerStatus はキュー深度ゲージが状態別に設定されることを検証する。
func TestSetQueueDepth_SetsGaugePerStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetQueueDepth(&model.QueueStats{Pending: 7, Failed: 2})

	if val := counterValue(t, reg, "storepub_queue_depth", map[string]string{"status": "pending"}); val != 7 {
		t.Errorf("queue_depth{status=pending} = %v, want 7", val)
	}
	if val := counterValue(t, reg, "storepub_queue_depth", map[string]string{"status": "failed"}); val != 2 {
		t.Errorf("queue_depth{status=failed} = %v, want 2", val)
	}
}

// TestSetBreakerStates_SetsGaugePerPlatform はブレーカー状態ゲージが設定されることを検証する。
func TestSetBreakerStates_SetsGaugePerPlatform(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetBreakerStates([]breaker.Stats{
		{Name: "amazon", State: breaker.StateOpen},
		{Name: "printify", State: breaker.StateClosed},
	})

	if val := counterValue(t, reg, "storepub_circuit_breaker_state", map[string]string{"platform": "amazon"}); val != 2 {
		t.Errorf("circuit_breaker_state{platform=amazon} = %v, want 2", val)
	}
	if val := counterValue(t, reg, "storepub_circuit_breaker_state", map[string]string{"platform": "printify"}); val != 0 {
		t.Errorf("circuit_breaker_state{platform=printify} = %v, want 0", val)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPublishSuccess("amazon")
	c.RecordPublishFailure("amazon", "transient")
	c.RecordRetry("amazon")
	c.RecordCircuitOpen("amazon")
	c.RecordTickDuration(500 * time.Millisecond)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"storepub_publish_success_total",
		"storepub_publish_fail_total",
		"storepub_publish_retry_total",
		"storepub_circuit_open_total",
		"storepub_queue_tick_duration_seconds",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsRecorderInterface はCollectorがキューのメトリクスインターフェースを実装することを検証する。
func TestCollector_ImplementsMetricsRecorderInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ queue.MetricsRecorder = NewCollector(reg)
}
