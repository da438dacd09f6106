package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

// newTestRateLimiter は小さなバーストのRateLimiterを生成する。
func newTestRateLimiter(t *testing.T, burst int) *RateLimiter {
	t.Helper()

	rl := NewRateLimiter(RateLimiterConfig{
		Rate:            rate.Limit(0.001), // 補充をほぼ無効化してバーストのみで検証する
		Burst:           burst,
		CleanupInterval: 1 * time.Hour,
	})
	t.Cleanup(rl.Stop)
	return rl
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := newTestRateLimiter(t, 3)
	handler := rl.Middleware()(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil)
		req.RemoteAddr = "192.0.2.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("%d回目のリクエストは許可されるべき: status = %d", i+1, w.Code)
		}
	}
}

func TestRateLimiter_RejectsWithRetryAfter(t *testing.T) {
	rl := newTestRateLimiter(t, 1)
	handler := rl.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// バーストを使い切った2回目は429
	req = httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-Afterヘッダーが設定されるべき")
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("レスポンスボディがJSONとして解析できるべき: %v", err)
	}
	if body["code"] != "rate_limit_exceeded" {
		t.Errorf("code = %q, want rate_limit_exceeded", body["code"])
	}
}

func TestRateLimiter_IsolatedPerCaller(t *testing.T) {
	rl := newTestRateLimiter(t, 1)
	handler := rl.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	// 別の接続元は独立した予算を持つ
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.2:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("別の呼び出し元は許可されるべき: status = %d", w.Code)
	}
}

func TestRateLimiter_APIKeyTakesPrecedenceOverIP(t *testing.T) {
	rl := newTestRateLimiter(t, 1)
	handler := rl.Middleware()(okHandler())

	// 同一IPでも異なるAPIキーは独立した予算を持つ
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	req.Header.Set("X-API-Key", "key-a")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	req.Header.Set("X-API-Key", "key-b")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("別のAPIキーは許可されるべき: status = %d", w.Code)
	}

	if rl.LimiterCount() != 2 {
		t.Errorf("リミッターのエントリ数 = %d, want 2", rl.LimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Rate:            rate.Limit(1),
		Burst:           1,
		CleanupInterval: 10 * time.Millisecond,
	})
	defer rl.Stop()

	handler := rl.Middleware()(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if rl.LimiterCount() != 1 {
		t.Fatalf("リミッターのエントリ数 = %d, want 1", rl.LimiterCount())
	}

	// TTL（CleanupInterval×2）経過後のクリーンアップを待つ
	deadline := time.After(2 * time.Second)
	for rl.LimiterCount() > 0 {
		select {
		case <-deadline:
			t.Fatal("期限切れエントリがクリーンアップされるべき")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNewRateLimiterConfig_ConvertsPerMinuteRate(t *testing.T) {
	cfg := NewRateLimiterConfig(120)

	if cfg.Rate != rate.Limit(2) {
		t.Errorf("Rate = %v, want 2 req/sec", cfg.Rate)
	}
	if cfg.Burst != 120 {
		t.Errorf("Burst = %d, want 120", cfg.Burst)
	}

	// 0以下はデフォルトの120 req/min
	cfg = NewRateLimiterConfig(0)
	if cfg.Burst != 120 {
		t.Errorf("デフォルトのBurst = %d, want 120", cfg.Burst)
	}
}
