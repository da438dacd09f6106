package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/storepub/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	QueueService QueueServiceInterface
	RateLimiter  *middleware.RateLimiter
	Logger       *slog.Logger

	// MetricsHandler は/metricsのハンドラー。nilの場合はルートを公開しない。
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → RateLimitMiddleware
//
// /healthと/metricsはレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}

	h := NewQueueHandler(deps.QueueService)

	// ヘルスチェック（レート制限なし）
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheusスクレイプ（レート制限なし）
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// 運用API
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Route("/api/queue", func(r chi.Router) {
			r.Post("/", h.Add)
			r.Post("/batch", h.AddBatch)
			r.Get("/stats", h.Stats)
			r.Post("/process", h.Process)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.Get)
				r.Post("/cancel", h.Cancel)
				r.Post("/retry", h.Retry)
			})
		})

		r.Route("/api/ratelimits", func(r chi.Router) {
			r.Get("/{platform}", h.RateLimitStatus)
		})

		r.Route("/api/breakers", func(r chi.Router) {
			r.Get("/", h.BreakerStats)
			r.Post("/{platform}/reset", h.ResetBreaker)
		})
	})

	return r
}
