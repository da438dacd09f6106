// Package handler は公開キューの運用APIのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/storepub/internal/breaker"
	"github.com/hitoshi/storepub/internal/model"
	"github.com/hitoshi/storepub/internal/queue"
)

// QueueServiceInterface はキューハンドラーが必要とするサービスインターフェース。
type QueueServiceInterface interface {
	// Add は1商品の公開ジョブをキューへ投入する。
	Add(ctx context.Context, productID string, platforms []string, priority int) ([]*model.QueueItem, error)
	// AddBatch は複数商品の公開ジョブをまとめて投入する。
	AddBatch(ctx context.Context, productIDs []string, platforms []string, priority int) ([]*model.QueueItem, error)
	// Get は指定IDのアイテムを取得する。
	Get(ctx context.Context, id string) (*model.QueueItem, error)
	// Cancel はアイテムをキャンセルする。
	Cancel(ctx context.Context, id string) (*model.QueueItem, error)
	// Retry は失敗アイテムを再キューする。
	Retry(ctx context.Context, id string) (*model.QueueItem, error)
	// Stats はキューの状態別件数を返す。
	Stats(ctx context.Context) (*model.QueueStats, error)
	// ProcessPending はティックを1回分手動実行する。
	ProcessPending(ctx context.Context) (*queue.TickResult, error)
	// RateLimitStatus はレート制限ウィンドウの状態を返す。
	RateLimitStatus(ctx context.Context, platform, endpoint string) (*model.RateLimitWindow, error)
	// BreakerStats は全サーキットブレーカーの状態を返す。
	BreakerStats() []breaker.Stats
	// ResetBreaker はサーキットを強制的に閉じる。
	ResetBreaker(platform string)
}

// QueueHandler は公開キューのHTTPハンドラー。
type QueueHandler struct {
	service QueueServiceInterface
}

// NewQueueHandler はQueueHandlerを生成する。
func NewQueueHandler(service QueueServiceInterface) *QueueHandler {
	return &QueueHandler{service: service}
}

// addRequest はキュー投入リクエストのボディ。
type addRequest struct {
	ProductID string   `json:"product_id"`
	Platforms []string `json:"platforms"`
	Priority  int      `json:"priority"`
}

// addBatchRequest は一括投入リクエストのボディ。
type addBatchRequest struct {
	ProductIDs []string `json:"product_ids"`
	Platforms  []string `json:"platforms"`
	Priority   int      `json:"priority"`
}

// queueItemResponse はキューアイテムのAPIレスポンス。
type queueItemResponse struct {
	ID           string     `json:"id"`
	ProductID    string     `json:"product_id"`
	Platform     string     `json:"platform"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	ExternalID   string     `json:"external_id,omitempty"`
	ExternalURL  string     `json:"external_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// rateLimitResponse はレート制限ウィンドウのAPIレスポンス。
type rateLimitResponse struct {
	Platform       string    `json:"platform"`
	Endpoint       string    `json:"endpoint"`
	RequestCount   int       `json:"request_count"`
	WindowStart    time.Time `json:"window_start"`
	LimitPerMinute int       `json:"limit_per_minute"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Add はキュー投入を処理する。
// POST /api/queue
func (h *QueueHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	items, err := h.service.Add(r.Context(), req.ProductID, req.Platforms, req.Priority)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toQueueItemResponses(items))
}

// AddBatch は一括投入を処理する。
// POST /api/queue/batch
func (h *QueueHandler) AddBatch(w http.ResponseWriter, r *http.Request) {
	var req addBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	items, err := h.service.AddBatch(r.Context(), req.ProductIDs, req.Platforms, req.Priority)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toQueueItemResponses(items))
}

// Get はアイテム詳細を取得する。
// GET /api/queue/:id
func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toQueueItemResponse(item))
}

// Cancel はアイテムのキャンセルを処理する。
// POST /api/queue/:id/cancel
func (h *QueueHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toQueueItemResponse(item))
}

// Retry は失敗アイテムの再キューを処理する。
// POST /api/queue/:id/retry
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := h.service.Retry(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toQueueItemResponse(item))
}

// Stats はキューの状態別件数を返す。
// GET /api/queue/stats
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Process はティックを1回分手動実行する（運用オーバーライド）。
// POST /api/queue/process
func (h *QueueHandler) Process(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ProcessPending(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// RateLimitStatus はプラットフォームのレート制限ウィンドウの状態を返す。
// GET /api/ratelimits/:platform?endpoint=publish
func (h *QueueHandler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	endpoint := r.URL.Query().Get("endpoint")

	window, err := h.service.RateLimitStatus(r.Context(), platform, endpoint)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rateLimitResponse{
		Platform:       window.Platform,
		Endpoint:       window.Endpoint,
		RequestCount:   window.RequestCount,
		WindowStart:    window.WindowStart,
		LimitPerMinute: window.LimitPerMinute,
	})
}

// BreakerStats は全サーキットブレーカーの状態を返す。
// GET /api/breakers
func (h *QueueHandler) BreakerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.BreakerStats())
}

// ResetBreaker はサーキットを強制的に閉じる（運用オーバーライド）。
// POST /api/breakers/:platform/reset
func (h *QueueHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	h.service.ResetBreaker(platform)
	w.WriteHeader(http.StatusNoContent)
}

// --- ヘルパー関数 ---

// toQueueItemResponse はmodel.QueueItemからAPIレスポンスに変換する。
func toQueueItemResponse(item *model.QueueItem) queueItemResponse {
	return queueItemResponse{
		ID:           item.ID,
		ProductID:    item.ProductID,
		Platform:     item.Platform,
		Status:       string(item.Status),
		Priority:     item.Priority,
		RetryCount:   item.RetryCount,
		MaxRetries:   item.MaxRetries,
		ScheduledFor: item.ScheduledFor,
		ExternalID:   item.ExternalID,
		ExternalURL:  item.ExternalURL,
		ErrorMessage: item.ErrorMessage,
		PublishedAt:  item.PublishedAt,
		CreatedAt:    item.CreatedAt,
		UpdatedAt:    item.UpdatedAt,
	}
}

// toQueueItemResponses はアイテムのスライスをAPIレスポンスに変換する。
func toQueueItemResponses(items []*model.QueueItem) []queueItemResponse {
	responses := make([]queueItemResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, toQueueItemResponse(item))
	}
	return responses
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeItemNotFound:
		return http.StatusNotFound
	case model.ErrCodeUnknownPlatform:
		return http.StatusUnprocessableEntity
	case model.ErrCodeInvalidTransition:
		return http.StatusConflict
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
