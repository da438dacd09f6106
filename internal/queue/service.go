// Package queue は公開ジョブの優先度付きキューとディスパッチ処理を提供する。
// レート制限・サーキットブレーカー・リトライ実行器を組み合わせ、
// 外部プラットフォームへの公開を周期ティックで進行させる。
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/storepub/internal/breaker"
	"github.com/hitoshi/storepub/internal/connector"
	"github.com/hitoshi/storepub/internal/model"
	"github.com/hitoshi/storepub/internal/ratelimit"
	"github.com/hitoshi/storepub/internal/repository"
	"github.com/hitoshi/storepub/internal/retry"
)

// publishEndpoint はレート制限ウィンドウのエンドポイントキー。
const publishEndpoint = "publish"

const (
	defaultPriority = 5
	minPriority     = 1
	maxPriority     = 10
)

// MetricsRecorder はキュー処理のメトリクス収集のインターフェース。
type MetricsRecorder interface {
	RecordPublishSuccess(platform string)
	RecordPublishFailure(platform string, kind string)
	RecordRetry(platform string)
	RecordRateLimitDeferral(platform string)
	RecordCircuitOpen(platform string)
	RecordTickDuration(duration time.Duration)
	SetQueueDepth(stats *model.QueueStats)
	SetBreakerStates(stats []breaker.Stats)
}

// NopRecorder は何も記録しないMetricsRecorder実装。
type NopRecorder struct{}

func (NopRecorder) RecordPublishSuccess(platform string)              {}
func (NopRecorder) RecordPublishFailure(platform string, kind string) {}
func (NopRecorder) RecordRetry(platform string)                       {}
func (NopRecorder) RecordRateLimitDeferral(platform string)           {}
func (NopRecorder) RecordCircuitOpen(platform string)                 {}
func (NopRecorder) RecordTickDuration(duration time.Duration)         {}
func (NopRecorder) SetQueueDepth(stats *model.QueueStats)             {}
func (NopRecorder) SetBreakerStates(stats []breaker.Stats)            {}

// Config はキュー処理のパラメータを保持する。
type Config struct {
	// BatchSize は1ティックで取得する最大アイテム数。
	BatchSize int
	// MaxRetries はアイテムごとのディスパッチ失敗のリトライ上限。
	MaxRetries int
	// InitialDelay は失敗アイテム再スケジュールの初期遅延。
	InitialDelay time.Duration
	// BackoffMultiplier は再スケジュール遅延の倍率。
	BackoffMultiplier float64
	// MaxDelay は再スケジュール遅延の上限。
	MaxDelay time.Duration

	// RetryMaxAttempts以下は1回のディスパッチ内での短期リトライの設定。
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// PlatformLimits はプラットフォーム別の分あたり公開上限。
	// 未設定のプラットフォームはDefaultRateLimitを使用する。
	PlatformLimits   map[string]int
	DefaultRateLimit int
}

// applyDefaults はゼロ値のフィールドをデフォルト値で埋める。
func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 1 * time.Minute
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 1 * time.Hour
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 1 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.DefaultRateLimit <= 0 {
		c.DefaultRateLimit = 30
	}
}

// TickResult は1ティックの処理結果を表す。
type TickResult struct {
	Processed int `json:"processed"` // ディスパッチを試行した件数
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"` // レート制限・サーキット遮断による持ち越し件数
}

// Service は公開キューの投入・ディスパッチ・状態遷移を管理する。
type Service struct {
	repo       repository.QueueRepository
	limiter    *ratelimit.Limiter
	breakers   *breaker.Registry
	connectors *connector.Registry
	metrics    MetricsRecorder
	logger     *slog.Logger
	cfg        Config

	// processing はティックの多重実行を防ぐガード。
	processing atomic.Bool

	// now はテストで時刻を注入するためのフック。
	now func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// metricsがnilの場合はNopRecorderを使用する。
func NewService(
	repo repository.QueueRepository,
	limiter *ratelimit.Limiter,
	breakers *breaker.Registry,
	connectors *connector.Registry,
	metrics MetricsRecorder,
	logger *slog.Logger,
	cfg Config,
) *Service {
	if metrics == nil {
		metrics = NopRecorder{}
	}
	cfg.applyDefaults()

	return &Service{
		repo:       repo,
		limiter:    limiter,
		breakers:   breakers,
		connectors: connectors,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Add は1商品を指定プラットフォーム群へ公開するジョブをキューへ投入する。
// プラットフォームごとに独立したアイテムを作成し、同一トランザクションで永続化する。
// priorityが0の場合はデフォルト値5、範囲外の場合は1〜10に丸められる。
func (s *Service) Add(ctx context.Context, productID string, platforms []string, priority int) ([]*model.QueueItem, error) {
	if productID == "" {
		return nil, model.NewInvalidRequestError("product_idが指定されていません")
	}
	if len(platforms) == 0 {
		return nil, model.NewInvalidRequestError("公開先プラットフォームが指定されていません")
	}
	for _, p := range platforms {
		if !s.connectors.Known(p) {
			return nil, model.NewUnknownPlatformError(p)
		}
	}

	priority = clampPriority(priority)
	now := s.now()

	items := make([]*model.QueueItem, 0, len(platforms))
	for _, p := range platforms {
		items = append(items, &model.QueueItem{
			ID:         uuid.New().String(),
			ProductID:  productID,
			Platform:   p,
			Status:     model.QueueStatusPending,
			Priority:   priority,
			MaxRetries: s.cfg.MaxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	// 単一アイテムはトランザクションを要しないため単発INSERTを使用する
	if len(items) == 1 {
		if err := s.repo.Insert(ctx, items[0]); err != nil {
			return nil, err
		}
	} else if err := s.repo.InsertBatch(ctx, items); err != nil {
		return nil, err
	}

	s.logger.Info("キューへジョブを投入しました",
		slog.String("product_id", productID),
		slog.Int("item_count", len(items)),
		slog.Int("priority", priority),
	)

	return items, nil
}

// AddBatch は複数商品をまとめてキューへ投入する。
// 全商品×全プラットフォームのアイテムを同一トランザクションで作成する。
func (s *Service) AddBatch(ctx context.Context, productIDs []string, platforms []string, priority int) ([]*model.QueueItem, error) {
	if len(productIDs) == 0 {
		return nil, model.NewInvalidRequestError("product_idsが指定されていません")
	}
	if len(platforms) == 0 {
		return nil, model.NewInvalidRequestError("公開先プラットフォームが指定されていません")
	}
	for _, p := range platforms {
		if !s.connectors.Known(p) {
			return nil, model.NewUnknownPlatformError(p)
		}
	}

	priority = clampPriority(priority)
	now := s.now()

	items := make([]*model.QueueItem, 0, len(productIDs)*len(platforms))
	for _, productID := range productIDs {
		if productID == "" {
			return nil, model.NewInvalidRequestError("空のproduct_idが含まれています")
		}
		for _, p := range platforms {
			items = append(items, &model.QueueItem{
				ID:         uuid.New().String(),
				ProductID:  productID,
				Platform:   p,
				Status:     model.QueueStatusPending,
				Priority:   priority,
				MaxRetries: s.cfg.MaxRetries,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
	}

	if err := s.repo.InsertBatch(ctx, items); err != nil {
		return nil, err
	}

	s.logger.Info("キューへジョブを一括投入しました",
		slog.Int("product_count", len(productIDs)),
		slog.Int("item_count", len(items)),
		slog.Int("priority", priority),
	)

	return items, nil
}

// Get は指定IDのキューアイテムを取得する。
func (s *Service) Get(ctx context.Context, id string) (*model.QueueItem, error) {
	item, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, model.NewItemNotFoundError(id)
	}
	return item, nil
}

// ProcessPending はディスパッチ対象のアイテムを1回分処理する。
// 前回のティックが実行中の場合は何もせずに戻る（多重実行防止）。
// アイテムは優先度降順・作成日時昇順で逐次処理され、レート制限の拒否と
// サーキット遮断はリトライ予算を消費しない持ち越しとして扱われる。
func (s *Service) ProcessPending(ctx context.Context) (*TickResult, error) {
	if !s.processing.CompareAndSwap(false, true) {
		s.logger.Warn("前回のティックが実行中のためスキップします")
		return &TickResult{}, nil
	}
	defer s.processing.Store(false)

	start := s.now()

	items, err := s.repo.ListDue(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	result := &TickResult{}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		outcome := s.processItem(ctx, item)
		switch outcome {
		case outcomeSucceeded:
			result.Processed++
			result.Succeeded++
		case outcomeFailed:
			result.Processed++
			result.Failed++
		case outcomeSkipped:
			result.Skipped++
		}
	}

	duration := time.Since(start)
	s.metrics.RecordTickDuration(duration)

	if stats, err := s.repo.CountByStatus(ctx); err == nil {
		s.metrics.SetQueueDepth(stats)
	}
	s.metrics.SetBreakerStates(s.breakers.StatsAll())

	if result.Processed > 0 || result.Skipped > 0 {
		s.logger.Info("キューティックが完了しました",
			slog.Int("processed", result.Processed),
			slog.Int("succeeded", result.Succeeded),
			slog.Int("failed", result.Failed),
			slog.Int("skipped", result.Skipped),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	}

	return result, nil
}

// outcome は1アイテムのディスパッチ結果の内部分類。
type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

// processItem は1アイテムのディスパッチを実行し、状態遷移を永続化する。
// レート制限の拒否とサーキット遮断の場合、アイテムはretry_countと
// scheduled_forを変更されずに次のティックへ持ち越される。
func (s *Service) processItem(ctx context.Context, item *model.QueueItem) outcome {
	limit := s.limitFor(item.Platform)

	allowed, err := s.limiter.Allow(ctx, item.Platform, publishEndpoint, limit)
	if err != nil {
		s.logger.Error("レート制限の判定に失敗しました",
			slog.String("item_id", item.ID),
			slog.String("platform", item.Platform),
			slog.String("error", err.Error()),
		)
		return outcomeSkipped
	}
	if !allowed {
		s.metrics.RecordRateLimitDeferral(item.Platform)
		s.logger.Info("レート制限によりアイテムを持ち越します",
			slog.String("item_id", item.ID),
			slog.String("platform", item.Platform),
			slog.Int("limit_per_minute", limit),
		)
		return outcomeSkipped
	}

	item.Status = model.QueueStatusProcessing
	item.UpdatedAt = s.now()
	if err := s.repo.UpdateState(ctx, item); err != nil {
		s.logger.Error("アイテムの処理中状態への遷移に失敗しました",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return outcomeSkipped
	}

	result, err := s.dispatch(ctx, item)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// シャットダウン等による中断はアイテム固有の失敗ではないため、
			// リトライ予算を消費せずにpendingへ戻す。
			// 復元の書き込みはキャンセル済みコンテキストでも実行する
			s.logger.Warn("処理の中断によりアイテムを持ち越します",
				slog.String("item_id", item.ID),
				slog.String("platform", item.Platform),
			)
			item.Status = model.QueueStatusPending
			item.UpdatedAt = s.now()
			s.updateState(context.WithoutCancel(ctx), item)
			return outcomeSkipped
		}

		if errors.Is(err, breaker.ErrCircuitOpen) {
			// サーキット遮断はアイテム固有の失敗ではないため、
			// リトライ予算を消費せずにpendingへ戻す
			s.metrics.RecordCircuitOpen(item.Platform)
			s.logger.Warn("サーキット遮断によりアイテムを持ち越します",
				slog.String("item_id", item.ID),
				slog.String("platform", item.Platform),
			)
			item.Status = model.QueueStatusPending
			item.UpdatedAt = s.now()
			s.updateState(ctx, item)
			return outcomeSkipped
		}

		s.applyFailure(item, err)
		s.updateState(ctx, item)
		s.metrics.RecordPublishFailure(item.Platform, string(model.KindOf(err)))
		s.logger.Error("アイテムの公開に失敗しました",
			slog.String("item_id", item.ID),
			slog.String("product_id", item.ProductID),
			slog.String("platform", item.Platform),
			slog.String("kind", string(model.KindOf(err))),
			slog.Int("retry_count", item.RetryCount),
			slog.String("error", err.Error()),
		)
		return outcomeFailed
	}

	now := s.now()
	item.Status = model.QueueStatusPublished
	item.ExternalID = result.ExternalID
	item.ExternalURL = result.ExternalURL
	item.ErrorMessage = ""
	item.PublishedAt = &now
	item.UpdatedAt = now
	s.updateState(ctx, item)

	s.metrics.RecordPublishSuccess(item.Platform)
	s.logger.Info("アイテムを公開しました",
		slog.String("item_id", item.ID),
		slog.String("product_id", item.ProductID),
		slog.String("platform", item.Platform),
		slog.String("external_id", result.ExternalID),
	)
	return outcomeSucceeded
}

// dispatch はコネクタによる公開をサーキットブレーカーと
// リトライ実行器を経由して実行する。
func (s *Service) dispatch(ctx context.Context, item *model.QueueItem) (*model.PublishResult, error) {
	conn, ok := s.connectors.Get(item.Platform)
	if !ok {
		return nil, model.NewPermanentError("未登録のプラットフォームです: "+item.Platform, nil)
	}
	if !conn.Connected(ctx) {
		return nil, model.NewPermanentError("プラットフォーム接続が無効です: "+item.Platform, nil)
	}

	opts := retry.Options{
		MaxAttempts: s.cfg.RetryMaxAttempts,
		BaseDelay:   s.cfg.RetryBaseDelay,
		MaxDelay:    s.cfg.RetryMaxDelay,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			s.metrics.RecordRetry(item.Platform)
			s.logger.Warn("公開をリトライします",
				slog.String("item_id", item.ID),
				slog.String("platform", item.Platform),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		},
	}

	var result *model.PublishResult
	err := s.breakers.Execute(ctx, item.Platform, func(ctx context.Context) error {
		return retry.Do(ctx, opts, func(ctx context.Context) error {
			var pubErr error
			result, pubErr = conn.Publish(ctx, item.ProductID)
			return pubErr
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyFailure は失敗結果をアイテムの状態に反映する。
// 一時的エラーはリトライ予算が残っていればバックオフ付きで再スケジュールし、
// 恒久エラーは予算を残さずに終端化する。
func (s *Service) applyFailure(item *model.QueueItem, err error) {
	item.Status = model.QueueStatusFailed
	item.ErrorMessage = err.Error()
	item.UpdatedAt = s.now()

	if model.KindOf(err) == model.ErrorKindPermanent {
		// 恒久エラーはリトライしても回復しないため予算を使い切った扱いとする
		item.RetryCount = item.MaxRetries
		item.ScheduledFor = nil
		return
	}

	item.RetryCount++
	if item.RetryCount >= item.MaxRetries {
		item.ScheduledFor = nil
		return
	}

	next := s.now().Add(s.itemBackoff(item.RetryCount))
	item.ScheduledFor = &next
}

// itemBackoff はretryCount回目の失敗後の再スケジュール遅延を計算する。
// initialDelay * multiplier^(retryCount-1) をmaxDelayで打ち切る。
func (s *Service) itemBackoff(retryCount int) time.Duration {
	delay := s.cfg.InitialDelay
	for i := 1; i < retryCount; i++ {
		delay = time.Duration(float64(delay) * s.cfg.BackoffMultiplier)
		if delay >= s.cfg.MaxDelay {
			return s.cfg.MaxDelay
		}
	}
	if delay > s.cfg.MaxDelay {
		return s.cfg.MaxDelay
	}
	return delay
}

// updateState は状態遷移を永続化する。失敗はログに記録して継続する。
func (s *Service) updateState(ctx context.Context, item *model.QueueItem) {
	if err := s.repo.UpdateState(ctx, item); err != nil {
		s.logger.Error("アイテム状態の永続化に失敗しました",
			slog.String("item_id", item.ID),
			slog.String("status", string(item.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// Cancel はアイテムをキャンセルしてrejected状態へ遷移させる。
// pendingまたはfailedのアイテムのみキャンセルできる。
// processing・published・rejectedのアイテムに対してはエラーを返す。
func (s *Service) Cancel(ctx context.Context, id string) (*model.QueueItem, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if item.Status != model.QueueStatusPending && item.Status != model.QueueStatusFailed {
		return nil, model.NewInvalidTransitionError(item.Status, "キャンセル")
	}

	item.Status = model.QueueStatusRejected
	item.UpdatedAt = s.now()
	if err := s.repo.UpdateState(ctx, item); err != nil {
		return nil, err
	}

	s.logger.Info("アイテムをキャンセルしました",
		slog.String("item_id", item.ID),
		slog.String("product_id", item.ProductID),
		slog.String("platform", item.Platform),
	)
	return item, nil
}

// Retry は失敗したアイテムを手動で再キューする。
// failedのアイテムのみ対象とし、リトライ予算をリセットして
// 次のティックで即時処理できる状態へ戻す。
func (s *Service) Retry(ctx context.Context, id string) (*model.QueueItem, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if item.Status != model.QueueStatusFailed {
		return nil, model.NewInvalidTransitionError(item.Status, "再実行")
	}

	item.Status = model.QueueStatusPending
	item.RetryCount = 0
	item.ScheduledFor = nil
	item.ErrorMessage = ""
	item.UpdatedAt = s.now()
	if err := s.repo.UpdateState(ctx, item); err != nil {
		return nil, err
	}

	s.logger.Info("アイテムを再キューしました",
		slog.String("item_id", item.ID),
		slog.String("product_id", item.ProductID),
		slog.String("platform", item.Platform),
	)
	return item, nil
}

// Stats はキューの状態別件数を返す。
func (s *Service) Stats(ctx context.Context) (*model.QueueStats, error) {
	return s.repo.CountByStatus(ctx)
}

// RateLimitStatus は指定プラットフォームのレート制限ウィンドウの状態を返す。
func (s *Service) RateLimitStatus(ctx context.Context, platform, endpoint string) (*model.RateLimitWindow, error) {
	if endpoint == "" {
		endpoint = publishEndpoint
	}
	return s.limiter.Status(ctx, platform, endpoint)
}

// BreakerStats は全プラットフォームのサーキットブレーカーの状態を返す。
func (s *Service) BreakerStats() []breaker.Stats {
	return s.breakers.StatsAll()
}

// ResetBreaker は指定プラットフォームのサーキットを強制的に閉じる（運用オーバーライド）。
func (s *Service) ResetBreaker(platform string) {
	s.breakers.Get(platform).Reset()
}

// limitFor はプラットフォームの分あたり公開上限を返す。
func (s *Service) limitFor(platform string) int {
	if limit, ok := s.cfg.PlatformLimits[platform]; ok && limit > 0 {
		return limit
	}
	return s.cfg.DefaultRateLimit
}

// clampPriority は優先度を1〜10の範囲に丸める。0の場合はデフォルト値を返す。
func clampPriority(priority int) int {
	if priority == 0 {
		return defaultPriority
	}
	if priority < minPriority {
		return minPriority
	}
	if priority > maxPriority {
		return maxPriority
	}
	return priority
}
