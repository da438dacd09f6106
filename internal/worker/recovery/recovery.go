// Package recovery はprocessingのまま取り残されたキューアイテムの回収ジョブを提供する。
// クラッシュやデプロイでスケジューラが中断された場合、処理中だったアイテムは
// processing状態のままデータベースに残る。このジョブは猶予期間を超過した
// アイテムをpendingへ戻し、次のティックで再処理できるようにする。
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/storepub/internal/repository"
)

// Job は取り残しアイテムの回収ジョブ。
// 起動直後に1回実行した後、周期実行される。冪等な更新処理を保証する。
type Job struct {
	repo   repository.QueueRepository
	logger *slog.Logger

	// GracePeriod はprocessing状態を取り残しと判定するまでの猶予期間。
	// 正常なディスパッチの所要時間より十分長く設定すること。
	GracePeriod time.Duration
}

// NewJob は新しいJobを生成する。
// gracePeriodが0以下の場合はデフォルト値10分を使用する。
func NewJob(repo repository.QueueRepository, logger *slog.Logger, gracePeriod time.Duration) *Job {
	if gracePeriod <= 0 {
		gracePeriod = 10 * time.Minute
	}
	return &Job{
		repo:        repo,
		logger:      logger,
		GracePeriod: gracePeriod,
	}
}

// Run は猶予期間を超過したprocessingアイテムをpendingへ戻す。
// 冪等: 対象がない場合でもエラーにならない。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	requeued, err := j.repo.RequeueStaleProcessing(ctx, j.GracePeriod)
	if err != nil {
		j.logger.Error("取り残しアイテムの回収に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("grace_period", j.GracePeriod),
		)
		return fmt.Errorf("取り残しアイテムの回収に失敗: %w", err)
	}

	duration := time.Since(start)
	if requeued > 0 {
		j.logger.Info("取り残しアイテムを回収しました",
			slog.Int64("requeued_count", requeued),
			slog.Duration("grace_period", j.GracePeriod),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	}

	return nil
}

// Start は起動直後に1回実行した後、指定間隔のティッカーで回収ジョブを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("リカバリジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("grace_period", j.GracePeriod),
	)

	// 起動直後に1回実行（前回プロセスの取り残しを即座に回収する）
	if err := j.Run(ctx); err != nil {
		j.logger.Error("リカバリジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("リカバリジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("リカバリジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
