// Package cleanup は終了状態のキューアイテムの自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過したpublished/rejectedのアイテムを
// 日次バッチで削除する。失敗アイテムは調査対象のため削除しない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Job は保持期間を超過した終了状態アイテムの自動削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type Job struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 終了状態アイテムの保持日数（デフォルト: 90）
}

// NewJob は新しいJobを生成する。
// デフォルトの保持日数は90日。
func NewJob(db Executor, logger *slog.Logger) *Job {
	return &Job{
		db:            db,
		logger:        logger,
		RetentionDays: 90,
	}
}

// Run は保持期間を超過した終了状態のアイテムを削除する。
// statusがpublishedまたはrejectedで、updated_atがRetentionDays日前より
// 古いアイテムをDELETEする。pending/processing/failedは対象外。
// RetentionDaysが0以下の場合は何もしない（自動削除は明示的に有効化する）。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *Job) Run(ctx context.Context) error {
	if j.RetentionDays <= 0 {
		return nil
	}

	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM publish_queue
		WHERE status IN ('published', 'rejected')
		  AND updated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("キュークリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("キュークリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("キュークリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は指定された間隔でクリーンアップジョブを定期実行する。
// 起動直後に1回実行し、以降はintervalごとに実行する。
// ctxがキャンセルされると停止する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの初回実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
