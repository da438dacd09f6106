package queue

import (
	"context"
	"log/slog"
	"time"
)

// Processor はキューティックの実行インターフェース。
type Processor interface {
	// ProcessPending はディスパッチ対象のアイテムを1回分処理する。
	ProcessPending(ctx context.Context) (*TickResult, error)
}

// Scheduler はキューティックの周期実行を行う。
// コンテキストのキャンセルが処理停止の唯一の手段であり、
// 停止後のアイテムは次回起動時のリカバリスイープで回収される。
type Scheduler struct {
	processor Processor
	logger    *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(processor Processor, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		processor: processor,
		logger:    logger,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("キュースケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if _, err := s.processor.ProcessPending(ctx); err != nil {
		s.logger.Error("キューティックの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("キュースケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.processor.ProcessPending(ctx); err != nil {
				s.logger.Error("キューティックの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
