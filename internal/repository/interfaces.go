// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/storepub/internal/model"
)

// QueueRepository は公開キューの永続化インターフェース。
type QueueRepository interface {
	// Insert はキューアイテムを1件作成する。
	Insert(ctx context.Context, item *model.QueueItem) error

	// InsertBatch は複数のキューアイテムを同一トランザクションで作成する。
	InsertBatch(ctx context.Context, items []*model.QueueItem) error

	// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.QueueItem, error)

	// ListDue はディスパッチ対象のアイテムを取得する。
	// status = 'pending'、またはstatus = 'failed'かつretry_count < max_retriesで、
	// scheduled_forがNULLまたは現在時刻以前のアイテムを
	// priority DESC, created_at ASCの順でFOR UPDATE SKIP LOCKEDにより排他的に取得する。
	ListDue(ctx context.Context, limit int) ([]*model.QueueItem, error)

	// UpdateState はアイテムの状態遷移を永続化する。
	// status、retry_count、scheduled_for、error_message、external_id、
	// external_url、published_atを更新する。
	UpdateState(ctx context.Context, item *model.QueueItem) error

	// CountByStatus は状態別のアイテム件数を返す。
	CountByStatus(ctx context.Context) (*model.QueueStats, error)

	// RequeueStaleProcessing は猶予期間を超えてprocessingのまま残っている
	// アイテムをpendingに戻し、戻した件数を返す。
	// クラッシュしたスケジューラが取り残したアイテムの回収に使用する。
	RequeueStaleProcessing(ctx context.Context, gracePeriod time.Duration) (int64, error)
}

// RateLimitRepository はレート制限ウィンドウの永続化インターフェース。
// インメモリのウィンドウはこのリポジトリを通じて永続化され、
// プロセス再起動後の状態復元に使用される。
type RateLimitRepository interface {
	// GetWindow は指定キーのウィンドウを取得する。見つからない場合はnilを返す。
	GetWindow(ctx context.Context, platform, endpoint string) (*model.RateLimitWindow, error)

	// UpsertWindow はウィンドウを冪等にUPSERTする。
	UpsertWindow(ctx context.Context, window *model.RateLimitWindow) error
}
