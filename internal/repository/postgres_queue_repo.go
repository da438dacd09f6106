package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/storepub/internal/model"
)

// PostgresQueueRepo はPostgreSQLを使用した公開キューリポジトリ。
type PostgresQueueRepo struct {
	db *sql.DB
}

// NewPostgresQueueRepo はPostgresQueueRepoを生成する。
func NewPostgresQueueRepo(db *sql.DB) *PostgresQueueRepo {
	return &PostgresQueueRepo{db: db}
}

// queueColumns はpublish_queueテーブルのSELECT対象カラム。
const queueColumns = `id, product_id, platform, status, priority, retry_count, max_retries,
        scheduled_for, external_id, external_url, error_message, published_at,
        created_at, updated_at`

// Insert はキューアイテムを1件作成する。
func (r *PostgresQueueRepo) Insert(ctx context.Context, item *model.QueueItem) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO publish_queue (id, product_id, platform, status, priority,
		                            retry_count, max_retries, scheduled_for,
		                            external_id, external_url, error_message,
		                            published_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		item.ID, item.ProductID, item.Platform, item.Status, item.Priority,
		item.RetryCount, item.MaxRetries, nullTime(item.ScheduledFor),
		nullString(item.ExternalID), nullString(item.ExternalURL),
		nullString(item.ErrorMessage), nullTime(item.PublishedAt),
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("キューアイテムの作成に失敗しました: %w", err)
	}
	return nil
}

// InsertBatch は複数のキューアイテムを同一トランザクションで作成する。
func (r *PostgresQueueRepo) InsertBatch(ctx context.Context, items []*model.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO publish_queue (id, product_id, platform, status, priority,
			                            retry_count, max_retries, scheduled_for,
			                            external_id, external_url, error_message,
			                            published_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			item.ID, item.ProductID, item.Platform, item.Status, item.Priority,
			item.RetryCount, item.MaxRetries, nullTime(item.ScheduledFor),
			nullString(item.ExternalID), nullString(item.ExternalURL),
			nullString(item.ErrorMessage), nullTime(item.PublishedAt),
			item.CreatedAt, item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("キューアイテムの一括作成に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresQueueRepo) FindByID(ctx context.Context, id string) (*model.QueueItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM publish_queue WHERE id = $1`, id)

	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キューアイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// listDueQuery はディスパッチ対象の選択クエリ。
// 優先度の高い順、同一優先度では作成の古い順に取得することで、
// 高優先度アイテムを先行させつつ後続アイテムの飢餓を防ぐ。
const listDueQuery = `SELECT ` + queueColumns + `
	 FROM publish_queue
	 WHERE (status = 'pending'
	        OR (status = 'failed' AND retry_count < max_retries))
	   AND (scheduled_for IS NULL OR scheduled_for <= now())
	 ORDER BY priority DESC, created_at ASC
	 LIMIT $1
	 FOR UPDATE SKIP LOCKED`

// ListDue はディスパッチ対象のアイテムを取得する。
// pending、またはfailedかつリトライ上限未満のアイテムを対象とし、
// priority DESC, created_at ASCの順で取得する。
func (r *PostgresQueueRepo) ListDue(ctx context.Context, limit int) ([]*model.QueueItem, error) {
	rows, err := r.db.QueryContext(ctx, listDueQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("ディスパッチ対象アイテムの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ディスパッチ対象アイテムの読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ディスパッチ対象アイテムの走査に失敗しました: %w", err)
	}

	return items, nil
}

// UpdateState はアイテムの状態遷移を永続化する。
func (r *PostgresQueueRepo) UpdateState(ctx context.Context, item *model.QueueItem) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE publish_queue SET
		    status = $2,
		    retry_count = $3,
		    scheduled_for = $4,
		    external_id = $5,
		    external_url = $6,
		    error_message = $7,
		    published_at = $8,
		    updated_at = now()
		 WHERE id = $1`,
		item.ID,
		item.Status,
		item.RetryCount,
		nullTime(item.ScheduledFor),
		nullString(item.ExternalID),
		nullString(item.ExternalURL),
		nullString(item.ErrorMessage),
		nullTime(item.PublishedAt),
	)
	if err != nil {
		return fmt.Errorf("キューアイテム状態の更新に失敗しました: %w", err)
	}
	return nil
}

// CountByStatus は状態別のアイテム件数を返す。
func (r *PostgresQueueRepo) CountByStatus(ctx context.Context) (*model.QueueStats, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, count(*) FROM publish_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("キュー統計の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	stats := &model.QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("キュー統計の読み取りに失敗しました: %w", err)
		}

		switch model.QueueStatus(status) {
		case model.QueueStatusPending:
			stats.Pending = count
		case model.QueueStatusProcessing:
			stats.Processing = count
		case model.QueueStatusPublished:
			stats.Published = count
		case model.QueueStatusFailed:
			stats.Failed = count
		case model.QueueStatusRejected:
			stats.Rejected = count
		}
		stats.Total += count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キュー統計の走査に失敗しました: %w", err)
	}

	return stats, nil
}

// RequeueStaleProcessing は猶予期間を超えてprocessingのまま残っている
// アイテムをpendingに戻し、戻した件数を返す。冪等。
func (r *PostgresQueueRepo) RequeueStaleProcessing(ctx context.Context, gracePeriod time.Duration) (int64, error) {
	interval := fmt.Sprintf("%d seconds", int(gracePeriod.Seconds()))

	result, err := r.db.ExecContext(ctx,
		`UPDATE publish_queue SET
		    status = 'pending',
		    scheduled_for = NULL,
		    updated_at = now()
		 WHERE status = 'processing'
		   AND updated_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		return 0, fmt.Errorf("停滞アイテムの再キューに失敗しました: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("再キュー件数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通Scanインターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanQueueItem は1行をQueueItemに読み取る。
func scanQueueItem(row rowScanner) (*model.QueueItem, error) {
	item := &model.QueueItem{}
	var scheduledFor, publishedAt sql.NullTime
	var externalID, externalURL, errorMessage sql.NullString

	err := row.Scan(
		&item.ID, &item.ProductID, &item.Platform, &item.Status,
		&item.Priority, &item.RetryCount, &item.MaxRetries,
		&scheduledFor, &externalID, &externalURL, &errorMessage,
		&publishedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.ScheduledFor = nullTimeValue(scheduledFor)
	item.PublishedAt = nullTimeValue(publishedAt)
	item.ExternalID = nullStringValue(externalID)
	item.ExternalURL = nullStringValue(externalURL)
	item.ErrorMessage = nullStringValue(errorMessage)

	return item, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime は*time.Timeをsql.NullTimeに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullTimeValue はsql.NullTimeから*time.Timeを取得する。
func nullTimeValue(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}

// compile-time interface check
var _ QueueRepository = (*PostgresQueueRepo)(nil)
