package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/storepub/internal/model"
)

// PostgresRateLimitRepo はPostgreSQLを使用したレート制限ウィンドウリポジトリ。
type PostgresRateLimitRepo struct {
	db *sql.DB
}

// NewPostgresRateLimitRepo はPostgresRateLimitRepoを生成する。
func NewPostgresRateLimitRepo(db *sql.DB) *PostgresRateLimitRepo {
	return &PostgresRateLimitRepo{db: db}
}

// GetWindow は指定キーのウィンドウを取得する。見つからない場合はnilを返す。
func (r *PostgresRateLimitRepo) GetWindow(ctx context.Context, platform, endpoint string) (*model.RateLimitWindow, error) {
	window := &model.RateLimitWindow{}

	err := r.db.QueryRowContext(ctx,
		`SELECT platform, endpoint, request_count, window_start, limit_per_minute
		 FROM rate_limit_windows
		 WHERE platform = $1 AND endpoint = $2`,
		platform, endpoint,
	).Scan(
		&window.Platform, &window.Endpoint, &window.RequestCount,
		&window.WindowStart, &window.LimitPerMinute,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("レート制限ウィンドウの取得に失敗しました: %w", err)
	}

	return window, nil
}

// UpsertWindow はウィンドウを冪等にUPSERTする。
func (r *PostgresRateLimitRepo) UpsertWindow(ctx context.Context, window *model.RateLimitWindow) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO rate_limit_windows (platform, endpoint, request_count,
		                                 window_start, limit_per_minute, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (platform, endpoint) DO UPDATE SET
		    request_count = EXCLUDED.request_count,
		    window_start = EXCLUDED.window_start,
		    limit_per_minute = EXCLUDED.limit_per_minute,
		    updated_at = now()`,
		window.Platform, window.Endpoint, window.RequestCount,
		window.WindowStart, window.LimitPerMinute,
	)
	if err != nil {
		return fmt.Errorf("レート制限ウィンドウの更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ RateLimitRepository = (*PostgresRateLimitRepo)(nil)
