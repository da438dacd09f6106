// Package ratelimit はプラットフォーム別の固定ウィンドウレート制限を提供する。
// ウィンドウは1分間の固定区間であり、予算を使い切った呼び出し元は
// ウィンドウの残り時間を待ってから実行する（window-reset-and-wait方式）。
// トークンバケットのように許可を均等配分しないためバースト的になるが、
// ジョブディスパッチ用途では許容されるトレードオフである。
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/storepub/internal/model"
	"github.com/hitoshi/storepub/internal/repository"
)

// defaultWindowLength は固定ウィンドウの長さ（1分）。
const defaultWindowLength = time.Minute

// Limiter は(platform, endpoint)ごとの固定ウィンドウカウンタを管理する。
// インメモリのウィンドウはファストパスのキャッシュであり、
// リポジトリ経由で永続化された値が再起動後の状態復元に使用される。
// パッケージレベルのシングルトンではなく、キューに注入して使用する。
type Limiter struct {
	repo repository.RateLimitRepository

	mu      sync.Mutex
	windows map[string]*model.RateLimitWindow

	// now と window はテストで時刻とウィンドウ長を注入するためのフック。
	now    func() time.Time
	window time.Duration
}

// NewLimiter は新しいLimiterを生成する。
func NewLimiter(repo repository.RateLimitRepository) *Limiter {
	return &Limiter{
		repo:    repo,
		windows: make(map[string]*model.RateLimitWindow),
		now:     time.Now,
		window:  defaultWindowLength,
	}
}

// Allow はウィンドウに空きがあればカウンタを消費してtrueを返す。
// 空きがない場合は待機せずにfalseを返す（非ブロッキング）。
// キューのディスパッチパスはこちらを使用し、拒否されたアイテムは
// リトライ予算を消費せずに次のティックへ持ち越される。
func (l *Limiter) Allow(ctx context.Context, platform, endpoint string, limit int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.loadWindow(ctx, platform, endpoint, limit)
	if err != nil {
		return false, err
	}

	now := l.now()

	// ウィンドウが期限切れの場合は待たずに即座にリセットする
	if now.Sub(w.WindowStart) > l.window {
		w.RequestCount = 0
		w.WindowStart = now
	}

	if w.RequestCount >= limit {
		return false, nil
	}

	w.RequestCount++
	w.LimitPerMinute = limit

	if err := l.repo.UpsertWindow(ctx, w); err != nil {
		// 永続化に失敗した場合はカウンタを巻き戻して拒否する
		w.RequestCount--
		return false, err
	}

	return true, nil
}

// Consume はウィンドウに空きができるまで待機してからカウンタを消費する。
// 予算を使い切っている場合は現在のウィンドウの残り時間をスリープする。
// スリープはコンテキストのキャンセルで中断できる。
func (l *Limiter) Consume(ctx context.Context, platform, endpoint string, limit int) error {
	for {
		allowed, err := l.Allow(ctx, platform, endpoint, limit)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		wait := l.timeUntilReset(platform, endpoint)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Status は指定キーのウィンドウの現在の状態を返す（読み取り専用、予算を消費しない）。
// ウィンドウが期限切れの場合はリセット後の見え方（カウント0）を返すが、永続化はしない。
// 運用者やUIからのスロットリング状況の確認に使用する。
func (l *Limiter) Status(ctx context.Context, platform, endpoint string) (*model.RateLimitWindow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[windowKey(platform, endpoint)]
	if !ok {
		stored, err := l.repo.GetWindow(ctx, platform, endpoint)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return &model.RateLimitWindow{
				Platform:    platform,
				Endpoint:    endpoint,
				WindowStart: l.now(),
			}, nil
		}
		w = stored
		l.windows[windowKey(platform, endpoint)] = w
	}

	view := *w
	if l.now().Sub(view.WindowStart) > l.window {
		view.RequestCount = 0
		view.WindowStart = l.now()
	}
	return &view, nil
}

// loadWindow はキャッシュまたはリポジトリからウィンドウを取得する。
// どちらにも存在しない場合は新しいウィンドウを作成する。
// 呼び出し元がロックを保持していること。
func (l *Limiter) loadWindow(ctx context.Context, platform, endpoint string, limit int) (*model.RateLimitWindow, error) {
	key := windowKey(platform, endpoint)

	if w, ok := l.windows[key]; ok {
		return w, nil
	}

	stored, err := l.repo.GetWindow(ctx, platform, endpoint)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		l.windows[key] = stored
		return stored, nil
	}

	w := &model.RateLimitWindow{
		Platform:       platform,
		Endpoint:       endpoint,
		RequestCount:   0,
		WindowStart:    l.now(),
		LimitPerMinute: limit,
	}
	l.windows[key] = w
	return w, nil
}

// timeUntilReset は現在のウィンドウがリセットされるまでの時間を返す。
func (l *Limiter) timeUntilReset(platform, endpoint string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[windowKey(platform, endpoint)]
	if !ok {
		return 0
	}

	remaining := l.window - l.now().Sub(w.WindowStart)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// windowKey は(platform, endpoint)のキャッシュキーを生成する。
func windowKey(platform, endpoint string) string {
	return platform + "/" + endpoint
}
