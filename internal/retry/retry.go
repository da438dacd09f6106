// Package retry は指数バックオフ付きリトライ実行器を提供する。
// 1回のディスパッチ呼び出し内での短期リトライを担当し、
// ディスパッチ間の長期バックオフはキュー側のスケジューリングが担当する。
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"syscall"
	"time"

	"github.com/hitoshi/storepub/internal/model"
)

// Options はリトライ実行のパラメータを保持する。
type Options struct {
	// MaxAttempts は初回実行を含む最大試行回数。1以下の場合は1として扱う。
	MaxAttempts int
	// BaseDelay は初回リトライの基準遅延。
	BaseDelay time.Duration
	// MaxDelay はリトライ遅延の上限。
	MaxDelay time.Duration
	// IsRetryable はエラーがリトライ可能かを判定する。nilの場合はDefaultIsRetryableを使用する。
	IsRetryable func(error) bool
	// OnRetry はリトライ直前に呼ばれる観測フック（ログ・メトリクス用）。nil可。
	OnRetry func(err error, attempt int, delay time.Duration)
}

// Do は操作を実行し、リトライ可能な失敗時は指数バックオフを挟んで再試行する。
// 試行回数がMaxAttemptsに達するか、IsRetryableがfalseを返した時点で
// 最後のエラーをそのまま返す（恒久エラーに対する無駄なリトライを行わない）。
// バックオフ中のスリープはコンテキストのキャンセルで中断できる。
// 状態を持たない純粋な制御フローラッパーであり、副作用はOnRetryの呼び出しのみ。
func Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	isRetryable := opts.IsRetryable
	if isRetryable == nil {
		isRetryable = DefaultIsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == maxAttempts || !isRetryable(lastErr) {
			return lastErr
		}

		delay := Backoff(attempt, opts.BaseDelay, opts.MaxDelay)

		if opts.OnRetry != nil {
			opts.OnRetry(lastErr, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// Backoff はattempt回目（1始まり）の失敗後のリトライ遅延を計算する。
// base * 2^(attempt-1) に±20%のジッターを掛け、maxを上限とする。
// ジッターは多数の呼び出し元が同時にリトライするスパイクを避けるためのもの。
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > max {
			delay = max
			break
		}
	}

	// ジッター: ±20%。rand.Float64()は[0.0, 1.0)を返す。
	jitterFactor := 0.8 + (rand.Float64() * 0.4) // [0.8, 1.2)
	delay = time.Duration(float64(delay) * jitterFactor)

	if delay > max {
		delay = max
	}
	return delay
}

// DefaultIsRetryable はデフォルトのリトライ可否分類器。
// PublishErrorの場合はKindタグで判定し（transient/rate_limitedのみ可）、
// それ以外はネットワークのタイムアウト・接続リセット・接続拒否のみ可とする。
// バリデーション失敗などの恒久エラーは即座に失敗として伝播させる。
func DefaultIsRetryable(err error) bool {
	var pubErr *model.PublishError
	if errors.As(err, &pubErr) {
		return model.IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	return false
}
