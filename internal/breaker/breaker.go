// Package breaker は依存先ごとのサーキットブレーカーを提供する。
// 連続失敗した依存先への呼び出しを一定期間遮断することで、
// リトライ実行器による無駄な負荷と連鎖障害を防ぐ。
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen はサーキットが開いているため呼び出しを遮断したことを示す。
// 呼び出し側はこのエラーをerrors.Isで判別し、アイテム固有の失敗ではなく
// グレースフルデグラデーションとして扱うこと。
var ErrCircuitOpen = errors.New("サーキットブレーカーが開いています")

// State はサーキットブレーカーの状態を表す。
type State string

const (
	// StateClosed は通常状態。呼び出しは実行され、失敗がカウントされる。
	StateClosed State = "closed"
	// StateOpen は遮断状態。タイムアウト経過まで呼び出しを即座に拒否する。
	StateOpen State = "open"
	// StateHalfOpen は試行状態。呼び出しを通し、連続成功で復旧を判定する。
	StateHalfOpen State = "half-open"
)

// Config はサーキットブレーカーの動作パラメータを保持する。
type Config struct {
	// FailureThreshold はclosed→openに遷移する連続失敗回数。
	FailureThreshold int
	// SuccessThreshold はhalf-open→closedに遷移する連続成功回数。
	SuccessThreshold int
	// Timeout はopen→half-open遷移までのクールダウン時間。
	Timeout time.Duration
}

// DefaultConfig はデフォルトのサーキットブレーカー設定を返す。
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          1 * time.Minute,
	}
}

// Stats はサーキットブレーカーの現在の状態を表す。
// テストとダッシュボードでの観測に使用する。
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// Breaker は1つの依存先に対するサーキットブレーカー。
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	// now はテストで時刻を注入するためのフック。
	now func() time.Time
}

// New は指定された依存先名のBreakerを生成する。
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Execute は操作をサーキットブレーカー経由で実行する。
// open状態かつクールダウン未経過の場合、操作を呼び出さずにErrCircuitOpenを返す。
// クールダウン経過後の最初の呼び出しはhalf-open状態で実行される。
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)
	b.afterCall(err)
	return err
}

// beforeCall は呼び出し前の状態判定を行う。
// 遮断する場合はErrCircuitOpenを返す。
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.lastFailureTime) > b.cfg.Timeout {
			b.state = StateHalfOpen
			b.successCount = 0
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// afterCall は呼び出し結果に基づいて状態を更新する。
// 呼び出し側の中断（シャットダウン等によるコンテキストキャンセル）は
// 依存先の健全性を示さないため、成功にも失敗にもカウントしない。
func (b *Breaker) afterCall(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// onSuccess は成功時の状態遷移を行う。呼び出し元がロックを保持していること。
func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// onFailure は失敗時の状態遷移を行う。呼び出し元がロックを保持していること。
func (b *Breaker) onFailure() {
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		// half-openでの失敗は即座にopenへ戻る
		b.state = StateOpen
		b.successCount = 0
	}
}

// Reset はサーキットを強制的にclosed状態へ戻す（運用オーバーライド）。
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
}

// Stats は現在の状態とカウンタを返す。
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:            b.name,
		State:           b.state,
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
	}
}

// Registry は依存先名をキーとするサーキットブレーカーの集合を管理する。
// パッケージレベルのシングルトンではなく、キューに注入して使用する。
// テストごとに新しいRegistryを生成することでクリーンな状態から検証できる。
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry は新しいRegistryを生成する。
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get は指定された依存先名のBreakerを取得または作成する。
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Execute は指定された依存先のブレーカー経由で操作を実行する。
func (r *Registry) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, op)
}

// StatsAll は管理中の全ブレーカーの状態を返す。
func (r *Registry) StatsAll() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
