// Package connector は外部プラットフォームへの公開コネクタを定義する。
// レジリエンスコアはPublish能力のみに依存し、各ベンダー固有の
// 変換ロジックはコネクタ実装側の責務となる。
package connector

import (
	"context"
	"sync"

	"github.com/hitoshi/storepub/internal/model"
)

// Connector は1つのプラットフォームへの公開能力を表す。
type Connector interface {
	// Publish は指定商品をプラットフォームへ公開する。
	// 失敗時はリトライ実行器の分類器が検査できるよう、
	// 機械可読なKindを持つmodel.PublishErrorを返すこと。
	Publish(ctx context.Context, productID string) (*model.PublishResult, error)

	// Connected はプラットフォーム接続が有効かを返す。
	Connected(ctx context.Context) bool
}

// Registry はプラットフォームキーとコネクタの対応を管理する。
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry は新しいRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
	}
}

// Register はプラットフォームキーにコネクタを登録する。
// 同じキーへの再登録は上書きとなる。
func (r *Registry) Register(platform string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[platform] = c
}

// Get は指定プラットフォームのコネクタを取得する。
func (r *Registry) Get(platform string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[platform]
	return c, ok
}

// Known は指定プラットフォームが登録済みかを返す。
// キューへの投入時のバリデーションに使用する。
func (r *Registry) Known(platform string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connectors[platform]
	return ok
}

// Platforms は登録済みの全プラットフォームキーを返す。
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]string, 0, len(r.connectors))
	for p := range r.connectors {
		platforms = append(platforms, p)
	}
	return platforms
}
