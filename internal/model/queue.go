// Package model はドメインモデルを定義する。
package model

import "time"

// QueueItem は1つの公開ジョブ（商品×プラットフォーム）を表す。
type QueueItem struct {
	ID           string
	ProductID    string
	Platform     string
	Status       QueueStatus
	Priority     int // 1〜10。大きいほど先に処理される。
	RetryCount   int
	MaxRetries   int
	ScheduledFor *time.Time // nilの場合は即時処理可能。
	ExternalID   string
	ExternalURL  string
	ErrorMessage string
	PublishedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// QueueStatus はキューアイテムの処理状態を表す。
type QueueStatus string

const (
	// QueueStatusPending は処理待ち状態。
	QueueStatusPending QueueStatus = "pending"
	// QueueStatusProcessing は処理中状態。一時的な状態であり、
	// クラッシュ後はリカバリスイープによってpendingに戻される。
	QueueStatusProcessing QueueStatus = "processing"
	// QueueStatusPublished は公開成功の終端状態。
	QueueStatusPublished QueueStatus = "published"
	// QueueStatusFailed はリトライ上限到達または恒久エラーによる失敗状態。
	QueueStatusFailed QueueStatus = "failed"
	// QueueStatusRejected はユーザーによるキャンセルの終端状態。
	// pendingまたはfailedからのみ遷移できる。
	QueueStatusRejected QueueStatus = "rejected"
)

// PublishResult は外部コネクタによる公開試行の結果を表す。
type PublishResult struct {
	Success     bool
	ExternalID  string
	ExternalURL string
	Error       string
}

// QueueStats はキューの状態別件数を表す。
//
// Failedにはバックオフ待ちでリトライ予定のアイテム（retry_count < max_retries）と、
// 予算を使い切った終端アイテムの両方が含まれる。前者は次のティック以降に
// 自動的に再ディスパッチされるため、Failedの増加が即座に要対応を意味するわけではない。
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Published  int `json:"published"`
	Failed     int `json:"failed"`
	Rejected   int `json:"rejected"`
	Total      int `json:"total"`
}

// RateLimitWindow は(platform, endpoint)ごとの固定ウィンドウカウンタを表す。
type RateLimitWindow struct {
	Platform       string
	Endpoint       string
	RequestCount   int
	WindowStart    time.Time
	LimitPerMinute int
}
