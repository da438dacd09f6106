package model

import (
	"errors"
	"fmt"
)

// ErrorKind は公開エラーの機械可読な分類を表す。
// コネクタ層が設定し、リトライ実行器の分類器はこのタグのみで判定する。
type ErrorKind string

const (
	// ErrorKindTransient は一時的なエラー（ネットワーク断、タイムアウト、5xx）。
	// リトライにより回復する可能性がある。
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindPermanent は恒久的なエラー（バリデーション失敗、未接続など）。
	// リトライしても回復しないため即座に失敗として扱う。
	ErrorKindPermanent ErrorKind = "permanent"
	// ErrorKindRateLimited は相手側のレート制限（HTTP 429）。
	ErrorKindRateLimited ErrorKind = "rate_limited"
)

// PublishError は公開処理の失敗を分類付きで表す。
type PublishError struct {
	Kind       ErrorKind
	Message    string
	HTTPStatus int // HTTPレスポンス起因の場合のステータスコード。0は非HTTP。
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *PublishError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("[%s] %s (HTTP %d)", e.Kind, e.Message, e.HTTPStatus)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap はラップされた元のエラーを返す。
func (e *PublishError) Unwrap() error {
	return e.Err
}

// NewTransientError は一時的エラーを生成する。
func NewTransientError(message string, err error) *PublishError {
	return &PublishError{Kind: ErrorKindTransient, Message: message, Err: err}
}

// NewPermanentError は恒久的エラーを生成する。
func NewPermanentError(message string, err error) *PublishError {
	return &PublishError{Kind: ErrorKindPermanent, Message: message, Err: err}
}

// NewHTTPError はHTTPステータスコードからPublishErrorを生成する。
// 429はrate_limited、5xxはtransient、それ以外の4xxはpermanentに分類する。
func NewHTTPError(statusCode int, message string) *PublishError {
	kind := ErrorKindPermanent
	switch {
	case statusCode == 429:
		kind = ErrorKindRateLimited
	case statusCode >= 500:
		kind = ErrorKindTransient
	}
	return &PublishError{Kind: kind, Message: message, HTTPStatus: statusCode}
}

// KindOf はエラーからErrorKindを取り出す。
// PublishErrorでない場合は安全側に倒してpermanentを返す。
func KindOf(err error) ErrorKind {
	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		return pubErr.Kind
	}
	return ErrorKindPermanent
}

// IsRetryable はエラーがリトライ可能かを判定する。
// transientとrate_limitedのみリトライ可能とする。
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrorKindTransient, ErrorKindRateLimited:
		return true
	default:
		return false
	}
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, queue, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeItemNotFound      = "ITEM_NOT_FOUND"
	ErrCodeUnknownPlatform   = "UNKNOWN_PLATFORM"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
)

// NewItemNotFoundError はキューアイテム未検出エラーを生成する。
func NewItemNotFoundError(itemID string) *APIError {
	return &APIError{
		Code:     ErrCodeItemNotFound,
		Message:  fmt.Sprintf("指定されたキューアイテムが見つかりません: %s", itemID),
		Category: "queue",
		Action:   "アイテムIDを確認してください。",
	}
}

// NewUnknownPlatformError は未登録プラットフォームエラーを生成する。
func NewUnknownPlatformError(platform string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownPlatform,
		Message:  fmt.Sprintf("未登録のプラットフォームです: %s", platform),
		Category: "validation",
		Action:   "接続済みのプラットフォームキーを指定してください。",
	}
}

// NewInvalidTransitionError は不正な状態遷移エラーを生成する。
func NewInvalidTransitionError(from QueueStatus, operation string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("状態 %s のアイテムに対して %s は実行できません。", from, operation),
		Category: "queue",
		Action:   "アイテムの現在の状態を確認してから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}
