// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// クライアントに返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, feed, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeFeedNotFound  = "FEED_NOT_FOUND"
	ErrCodeEventNotFound = "EVENT_NOT_FOUND"
	ErrCodeInvalidScope  = "INVALID_SCOPE"
	ErrCodeRateLimit     = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// NewFeedNotFoundError はカタログに存在しないフィード名に対するエラーを生成する。
func NewFeedNotFoundError(feedName string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotFound,
		Message:  fmt.Sprintf("指定されたフィードが見つかりません: %s", feedName),
		Category: "feed",
		Action:   "フィード名を確認してください。利用可能なフィードは /api/feeds で確認できます。",
	}
}

// NewEventNotFoundError はイベント未検出エラーを生成する。
func NewEventNotFoundError(uniqueID string) *APIError {
	return &APIError{
		Code:     ErrCodeEventNotFound,
		Message:  fmt.Sprintf("指定されたイベントが見つかりません: %s", uniqueID),
		Category: "feed",
		Action:   "イベントIDを確認してください。",
	}
}

// NewInvalidScopeError は無効な表示範囲エラーを生成する。
func NewInvalidScopeError(scope string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidScope,
		Message:  fmt.Sprintf("無効な表示範囲です: %s", scope),
		Category: "validation",
		Action:   "scopeには all、upcoming、past のいずれかを指定してください。",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimit,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ出力する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// ErrInvariantViolation はストアの一意性制約が破られていることを表す。
// 重複は自動で解消せず、呼び出し元にそのまま返す。
var ErrInvariantViolation = errors.New("ストアの整合性が失われています")

// DuplicateFeedError は同名のフィードレコードが複数存在する場合のエラー。
type DuplicateFeedError struct {
	FeedName string
	Count    int
}

func (e *DuplicateFeedError) Error() string {
	return fmt.Sprintf("フィード %q のレコードが%d件存在します", e.FeedName, e.Count)
}

// Is はErrInvariantViolationとの比較を可能にする。
func (e *DuplicateFeedError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// DuplicateEventError は同じユニークIDのイベントが複数存在する場合のエラー。
type DuplicateEventError struct {
	UniqueID string
	Count    int
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("イベント %q のレコードが%d件存在します", e.UniqueID, e.Count)
}

// Is はErrInvariantViolationとの比較を可能にする。
func (e *DuplicateEventError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// FetchError はフィード一覧またはイベントの取得失敗を表す。
type FetchError struct {
	Op      string // "list" または "fetch"
	Locator string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Locator, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
