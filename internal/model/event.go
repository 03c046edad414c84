package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ストアの列長に合わせた上限（文字数）。
const (
	MaxUniqueIDLength = 512
	MaxLocatorLength  = 1024
)

// ErrUnstorable はストアに保存できない値を表す。
var ErrUnstorable = errors.New("保存できない値です")

// Event はカレンダーイベントを表す値オブジェクト。
// 時刻はすべてUTCに正規化済みであることを前提とする。
type Event struct {
	UniqueID    string
	Name        string
	Description string
	Location    string
	URL         string
	Begin       time.Time
	End         time.Time
	Created     time.Time // ゼロ値は未設定
	Transparent bool
}

// Duration はイベントの長さを返す。
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Begin)
}

// IsBlank は名前と説明がともに空かどうかを返す。
func (e Event) IsBlank() bool {
	return e.Name == "" && e.Description == ""
}

// Validate はイベントをそのままストアに保存できるかを検証する。
// ユニークIDは空でなく上限以下、文字列は妥当なUTF-8でNULを含まないこと。
func (e Event) Validate() error {
	if e.UniqueID == "" {
		return fmt.Errorf("%w: ユニークIDが空です", ErrUnstorable)
	}
	if n := utf8.RuneCountInString(e.UniqueID); n > MaxUniqueIDLength {
		return fmt.Errorf("%w: ユニークIDが長すぎます (%d文字)", ErrUnstorable, n)
	}
	for _, s := range []string{e.UniqueID, e.Name, e.Description, e.Location, e.URL} {
		if !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
			return fmt.Errorf("%w: イベント %q に不正な文字列が含まれます", ErrUnstorable, e.UniqueID)
		}
	}
	return nil
}

// ValidateLocator はlocatorをストアに保存できるかを検証する。
func ValidateLocator(locator string) error {
	if n := utf8.RuneCountInString(locator); n > MaxLocatorLength {
		return fmt.Errorf("%w: locatorが長すぎます (%d文字)", ErrUnstorable, n)
	}
	if !utf8.ValidString(locator) || strings.ContainsRune(locator, 0) {
		return fmt.Errorf("%w: locatorに不正な文字列が含まれます", ErrUnstorable)
	}
	return nil
}

// CleanText は不正なUTF-8を置換文字に置き換え、NULを取り除く。
func CleanText(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

// SourceRecord はストアに永続化されたイベントとその取得情報を表す。
type SourceRecord struct {
	Event
	LastDownload  time.Time
	FeedID        string
	SourceLocator string
}

// FeedRecord はフィードごとの最終取得日時を表す。
// LastDownloadがnilの場合、完全な取得がまだ一度も完了していない。
type FeedRecord struct {
	FeedID       string
	FeedName     string
	LastDownload *time.Time
}
