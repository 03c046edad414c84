// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/seminarcal/internal/model"
)

// CalendarReader はイベントキャッシュの読み取りインターフェース。
type CalendarReader interface {
	// GetFeedDownloadDate はフィードの最終取得日時を返す。
	// フィードレコードが存在しない場合、または未完了の場合はnilを返す。
	// 同名のレコードが複数ある場合はmodel.DuplicateFeedErrorを返す。
	GetFeedDownloadDate(ctx context.Context, feedName string) (*time.Time, error)

	// GetEventsBySourceLocator はlocatorから取得済みのイベントを返す。
	// レコードが存在しない場合、またはいずれかのレコードが再取得を必要とする場合はfalseを返す。
	GetEventsBySourceLocator(ctx context.Context, locator string, now time.Time, eventRefreshInterval time.Duration) ([]model.Event, bool, error)

	// GetCalendar はフィードに属する全イベントを開始時刻順（同時刻はユニークID順）で返す。
	// 未知のフィードの場合は空のスライスを返す。
	GetCalendar(ctx context.Context, feedName string) ([]model.Event, error)

	// GetSourceRecord はユニークIDでイベントレコードを取得する。見つからない場合はnilを返す。
	// 同じユニークIDのレコードが複数ある場合はmodel.DuplicateEventErrorを返す。
	GetSourceRecord(ctx context.Context, uniqueID string) (*model.SourceRecord, error)

	// ListFeeds はすべてのフィードレコードを名前順で返す。
	ListFeeds(ctx context.Context) ([]model.FeedRecord, error)
}

// CalendarWriter はイベントキャッシュの書き込みインターフェース。
// WithTxのコールバック内でのみ利用できる。
type CalendarWriter interface {
	// SetFeedDownloadDate はフィードの最終取得日時を設定する。レコードがなければ作成する。
	SetFeedDownloadDate(ctx context.Context, feedName string, at time.Time) error

	// RestoreFeedDownloadDate はフィードの最終取得日時を取得開始前の値に戻す。
	// prevがnilの場合はNULLに戻す。
	RestoreFeedDownloadDate(ctx context.Context, feedName string, prev *time.Time) error

	// SaveEvents はフィードの最終取得日時をdownloadDateに更新し、
	// 各イベントをユニークIDでUPSERTする。
	SaveEvents(ctx context.Context, downloadDate time.Time, feedName, locator string, events []model.Event) error
}

// CalendarStore はイベントキャッシュのストア。
type CalendarStore interface {
	CalendarReader

	// WithTx はfnを1つのトランザクション内で実行する。
	// fnがnilを返せばコミットし、エラー、panic、コンテキストのキャンセル時はロールバックする。
	WithTx(ctx context.Context, fn func(w CalendarWriter) error) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// DBTX は*sql.DBと*sql.Txに共通するクエリ実行のインターフェース。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Database はリポジトリが必要とするデータベースの操作。*sql.DBが実装する。
type Database interface {
	DBTX
	TxBeginner
}
