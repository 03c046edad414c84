package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/seminarcal/internal/model"
	"github.com/hitoshi/seminarcal/internal/staleness"
)

// compile-time interface check
var _ CalendarStore = (*PostgresCalendarRepo)(nil)
var _ CalendarWriter = (*postgresCalendarTx)(nil)

// PostgresCalendarRepo はPostgreSQLを使用したイベントキャッシュ。
type PostgresCalendarRepo struct {
	db Database
}

// NewPostgresCalendarRepo はPostgresCalendarRepoを生成する。
func NewPostgresCalendarRepo(db Database) *PostgresCalendarRepo {
	return &PostgresCalendarRepo{db: db}
}

const eventColumns = `unique_id, feed_id, source_locator, last_download, name,
	begin_at, end_at, description, created_at, location, url, transparent`

// feedRow はfeedsテーブルの1行。
type feedRow struct {
	id           string
	lastDownload sql.NullTime
}

// findFeed はフィード名でレコードを検索する。見つからない場合はnilを返す。
// 同名のレコードが複数ある場合はmodel.DuplicateFeedErrorを返す。
func findFeed(ctx context.Context, q DBTX, feedName string) (*feedRow, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT feed_id, last_download FROM feeds WHERE feed_name = $1`,
		feedName,
	)
	if err != nil {
		return nil, fmt.Errorf("フィードの検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var found []feedRow
	for rows.Next() {
		var f feedRow
		if err := rows.Scan(&f.id, &f.lastDownload); err != nil {
			return nil, fmt.Errorf("フィードのスキャンに失敗しました: %w", err)
		}
		found = append(found, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィードの検索に失敗しました: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, &model.DuplicateFeedError{FeedName: feedName, Count: len(found)}
	}
}

// GetFeedDownloadDate はフィードの最終取得日時を返す。
func (r *PostgresCalendarRepo) GetFeedDownloadDate(ctx context.Context, feedName string) (*time.Time, error) {
	f, err := findFeed(ctx, r.db, feedName)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, nil
	}
	return nullTimePtr(f.lastDownload), nil
}

// GetEventsBySourceLocator はlocatorから取得済みのイベントを返す。
// 1件でも再取得が必要なレコードがあればキャッシュミスとして扱う。
func (r *PostgresCalendarRepo) GetEventsBySourceLocator(ctx context.Context, locator string, now time.Time, eventRefreshInterval time.Duration) ([]model.Event, bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE source_locator = $1 ORDER BY begin_at, unique_id`,
		locator,
	)
	if err != nil {
		return nil, false, fmt.Errorf("ソースURLによるイベントの検索に失敗しました: %w", err)
	}
	defer rows.Close()

	records, err := scanSourceRecords(rows)
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}

	events := make([]model.Event, 0, len(records))
	for _, rec := range records {
		if staleness.EventNeedsUpdating(now, rec.End, rec.LastDownload, eventRefreshInterval) {
			return nil, false, nil
		}
		events = append(events, rec.Event)
	}
	return events, true, nil
}

// GetCalendar はフィードに属する全イベントを開始時刻順で返す。
func (r *PostgresCalendarRepo) GetCalendar(ctx context.Context, feedName string) ([]model.Event, error) {
	f, err := findFeed(ctx, r.db, feedName)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return []model.Event{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE feed_id = $1 ORDER BY begin_at, unique_id`,
		f.id,
	)
	if err != nil {
		return nil, fmt.Errorf("カレンダーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	records, err := scanSourceRecords(rows)
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, len(records))
	for i, rec := range records {
		events[i] = rec.Event
	}
	return events, nil
}

// GetSourceRecord はユニークIDでイベントレコードを取得する。
func (r *PostgresCalendarRepo) GetSourceRecord(ctx context.Context, uniqueID string) (*model.SourceRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE unique_id = $1`,
		uniqueID,
	)
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	records, err := scanSourceRecords(rows)
	if err != nil {
		return nil, err
	}

	switch len(records) {
	case 0:
		return nil, nil
	case 1:
		return &records[0], nil
	default:
		return nil, &model.DuplicateEventError{UniqueID: uniqueID, Count: len(records)}
	}
}

// ListFeeds はすべてのフィードレコードを名前順で返す。
func (r *PostgresCalendarRepo) ListFeeds(ctx context.Context) ([]model.FeedRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT feed_id, feed_name, last_download FROM feeds ORDER BY feed_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []model.FeedRecord
	for rows.Next() {
		var f model.FeedRecord
		var last sql.NullTime
		if err := rows.Scan(&f.FeedID, &f.FeedName, &last); err != nil {
			return nil, fmt.Errorf("フィードのスキャンに失敗しました: %w", err)
		}
		f.LastDownload = nullTimePtr(last)
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	return feeds, nil
}

// WithTx はfnを1つのトランザクション内で実行する。
func (r *PostgresCalendarRepo) WithTx(ctx context.Context, fn func(w CalendarWriter) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&postgresCalendarTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// postgresCalendarTx はトランザクション内の書き込み操作。
type postgresCalendarTx struct {
	tx DBTX
}

// upsertFeed はフィードの最終取得日時を設定し、feed_idを返す。
func (w *postgresCalendarTx) upsertFeed(ctx context.Context, feedName string, at time.Time) (string, error) {
	var feedID string
	err := w.tx.QueryRowContext(ctx,
		`INSERT INTO feeds (feed_id, feed_name, last_download)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (feed_name) DO UPDATE SET last_download = EXCLUDED.last_download
		 RETURNING feed_id`,
		uuid.New().String(), feedName, at.UTC(),
	).Scan(&feedID)
	if err != nil {
		return "", fmt.Errorf("フィードの最終取得日時の更新に失敗しました: %w", err)
	}
	return feedID, nil
}

// SetFeedDownloadDate はフィードの最終取得日時を設定する。
func (w *postgresCalendarTx) SetFeedDownloadDate(ctx context.Context, feedName string, at time.Time) error {
	_, err := w.upsertFeed(ctx, feedName, at)
	return err
}

// RestoreFeedDownloadDate はフィードの最終取得日時を取得開始前の値に戻す。
// レコードが存在しない場合は何もしない。
func (w *postgresCalendarTx) RestoreFeedDownloadDate(ctx context.Context, feedName string, prev *time.Time) error {
	var value sql.NullTime
	if prev != nil {
		value = sql.NullTime{Time: prev.UTC(), Valid: true}
	}
	_, err := w.tx.ExecContext(ctx,
		`UPDATE feeds SET last_download = $2 WHERE feed_name = $1`,
		feedName, value,
	)
	if err != nil {
		return fmt.Errorf("フィードの最終取得日時の復元に失敗しました: %w", err)
	}
	return nil
}

// SaveEvents はフィードの最終取得日時を更新し、各イベントをUPSERTする。
func (w *postgresCalendarTx) SaveEvents(ctx context.Context, downloadDate time.Time, feedName, locator string, events []model.Event) error {
	feedID, err := w.upsertFeed(ctx, feedName, downloadDate)
	if err != nil {
		return err
	}

	for _, e := range events {
		var created sql.NullTime
		if !e.Created.IsZero() {
			created = sql.NullTime{Time: e.Created.UTC(), Valid: true}
		}

		_, err := w.tx.ExecContext(ctx,
			`INSERT INTO events (unique_id, feed_id, source_locator, last_download, name,
			                     begin_at, end_at, duration_seconds, description, created_at,
			                     location, url, transparent)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (unique_id) DO UPDATE SET
			    feed_id = EXCLUDED.feed_id,
			    source_locator = EXCLUDED.source_locator,
			    last_download = EXCLUDED.last_download,
			    name = EXCLUDED.name,
			    begin_at = EXCLUDED.begin_at,
			    end_at = EXCLUDED.end_at,
			    duration_seconds = EXCLUDED.duration_seconds,
			    description = EXCLUDED.description,
			    created_at = EXCLUDED.created_at,
			    location = EXCLUDED.location,
			    url = EXCLUDED.url,
			    transparent = EXCLUDED.transparent`,
			e.UniqueID, feedID, locator, downloadDate.UTC(), e.Name,
			e.Begin.UTC(), e.End.UTC(), int64(e.Duration().Seconds()), e.Description, created,
			e.Location, e.URL, e.Transparent,
		)
		if err != nil {
			return fmt.Errorf("イベント %s のUPSERTに失敗しました: %w", e.UniqueID, err)
		}
	}
	return nil
}

// scanSourceRecords はeventColumnsの順に並んだ行をSourceRecordに変換する。
func scanSourceRecords(rows *sql.Rows) ([]model.SourceRecord, error) {
	var records []model.SourceRecord
	for rows.Next() {
		var rec model.SourceRecord
		var created sql.NullTime
		if err := rows.Scan(
			&rec.UniqueID, &rec.FeedID, &rec.SourceLocator, &rec.LastDownload, &rec.Name,
			&rec.Begin, &rec.End, &rec.Description, &created, &rec.Location, &rec.URL, &rec.Transparent,
		); err != nil {
			return nil, fmt.Errorf("イベントのスキャンに失敗しました: %w", err)
		}
		rec.LastDownload = rec.LastDownload.UTC()
		rec.Begin = rec.Begin.UTC()
		rec.End = rec.End.UTC()
		if created.Valid {
			rec.Created = created.Time.UTC()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	return records, nil
}

// nullTimePtr はsql.NullTimeを*time.Timeに変換する。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
