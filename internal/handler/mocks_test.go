package handler

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/seminarcal/internal/calendar"
	"github.com/hitoshi/seminarcal/internal/catalog"
	"github.com/hitoshi/seminarcal/internal/clock"
	"github.com/hitoshi/seminarcal/internal/model"
)

// --- モック定義 ---

// mockCalendarProvider はCalendarProviderのモック実装。
type mockCalendarProvider struct {
	calendarFn func(ctx context.Context, feed catalog.Feed) (*calendar.View, error)
	calls      []string
}

func (m *mockCalendarProvider) Calendar(ctx context.Context, feed catalog.Feed) (*calendar.View, error) {
	m.calls = append(m.calls, feed.Name)
	if m.calendarFn != nil {
		return m.calendarFn(ctx, feed)
	}
	return calendar.NewView(feed.Name, nil), nil
}

// mockCacheReader はCacheReaderのモック実装。
type mockCacheReader struct {
	listFeedsFn       func(ctx context.Context) ([]model.FeedRecord, error)
	getSourceRecordFn func(ctx context.Context, uniqueID string) (*model.SourceRecord, error)
}

func (m *mockCacheReader) ListFeeds(ctx context.Context) ([]model.FeedRecord, error) {
	if m.listFeedsFn != nil {
		return m.listFeedsFn(ctx)
	}
	return nil, nil
}

func (m *mockCacheReader) GetSourceRecord(ctx context.Context, uniqueID string) (*model.SourceRecord, error) {
	if m.getSourceRecordFn != nil {
		return m.getSourceRecordFn(ctx, uniqueID)
	}
	return nil, nil
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// --- テストデータ ---

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testClock() clock.Clock {
	return clock.Fixed(testNow)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog() *catalog.Catalog {
	return catalog.New([]catalog.Feed{
		{
			Name:      "colloquium",
			Title:     "Colloquium",
			FeedURL:   "https://example.org/seminars/colloquium/RSS",
			Webpage:   "https://example.org/seminars/colloquium",
			ICSSuffix: "/ics_view",
		},
		{
			Name:    "logic",
			FeedURL: "https://example.org/seminars/logic/RSS",
		},
	})
}

// testEvents は過去1件、今後1件、名前と説明が空の1件を返す。
func testEvents() []model.Event {
	return []model.Event{
		{
			UniqueID:    "talk-past@example.org",
			Name:        "Past talk",
			Description: "Line one\nLine two",
			Location:    "Room 101",
			URL:         "https://example.org/talks/past",
			Begin:       testNow.Add(-48 * time.Hour),
			End:         testNow.Add(-47 * time.Hour),
		},
		{
			UniqueID:    "talk-next@example.org",
			Name:        "Next talk",
			Description: `<p>Abstract <script>alert(1)</script><a href="https://example.org/abs">more</a></p>`,
			URL:         "javascript:alert(1)",
			Begin:       testNow.Add(24 * time.Hour),
			End:         testNow.Add(25 * time.Hour),
			Created:     testNow.Add(-72 * time.Hour),
			Transparent: true,
		},
		{
			UniqueID: "blank@example.org",
			Begin:    testNow.Add(48 * time.Hour),
			End:      testNow.Add(49 * time.Hour),
		},
	}
}
