package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/seminarcal/internal/model"
)

// mockCacheDumper はCacheDumperのモック実装。
type mockCacheDumper struct {
	listFeedsFn   func(ctx context.Context) ([]model.FeedRecord, error)
	getCalendarFn func(ctx context.Context, feedName string) ([]model.Event, error)
}

func (m *mockCacheDumper) ListFeeds(ctx context.Context) ([]model.FeedRecord, error) {
	if m.listFeedsFn != nil {
		return m.listFeedsFn(ctx)
	}
	return nil, nil
}

func (m *mockCacheDumper) GetCalendar(ctx context.Context, feedName string) ([]model.Event, error) {
	if m.getCalendarFn != nil {
		return m.getCalendarFn(ctx, feedName)
	}
	return nil, nil
}

// TestDump_WritesFeedsAndEvents はフィードごとの見出しとイベント行が出力されることを検証する。
func TestDump_WritesFeedsAndEvents(t *testing.T) {
	downloaded := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	begin := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)

	store := &mockCacheDumper{
		listFeedsFn: func(ctx context.Context) ([]model.FeedRecord, error) {
			return []model.FeedRecord{
				{FeedID: "f1", FeedName: "colloquium", LastDownload: &downloaded},
				{FeedID: "f2", FeedName: "logic"},
			}, nil
		},
		getCalendarFn: func(ctx context.Context, feedName string) ([]model.Event, error) {
			if feedName != "colloquium" {
				return nil, nil
			}
			return []model.Event{
				{UniqueID: "talk-1@example.org", Name: "Opening talk", Begin: begin, End: begin.Add(time.Hour)},
			}, nil
		},
	}

	var buf bytes.Buffer
	if err := Dump(context.Background(), &buf, store); err != nil {
		t.Fatalf("Dump() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"# colloquium",
		"last_download=2025-03-10T09:00:00Z",
		"events=1",
		"2025-03-12T15:00:00Z",
		"talk-1@example.org",
		"Opening talk",
		"# logic",
		"last_download=never",
		"events=0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump output does not contain %q:\n%s", want, out)
		}
	}
}

// TestDump_StoreError はストアのエラーが返されることを検証する。
func TestDump_StoreError(t *testing.T) {
	store := &mockCacheDumper{
		listFeedsFn: func(ctx context.Context) ([]model.FeedRecord, error) {
			return []model.FeedRecord{{FeedName: "colloquium"}}, nil
		},
		getCalendarFn: func(ctx context.Context, feedName string) ([]model.Event, error) {
			return nil, errors.New("db down")
		},
	}

	var buf bytes.Buffer
	err := Dump(context.Background(), &buf, store)
	if err == nil || !strings.Contains(err.Error(), "colloquium") {
		t.Fatalf("Dump() error = %v, want error mentioning feed", err)
	}
}
