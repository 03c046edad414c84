package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hitoshi/seminarcal/internal/model"
)

// CacheDumper はキャッシュ内容の書き出しに必要なストアの操作。
// repository.CalendarReaderのサブセット。
type CacheDumper interface {
	ListFeeds(ctx context.Context) ([]model.FeedRecord, error)
	GetCalendar(ctx context.Context, feedName string) ([]model.Event, error)
}

// Dump はキャッシュ済みのフィードとイベントをタブ区切りのテキストでoutに書き出す。
// フィードは名前順、イベントは開始時刻順に出力する。
func Dump(ctx context.Context, out io.Writer, store CacheDumper) error {
	feeds, err := store.ListFeeds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list feeds: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, f := range feeds {
		events, err := store.GetCalendar(ctx, f.FeedName)
		if err != nil {
			return fmt.Errorf("failed to read calendar %s: %w", f.FeedName, err)
		}

		lastDownload := "never"
		if f.LastDownload != nil {
			lastDownload = f.LastDownload.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "# %s\tlast_download=%s\tevents=%d\n", f.FeedName, lastDownload, len(events))

		for _, e := range events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				e.Begin.UTC().Format(time.RFC3339),
				e.End.UTC().Format(time.RFC3339),
				e.UniqueID,
				e.Name,
			)
		}
	}

	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}
