package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hitoshi/seminarcal/internal/model"
)

// EventParser はiCalendar文書をイベント列に変換するインターフェース。
// ical.Parserが実装する。
type EventParser interface {
	Parse(r io.Reader) ([]model.Event, error)
}

// ICSFetcher はiCalendar文書を取得してイベント列に変換する。
type ICSFetcher struct {
	getter *getter
	parser EventParser
}

// NewICSFetcher はICSFetcherの新しいインスタンスを生成する。
func NewICSFetcher(ssrfGuard SSRFValidator, parser EventParser, timeout time.Duration, maxBodySize int64) *ICSFetcher {
	return &ICSFetcher{
		getter: &getter{guard: ssrfGuard, timeout: timeout, maxBodySize: maxBodySize},
		parser: parser,
	}
}

// FetchEvents はlocatorのiCalendar文書を取得し、イベント列を返す。
// 取得または解析に失敗した場合はmodel.FetchErrorを返す。
func (f *ICSFetcher) FetchEvents(ctx context.Context, locator string) ([]model.Event, error) {
	resp, err := f.getter.get(ctx, locator, "text/calendar, */*;q=0.5")
	if err != nil {
		return nil, &model.FetchError{Op: "fetch", Locator: locator, Err: err}
	}

	events, err := f.parser.Parse(bytes.NewReader(resp.body))
	if err != nil {
		return nil, &model.FetchError{Op: "fetch", Locator: locator, Err: fmt.Errorf("%w: %w", ErrParse, err)}
	}
	return events, nil
}
