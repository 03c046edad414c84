package source

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/seminarcal/internal/catalog"
	"github.com/hitoshi/seminarcal/internal/model"
)

// FeedLister はRSS/Atomフィードを取得し、各アイテムのiCalendar URLを列挙する。
type FeedLister struct {
	getter   *getter
	detector *Detector
	logger   *slog.Logger
}

// NewFeedLister はFeedListerの新しいインスタンスを生成する。
func NewFeedLister(ssrfGuard SSRFValidator, logger *slog.Logger, timeout time.Duration, maxBodySize int64) *FeedLister {
	g := &getter{guard: ssrfGuard, timeout: timeout, maxBodySize: maxBodySize}
	return &FeedLister{
		getter:   g,
		detector: &Detector{getter: g},
		logger:   logger,
	}
}

// ListSources はフィードのアイテム順にiCalendar URLを返す。重複は除外する。
// フィード自体の取得または解析に失敗した場合はmodel.FetchErrorを返す。
// 個々のアイテムでURLを導出できない場合はログに残してスキップする。
func (l *FeedLister) ListSources(ctx context.Context, feed catalog.Feed) ([]string, error) {
	resp, err := l.getter.get(ctx, feed.FeedURL, "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if err != nil {
		return nil, &model.FetchError{Op: "list", Locator: feed.FeedURL, Err: err}
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.body))
	if err != nil {
		return nil, &model.FetchError{Op: "list", Locator: feed.FeedURL, Err: fmt.Errorf("%w: %w", ErrParse, err)}
	}

	locators := make([]string, 0, len(parsed.Items))
	seen := make(map[string]bool, len(parsed.Items))

	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		locator, err := l.deriveLocator(ctx, feed, item)
		if err != nil {
			l.logger.Warn("アイテムのiCalendar URLを導出できませんでした",
				slog.String("feed", feed.Name),
				slog.String("item_link", item.Link),
				slog.String("error", err.Error()),
			)
			continue
		}
		if locator == "" || seen[locator] {
			continue
		}
		seen[locator] = true
		locators = append(locators, locator)
	}

	l.logger.Debug("フィードのアイテムを列挙しました",
		slog.String("feed", feed.Name),
		slog.Int("items", len(parsed.Items)),
		slog.Int("locators", len(locators)),
	)

	return locators, nil
}

// deriveLocator はアイテムからiCalendar URLを導出する。
//  1. カタログでics_suffixが指定されていれば item.Link + ics_suffix
//  2. text/calendarのエンクロージャ
//  3. アイテムページのHTMLからリンクを検出
func (l *FeedLister) deriveLocator(ctx context.Context, feed catalog.Feed, item *gofeed.Item) (string, error) {
	link := itemLink(item)

	if feed.ICSSuffix != "" && link != "" {
		return JoinSuffix(link, feed.ICSSuffix), nil
	}

	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if IsCalendarType(enc.Type) || looksLikeCalendarHref(enc.URL) {
			return normalizeWebcal(enc.URL), nil
		}
	}

	if link == "" {
		return "", nil
	}
	return l.detector.DetectCalendarURL(ctx, link)
}

// itemLink はアイテムのリンクを返す。LinkがなくGUIDがURL形式の場合はGUIDを使う。
func itemLink(item *gofeed.Item) string {
	if item.Link != "" {
		return strings.TrimSpace(item.Link)
	}
	if strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://") {
		return item.GUID
	}
	return ""
}

// JoinSuffix はリンクにサフィックスを連結する。スラッシュの重複は除く。
func JoinSuffix(link, suffix string) string {
	if strings.HasSuffix(link, "/") && strings.HasPrefix(suffix, "/") {
		return link + suffix[1:]
	}
	return link + suffix
}
