// Package reconcile はフィード単位のキャッシュ同期処理を提供する。
// キャッシュの鮮度を判定し、必要な場合のみ外部ソースから再取得して
// イベントキャッシュへ反映したうえでカレンダービューを返す。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/seminarcal/internal/calendar"
	"github.com/hitoshi/seminarcal/internal/catalog"
	"github.com/hitoshi/seminarcal/internal/clock"
	"github.com/hitoshi/seminarcal/internal/metrics"
	"github.com/hitoshi/seminarcal/internal/model"
	"github.com/hitoshi/seminarcal/internal/repository"
	"github.com/hitoshi/seminarcal/internal/source"
	"github.com/hitoshi/seminarcal/internal/staleness"
)

const (
	// MaxEventDuration はイベントとして扱う最大の長さ。これを超えるものは破棄する。
	MaxEventDuration = 10 * time.Hour

	// DefaultFetchTimeout は1回の取得に適用するデフォルトのタイムアウト。
	DefaultFetchTimeout = 10 * time.Second
)

// SourceLister はフィードからイベント取得元のlocatorを列挙するインターフェース。
// source.FeedListerが実装する。
type SourceLister interface {
	ListSources(ctx context.Context, feed catalog.Feed) ([]string, error)
}

// EventFetcher はlocatorからイベントを取得するインターフェース。
// source.ICSFetcherが実装する。
type EventFetcher interface {
	FetchEvents(ctx context.Context, locator string) ([]model.Event, error)
}

// Reconciler はフィードのカレンダーをキャッシュと外部ソースから組み立てる。
// 1回の呼び出しが1回の同期パスに対応し、書き込みは最大1回のコミットにまとめられる。
type Reconciler struct {
	store        repository.CalendarStore
	lister       SourceLister
	fetcher      EventFetcher
	clock        clock.Clock
	policy       staleness.Policy
	fetchTimeout time.Duration
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
}

// NewReconciler はReconcilerの新しいインスタンスを生成する。
// fetchTimeoutが0以下の場合はDefaultFetchTimeoutを使用する。
func NewReconciler(
	store repository.CalendarStore,
	lister SourceLister,
	fetcher EventFetcher,
	clk clock.Clock,
	policy staleness.Policy,
	fetchTimeout time.Duration,
	metricsCollector metrics.MetricsCollector,
	logger *slog.Logger,
) *Reconciler {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Reconciler{
		store:        store,
		lister:       lister,
		fetcher:      fetcher,
		clock:        clk,
		policy:       policy,
		fetchTimeout: fetchTimeout,
		metrics:      metricsCollector,
		logger:       logger,
	}
}

// pendingSave は永続化待ちのlocator単位のイベント。
type pendingSave struct {
	locator string
	events  []model.Event
}

// Calendar はフィードのカレンダービューを返す。
//
// フィードが新鮮であればキャッシュをそのまま返し、外部へのアクセスは行わない。
// 古い場合はlocatorを列挙し、再取得が必要なlocatorのみを取得してからまとめて保存する。
// 一部のlocatorの取得に失敗した場合はスキップして続行し、フィードの最終取得日時は進めない。
// 列挙自体に失敗した場合はキャッシュ済みのビューを返す。
// ctxがキャンセルされた場合は何も書き込まずにctx.Err()を返す。
func (r *Reconciler) Calendar(ctx context.Context, feed catalog.Feed) (*calendar.View, error) {
	began := time.Now()
	start := r.clock.Now().UTC()
	policy := feed.Policy(r.policy)

	prev, err := r.store.GetFeedDownloadDate(ctx, feed.Name)
	if err != nil {
		r.finish(feed.Name, metrics.OutcomeError, began)
		return nil, fmt.Errorf("フィード %s の最終取得日時の取得に失敗しました: %w", feed.Name, err)
	}

	cached, err := r.store.GetCalendar(ctx, feed.Name)
	if err != nil {
		r.finish(feed.Name, metrics.OutcomeError, began)
		return nil, fmt.Errorf("フィード %s のカレンダー取得に失敗しました: %w", feed.Name, err)
	}

	if !policy.FeedIsStale(start, prev) {
		r.finish(feed.Name, metrics.OutcomeFresh, began)
		return calendar.NewView(feed.Name, cached), nil
	}

	locators, err := r.lister.ListSources(ctx, feed)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.metrics.RecordFetchFailure(feed.Name, source.FailureReason(err))
		r.logger.Warn("ソース一覧の取得に失敗したためキャッシュを返します",
			slog.String("feed", feed.Name),
			slog.String("error", err.Error()),
		)
		r.finish(feed.Name, metrics.OutcomeDegraded, began)
		return calendar.NewView(feed.Name, cached), nil
	}

	merged := make([]model.Event, 0, len(cached))
	merged = append(merged, cached...)

	var pending []pendingSave
	failures := 0

	for _, locator := range locators {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := model.ValidateLocator(locator); err != nil {
			failures++
			r.metrics.RecordFetchFailure(feed.Name, source.FailureReason(err))
			r.logger.Warn("保存できないlocatorをスキップします",
				slog.String("feed", feed.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		events, hit, err := r.store.GetEventsBySourceLocator(ctx, locator, start, policy.EventRefreshInterval)
		if err != nil {
			r.finish(feed.Name, metrics.OutcomeError, began)
			return nil, fmt.Errorf("locator %s のキャッシュ参照に失敗しました: %w", locator, err)
		}
		if hit {
			r.metrics.RecordCacheHit(feed.Name)
			merged = append(merged, events...)
			continue
		}
		r.metrics.RecordCacheMiss(feed.Name)

		fetched, err := r.fetch(ctx, locator)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			failures++
			r.metrics.RecordFetchFailure(feed.Name, source.FailureReason(err))
			r.logger.Warn("イベントの取得に失敗したためスキップします",
				slog.String("feed", feed.Name),
				slog.String("locator", locator),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.metrics.RecordFetchSuccess(feed.Name)

		storable, rejected := FilterUnstorable(fetched)
		if rejected > 0 {
			r.metrics.RecordEventsDropped(feed.Name, rejected)
			r.logger.Warn("保存できないイベントを除外しました",
				slog.String("feed", feed.Name),
				slog.String("locator", locator),
				slog.Int("rejected", rejected),
			)
		}

		kept, dropped := FilterByDuration(storable, MaxEventDuration)
		if dropped > 0 {
			r.metrics.RecordEventsDropped(feed.Name, dropped)
			r.logger.Debug("長すぎるイベントを除外しました",
				slog.String("feed", feed.Name),
				slog.String("locator", locator),
				slog.Int("dropped", dropped),
			)
		}
		if len(kept) > 0 {
			pending = append(pending, pendingSave{locator: locator, events: kept})
		}
		merged = append(merged, kept...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	saved := 0
	err = r.store.WithTx(ctx, func(w repository.CalendarWriter) error {
		for _, p := range pending {
			if err := w.SaveEvents(ctx, start, feed.Name, p.locator, p.events); err != nil {
				return err
			}
			saved += len(p.events)
		}
		if failures == 0 {
			return w.SetFeedDownloadDate(ctx, feed.Name, start)
		}
		return w.RestoreFeedDownloadDate(ctx, feed.Name, prev)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.finish(feed.Name, metrics.OutcomeError, began)
		return nil, fmt.Errorf("フィード %s の保存に失敗しました: %w", feed.Name, err)
	}
	r.metrics.RecordEventsSaved(feed.Name, saved)

	outcome := metrics.OutcomeRefreshed
	if failures > 0 {
		outcome = metrics.OutcomePartial
	}
	r.logger.Info("フィードを同期しました",
		slog.String("feed", feed.Name),
		slog.Int("locators", len(locators)),
		slog.Int("failures", failures),
		slog.Int("saved", saved),
	)
	r.finish(feed.Name, outcome, began)

	return calendar.NewView(feed.Name, merged), nil
}

// fetch はタイムアウト付きでlocatorのイベントを取得する。
func (r *Reconciler) fetch(ctx context.Context, locator string) ([]model.Event, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	began := time.Now()
	events, err := r.fetcher.FetchEvents(fetchCtx, locator)
	r.metrics.RecordFetchLatency(time.Since(began))
	return events, err
}

func (r *Reconciler) finish(feedName, outcome string, began time.Time) {
	r.metrics.RecordReconcile(feedName, outcome, time.Since(began))
}

// FilterByDuration はlimitより長いイベントを除外し、残ったイベントと除外数を返す。
// 長さがちょうどlimitのイベントは残す。
func FilterByDuration(events []model.Event, limit time.Duration) ([]model.Event, int) {
	kept := make([]model.Event, 0, len(events))
	for _, e := range events {
		if e.Duration() > limit {
			continue
		}
		kept = append(kept, e)
	}
	return kept, len(events) - len(kept)
}

// FilterUnstorable はストアに保存できないイベントを除外し、残ったイベントと除外数を返す。
func FilterUnstorable(events []model.Event) ([]model.Event, int) {
	kept := make([]model.Event, 0, len(events))
	for _, e := range events {
		if e.Validate() != nil {
			continue
		}
		kept = append(kept, e)
	}
	return kept, len(events) - len(kept)
}
