// Package refresh はカタログ全フィードのバックグラウンド同期を提供する。
// リクエスト時の同期と同じリコンサイラーを使い、キャッシュを事前に温めておく。
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/seminarcal/internal/calendar"
	"github.com/hitoshi/seminarcal/internal/catalog"
)

// DefaultMaxConcurrency は並列数未指定時に同時に同期するフィード数。
const DefaultMaxConcurrency = 4

// CalendarReconciler はフィード単位の同期を行うインターフェース。
// reconcile.Reconcilerが実装する。
type CalendarReconciler interface {
	Calendar(ctx context.Context, feed catalog.Feed) (*calendar.View, error)
}

// FeedSource は同期対象のフィード一覧を返すインターフェース。
// catalog.Catalogが実装する。
type FeedSource interface {
	Feeds() []catalog.Feed
}

// CycleResult は1回の同期サイクルの結果。
type CycleResult struct {
	Feeds    int
	Failures int
	Skipped  int // キャンセルにより同期しなかったフィード数
}

// Scheduler はフィード同期のスケジューリングと並列制御を行う。
// cron式のスケジュールで全フィードを列挙し、
// semaphoreパターンで最大並列数を制御しながら同期を実行する。
type Scheduler struct {
	feeds          FeedSource
	reconciler     CalendarReconciler
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はDefaultMaxConcurrencyを使用する。
func NewScheduler(
	feeds FeedSource,
	reconciler CalendarReconciler,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Scheduler{
		feeds:          feeds,
		reconciler:     reconciler,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start はcron式exprのスケジュールでスケジューラを起動する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまでブロックする。
// 停止時は実行中のサイクルの完了を待つ。前回のサイクルが終わっていない場合、次の起動はスキップする。
func (s *Scheduler) Start(ctx context.Context, expr string) error {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", expr, err)
	}

	cronLogger := slogCronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		s.RunOnce(ctx)
	}))

	s.logger.Info("同期スケジューラを開始しました",
		slog.String("schedule", expr),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.RunOnce(ctx)

	c.Start()
	<-ctx.Done()

	<-c.Stop().Done()
	s.logger.Info("同期スケジューラを停止しました")
	return nil
}

// RunOnce はカタログの全フィードを1回同期する。
// フィードごとの失敗はログに記録して続行する。
// コンテキストがキャンセルされた場合、未着手のフィードは同期しない。
func (s *Scheduler) RunOnce(ctx context.Context) CycleResult {
	start := time.Now()
	feeds := s.feeds.Feeds()
	result := CycleResult{Feeds: len(feeds)}

	if len(feeds) == 0 {
		s.logger.Info("同期対象のフィードはありません")
		return result
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("feed_count", len(feeds)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for i, feed := range feeds {
		acquired := false
		if ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case sem <- struct{}{}:
				acquired = true
			}
		}
		if !acquired {
			mu.Lock()
			result.Skipped += len(feeds) - i
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(f catalog.Feed) {
			defer wg.Done()
			defer func() { <-sem }()

			_, err := s.reconciler.Calendar(ctx, f)
			if err == nil {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				result.Skipped++
				return
			}
			result.Failures++
			s.logger.Error("フィードの同期に失敗しました",
				slog.String("feed", f.Name),
				slog.String("error", err.Error()),
			)
		}(feed)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("feed_count", result.Feeds),
		slog.Int("failures", result.Failures),
		slog.Int("skipped", result.Skipped),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return result
}

// slogCronLogger はcronのログをslogに流すアダプタ。
type slogCronLogger struct {
	logger *slog.Logger
}

func (l slogCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{slog.String("error", err.Error())}, keysAndValues...)
	l.logger.Error("cron: "+msg, args...)
}
