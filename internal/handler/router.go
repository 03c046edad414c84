package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/seminarcal/internal/clock"
	"github.com/hitoshi/seminarcal/internal/metrics"
	"github.com/hitoshi/seminarcal/internal/middleware"
	"github.com/hitoshi/seminarcal/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// カレンダー
	Calendars CalendarProvider
	Catalog   FeedCatalog
	Store     CacheReader
	Sanitizer security.DescriptionSanitizerService
	Clock     clock.Clock

	// 運用
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer
	Logger          *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → Logging → SecurityHeaders
//
// 同期パスを起動しうるルート（.icsとイベント一覧）にはさらにレート制限を適用し、
// /api配下にはCORSを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	calendarHandler := NewCalendarHandler(deps.Calendars, deps.Catalog, deps.Sanitizer, deps.Clock, deps.Logger)
	feedHandler := NewFeedHandler(deps.Catalog, deps.Store, deps.Sanitizer, deps.Logger)

	limited := func(h http.HandlerFunc) http.Handler {
		if deps.RateLimiter == nil {
			return h
		}
		return deps.RateLimiter.Middleware()(h)
	}

	// --- 運用エンドポイント ---
	if deps.HealthChecker != nil {
		r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Logger))
	}
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- カレンダー購読 ---
	r.Method(http.MethodGet, "/{feed}.ics", limited(calendarHandler.ServeICS))

	// --- JSON API ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

		r.Get("/feeds", feedHandler.ListFeeds)
		r.Method(http.MethodGet, "/feeds/{feed}/events", limited(calendarHandler.ListEvents))
		r.Get("/events/{uid}", feedHandler.GetEvent)
	})

	return r
}
