package handler

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/seminarcal/internal/calendar"
	"github.com/hitoshi/seminarcal/internal/catalog"
	"github.com/hitoshi/seminarcal/internal/clock"
	"github.com/hitoshi/seminarcal/internal/ical"
	"github.com/hitoshi/seminarcal/internal/middleware"
	"github.com/hitoshi/seminarcal/internal/model"
	"github.com/hitoshi/seminarcal/internal/security"
)

// 表示範囲。
const (
	ScopeAll      = "all"
	ScopeUpcoming = "upcoming"
	ScopePast     = "past"
)

// CalendarProvider はフィードのカレンダービューを返すインターフェース。
// reconcile.Reconcilerが実装する。
type CalendarProvider interface {
	Calendar(ctx context.Context, feed catalog.Feed) (*calendar.View, error)
}

// FeedCatalog はフィード名からカタログ上の定義を引くインターフェース。
type FeedCatalog interface {
	Lookup(name string) (catalog.Feed, bool)
	Feeds() []catalog.Feed
}

// CalendarHandler はカレンダー配信のHTTPハンドラー。
type CalendarHandler struct {
	calendars CalendarProvider
	catalog   FeedCatalog
	sanitizer security.DescriptionSanitizerService
	clock     clock.Clock
	logger    *slog.Logger
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(
	calendars CalendarProvider,
	feeds FeedCatalog,
	sanitizer security.DescriptionSanitizerService,
	clk clock.Clock,
	logger *slog.Logger,
) *CalendarHandler {
	return &CalendarHandler{
		calendars: calendars,
		catalog:   feeds,
		sanitizer: sanitizer,
		clock:     clk,
		logger:    logger,
	}
}

// eventResponse はイベントのAPIレスポンス。
type eventResponse struct {
	UniqueID        string     `json:"uid"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`      // プレーンテキスト
	DescriptionHTML string     `json:"description_html"` // サニタイズ済みHTML
	Location        string     `json:"location"`
	URL             string     `json:"url,omitempty"`
	Begin           time.Time  `json:"begin"`
	End             time.Time  `json:"end"`
	Created         *time.Time `json:"created,omitempty"`
	Transparent     bool       `json:"transparent"`
}

// eventListResponse はイベント一覧のAPIレスポンス。
type eventListResponse struct {
	Feed   string          `json:"feed"`
	Title  string          `json:"title"`
	Scope  string          `json:"scope"`
	Events []eventResponse `json:"events"`
}

// ServeICS はフィードのカレンダーをiCalendar形式で返す。
// GET /{feed}.ics
func (h *CalendarHandler) ServeICS(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.lookup(w, r)
	if !ok {
		return
	}

	view, err := h.calendars.Calendar(r.Context(), feed)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	events := view.Events()
	for i := range events {
		events[i].Description = h.sanitizer.PlainText(events[i].Description)
		events[i].URL = security.SafeLink(events[i].URL)
	}

	var buf bytes.Buffer
	if err := ical.Encode(&buf, feedTitle(feed), events, h.clock.Now()); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="`+feed.Name+`.ics"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// ListEvents はフィードのイベント一覧を返す。
// GET /api/feeds/{feed}/events?scope=all|upcoming|past
func (h *CalendarHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.lookup(w, r)
	if !ok {
		return
	}

	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = ScopeAll
	}
	if scope != ScopeAll && scope != ScopeUpcoming && scope != ScopePast {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidScopeError(scope))
		return
	}

	view, err := h.calendars.Calendar(r.Context(), feed)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	var events []model.Event
	switch scope {
	case ScopeUpcoming:
		events = view.Upcoming(h.clock.Now())
	case ScopePast:
		events = view.Past(h.clock.Now())
	default:
		events = view.Events()
	}

	resp := eventListResponse{
		Feed:   feed.Name,
		Title:  feedTitle(feed),
		Scope:  scope,
		Events: make([]eventResponse, 0, len(events)),
	}
	for _, e := range events {
		resp.Events = append(resp.Events, toEventResponse(h.sanitizer, e))
	}

	writeJSON(w, http.StatusOK, resp)
}

// lookup はURLパラメータのフィード名をカタログから引く。
// 未知のフィードの場合は404を書き込んでfalseを返す。
func (h *CalendarHandler) lookup(w http.ResponseWriter, r *http.Request) (catalog.Feed, bool) {
	name := chi.URLParam(r, "feed")
	feed, ok := h.catalog.Lookup(name)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(name))
		return catalog.Feed{}, false
	}
	return feed, true
}

// toEventResponse は説明文とURLを無害化してAPIレスポンスに変換する。
func toEventResponse(sanitizer security.DescriptionSanitizerService, e model.Event) eventResponse {
	resp := eventResponse{
		UniqueID:        e.UniqueID,
		Name:            e.Name,
		Description:     sanitizer.PlainText(e.Description),
		DescriptionHTML: sanitizer.Sanitize(e.Description),
		Location:        e.Location,
		URL:             security.SafeLink(e.URL),
		Begin:           e.Begin.UTC(),
		End:             e.End.UTC(),
		Transparent:     e.Transparent,
	}
	if !e.Created.IsZero() {
		created := e.Created.UTC()
		resp.Created = &created
	}
	return resp
}

// feedTitle はカレンダー名として使うタイトルを返す。未設定の場合はフィード名を使う。
func feedTitle(feed catalog.Feed) string {
	if feed.Title != "" {
		return feed.Title
	}
	return feed.Name
}
