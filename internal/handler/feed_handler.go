package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/seminarcal/internal/model"
	"github.com/hitoshi/seminarcal/internal/security"
)

// CacheReader はキャッシュ内容の参照に使うストアのインターフェース。
// repository.CalendarReaderのサブセット。
type CacheReader interface {
	ListFeeds(ctx context.Context) ([]model.FeedRecord, error)
	GetSourceRecord(ctx context.Context, uniqueID string) (*model.SourceRecord, error)
}

// FeedHandler はフィード一覧とキャッシュ済みイベントを返すHTTPハンドラー。
// 外部ソースへのアクセスは行わない。
type FeedHandler struct {
	catalog   FeedCatalog
	store     CacheReader
	sanitizer security.DescriptionSanitizerService
	logger    *slog.Logger
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(feeds FeedCatalog, store CacheReader, sanitizer security.DescriptionSanitizerService, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{
		catalog:   feeds,
		store:     store,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// feedResponse はフィード情報のAPIレスポンス。
type feedResponse struct {
	Name         string     `json:"name"`
	Title        string     `json:"title"`
	FeedURL      string     `json:"feed_url"`
	Webpage      string     `json:"webpage,omitempty"`
	CalendarPath string     `json:"calendar_path"`
	LastDownload *time.Time `json:"last_download"`
}

// feedListResponse はフィード一覧のAPIレスポンス。
type feedListResponse struct {
	Feeds []feedResponse `json:"feeds"`
}

// sourceRecordResponse はキャッシュ済みイベントレコードのAPIレスポンス。
type sourceRecordResponse struct {
	eventResponse
	FeedID        string    `json:"feed_id"`
	SourceLocator string    `json:"source_locator"`
	LastDownload  time.Time `json:"last_download"`
}

// ListFeeds はカタログのフィード一覧を最終取得日時とともに返す。
// GET /api/feeds
func (h *FeedHandler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListFeeds(r.Context())
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	lastDownload := make(map[string]*time.Time, len(records))
	for _, rec := range records {
		lastDownload[rec.FeedName] = rec.LastDownload
	}

	feeds := h.catalog.Feeds()
	resp := feedListResponse{Feeds: make([]feedResponse, 0, len(feeds))}
	for _, f := range feeds {
		resp.Feeds = append(resp.Feeds, feedResponse{
			Name:         f.Name,
			Title:        feedTitle(f),
			FeedURL:      f.FeedURL,
			Webpage:      f.Webpage,
			CalendarPath: "/" + f.Name + ".ics",
			LastDownload: lastDownload[f.Name],
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetEvent はキャッシュ済みのイベントレコードをユニークIDで返す。
// GET /api/events/{uid}
func (h *FeedHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	rec, err := h.store.GetSourceRecord(r.Context(), uid)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	if rec == nil {
		handleServiceError(w, r, h.logger, model.NewEventNotFoundError(uid))
		return
	}

	writeJSON(w, http.StatusOK, sourceRecordResponse{
		eventResponse: toEventResponse(h.sanitizer, rec.Event),
		FeedID:        rec.FeedID,
		SourceLocator: rec.SourceLocator,
		LastDownload:  rec.LastDownload.UTC(),
	})
}
