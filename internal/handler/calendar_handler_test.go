package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/seminarcal/internal/calendar"
	"github.com/hitoshi/seminarcal/internal/catalog"
	"github.com/hitoshi/seminarcal/internal/middleware"
	"github.com/hitoshi/seminarcal/internal/model"
	"github.com/hitoshi/seminarcal/internal/security"
)

// --- テストヘルパー ---

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディから統一エラーフォーマットをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var result middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func newTestCalendarHandler(provider CalendarProvider) *CalendarHandler {
	return NewCalendarHandler(provider, testCatalog(), security.NewDescriptionSanitizer(), testClock(), testLogger())
}

func viewProvider() *mockCalendarProvider {
	return &mockCalendarProvider{
		calendarFn: func(ctx context.Context, feed catalog.Feed) (*calendar.View, error) {
			return calendar.NewView(feed.Name, testEvents()), nil
		},
	}
}

// --- ServeICS ---

// TestServeICS_RendersCalendar はiCalendar形式でフィードのイベントが返されることを検証する。
func TestServeICS_RendersCalendar(t *testing.T) {
	provider := viewProvider()
	h := newTestCalendarHandler(provider)

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/colloquium.ics", nil), "feed", "colloquium")
	w := httptest.NewRecorder()
	h.ServeICS(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/calendar; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="colloquium.ics"`) {
		t.Errorf("Content-Disposition = %q", cd)
	}

	body := w.Body.String()
	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"X-WR-CALNAME:Colloquium",
		"UID:talk-past@example.org",
		"UID:talk-next@example.org",
		"SUMMARY:Next talk",
		"TRANSP:TRANSPARENT",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body does not contain %q", want)
		}
	}
	if strings.Contains(body, "<script>") || strings.Contains(body, "javascript:") {
		t.Error("iCalendar出力にタグや危険なURLを含めてはならない")
	}
	if len(provider.calls) != 1 || provider.calls[0] != "colloquium" {
		t.Errorf("calls = %v, want [colloquium]", provider.calls)
	}
}

// TestServeICS_UnknownFeed は未知のフィード名で404が返され、同期が行われないことを検証する。
func TestServeICS_UnknownFeed(t *testing.T) {
	provider := viewProvider()
	h := newTestCalendarHandler(provider)

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/nope.ics", nil), "feed", "nope")
	w := httptest.NewRecorder()
	h.ServeICS(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeFeedNotFound {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeFeedNotFound)
	}
	if len(provider.calls) != 0 {
		t.Errorf("未知のフィードで同期を行ってはならない: calls = %v", provider.calls)
	}
}

// TestServeICS_TitleFallsBackToName はタイトル未設定のフィードでフィード名がカレンダー名になることを検証する。
func TestServeICS_TitleFallsBackToName(t *testing.T) {
	h := newTestCalendarHandler(&mockCalendarProvider{})

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/logic.ics", nil), "feed", "logic")
	w := httptest.NewRecorder()
	h.ServeICS(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "X-WR-CALNAME:logic") {
		t.Error("タイトル未設定時はフィード名をカレンダー名に使うべき")
	}
}

// TestServeICS_ProviderError は同期エラー時に詳細を含まない500が返されることを検証する。
func TestServeICS_ProviderError(t *testing.T) {
	h := newTestCalendarHandler(&mockCalendarProvider{
		calendarFn: func(ctx context.Context, feed catalog.Feed) (*calendar.View, error) {
			return nil, &model.DuplicateFeedError{FeedName: feed.Name, Count: 2}
		},
	})

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/colloquium.ics", nil), "feed", "colloquium")
	w := httptest.NewRecorder()
	h.ServeICS(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := parseAPIErrorResponse(t, w)
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
	}
	if strings.Contains(body.Message, "colloquium") {
		t.Error("内部エラーの詳細をレスポンスに含めてはならない")
	}
}

// TestServeICS_ClientCanceled はクライアント切断時にレスポンスを書き込まないことを検証する。
func TestServeICS_ClientCanceled(t *testing.T) {
	h := newTestCalendarHandler(&mockCalendarProvider{
		calendarFn: func(ctx context.Context, feed catalog.Feed) (*calendar.View, error) {
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/colloquium.ics", nil).WithContext(ctx), "feed", "colloquium")
	w := httptest.NewRecorder()
	h.ServeICS(w, req)

	if w.Body.Len() != 0 {
		t.Errorf("切断後にボディを書き込んではならない: %q", w.Body.String())
	}
}

// --- ListEvents ---

// TestListEvents_Scopes は表示範囲ごとに返されるイベントを検証する。
func TestListEvents_Scopes(t *testing.T) {
	tests := []struct {
		scope   string
		wantIDs []string
	}{
		{"", []string{"talk-past@example.org", "talk-next@example.org", "blank@example.org"}},
		{"all", []string{"talk-past@example.org", "talk-next@example.org", "blank@example.org"}},
		{"upcoming", []string{"talk-next@example.org"}},
		{"past", []string{"talk-past@example.org"}},
	}

	for _, tt := range tests {
		t.Run("scope="+tt.scope, func(t *testing.T) {
			h := newTestCalendarHandler(viewProvider())

			req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/feeds/colloquium/events?scope="+tt.scope, nil), "feed", "colloquium")
			w := httptest.NewRecorder()
			h.ListEvents(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var resp eventListResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Feed != "colloquium" || resp.Title != "Colloquium" {
				t.Errorf("feed = %q, title = %q", resp.Feed, resp.Title)
			}
			if len(resp.Events) != len(tt.wantIDs) {
				t.Fatalf("got %d events, want %d", len(resp.Events), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if resp.Events[i].UniqueID != id {
					t.Errorf("events[%d].uid = %q, want %q", i, resp.Events[i].UniqueID, id)
				}
			}
		})
	}
}

// TestListEvents_SanitizesDescriptions は説明文とURLが無害化されることを検証する。
func TestListEvents_SanitizesDescriptions(t *testing.T) {
	h := newTestCalendarHandler(viewProvider())

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/feeds/colloquium/events?scope=all", nil), "feed", "colloquium")
	w := httptest.NewRecorder()
	h.ListEvents(w, req)

	var resp eventListResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	past := resp.Events[0]
	if past.DescriptionHTML != "Line one<br>Line two" {
		t.Errorf("description_html = %q", past.DescriptionHTML)
	}
	if past.URL != "https://example.org/talks/past" {
		t.Errorf("url = %q", past.URL)
	}
	if past.Created != nil {
		t.Error("Created未設定のイベントはcreatedを省略するべき")
	}

	next := resp.Events[1]
	if strings.Contains(next.DescriptionHTML, "<script") {
		t.Errorf("scriptタグが除去されていない: %q", next.DescriptionHTML)
	}
	if !strings.Contains(next.DescriptionHTML, `href="https://example.org/abs"`) {
		t.Errorf("許可されたリンクが失われている: %q", next.DescriptionHTML)
	}
	if strings.Contains(next.Description, "<") {
		t.Errorf("descriptionはプレーンテキストであるべき: %q", next.Description)
	}
	if next.URL != "" {
		t.Errorf("javascript: URLは除去されるべき: %q", next.URL)
	}
	if next.Created == nil || !next.Created.Equal(testNow.Add(-72*time.Hour)) {
		t.Errorf("created = %v", next.Created)
	}
	if !next.Transparent {
		t.Error("transparent = false, want true")
	}
}

// TestListEvents_InvalidScope は不正な表示範囲で400が返され、同期が行われないことを検証する。
func TestListEvents_InvalidScope(t *testing.T) {
	provider := viewProvider()
	h := newTestCalendarHandler(provider)

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/feeds/colloquium/events?scope=soon", nil), "feed", "colloquium")
	w := httptest.NewRecorder()
	h.ListEvents(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeInvalidScope {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidScope)
	}
	if len(provider.calls) != 0 {
		t.Error("不正なリクエストで同期を行ってはならない")
	}
}

// TestListEvents_UnknownFeed は未知のフィード名で404が返されることを検証する。
func TestListEvents_UnknownFeed(t *testing.T) {
	h := newTestCalendarHandler(viewProvider())

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/feeds/nope/events", nil), "feed", "nope")
	w := httptest.NewRecorder()
	h.ListEvents(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

// TestListEvents_ProviderError は同期エラー時に500が返されることを検証する。
func TestListEvents_ProviderError(t *testing.T) {
	h := newTestCalendarHandler(&mockCalendarProvider{
		calendarFn: func(ctx context.Context, feed catalog.Feed) (*calendar.View, error) {
			return nil, errors.New("connection refused")
		},
	})

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/api/feeds/colloquium/events", nil), "feed", "colloquium")
	w := httptest.NewRecorder()
	h.ListEvents(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}
