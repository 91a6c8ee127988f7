package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dishfeed/internal/feed"
	"github.com/hitoshi/dishfeed/internal/middleware"
	"github.com/hitoshi/dishfeed/internal/model"
)

// --- モック定義 ---

// mockSession はFeedSessionのモック実装。
type mockSession struct {
	currentFn func(ctx context.Context) (feed.View, error)
}

func (m *mockSession) Current(ctx context.Context) (feed.View, error) {
	if m.currentFn != nil {
		return m.currentFn(ctx)
	}
	return feed.View{State: feed.StateEmpty}, nil
}

// mockPages はPageLoaderのモック実装。
type mockPages struct {
	loadFn func(ctx context.Context, q model.ReviewQuery) (feed.Page, error)
}

func (m *mockPages) Load(ctx context.Context, q model.ReviewQuery) (feed.Page, error) {
	if m.loadFn != nil {
		return m.loadFn(ctx, q)
	}
	return feed.Page{}, nil
}

// mockFollowing はFollowingSourceのモック実装。
type mockFollowing struct {
	listFn func(ctx context.Context, userID string) ([]string, error)
}

func (m *mockFollowing) ListFolloweeIDs(ctx context.Context, userID string) ([]string, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return nil, nil
}

// --- テストヘルパー ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withViewerID はテスト用にリクエストコンテキストに閲覧者IDを注入するヘルパー。
func withViewerID(r *http.Request, viewerID string) *http.Request {
	return r.WithContext(middleware.ContextWithViewerID(r.Context(), viewerID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// decodedFeed はフィードレスポンスのテスト用デコード先。
type decodedFeed struct {
	Posts []struct {
		ID              string   `json:"id"`
		ReviewIDs       []string `json:"review_ids"`
		Tags            []string `json:"tags"`
		FollowingAuthor bool     `json:"following_author"`
	} `json:"posts"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
	State      string `json:"state"`
}

func parseFeed(t *testing.T, w *httptest.ResponseRecorder) decodedFeed {
	t.Helper()
	var result decodedFeed
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode feed response: %v", err)
	}
	return result
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func post(id, authorID string) model.FeedPost {
	return model.FeedPost{
		ID:        id,
		Author:    model.AuthorSnapshot{ID: authorID},
		CreatedAt: baseTime,
		SourceIDs: []string{id},
	}
}

func newTestFeedHandler(session FeedSession, pages PageLoader, following FollowingSource) *FeedHandler {
	return NewFeedHandler(session, pages, following, FeedConfig{DefaultLimit: 20, MaxLimit: 50}, testLogger())
}

// --- GET /api/feed テスト ---

// TestFeedHandler_GetFeed_FirstPageFromSession はカーソル無しの場合に共有セッションの内容を返すことを検証する。
func TestFeedHandler_GetFeed_FirstPageFromSession(t *testing.T) {
	next := &model.Cursor{CreatedAt: baseTime, ID: "p2"}
	session := &mockSession{
		currentFn: func(ctx context.Context) (feed.View, error) {
			return feed.View{
				Posts:      []model.FeedPost{post("p1", "alice"), post("p2", "bob")},
				NextCursor: next,
				HasMore:    true,
				State:      feed.StateOK,
			}, nil
		},
	}
	pages := &mockPages{
		loadFn: func(ctx context.Context, q model.ReviewQuery) (feed.Page, error) {
			t.Error("Load should not be called for the first page")
			return feed.Page{}, nil
		},
	}
	following := &mockFollowing{
		listFn: func(ctx context.Context, userID string) ([]string, error) {
			if userID != "viewer-1" {
				t.Errorf("userID = %q, want viewer-1", userID)
			}
			return []string{"bob"}, nil
		},
	}
	h := newTestFeedHandler(session, pages, following)

	req := withViewerID(httptest.NewRequest(http.MethodGet, "/api/feed", nil), "viewer-1")
	w := httptest.NewRecorder()
	h.GetFeed(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	got := parseFeed(t, w)
	if len(got.Posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(got.Posts))
	}
	if got.Posts[0].FollowingAuthor || !got.Posts[1].FollowingAuthor {
		t.Errorf("following flags = %v/%v, want false/true", got.Posts[0].FollowingAuthor, got.Posts[1].FollowingAuthor)
	}
	if got.Posts[0].Tags == nil {
		t.Error("tags should be an empty array, not null")
	}
	if !got.HasMore || got.NextCursor != encodeCursor(next) {
		t.Errorf("paging = %v/%q, want true/%q", got.HasMore, got.NextCursor, encodeCursor(next))
	}
	if got.State != "ok" {
		t.Errorf("state = %q, want ok", got.State)
	}
}

// TestFeedHandler_GetFeed_DoesNotMutateSessionPosts はフォロー装飾が共有セッションの投稿を書き換えないことを検証する。
func TestFeedHandler_GetFeed_DoesNotMutateSessionPosts(t *testing.T) {
	posts := []model.FeedPost{post("p1", "alice")}
	session := &mockSession{
		currentFn: func(ctx context.Context) (feed.View, error) {
			return feed.View{Posts: posts, State: feed.StateOK}, nil
		},
	}
	following := &mockFollowing{
		listFn: func(ctx context.Context, userID string) ([]string, error) { return []string{"alice"}, nil },
	}
	h := newTestFeedHandler(session, &mockPages{}, following)

	req := withViewerID(httptest.NewRequest(http.MethodGet, "/api/feed", nil), "viewer-1")
	h.GetFeed(httptest.NewRecorder(), req)

	if posts[0].FollowingAuthor {
		t.Error("session post was decorated in place")
	}
}

// TestFeedHandler_GetFeed_WithCursor はカーソル指定時にその位置からページを読み込むことを検証する。
func TestFeedHandler_GetFeed_WithCursor(t *testing.T) {
	cursor := &model.Cursor{CreatedAt: baseTime, ID: "p2"}
	var gotQuery model.ReviewQuery
	pages := &mockPages{
		loadFn: func(ctx context.Context, q model.ReviewQuery) (feed.Page, error) {
			gotQuery = q
			return feed.Page{Posts: []model.FeedPost{post("p3", "carol")}}, nil
		},
	}
	h := newTestFeedHandler(&mockSession{}, pages, &mockFollowing{})

	req := withViewerID(httptest.NewRequest(http.MethodGet, "/api/feed?limit=10&cursor="+encodeCursor(cursor), nil), "viewer-1")
	w := httptest.NewRecorder()
	h.GetFeed(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotQuery.Limit != 10 {
		t.Errorf("Limit = %d, want 10", gotQuery.Limit)
	}
	if gotQuery.After == nil || gotQuery.After.ID != "p2" || !gotQuery.After.CreatedAt.Equal(baseTime) {
		t.Errorf("After = %+v, want p2 cursor", gotQuery.After)
	}
	got := parseFeed(t, w)
	if got.HasMore || got.NextCursor != "" {
		t.Errorf("paging = %v/%q, want false/empty", got.HasMore, got.NextCursor)
	}
}

// TestFeedHandler_GetFeed_InvalidParams は不正なlimitとcursorが400になることを検証する。
func TestFeedHandler_GetFeed_InvalidParams(t *testing.T) {
	tests := []struct {
		name  string
		query string
		code  string
	}{
		{"non numeric limit", "?limit=abc", model.ErrCodeInvalidLimit},
		{"zero limit", "?limit=0", model.ErrCodeInvalidLimit},
		{"limit over max", "?limit=51", model.ErrCodeInvalidLimit},
		{"broken cursor", "?cursor=!!!", model.ErrCodeInvalidCursor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestFeedHandler(&mockSession{}, &mockPages{}, &mockFollowing{})
			req := withViewerID(httptest.NewRequest(http.MethodGet, "/api/feed"+tt.query, nil), "viewer-1")
			w := httptest.NewRecorder()
			h.GetFeed(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if got := parseAPIErrorResponse(t, w)["code"]; got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

// TestFeedHandler_GetFeed_NoViewer は閲覧者IDが無い場合に401になることを検証する。
func TestFeedHandler_GetFeed_NoViewer(t *testing.T) {
	h := newTestFeedHandler(&mockSession{}, &mockPages{}, &mockFollowing{})
	w := httptest.NewRecorder()
	h.GetFeed(w, httptest.NewRequest(http.MethodGet, "/api/feed", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// TestFeedHandler_GetFeed_LoadErrors は読み込み失敗が種類ごとのステータスになることを検証する。
func TestFeedHandler_GetFeed_LoadErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unauthenticated", model.ErrUnauthenticated, http.StatusServiceUnavailable, model.ErrCodeStoreUnauthenticated},
		{"timeout", model.NewFeedLoadTimeoutError(), http.StatusGatewayTimeout, model.ErrCodeFeedLoadTimeout},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &mockSession{
				currentFn: func(ctx context.Context) (feed.View, error) { return feed.View{}, tt.err },
			}
			h := newTestFeedHandler(session, &mockPages{}, &mockFollowing{})
			req := withViewerID(httptest.NewRequest(http.MethodGet, "/api/feed", nil), "viewer-1")
			w := httptest.NewRecorder()
			h.GetFeed(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if got := parseAPIErrorResponse(t, w)["code"]; got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

// TestFeedHandler_GetFeed_DegradedState はストア障害時もdegradedとして200を返すことを検証する。
func TestFeedHandler_GetFeed_DegradedState(t *testing.T) {
	session := &mockSession{
		currentFn: func(ctx context.Context) (feed.View, error) {
			return feed.View{State: feed.StateDegraded}, nil
		},
	}
	h := newTestFeedHandler(session, &mockPages{}, &mockFollowing{})
	req := withViewerID(httptest.NewRequest(http.MethodGet, "/api/feed", nil), "viewer-1")
	w := httptest.NewRecorder()
	h.GetFeed(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	got := parseFeed(t, w)
	if got.State != "degraded" {
		t.Errorf("state = %q, want degraded", got.State)
	}
	if got.Posts == nil {
		t.Error("posts should be an empty array, not null")
	}
}

// TestFeedHandler_GetFeed_FollowingErrorIgnored はフォロー先の取得失敗でもフィードを返すことを検証する。
func TestFeedHandler_GetFeed_FollowingErrorIgnored(t *testing.T) {
	session := &mockSession{
		currentFn: func(ctx context.Context) (feed.View, error) {
			return feed.View{Posts: []model.FeedPost{post("p1", "alice")}, State: feed.StateOK}, nil
		},
	}
	following := &mockFollowing{
		listFn: func(ctx context.Context, userID string) ([]string, error) { return nil, errors.New("db down") },
	}
	h := newTestFeedHandler(session, &mockPages{}, following)
	req := withViewerID(httptest.NewRequest(http.MethodGet, "/api/feed", nil), "viewer-1")
	w := httptest.NewRecorder()
	h.GetFeed(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := parseFeed(t, w); got.Posts[0].FollowingAuthor {
		t.Error("following_author should be false when lookup fails")
	}
}

// --- GET /api/users/{id}/reviews テスト ---

// TestFeedHandler_GetUserReviews はURLのユーザーIDで絞り込んで読み込むことを検証する。
func TestFeedHandler_GetUserReviews(t *testing.T) {
	var gotQuery model.ReviewQuery
	pages := &mockPages{
		loadFn: func(ctx context.Context, q model.ReviewQuery) (feed.Page, error) {
			gotQuery = q
			return feed.Page{
				Posts:      []model.FeedPost{post("p1", "alice")},
				NextCursor: &model.Cursor{CreatedAt: baseTime, ID: "p1"},
				HasMore:    true,
			}, nil
		},
	}
	h := newTestFeedHandler(&mockSession{}, pages, &mockFollowing{})

	req := httptest.NewRequest(http.MethodGet, "/api/users/alice/reviews", nil)
	req = withChiURLParam(withViewerID(req, "viewer-1"), "id", "alice")
	w := httptest.NewRecorder()
	h.GetUserReviews(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotQuery.AuthorID != "alice" || gotQuery.Limit != 20 || gotQuery.After != nil {
		t.Errorf("query = %+v, want author alice, limit 20, no cursor", gotQuery)
	}
	got := parseFeed(t, w)
	if !got.HasMore || got.NextCursor == "" {
		t.Errorf("paging = %v/%q, want more with cursor", got.HasMore, got.NextCursor)
	}
}
