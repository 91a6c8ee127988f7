package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/hitoshi/dishfeed/internal/feed"
	"github.com/hitoshi/dishfeed/internal/feedpost"
	"github.com/hitoshi/dishfeed/internal/middleware"
	"github.com/hitoshi/dishfeed/internal/model"
)

const followingTimeout = 3 * time.Second

// FeedSession はホームフィードの共有セッション。
type FeedSession interface {
	Current(ctx context.Context) (feed.View, error)
}

// PageLoader は条件を指定してフィードを1ページ読み込むインターフェース。
type PageLoader interface {
	Load(ctx context.Context, q model.ReviewQuery) (feed.Page, error)
}

// FollowingSource は閲覧者のフォロー先の参照インターフェース。
type FollowingSource interface {
	ListFolloweeIDs(ctx context.Context, userID string) ([]string, error)
}

// FeedConfig はフィードAPIの設定。
type FeedConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// FeedHandler はフィード取得のHTTPハンドラー。
type FeedHandler struct {
	session   FeedSession
	pages     PageLoader
	following FollowingSource
	config    FeedConfig
	logger    *slog.Logger
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(session FeedSession, pages PageLoader, following FollowingSource, config FeedConfig, logger *slog.Logger) *FeedHandler {
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = 20
	}
	if config.MaxLimit < config.DefaultLimit {
		config.MaxLimit = config.DefaultLimit
	}
	return &FeedHandler{
		session:   session,
		pages:     pages,
		following: following,
		config:    config,
		logger:    logger,
	}
}

// feedResponse はフィードのAPIレスポンス。
// stateはデータが無いこと(empty)とバックエンドの障害(degraded)を区別する。
type feedResponse struct {
	Posts      []feedpost.Response `json:"posts"`
	NextCursor string              `json:"next_cursor,omitempty"`
	HasMore    bool                `json:"has_more"`
	State      string              `json:"state"`
}

// GetFeed はホームフィードを取得する。
// GET /api/feed?cursor=xxx&limit=20
// cursorが無くlimitがセッションのページサイズと同じ場合は共有セッションの表示中の内容を返す。
// それ以外はその位置からlimit件のページを読み込む。
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	viewerID, err := middleware.ViewerIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewViewerRequiredError())
		return
	}

	limit, cursor, apiErr := h.parsePaging(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	var resp feedResponse
	if cursor == nil && limit == h.config.DefaultLimit {
		view, err := h.session.Current(r.Context())
		if err != nil {
			h.writeLoadError(w, err)
			return
		}
		resp = h.respond(r.Context(), viewerID, view.Posts, view.NextCursor, view.HasMore, view.State)
	} else {
		page, err := h.pages.Load(r.Context(), model.ReviewQuery{Limit: limit, After: cursor})
		if err != nil {
			h.writeLoadError(w, err)
			return
		}
		resp = h.respond(r.Context(), viewerID, page.Posts, page.NextCursor, page.HasMore, page.State())
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetUserReviews はユーザー本人の食事履歴フィードを取得する。
// GET /api/users/{id}/reviews?cursor=xxx&limit=20
func (h *FeedHandler) GetUserReviews(w http.ResponseWriter, r *http.Request) {
	viewerID, err := middleware.ViewerIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewViewerRequiredError())
		return
	}

	limit, cursor, apiErr := h.parsePaging(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	q := model.ReviewQuery{AuthorID: chi.URLParam(r, "id"), Limit: limit, After: cursor}
	page, err := h.pages.Load(r.Context(), q)
	if err != nil {
		h.writeLoadError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.respond(r.Context(), viewerID, page.Posts, page.NextCursor, page.HasMore, page.State()))
}

// parsePaging はlimitとcursorのクエリパラメータを検証する。
func (h *FeedHandler) parsePaging(r *http.Request) (int, *model.Cursor, *model.APIError) {
	limit := h.config.DefaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > h.config.MaxLimit {
			return 0, nil, model.NewInvalidLimitError(s, h.config.MaxLimit)
		}
		limit = n
	}

	var cursor *model.Cursor
	if s := r.URL.Query().Get("cursor"); s != "" {
		c, err := decodeCursor(s)
		if err != nil {
			var apiErr *model.APIError
			if errors.As(err, &apiErr) {
				return 0, nil, apiErr
			}
			return 0, nil, model.NewInvalidCursorError(s)
		}
		cursor = c
	}
	return limit, cursor, nil
}

// respond は投稿を閲覧者のフォロー状態で装飾してレスポンスを組み立てる。
func (h *FeedHandler) respond(ctx context.Context, viewerID string, posts []model.FeedPost, next *model.Cursor, hasMore bool, state feed.State) feedResponse {
	decorated := make([]model.FeedPost, len(posts))
	copy(decorated, posts)
	feedpost.Decorate(decorated, h.followingOf(ctx, viewerID))

	return feedResponse{
		Posts:      feedpost.ToResponses(decorated),
		NextCursor: encodeCursor(next),
		HasMore:    hasMore && next != nil,
		State:      string(state),
	}
}

// followingOf は閲覧者のフォロー先を取得する。失敗した場合はフォロー表示なしで続行する。
func (h *FeedHandler) followingOf(ctx context.Context, viewerID string) map[string]struct{} {
	set := make(map[string]struct{})
	if h.following == nil {
		return set
	}
	ctx, cancel := context.WithTimeout(ctx, followingTimeout)
	defer cancel()

	ids, err := h.following.ListFolloweeIDs(ctx, viewerID)
	if err != nil {
		h.logger.Warn("フォロー先の取得に失敗しました",
			slog.String("viewer_id", viewerID),
			slog.String("error", err.Error()),
		)
		return set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// writeLoadError は読み込み失敗をエラーレスポンスに変換する。
func (h *FeedHandler) writeLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrUnauthenticated) {
		err = model.NewStoreUnauthenticatedError()
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		h.logger.Error("フィードの読み込みに失敗しました", slog.String("error", err.Error()))
	}
	middleware.WriteError(w, err)
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
