package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/dishfeed/internal/middleware"
	"github.com/hitoshi/dishfeed/internal/model"
)

// LiveServer はライブ配信の接続を受け付けるインターフェース。
type LiveServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, viewerID string) error
}

// NewLiveHandler はライブ配信のハンドラーを返す。
// GET /api/feed/live (WebSocket)
func NewLiveHandler(live LiveServer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewerID, err := middleware.ViewerIDFromContext(r.Context())
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewViewerRequiredError())
			return
		}

		if err := live.ServeWS(w, r, viewerID); err != nil {
			if errors.Is(err, model.ErrUnauthenticated) {
				err = model.NewStoreUnauthenticatedError()
			}
			logger.Warn("ライブ配信を開始できませんでした",
				slog.String("viewer_id", viewerID),
				slog.String("error", err.Error()),
			)
			middleware.WriteError(w, err)
		}
	}
}
