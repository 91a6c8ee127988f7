package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dishfeed/internal/middleware"
	"github.com/hitoshi/dishfeed/internal/model"
	"github.com/hitoshi/dishfeed/internal/score"
)

// ScoreEvaluator は店舗の品質スコアを算出するインターフェース。
type ScoreEvaluator interface {
	Evaluate(ctx context.Context, restaurantID string) (score.Result, error)
}

// ScoreHandler は品質スコアのHTTPハンドラー。
type ScoreHandler struct {
	scores ScoreEvaluator
	logger *slog.Logger
}

// NewScoreHandler はScoreHandlerを生成する。
func NewScoreHandler(scores ScoreEvaluator, logger *slog.Logger) *ScoreHandler {
	return &ScoreHandler{scores: scores, logger: logger}
}

// scoreResponse は品質スコアのAPIレスポンス。スコアが無い場合はnull。
type scoreResponse struct {
	RestaurantID string `json:"restaurant_id"`
	QualityScore *int   `json:"quality_score"`
	ReviewCount  int    `json:"review_count"`
}

// GetScore は店舗の品質スコアを算出して返す。
// GET /api/restaurants/{id}/score
func (h *ScoreHandler) GetScore(w http.ResponseWriter, r *http.Request) {
	restaurantID := chi.URLParam(r, "id")

	result, err := h.scores.Evaluate(r.Context(), restaurantID)
	if err != nil {
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			h.logger.Error("品質スコアの算出に失敗しました",
				slog.String("restaurant_id", restaurantID),
				slog.String("error", err.Error()),
			)
		}
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, scoreResponse{
		RestaurantID: result.RestaurantID,
		QualityScore: result.Value(),
		ReviewCount:  result.ReviewCount,
	})
}
