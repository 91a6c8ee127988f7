// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dishfeed/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
	Metrics        middleware.StatusRecorder

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// フィード
	Session    FeedSession
	Pages      PageLoader
	Following  FollowingSource
	FeedConfig FeedConfig
	Live       LiveServer

	// 品質スコア
	Scores ScoreEvaluator
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS → Viewer → RateLimit
//
// /health と /metrics は閲覧者IDなしで呼べる。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	feedHandler := NewFeedHandler(deps.Session, deps.Pages, deps.Following, deps.FeedConfig, deps.Logger)
	scoreHandler := NewScoreHandler(deps.Scores, deps.Logger)

	// --- 閲覧者ID不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Logger))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 閲覧者IDが必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewViewerMiddleware())
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Route("/api/feed", func(r chi.Router) {
			r.Get("/", feedHandler.GetFeed)
			if deps.Live != nil {
				r.Get("/live", NewLiveHandler(deps.Live, deps.Logger))
			}
		})

		r.Get("/api/users/{id}/reviews", feedHandler.GetUserReviews)
		r.Get("/api/restaurants/{id}/score", scoreHandler.GetScore)
	})

	return r
}
