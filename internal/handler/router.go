package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/stillokay/internal/clock"
	"github.com/hitoshi/stillokay/internal/metrics"
	"github.com/hitoshi/stillokay/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	UserIDHeader      string
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CronSecret        string
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	// MetricsHandler が nil の場合 /metrics は公開しない。
	MetricsHandler http.Handler

	CheckinService   CheckinServiceInterface
	CaregiverService CaregiverServiceInterface
	Sweeper          SweepRunner
	Clock            clock.Clock
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → Metrics → SecurityHeaders → CORS
//	  ユーザーAPI:   Identity → RateLimit(General) [→ RateLimit(Checkin)]
//	  スイープAPI:   CronAuth
//
// /health、/metrics、担当者の確認リンクは認証なしで公開する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rateLimiter := deps.RateLimiter
	if rateLimiter == nil {
		rateLimiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	}
	userIDHeader := deps.UserIDHeader
	if userIDHeader == "" {
		userIDHeader = middleware.DefaultUserIDHeader
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin, userIDHeader))

	checkinHandler := NewCheckinHandler(deps.CheckinService)
	caregiverHandler := NewCaregiverHandler(deps.CaregiverService)
	sweepHandler := NewSweepHandler(deps.Sweeper, deps.Clock)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Get("/api/caregiver-confirm", caregiverHandler.Confirm)

	// --- 外部スケジューラ用 ---
	r.With(middleware.NewCronAuthMiddleware(deps.CronSecret)).Post("/api/cron/sweep", sweepHandler.Run)

	// --- ユーザーAPI ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(userIDHeader))
		r.Use(rateLimiter.GeneralMiddleware())

		r.Route("/api/checkin", func(r chi.Router) {
			r.With(rateLimiter.CheckinMiddleware()).Post("/", checkinHandler.Checkin)
			r.Get("/status", checkinHandler.Status)
			r.Get("/last", checkinHandler.Last)
		})
		r.Get("/api/history", checkinHandler.History)
		r.Post("/api/caregiver/confirmation", caregiverHandler.SendConfirmation)
	})

	return r
}
