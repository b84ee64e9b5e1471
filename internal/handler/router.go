package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/tablebook/internal/metrics"
	"github.com/hitoshi/tablebook/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	Metrics            metrics.MetricsCollector
	Logger             *slog.Logger

	// /health の疎通確認先
	HealthChecker HealthChecker
	// MetricsHandler が指定された場合は /metrics で公開する
	MetricsHandler http.Handler

	// 予約
	Booking  BookingService
	Location *time.Location
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → CORS → Identity → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	bookingHandler := NewBookingHandler(deps.Booking, deps.Location)

	// --- 予約API ---
	// ミドルウェアスタック: Identity → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/restaurants/{id}", func(r chi.Router) {
			// POST /api/restaurants/{id}/bookings - 予約作成（予約専用レート制限を追加）
			r.With(deps.RateLimiter.BookingMiddleware()).Post("/bookings", bookingHandler.CreateBooking)

			r.Get("/free-slots", bookingHandler.ListFreeSlots)
			r.Get("/reservations", bookingHandler.ListReservations)
			r.Delete("/reservations", bookingHandler.DeleteRestaurantReservations)
		})

		r.Delete("/api/reservations/{id}", bookingHandler.DeleteReservation)
		r.Delete("/api/users/{id}/reservations", bookingHandler.DeleteUserReservations)
	})

	return r
}
