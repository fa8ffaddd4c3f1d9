package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/storecart/pkg/health"
	"github.com/utafrali/storecart/pkg/middleware"

	"github.com/utafrali/storecart/internal/service"
)

// RouterConfig holds the HTTP-facing settings of the router.
type RouterConfig struct {
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	// JWTSecret enables bearer authentication when set. Without it the user
	// is taken from the X-User-ID gateway header only.
	JWTSecret string
	Cookie    CookieConfig
}

// NewRouter creates a chi router with all cart service routes registered.
// Background work started by the middleware stops when ctx is canceled.
func NewRouter(
	ctx context.Context,
	cartService *service.CartService,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("cart"))
	r.Use(middleware.Tracing("cart"))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins)))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	cartHandler := NewCartHandler(cartService, cfg.Cookie, logger)

	r.Route("/api/v1/cart", func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(middleware.RateLimit(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst, logger))
		}
		if cfg.JWTSecret != "" {
			r.Use(middleware.OptionalAuth(middleware.HMACValidator([]byte(cfg.JWTSecret)), logger))
		}
		r.Use(Session(cfg.Cookie))
		r.Use(middleware.RequestLogger(logger))
		r.Use(ContentTypeJSON)

		mountCartRoutes(r, cartHandler)
	})

	return r
}

func mountCartRoutes(r chi.Router, h *CartHandler) {
	r.Get("/", h.GetCart)
	r.Delete("/", h.ClearCart)

	r.Post("/items", h.AddItem)
	r.Delete("/items/{variantId}", h.RemoveItem)
	r.Post("/items/{variantId}/increase", h.IncreaseQuantity)
	r.Post("/items/{variantId}/decrease", h.DecreaseQuantity)

	r.Put("/context", h.UpdateContext)
	r.Post("/merge", h.Merge)
}
