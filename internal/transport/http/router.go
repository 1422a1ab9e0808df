package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-join-verify/internal/config"
	"github.com/go-join-verify/internal/transport/http/handler"
	appmiddleware "github.com/go-join-verify/internal/transport/http/middleware"
	"golang.org/x/time/rate"
)

// NewRouter builds and returns the application router. The returned stop
// func releases the rate limiters.
func NewRouter(cfg *config.Config, deps *Deps) (http.Handler, func()) {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Signature"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Unsigned reports are limited per client; the connector posts every group
	// event, so the budget is generous. Signed reports are not limited.
	reportRL := appmiddleware.NewRateLimiter(rate.Limit(200), 400, cfg.TrustProxyHeaders)
	// 5 requests/second, burst of 10, applied to the operator listing.
	adminRL := appmiddleware.NewRateLimiter(rate.Limit(5), 10, cfg.TrustProxyHeaders)

	reportMw := []func(http.Handler) http.Handler{reportRL.Limit}
	if cfg.OneBotSecret != "" {
		reportMw = []func(http.Handler) http.Handler{appmiddleware.Signature(cfg.OneBotSecret)}
	}

	healthH := handler.NewHealthHandler()
	eventH := handler.NewEventHandler(deps.Verification, deps.Log)
	verifyH := handler.NewVerificationHandler(deps.Verification)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health-check/{action}", healthH.Ping)
		r.Post("/health-check/{action}", healthH.Ping)

		r.With(reportMw...).Post("/onebot/events", eventH.Report)

		if deps.Tokens != nil {
			r.With(adminRL.Limit, appmiddleware.Auth(deps.Tokens)).Get("/verifications", verifyH.List)
		}
	})

	return r, func() {
		reportRL.Stop()
		adminRL.Stop()
	}
}
