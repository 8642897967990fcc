package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"wasteland-tarot/internal/handlers"
	"wasteland-tarot/internal/middleware"
	"wasteland-tarot/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	authHandler *handlers.AuthHandler,
	sessionHandler *handlers.SessionHandler,
	cardHandler *handlers.CardHandler,
	readingHandler *handlers.ReadingHandler,
	userHandler *handlers.UserHandler,
	jobHandler *handlers.JobHandler,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Auth rate limiter (10 req/min per IP)
	authLimiter := middleware.NewRateLimiter(10, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Auth Routes (public) ────
		r.Route("/auth", func(r chi.Router) {
			r.Use(authLimiter.Middleware)
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/refresh", authHandler.Refresh)
			r.Get("/verify-email", authHandler.VerifyEmail)
			r.Post("/resend-verification", authHandler.ResendVerification)

			// Logout requires auth
			r.Group(func(r chi.Router) {
				r.Use(jwtAuth.Middleware)
				r.Post("/logout", authHandler.Logout)
			})
		})

		// ──── Session Routes ────
		r.Route("/sessions", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Post("/", sessionHandler.Create)
			r.Get("/", sessionHandler.List)
			r.Post("/sync", sessionHandler.Sync)
			r.Get("/{id}", sessionHandler.Get)
			r.Patch("/{id}", sessionHandler.Update)
			r.Delete("/{id}", sessionHandler.Delete)
			r.Post("/{id}/complete", sessionHandler.Complete)
			r.Post("/{id}/interpret", sessionHandler.Interpret)
		})

		// ──── Card Routes ────
		r.Route("/cards", func(r chi.Router) {
			r.Get("/", cardHandler.List) // Public
			r.Get("/{id}", cardHandler.Get)

			r.Group(func(r chi.Router) {
				r.Use(jwtAuth.Middleware)
				r.Post("/draw", cardHandler.Draw)
			})
		})

		// ──── Reading Routes ────
		r.Route("/readings", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/", readingHandler.List)
			r.Get("/{id}", readingHandler.Get)
			r.Put("/{id}/favorite", readingHandler.ToggleFavorite)
			r.Delete("/{id}", readingHandler.Delete)
		})

		// ──── User Routes ────
		r.Route("/user", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/me", userHandler.GetMe)
			r.Put("/karma", userHandler.UpdateKarma)
		})

		// ──── Job Routes ────
		r.Route("/jobs", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)
			r.Get("/{id}", jobHandler.GetJob)
			r.Delete("/{id}", jobHandler.CancelJob)
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
