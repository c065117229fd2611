package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouteDeps are the handlers and settings SetupRoutes wires together.
type RouteDeps struct {
	Hub        *Hub
	API        *API
	Origins    *OriginPolicy
	UploadsDir string
	// AuthRateLimit caps /login and /register requests per IP per minute.
	// Zero disables the limit.
	AuthRateLimit int
}

// SetupRoutes returns the relay's HTTP handler.
func SetupRoutes(deps RouteDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware(deps.Origins))

	r.Get("/health", HealthHandler(deps.Hub))
	r.Get("/test", TestHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/ws", NewWebSocketHandler(deps.Hub, deps.Origins))

	if deps.API != nil {
		r.Group(func(r chi.Router) {
			if deps.AuthRateLimit > 0 {
				r.Use(httprate.LimitByIP(deps.AuthRateLimit, time.Minute))
			}
			r.Post("/register", deps.API.Register)
			r.Post("/login", deps.API.Login)
		})
		r.Post("/logout", deps.API.Logout)
		r.Get("/profile", deps.API.Profile)
		r.Get("/people", deps.API.People)
		r.Get("/messages/{userId}", deps.API.Messages)
	}

	if deps.UploadsDir != "" {
		files := http.StripPrefix("/uploads/", http.FileServer(http.Dir(deps.UploadsDir)))
		r.Get("/uploads/*", files.ServeHTTP)
	}

	return r
}

// corsMiddleware allows credentialed requests from the configured origins.
func corsMiddleware(origins *OriginPolicy) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, _ string) bool {
			return origins.Allowed(r)
		},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
