package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arborchat/arbor/internal/api/middleware"
	"github.com/arborchat/arbor/internal/blob"
	"github.com/arborchat/arbor/internal/coord"
	"github.com/arborchat/arbor/internal/handlers"
	"github.com/arborchat/arbor/internal/relay"
	"github.com/arborchat/arbor/internal/session"
	"github.com/arborchat/arbor/internal/store"
)

// RouterDeps carries the wired subsystems the router exposes over HTTP.
type RouterDeps struct {
	Store     store.DataStore
	Coord     coord.Coordinator
	Session   *session.Controller
	Relay     *relay.Relay
	Blobs     *blob.DiskStore
	JWTSecret string
	Logger    zerolog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(1 * 1024 * 1024)) // 1MB max body

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(chimw.Recoverer)

	// CORS - browser clients connect from arbitrary origins
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(deps.Store, deps.Coord, deps.Session, deps.Relay, deps.Logger)
	auth := middleware.NewAuthMiddleware(deps.JWTSecret)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/share/{token}", h.GetSharedChat)
	if deps.Blobs != nil {
		r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(deps.Blobs.Dir()))))
	}

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/chats", h.CreateChat)
		r.Get("/chats", h.ListChats)
		r.Get("/chats/{id}", h.GetChat)
		r.Patch("/chats/{id}", h.RenameChat)
		r.Delete("/chats/{id}", h.DeleteChat)
		r.Post("/chats/{id}/visibility", h.SetVisibility)
		r.Get("/chats/{id}/messages", h.ListChatMessages)
		r.Post("/chats/{id}/branch", h.BranchChat)
		r.Post("/chats/{id}/messages/{messageID}/edit", h.EditMessage)
		r.Post("/chats/{id}/messages/partial", h.SavePartial)

		r.Post("/generate", h.Generate)
		r.Get("/chats/{id}/stream", h.Subscribe)
		r.Get("/chats/{id}/stream/status", h.StreamStatus)
		r.Post("/chats/{id}/stream/cancel", h.CancelStream)
	})

	return r
}
