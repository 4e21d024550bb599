// Package web is the admin panel process: a JSON API over the coordinator
// plus artifact serving. Rendering is left to whatever fronts this API.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aqasem/rollcall/core/artifacts"
	"github.com/aqasem/rollcall/core/coordinator"
	"github.com/aqasem/rollcall/core/history"
	"github.com/aqasem/rollcall/core/logger"
)

// ServerOption configures the admin API server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	artifacts   *artifacts.Store
	history     *history.Archiver
	adminUser   string
	adminPass   string
}

// WithMiddlewares adds middleware to the server.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithArtifacts enables artifact serving.
func WithArtifacts(store *artifacts.Store) ServerOption {
	return func(cfg *serverConfig) {
		cfg.artifacts = store
	}
}

// WithHistory enables the archived-task endpoint.
func WithHistory(arch *history.Archiver) ServerOption {
	return func(cfg *serverConfig) {
		cfg.history = arch
	}
}

// WithBasicAuth gates every route except health behind basic auth.
func WithBasicAuth(user, pass string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.adminUser = user
		cfg.adminPass = pass
	}
}

// NewServer creates and configures the HTTP router.
func NewServer(coord *coordinator.Coordinator, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &handlers{coord: coord, artifacts: cfg.artifacts, history: cfg.history}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		if cfg.adminUser != "" {
			r.Use(basicAuth(cfg.adminUser, cfg.adminPass))
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/state", h.state)
			r.Get("/settings", h.getSettings)
			r.Put("/settings", h.putSettings)

			r.Route("/students", func(r chi.Router) {
				r.Get("/", h.listStudents)
				r.Post("/", h.addStudent)
				r.Put("/{id}", h.updateStudent)
				r.Delete("/{id}", h.deleteStudent)
				r.Post("/{id}/approve", h.approveStudent)
				r.Post("/{id}/reject", h.rejectStudent)
				r.Post("/{id}/subjects", h.assignSubject)
				r.Delete("/{id}/subjects/{subject}", h.unassignSubject)
			})

			r.Route("/subjects", func(r chi.Router) {
				r.Get("/", h.listSubjects)
				r.Post("/", h.addSubject)
				r.Delete("/{subject}", h.removeSubject)
			})

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", h.listTasks)
				r.Post("/", h.submitTasks)
				r.Get("/{id}", h.getTask)
				r.Delete("/{id}", h.cancelTask)
			})

			if cfg.history != nil {
				r.Get("/history", h.archivedTasks)
			}
		})

		if cfg.artifacts != nil {
			r.Get("/artifacts/{ref}", h.artifact)
		}
	})

	return r
}

// LoggingMiddleware logs HTTP requests through the structured logger.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.LogEvent(r.Context(), logger.Web, slog.LevelInfo, "http_request",
			slog.String("handler", r.Method+" "+r.URL.Path),
			slog.Int("http_code", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("rid", middleware.GetReqID(r.Context())),
		)
	})
}

func basicAuth(user, pass string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUser, gotPass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 ||
				subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="rollcall"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
