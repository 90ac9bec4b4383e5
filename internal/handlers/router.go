package handlers

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/reasonchat"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "requestID"

// NewRouter creates the Chi router serving the web UI, the event stream, the JSON API and the static
// assets.
func NewRouter(m Main, logger *slog.Logger) (*chi.Mux, error) {
	static, err := fs.Sub(reasonchat.StaticFS, "static")
	if err != nil {
		return nil, err
	}

	logger = logger.With(slog.String("module", "http"))

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	r.Get("/", m.HandleHome)
	r.Get("/sse", m.HandleSSE)

	r.Route("/chats", func(r chi.Router) {
		r.Post("/", m.HandleChats)
		r.Delete("/{id}", m.HandleDeleteChat)
		r.Post("/{id}/stop", m.HandleStop)
		r.Post("/{id}/persona", m.HandlePersona)
		r.Post("/{id}/attachment", m.HandleAttach)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", m.HandleDataStream)
		r.Post("/search", m.Search)

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", m.ListChats)
			r.Post("/", m.CreateChat)
			r.Delete("/", m.DeleteAllChats)
			r.Get("/{id}", m.GetChat)
			r.Put("/{id}", m.UpdateChat)
			r.Delete("/{id}", m.DeleteChat)
		})
	})

	return r, nil
}

// RequestID adds a unique request ID to each request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// GetRequestID returns the ID RequestID assigned to the request, if any.
func GetRequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// Logger logs request method, path, status, and duration.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("request",
				"id", GetRequestID(r),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// Recovery catches panics and returns a 500.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered",
						slog.String("id", GetRequestID(r)),
						slog.String("path", r.URL.Path),
						slog.String(errLoggerKey, fmt.Sprint(err)))
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets streaming handlers push data through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
