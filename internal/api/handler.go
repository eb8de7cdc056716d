// Package api exposes the query core's three verbs over HTTP: the
// cache-wrapped explore path, SQL Lab execution, and datasource metadata.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/caravel-bi/caravel/internal/datasource"
	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/security"
	"github.com/caravel-bi/caravel/internal/sqllab"
	"github.com/caravel-bi/caravel/internal/viz"
)

// Handler carries the service dependencies of the HTTP surface.
type Handler struct {
	Viz       *viz.Service
	Registry  *datasource.Registry
	Security  *security.Service
	Executor  *sqllab.Executor
	Queries   domain.QueryRepository
	Databases domain.DatabaseRepository
	// DefaultRowLimit caps visualization and SQL Lab results when the
	// request does not name a limit.
	DefaultRowLimit int
	Logger          *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// RouterConfig holds the middleware knobs of the HTTP surface.
type RouterConfig struct {
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
}

// NewRouter assembles the chi router for the query core.
func NewRouter(h *Handler, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Caravel-User", "X-Caravel-Roles"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.RateLimitRPS > 0 {
		r.Use(RateLimiter(RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/caravel", func(r chi.Router) {
		r.Post("/explore/{datasourceType}/{datasourceID}", h.Explore)
		r.Get("/datasource/{datasourceType}/{datasourceID}/metadata", h.DatasourceMetadata)
		r.Post("/datasource/{datasourceType}/{datasourceID}/refresh", h.DatasourceRefresh)
		r.Post("/sql_json", h.SQLJSON)
		r.Get("/results/{resultsKey}", h.FetchResults)
		r.Post("/stop/{clientID}", h.StopQuery)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := httpStatusFromDomainError(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error("request failed", slog.Any("error", err))
	}
	writeJSON(w, status, map[string]any{
		"code":    status,
		"message": err.Error(),
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ErrValidation("malformed request body: %v", err)
	}
	return nil
}
