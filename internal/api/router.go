// Package api exposes the gateway over HTTP.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/koustreak/querygate/internal/logger"
	"github.com/koustreak/querygate/internal/metadata"
	"github.com/koustreak/querygate/internal/nl2sql"
	"github.com/koustreak/querygate/internal/observability"
	"github.com/koustreak/querygate/internal/query"
	"github.com/koustreak/querygate/internal/store"
)

// DefaultMaxBodyBytes caps request bodies.
const DefaultMaxBodyBytes = 1 << 20

type Connections interface {
	List(ctx context.Context) ([]*store.Connection, error)
	Get(ctx context.Context, name string) (*store.Connection, error)
	Upsert(ctx context.Context, name, url string) (*store.Connection, bool, error)
	Delete(ctx context.Context, name string) error
}

type Metadata interface {
	Extract(ctx context.Context, conn *store.Connection, forceRefresh bool) (*metadata.Snapshot, error)
}

type Queries interface {
	Execute(ctx context.Context, conn *store.Connection, req query.Request) (*query.Result, error)
}

type Generator interface {
	Generate(ctx context.Context, conn *store.Connection, question string) (*nl2sql.Generation, error)
}

// ReadinessCheck reports whether the process can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Dependencies struct {
	Connections Connections
	Metadata    Metadata
	Queries     Queries
	// Generator may be nil when no model is configured.
	Generator Generator
	Metrics   *observability.Metrics
	Readiness ReadinessCheck
	Logger    *logger.Logger
}

type Config struct {
	// Prefix mounts every route below a path, e.g. "/api".
	Prefix       string
	CORSOrigins  []string
	AutoExecute  bool
	MaxBodyBytes int64
}

type handler struct {
	cfg  Config
	deps Dependencies
}

// NewRouter returns the HTTP handler serving the gateway.
func NewRouter(cfg Config, deps Dependencies) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	h := &handler{cfg: cfg, deps: deps}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(observability.RequestID(deps.Logger.Component("http")))
	r.Use(observability.AccessLog(deps.Metrics))
	r.Use(chimw.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", observability.RequestIDHeader},
			ExposedHeaders: []string{observability.RequestIDHeader},
			MaxAge:         300,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Code: "NOT_FOUND", Message: "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorBody{Code: "VALIDATION_ERROR", Message: "method not allowed"})
	})

	r.Get("/healthz", h.health)
	r.Handle("/metrics", deps.Metrics.Handler())

	routes := func(r chi.Router) {
		r.Get("/dbs", h.listConnections)
		r.Route("/dbs/{name}", func(r chi.Router) {
			r.Get("/", h.getConnection)
			r.Put("/", h.upsertConnection)
			r.Delete("/", h.deleteConnection)
			r.Get("/metadata", h.getMetadata)
			r.Post("/query", h.runQuery)
			r.Post("/query/natural", h.runNaturalQuery)
		})
	}

	prefix := "/" + strings.Trim(cfg.Prefix, "/")
	if prefix == "/" {
		routes(r)
	} else {
		r.Route(prefix, routes)
	}
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Readiness != nil {
		if err := h.deps.Readiness(r.Context()); err != nil {
			logger.FromContext(r.Context()).Warn().Err(err).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
