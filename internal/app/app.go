// Package app wires querygate's components together and runs the HTTP
// server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koustreak/querygate/internal/api"
	"github.com/koustreak/querygate/internal/arbiter"
	"github.com/koustreak/querygate/internal/config"
	"github.com/koustreak/querygate/internal/connection"
	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/database/mysql"
	"github.com/koustreak/querygate/internal/database/postgres"
	"github.com/koustreak/querygate/internal/database/sqlite"
	"github.com/koustreak/querygate/internal/filestore"
	"github.com/koustreak/querygate/internal/filestore/minio"
	"github.com/koustreak/querygate/internal/logger"
	"github.com/koustreak/querygate/internal/metadata"
	"github.com/koustreak/querygate/internal/nl2sql"
	"github.com/koustreak/querygate/internal/observability"
	"github.com/koustreak/querygate/internal/query"
	"github.com/koustreak/querygate/internal/store"
)

// NewRegistry returns a registry serving every supported engine.
func NewRegistry(cfg *database.Config) *database.Registry {
	reg := database.NewRegistry(cfg)
	reg.Register(database.PostgreSQL, postgres.New)
	reg.Register(database.MySQL, mysql.New)
	reg.Register(database.SQLite, sqlite.New)
	return reg
}

// App is a fully wired gateway.
type App struct {
	cfg *config.Config
	log *logger.Logger

	store    *store.Store
	adapters *database.Manager
	objects  filestore.Store
	metrics  *observability.Metrics

	connections *connection.Service
	handler     http.Handler
}

// New opens the control-plane store, applies migrations and builds every
// service. The archive is only connected when an endpoint is configured.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		log:     log.Component("app"),
		store:   st,
		metrics: observability.New(),
	}

	var archive metadata.Archive
	if cfg.ArchiveEnabled() {
		objects, err := openArchive(ctx, cfg)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("snapshot archive: %w", err)
		}
		a.objects = objects
		archive = metadata.NewObjectArchive(objects)
		a.log.Info().Str("endpoint", cfg.ArchiveEndpoint).Str("bucket", cfg.ArchiveBucket).Msg("snapshot archive enabled")
	}

	registry := NewRegistry(database.DefaultConfig())
	a.adapters = database.NewManager(registry, cfg.PoolAdapters, log)
	locks := arbiter.NewRegistry()

	snapshots := metadata.NewService(st, a.adapters, locks, metadata.Config{
		RefreshTimeout: cfg.RefreshTimeout(),
		Archive:        archive,
		Metrics:        a.metrics,
	}, log)

	executor := query.NewExecutor(a.adapters, locks, query.Config{
		RowLimit: cfg.DefaultRowLimit,
		Timeout:  cfg.QueryTimeout(),
		Metrics:  a.metrics,
	}, log)

	model := nl2sql.NewOpenAIClient(nl2sql.OpenAIConfig{
		BaseURL: cfg.AIBaseURL,
		APIKey:  cfg.AIAPIKey,
		Model:   cfg.AIModel,
		Timeout: cfg.AITimeout,
	})
	if !cfg.AIEnabled() {
		a.log.Warn().Msg("ai_api_key is not set, natural language queries will fail")
	}
	generator := nl2sql.NewGenerator(snapshots, model, nl2sql.GeneratorConfig{
		Timeout:           cfg.AITimeout,
		RequestsPerMinute: cfg.AIRequestsPerMinute,
		RowLimit:          cfg.DefaultRowLimit,
		Metrics:           a.metrics,
	}, log)

	a.connections = connection.NewService(st, registry, a.adapters, locks, connection.Config{
		VerifyOnUpsert: cfg.VerifyOnUpsert,
	}, log)

	a.handler = api.NewRouter(api.Config{
		Prefix:      cfg.APIPrefix,
		CORSOrigins: cfg.CORSOrigins,
		AutoExecute: cfg.NLAutoExecute,
	}, api.Dependencies{
		Connections: a.connections,
		Metadata:    snapshots,
		Queries:     executor,
		Generator:   generator,
		Metrics:     a.metrics,
		Readiness:   st.Ping,
		Logger:      log,
	})

	return a, nil
}

func openArchive(ctx context.Context, cfg *config.Config) (filestore.Store, error) {
	fc := filestore.DefaultConfig(cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket)
	fc.UseSSL = cfg.ArchiveUseSSL
	fc.Region = cfg.ArchiveRegion

	d, err := minio.New(ctx, fc)
	if err != nil {
		return nil, err
	}
	if err := d.EnsureBucket(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Seed upserts the connections declared in the configured connections file.
func (a *App) Seed(ctx context.Context) error {
	if a.cfg.ConnectionsFile == "" {
		return nil
	}
	seed, err := connection.LoadSeed(a.cfg.ConnectionsFile)
	if err != nil {
		return err
	}
	n, err := a.connections.ApplySeed(ctx, seed)
	if err != nil {
		return err
	}
	a.log.Info().Str("file", a.cfg.ConnectionsFile).Int("connections", n).Msg("connections seeded")
	return nil
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// within the configured grace period.
func (a *App) Serve(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		a.log.Info().Str("addr", a.cfg.ListenAddr).Str("prefix", a.cfg.APIPrefix).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return eg.Wait()
}

// Close releases pooled adapters, the archive client and the store.
func (a *App) Close() error {
	var errList []error
	if err := a.adapters.Close(); err != nil {
		errList = append(errList, err)
	}
	if a.objects != nil {
		if err := a.objects.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if err := a.store.Close(); err != nil {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}
