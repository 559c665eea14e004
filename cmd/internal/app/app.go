// Package app wires the GoldVision client runtime: config, logging, storage
// selection, metrics and the command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"goldvision/cmd/internal/client"
	"goldvision/cmd/internal/storage"
	"goldvision/cmd/internal/transport"
	"goldvision/cmd/security/seal"
)

// App owns one client object graph and the resources behind it.
type App struct {
	cfg Config
	log Logger

	store  storage.Store
	dbPool *pgxpool.Pool

	transport *transport.HTTPTransport
	registry  *prometheus.Registry
	client    *client.Client
}

// New opens storage, builds the client and re-attaches a persisted access token.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	st, pool, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, store: st, dbPool: pool}
	fail := func(err error) (*App, error) {
		_ = a.Close(context.Background())
		return nil, err
	}

	a.transport, err = transport.NewHTTP(cfg.BaseURL, transport.WithTimeout(cfg.HTTPTimeout))
	if err != nil {
		return fail(err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.client, err = client.New(a.transport, st,
		client.WithLogger(log),
		client.WithRetiredPrefixes(cfg.RetiredPrefixes...),
		client.WithCookieTTL(cfg.CSRFTTL),
		client.WithMetrics(client.NewMetrics(a.registry)),
	)
	if err != nil {
		return fail(err)
	}

	a.client.OnLogout(func(reason error) {
		log.Warn("auth.session.ended", "reason", reason)
	})
	if a.client.Restore(ctx) {
		log.Debug("auth.restored", "storage", cfg.Storage)
	}
	return a, nil
}

// Client returns the wired request client.
func (a *App) Client() *client.Client { return a.client }

// Registry returns the metrics registry.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Close releases storage resources.
func (a *App) Close(_ context.Context) error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	return errors.Join(errs...)
}

func (a *App) ready(ctx context.Context) error {
	if a.dbPool != nil {
		return PingDB(ctx, a.dbPool, 2*time.Second)
	}
	return nil
}

// ServeMetrics serves /metrics, /healthz and /readyz on cfg.MetricsAddr until
// ctx is done. An empty address disables it.
func (a *App) ServeMetrics(ctx context.Context) error {
	if a.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.registry, a.ready)
	return serveHTTP(ctx, a.cfg.MetricsAddr, WithRequestLogging(mux, a.log), a.log)
}

// openStore selects the storage backend. The pool is returned separately
// because the app owns its lifecycle.
func openStore(ctx context.Context, cfg Config, log Logger) (storage.Store, *pgxpool.Pool, error) {
	switch cfg.Storage {
	case StorageMemory:
		log.Info("storage.memory")
		return storage.NewMemory(), nil, nil

	case StorageFile:
		var opts []storage.FileOption
		if cfg.StoragePassphrase != "" {
			sc, err := seal.FromEnv()
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, storage.WithPassphrase(cfg.StoragePassphrase, sc))
		}
		st, err := storage.OpenFile(cfg.StoragePath, opts...)
		if err != nil {
			return nil, nil, err
		}
		log.Info("storage.file", "path", cfg.StoragePath, "sealed", cfg.StoragePassphrase != "")
		return st, nil, nil

	case StorageRedis:
		st, err := storage.OpenRedis(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		log.Info("storage.redis", "prefix", cfg.RedisPrefix)
		return st, nil, nil

	case StoragePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
		st, err := storage.NewPostgres(pool, cfg.DBSchema)
		if err == nil {
			err = st.EnsureSchema(ctx)
		}
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("storage.postgres", "schema", cfg.DBSchema)
		return st, pool, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}
