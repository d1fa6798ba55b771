package cli

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/dashsync/internal/cachebridge"
	"github.com/ChuLiYu/dashsync/internal/env"
	"github.com/ChuLiYu/dashsync/internal/localapi"
	"github.com/ChuLiYu/dashsync/internal/logbuffer"
	"github.com/ChuLiYu/dashsync/internal/orchestrator"
	"github.com/ChuLiYu/dashsync/internal/scheduler"
	"github.com/ChuLiYu/dashsync/internal/snapshot"
	"github.com/ChuLiYu/dashsync/internal/storage/wal"
	"github.com/ChuLiYu/dashsync/internal/transport"
)

// App is every component of a running client, wired together.
//
// Build order (leaves first):
//  1. transport client, dead-letter WAL, log buffer
//  2. scheduler, snapshot manager
//  3. cache bridge and its SQLite store (optional)
//  4. orchestrator over all of the above
//  5. local API and standalone metrics server (optional)
type App struct {
	env env.Env
	log zerolog.Logger
	cfg *Config

	Client       *transport.Client
	DeadLetters  *wal.WAL
	Logs         *logbuffer.Buffer
	Scheduler    *scheduler.Scheduler
	Snapshots    *snapshot.Manager
	CacheStore   *cachebridge.SQLiteStore
	Cache        *cachebridge.Bridge
	Orchestrator *orchestrator.Orchestrator
	API          *localapi.Server

	metricsSrv *http.Server
	wg         sync.WaitGroup
}

// NewApp builds every component from cfg. Nothing runs until Start.
func NewApp(e env.Env, cfg *Config) (*App, error) {
	a := &App{env: e, log: e.Component("app").Log, cfg: cfg}

	a.Client = transport.New(e, cfg.transportConfig(), transport.WithProber(cfg.prober()))

	dl, err := wal.Open(cfg.Logs.DeadLetter, wal.WithClock(e.Clock))
	if err != nil {
		return nil, errors.Wrap(err, "open dead-letter log")
	}
	a.DeadLetters = dl
	a.Logs = logbuffer.New(e, cfg.logBufferConfig(), a.Client, dl)

	a.Scheduler = scheduler.New(e, cfg.schedulerConfig())
	a.Snapshots = cfg.snapshotManager(e.Clock)

	if cfg.Cache.Enabled {
		store, err := cachebridge.OpenSQLite(cfg.Cache.DBPath)
		if err != nil {
			a.closeStores()
			return nil, errors.Wrap(err, "open cache store")
		}
		a.CacheStore = store
		bridge, err := cachebridge.New(e, cfg.cacheConfig(), store, nil)
		if err != nil {
			a.closeStores()
			return nil, errors.Wrap(err, "create cache bridge")
		}
		a.Cache = bridge
	}

	orch, err := orchestrator.New(e, cfg.orchestratorConfig(), orchestrator.Deps{
		Transport: a.Client,
		Logs:      a.Logs,
		Scheduler: a.Scheduler,
		Snapshots: a.Snapshots,
	})
	if err != nil {
		a.closeStores()
		return nil, errors.Wrap(err, "create orchestrator")
	}
	a.Orchestrator = orch

	if cfg.API.Enabled {
		deps := localapi.Deps{Orchestrator: orch, Logs: a.Logs, Queue: a.Client}
		if a.Cache != nil {
			deps.Assets = a.Cache
		}
		api, err := localapi.New(e, cfg.apiConfig(), deps)
		if err != nil {
			a.closeStores()
			return nil, errors.Wrap(err, "create local api")
		}
		a.API = api
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", e.Metrics.Handler())
		a.metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
	}
	return a, nil
}

// Start runs the orchestrator and the optional servers. Server failures are
// logged; they do not stop the client.
func (a *App) Start(ctx context.Context) error {
	if err := a.Orchestrator.Start(ctx); err != nil {
		return errors.Wrap(err, "start orchestrator")
	}

	if a.API != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.API.Start(); err != nil {
				a.log.Error().Err(err).Msg("Local API failed")
			}
		}()
	}

	if a.metricsSrv != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.log.Info().Str("address", a.metricsSrv.Addr).Msg("Starting metrics server")
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error().Err(err).Msg("Metrics server error")
			}
		}()
	}
	return nil
}

/*
Stop shuts the client down.

Graceful shutdown flow:
 1. stop serving the renderer
 2. stop the orchestrator (final snapshot, transport disconnected)
 3. close the log buffer; undelivered batches land in the dead-letter log
 4. close the stores
*/
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if a.API != nil {
		if err := a.API.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "shutdown metrics server"))
		}
	}
	a.wg.Wait()

	a.Orchestrator.Stop()

	if err := a.Logs.Close(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "close log buffer"))
	}
	if a.Cache != nil {
		a.Cache.Wait()
	}
	errs = append(errs, a.closeStores()...)

	if len(errs) > 0 {
		for _, err := range errs {
			a.log.Error().Err(err).Msg("Shutdown step failed")
		}
		return errs[0]
	}
	return nil
}

func (a *App) closeStores() []error {
	var errs []error
	if a.CacheStore != nil {
		if err := a.CacheStore.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close cache store"))
		}
	}
	if a.DeadLetters != nil {
		if err := a.DeadLetters.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close dead-letter log"))
		}
	}
	return errs
}
