// nimbled is the nimble PaaS agent: it accepts application source archives
// over HTTP, builds them into container images, and hands successful builds
// to the deploy stage.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/barrettj12/nimble/pkg/api"
	"github.com/barrettj12/nimble/pkg/artifact"
	"github.com/barrettj12/nimble/pkg/build"
	"github.com/barrettj12/nimble/pkg/builder"
	"github.com/barrettj12/nimble/pkg/config"
	"github.com/barrettj12/nimble/pkg/queue"
	"github.com/barrettj12/nimble/pkg/telemetry"
	"github.com/barrettj12/nimble/pkg/worker"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.DevMode)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "nimbled", logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	artifacts, err := artifact.NewStore(cfg.DataDir)
	if err != nil {
		logger.Fatal("init artifact store", zap.Error(err))
	}

	store, closeStore, err := newStore(cfg)
	if err != nil {
		logger.Fatal("init build record store", zap.Error(err))
	}
	defer closeStore()

	jobs := queue.New[worker.BuildJob](cfg.QueueCapacity)
	deploys := queue.New[worker.DeployJob](cfg.DeployQueueCapacity)

	if err := worker.Reconcile(ctx, store, jobs, logger); err != nil {
		logger.Fatal("reconcile build records", zap.Error(err))
	}

	pool := worker.NewBuildPool(worker.BuildPoolConfig{
		Store:           store,
		Artifacts:       artifacts,
		Registry:        builder.NewRegistry(),
		Jobs:            jobs,
		Deploys:         deploys,
		Logger:          logger,
		Workers:         cfg.BuildWorkers,
		BuildTimeout:    cfg.BuildTimeout,
		PurgeWorkspaces: cfg.PurgeWorkspaces,
	})
	deployPool := worker.NewDeployPool(deploys, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		deployPool.Run(ctx)
	}()

	server := api.NewServer(store, artifacts, jobs, logger)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: server.Router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("nimbled listening", zap.String("addr", cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("agent server failed", zap.Error(err))
	}

	stop()
	wg.Wait()
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newStore picks the build record store: Postgres when configured,
// otherwise the in-memory store for single-process development use.
func newStore(cfg config.AgentConfig) (build.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return build.NewMemStore(), func() {}, nil
	}
	pg, err := build.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}
