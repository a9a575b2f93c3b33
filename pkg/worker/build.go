package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/barrettj12/nimble/pkg/artifact"
	"github.com/barrettj12/nimble/pkg/build"
	"github.com/barrettj12/nimble/pkg/builder"
	"github.com/barrettj12/nimble/pkg/project"
	"github.com/barrettj12/nimble/pkg/queue"
)

// BuildPool runs a fixed number of concurrent build workers, each draining
// the same job queue. Per-build mutual exclusion comes from the store's
// guarded transitions, not from queue semantics, so the pool size is purely
// a throughput and toolchain-concurrency knob.
type BuildPool struct {
	store     build.Store
	artifacts *artifact.Store
	registry  *builder.Registry
	jobs      *queue.Queue[BuildJob]
	deploys   *queue.Queue[DeployJob]
	logger    *zap.Logger

	workers         int
	buildTimeout    time.Duration
	purgeWorkspaces bool
}

// BuildPoolConfig wires a BuildPool.
type BuildPoolConfig struct {
	Store     build.Store
	Artifacts *artifact.Store
	Registry  *builder.Registry
	Jobs      *queue.Queue[BuildJob]
	Deploys   *queue.Queue[DeployJob]
	Logger    *zap.Logger

	Workers         int
	BuildTimeout    time.Duration
	PurgeWorkspaces bool
}

func NewBuildPool(cfg BuildPoolConfig) *BuildPool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	timeout := cfg.BuildTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &BuildPool{
		store:           cfg.Store,
		artifacts:       cfg.Artifacts,
		registry:        cfg.Registry,
		jobs:            cfg.Jobs,
		deploys:         cfg.Deploys,
		logger:          cfg.Logger,
		workers:         workers,
		buildTimeout:    timeout,
		purgeWorkspaces: cfg.PurgeWorkspaces,
	}
}

// Run starts the worker loops and blocks until the context is cancelled or
// the job queue is closed and drained.
func (p *BuildPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	wg.Wait()
}

func (p *BuildPool) loop(ctx context.Context, n int) {
	logger := p.logger.With(zap.Int("worker", n))
	logger.Info("build worker started")
	for {
		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			logger.Info("build worker stopped", zap.Error(err))
			return
		}
		p.process(ctx, logger, job)
	}
}

// process drives one build through its full state machine. Every failure is
// converted into a terminal Failed status; nothing here may crash the loop.
func (p *BuildPool) process(ctx context.Context, logger *zap.Logger, job BuildJob) {
	ctx, span := otel.Tracer("nimble/worker").Start(ctx, "process_build",
		trace.WithAttributes(attribute.String("build.id", job.BuildID)))
	defer span.End()

	logger = logger.With(zap.String("build_id", job.BuildID))

	wsPath := p.artifacts.WorkspacePath(job.BuildID)
	if _, err := p.store.Transition(ctx, job.BuildID, build.StatusQueued, build.StatusBuilding,
		build.Fields{WorkspacePath: &wsPath}); err != nil {
		if errors.Is(err, build.ErrConflict) || errors.Is(err, build.ErrNotFound) {
			// Another worker owns this build; not ours to process.
			logger.Debug("claim lost", zap.Error(err))
			return
		}
		logger.Error("claim build", zap.Error(err))
		return
	}
	logger.Info("build claimed")

	workspace, err := p.artifacts.ExtractWorkspace(job.BuildID)
	if err != nil {
		p.fail(ctx, logger, job.BuildID, err, nil)
		return
	}

	sel, err := p.registry.Select(workspace)
	if err != nil {
		p.fail(ctx, logger, job.BuildID, err, nil)
		return
	}
	logger.Info("builder selected", zap.String("builder", sel.Name()))

	imageRef := imageReference(workspace, job.BuildID)
	buildCtx, cancel := context.WithTimeout(ctx, p.buildTimeout)
	img, output, err := sel.Build(buildCtx, workspace, imageRef)
	cancel()
	if err != nil {
		p.fail(ctx, logger, job.BuildID, err, output)
		return
	}

	logRef := p.writeLog(logger, job.BuildID, output)
	resultRef := img.Reference
	if img.Digest != "" {
		resultRef = img.Reference + "@" + img.Digest
	}
	if _, err := p.store.Transition(ctx, job.BuildID, build.StatusBuilding, build.StatusSuccess,
		build.Fields{LogRef: logRef, ResultRef: &resultRef}); err != nil {
		p.stuck(logger, job.BuildID, err)
		return
	}
	logger.Info("build succeeded", zap.String("image", resultRef))

	app := appName(workspace)
	if err := p.deploys.Enqueue(DeployJob{BuildID: job.BuildID, ImageRef: resultRef, App: app}); err != nil {
		// The build itself succeeded; deployment is a separate concern.
		logger.Warn("deploy enqueue failed", zap.Error(err))
	}

	p.cleanup(logger, job.BuildID)
}

// fail records a terminal Failed status with the error kind and any
// captured toolchain output.
func (p *BuildPool) fail(ctx context.Context, logger *zap.Logger, id string, cause error, output []byte) {
	reason := failureReason(cause)
	logger.Info("build failed", zap.String("reason", reason))

	logRef := p.writeLog(logger, id, output)
	if _, err := p.store.Transition(ctx, id, build.StatusBuilding, build.StatusFailed,
		build.Fields{Error: &reason, LogRef: logRef}); err != nil {
		p.stuck(logger, id, err)
		return
	}
	p.cleanup(logger, id)
}

// stuck is the one unrecoverable case: the terminal transition itself could
// not be persisted, so the record may remain in building with no automated
// recovery path.
func (p *BuildPool) stuck(logger *zap.Logger, id string, err error) {
	logger.Error("failed to persist terminal status, build may be stuck in building",
		zap.String("build_id", id), zap.Error(err))
}

func (p *BuildPool) writeLog(logger *zap.Logger, id string, output []byte) *string {
	if len(output) == 0 {
		return nil
	}
	ref, err := p.artifacts.WriteLog(id, output)
	if err != nil {
		logger.Error("persist build log", zap.Error(err))
		return nil
	}
	return &ref
}

func (p *BuildPool) cleanup(logger *zap.Logger, id string) {
	if !p.purgeWorkspaces {
		return
	}
	if err := p.artifacts.PurgeWorkspace(id); err != nil {
		logger.Warn("purge workspace", zap.Error(err))
	}
}

// failureReason maps an error from the per-job algorithm to the
// human-readable reason recorded on the build.
func failureReason(err error) string {
	var archiveErr *artifact.ArchiveError
	var storageErr *artifact.StorageError
	var unknownErr *builder.UnknownBuilderError
	var toolErr *builder.ToolError
	switch {
	case errors.As(err, &archiveErr):
		return fmt.Sprintf("archive error: %v", err)
	case errors.As(err, &storageErr):
		return fmt.Sprintf("storage error: %v", err)
	case errors.As(err, &unknownErr):
		return err.Error()
	case errors.Is(err, builder.ErrNoBuilderFound):
		return err.Error()
	case errors.As(err, &toolErr):
		return fmt.Sprintf("build tool error: %v", toolErr.Err)
	default:
		return err.Error()
	}
}

// imageReference derives the image tag for a build: the project's app name
// when one is configured, tagged with a short build ID.
func imageReference(workspace, buildID string) string {
	tag := buildID
	if len(tag) > 8 {
		tag = tag[:8]
	}
	return fmt.Sprintf("nimble/%s:%s", appNameOrDefault(workspace, buildID), tag)
}

func appName(workspace string) string {
	cfg, err := project.Load(workspace)
	if err != nil {
		return ""
	}
	return cfg.App
}

func appNameOrDefault(workspace, buildID string) string {
	if app := appName(workspace); app != "" {
		return app
	}
	if len(buildID) > 8 {
		return "app-" + buildID[:8]
	}
	return "app-" + buildID
}
