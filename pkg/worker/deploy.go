package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/barrettj12/nimble/pkg/queue"
)

// DeployPool drains the deploy queue. The build stage's only contract with
// deployment is the enqueue hand-off; target resolution and rollout live in
// a later stage, so for now each job is acknowledged and logged.
type DeployPool struct {
	jobs   *queue.Queue[DeployJob]
	logger *zap.Logger
}

func NewDeployPool(jobs *queue.Queue[DeployJob], logger *zap.Logger) *DeployPool {
	return &DeployPool{jobs: jobs, logger: logger}
}

// Run blocks until the context is cancelled or the queue is closed.
func (p *DeployPool) Run(ctx context.Context) {
	p.logger.Info("deploy worker started")
	for {
		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			p.logger.Info("deploy worker stopped", zap.Error(err))
			return
		}
		p.logger.Info("deploy requested",
			zap.String("build_id", job.BuildID),
			zap.String("image", job.ImageRef),
			zap.String("app", job.App))
	}
}
