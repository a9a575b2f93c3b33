package worker

// BuildJob is an ephemeral queue entry referencing a build. Jobs are not
// persisted: if the agent restarts, in-flight jobs are lost and the startup
// reconciliation pass re-derives them from the record store.
type BuildJob struct {
	BuildID string
}

// DeployJob hands a successful build to the deploy stage.
type DeployJob struct {
	BuildID  string
	ImageRef string
	App      string
}
