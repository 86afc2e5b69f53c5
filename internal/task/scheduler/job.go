package scheduler

import "context"

// Job is the body a scheduler runs. ctx is cancelled when the run is
// cancelled (pause, remove, manual cancel, shutdown); bodies are expected to
// return promptly once it is done.
type Job interface {
	Execute(ctx context.Context, jc *JobExecutionContext) error
}

// JobFunc adapts a function into a Job.
type JobFunc func(ctx context.Context, jc *JobExecutionContext) error

func (f JobFunc) Execute(ctx context.Context, jc *JobExecutionContext) error { return f(ctx, jc) }
