package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldquote/bookd/backend/internal/alerting"
	"go.uber.org/zap"
)

const defaultTaskTimeout = 30 * time.Second

// Runner executes best-effort work detached from the request that spawned
// it. Each task runs with its own timeout and error boundary: a returned
// error or a panic is forwarded to the ops notifier and never reaches the
// caller.
type Runner struct {
	logger   *zap.Logger
	notifier alerting.Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
}

// RunnerConfig configures a detached task runner.
type RunnerConfig struct {
	Logger   *zap.Logger
	Notifier alerting.Notifier
	Timeout  time.Duration
}

// NewRunner constructs a Runner with sane defaults.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	return &Runner{
		logger:   logger,
		notifier: cfg.Notifier,
		timeout:  timeout,
	}
}

// Go runs the task on its own goroutine, detached from the caller's
// context. The task's failure is alerted with the given source and context
// attributes, never propagated.
func (r *Runner) Go(source string, taskContext map[string]string, task func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		defer func() {
			if recovered := recover(); recovered != nil {
				err := fmt.Errorf("task panicked: %v", recovered)
				r.logger.Error("detached task panicked", zap.String("source", source), zap.Any("panic", recovered))
				if r.notifier != nil {
					r.notifier.NotifyOpsAlert(ctx, source, "detached task panicked", err, taskContext)
				}
			}
		}()

		if err := task(ctx); err != nil {
			r.logger.Warn("detached task failed", zap.String("source", source), zap.Error(err))
			if r.notifier != nil {
				r.notifier.NotifyOpsAlert(ctx, source, "detached task failed", err, taskContext)
			}
		}
	}()
}

// Wait blocks until all spawned tasks have finished. Intended for shutdown
// and tests.
func (r *Runner) Wait() {
	r.wg.Wait()
}
