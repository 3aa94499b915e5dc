// Package worker runs the background loops: periodic ticks of the
// orchestration components and the sync queue processors.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"query-orchestrator/internal/telemetry"
)

// Task is one periodic component. Each task ticks on its own schedule and
// never waits on another task.
type Task struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context) error
}

// Runner drives periodic tasks and long-running loops until cancelled.
type Runner struct {
	tasks  []Task
	loops  map[string]func(ctx context.Context) error
	logger *zap.Logger
}

func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{loops: map[string]func(ctx context.Context) error{}, logger: logger.Named("runner")}
}

// Every registers a periodic task. The first tick runs immediately.
func (r *Runner) Every(name string, interval time.Duration, tick func(ctx context.Context) error) {
	r.tasks = append(r.tasks, Task{Name: name, Interval: interval, Tick: tick})
}

// Loop registers a function that runs until ctx is cancelled, such as a
// queue processor.
func (r *Runner) Loop(name string, run func(ctx context.Context) error) {
	r.loops[name] = run
}

// Run blocks until ctx is cancelled. Tick errors are logged and the task
// keeps its schedule.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range r.tasks {
		task := task
		g.Go(func() error {
			r.every(gctx, task)
			return nil
		})
	}
	for name, run := range r.loops {
		name, run := name, run
		g.Go(func() error {
			if err := run(gctx); err != nil && gctx.Err() == nil {
				r.logger.Error("loop exited", zap.String("loop", name), zap.Error(err))
				return err
			}
			return nil
		})
	}
	r.logger.Info("background tasks started", zap.Int("tasks", len(r.tasks)), zap.Int("loops", len(r.loops)))
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Runner) every(ctx context.Context, task Task) {
	log := r.logger.With(zap.String("task", task.Name))
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		r.tick(ctx, log, task)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) tick(ctx context.Context, log *zap.Logger, task Task) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error("tick panicked", zap.Any("panic", p))
		}
		telemetry.TickDuration.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())
	}()
	if err := task.Tick(ctx); err != nil && ctx.Err() == nil {
		log.Error("tick failed", zap.Error(err))
	}
}
