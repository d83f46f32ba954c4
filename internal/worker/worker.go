// Package worker implements the recurring polling loops that drive every service.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gh-frontier/internal/metrics"
)

// Task is one unit of work executed per tick.
type Task func(ctx context.Context) error

// Config controls Pool behavior.
type Config struct {
	Name     string
	Interval time.Duration
	Workers  int
	// TickTimeout bounds a single tick. Zero means no deadline.
	TickTimeout time.Duration
}

// Pool runs Workers independent polling loops of the same task.
type Pool struct {
	cfg    Config
	task   Task
	logger *zap.Logger
}

// New constructs a Pool.
func New(cfg Config, task Task, logger *zap.Logger) (*Pool, error) {
	if cfg.Name == "" {
		return nil, errors.New("pool name is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("pool %s: interval must be > 0", cfg.Name)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("pool %s: workers must be > 0", cfg.Name)
	}
	if task == nil {
		return nil, fmt.Errorf("pool %s: task is required", cfg.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pool{
		cfg:    cfg,
		task:   task,
		logger: logger.With(zap.String("service", cfg.Name)),
	}, nil
}

// Name returns the service name.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Run starts every loop and blocks until the context finishes and all loops return.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("service started",
		zap.Int("workers", p.cfg.Workers),
		zap.Duration("interval", p.cfg.Interval),
	)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p.loop(ctx, idx)
		}(i)
	}
	wg.Wait()
	p.logger.Info("service stopped")
}

// loop waits one interval, runs a tick to completion, and only then re-arms
// its timer, so a worker never overlaps with itself.
func (p *Pool) loop(ctx context.Context, idx int) {
	logger := p.logger.With(zap.Int("worker", idx))
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.tick(ctx, logger)
			timer.Reset(p.cfg.Interval)
		}
	}
}

func (p *Pool) tick(ctx context.Context, logger *zap.Logger) {
	tickCtx := ctx
	if p.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, p.cfg.TickTimeout)
		defer cancel()
	}

	metrics.IncActiveWorkers(p.cfg.Name)
	defer metrics.DecActiveWorkers(p.cfg.Name)

	start := time.Now()
	outcome := "ok"
	err := p.runTask(tickCtx)
	switch {
	case err == nil:
	case errors.Is(err, errPanic):
		outcome = "panic"
		logger.Error("tick panicked", zap.Error(err))
	case ctx.Err() != nil:
		outcome = "canceled"
		logger.Debug("tick interrupted by shutdown", zap.Error(err))
	default:
		outcome = "error"
		logger.Error("tick failed", zap.Error(err))
	}
	metrics.ObserveTick(p.cfg.Name, outcome, time.Since(start))
}

var errPanic = errors.New("panic in task")

func (p *Pool) runTask(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errPanic, rec)
		}
	}()
	return p.task(ctx)
}
