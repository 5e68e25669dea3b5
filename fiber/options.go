// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"errors"
	"runtime"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// defaultInlineDepth bounds nested task execution on a single worker.
	defaultInlineDepth = 4
)

// schedulerOptions holds configuration options for Scheduler creation.
type schedulerOptions struct {
	logger          *logiface.Logger[logiface.Event]
	uncaught        func(t *Task, err error)
	failureLogRates map[time.Duration]int
	name            string
	parallelism     int
	inlineDepth     int
}

// --- Scheduler Options ---

// Option configures a Scheduler instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// schedulerOptionImpl implements Option.
type schedulerOptionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (s *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) error {
	return s.applySchedulerFunc(opts)
}

// WithParallelism sets the number of worker goroutines.
// Defaults to [runtime.GOMAXPROCS].
func WithParallelism(n int) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		if n <= 0 {
			return errors.New("fiber: parallelism must be positive")
		}
		opts.parallelism = n
		return nil
	}}
}

// WithName names the scheduler, for logs and task names.
func WithName(name string) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.name = name
		return nil
	}}
}

// WithLogger configures structured logging. A nil logger disables logging,
// which is also the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithUncaughtHandler sets the hook receiving every error or panic that
// escapes a fiber body. The fiber's own result observes the failure
// regardless. The default handler logs at error level.
//
// The handler runs on a worker goroutine and must not block.
func WithUncaughtHandler(fn func(t *Task, err error)) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.uncaught = fn
		return nil
	}}
}

// WithFailureLogRate sets the per-category rate limits applied by the
// default uncaught handler, where the category is the task name. A nil or
// empty map disables rate limiting.
func WithFailureLogRate(rates map[time.Duration]int) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.failureLogRates = rates
		return nil
	}}
}

// WithInlineDepth bounds how many tasks may be nested on a single worker by
// [Task.TryExecNow]. Zero disables inline execution.
func WithInlineDepth(depth int) Option {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		if depth < 0 {
			return errors.New("fiber: inline depth must not be negative")
		}
		opts.inlineDepth = depth
		return nil
	}}
}

// resolveSchedulerOptions applies Option instances to schedulerOptions.
func resolveSchedulerOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		name:        "fiber",
		parallelism: runtime.GOMAXPROCS(0),
		inlineDepth: defaultInlineDepth,
		failureLogRates: map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// --- Spawn Options ---

// spawnOptions holds configuration options for a single fiber.
type spawnOptions struct {
	name string
}

// SpawnOption configures a fiber created by [Spawn].
type SpawnOption interface {
	applySpawn(*spawnOptions)
}

type spawnOptionImpl struct {
	applySpawnFunc func(*spawnOptions)
}

func (s *spawnOptionImpl) applySpawn(opts *spawnOptions) {
	s.applySpawnFunc(opts)
}

// WithTaskName names the fiber. Names need not be unique; they categorize
// failure logs.
func WithTaskName(name string) SpawnOption {
	return &spawnOptionImpl{func(opts *spawnOptions) {
		opts.name = name
	}}
}

func resolveSpawnOptions(opts []SpawnOption) *spawnOptions {
	cfg := &spawnOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applySpawn(cfg)
	}
	return cfg
}
