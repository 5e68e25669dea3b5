package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-fiber/channel"
	"github.com/joeycumines/go-fiber/fiber"
	"github.com/joeycumines/go-fiber/microbatch"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

// result summarises a workload run.
type result struct {
	Workload string
	Ops      int64
	Elapsed  time.Duration
}

func (r result) String() string {
	rate := float64(r.Ops) / r.Elapsed.Seconds()
	return fmt.Sprintf("%s: %d ops in %s (%.0f ops/s)", r.Workload, r.Ops, r.Elapsed.Round(time.Microsecond), rate)
}

func parsePolicy(s string) (channel.OverflowPolicy, error) {
	for _, p := range []channel.OverflowPolicy{
		channel.PolicyBlock,
		channel.PolicyThrow,
		channel.PolicyDrop,
		channel.PolicyBackoff,
		channel.PolicyDisplace,
	} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid overflow policy: %q", s)
}

// runPingPong bounces a counter between pairs of fibers, over single slot
// channels.
func runPingPong(ctx context.Context, s *fiber.Scheduler, cfg pingPongConfig, logger *logiface.Logger[logiface.Event]) (result, error) {
	if cfg.Pairs <= 0 || cfg.Rounds <= 0 {
		return result{}, errors.New("pingpong: pairs and rounds must be positive")
	}

	logger.Debug().
		Int("pairs", cfg.Pairs).
		Int("rounds", cfg.Rounds).
		Bool("sync", cfg.Sync).
		Log("starting pingpong")

	send := (*channel.Channel[int]).Send
	if cfg.Sync {
		send = (*channel.Channel[int]).SendSync
	}

	start := time.Now()
	fibers := make([]*fiber.Fiber[struct{}], 0, cfg.Pairs*2)
	for i := range cfg.Pairs {
		ping := channel.New[int](1, channel.PolicyBlock)
		pong := channel.New[int](1, channel.PolicyBlock)

		f, err := s.Go(ctx, func(ctx context.Context) error {
			for n := range cfg.Rounds {
				if err := send(ping, ctx, n); err != nil {
					return err
				}
				m, err := pong.Receive(ctx)
				if err != nil {
					return err
				}
				if m != n {
					return fmt.Errorf("pingpong: pair %d expected %d, got %d", i, n, m)
				}
			}
			ping.Close()
			return nil
		}, fiber.WithTaskName(fmt.Sprintf("ping-%d", i)))
		if err != nil {
			return result{}, err
		}
		fibers = append(fibers, f)

		f, err = s.Go(ctx, func(ctx context.Context) error {
			for {
				m, err := ping.Receive(ctx)
				if errors.Is(err, channel.ErrClosed) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := send(pong, ctx, m); err != nil {
					return err
				}
			}
		}, fiber.WithTaskName(fmt.Sprintf("pong-%d", i)))
		if err != nil {
			return result{}, err
		}
		fibers = append(fibers, f)
	}

	for _, f := range fibers {
		if _, err := f.Join(ctx); err != nil {
			return result{}, err
		}
	}

	return result{
		Workload: "pingpong",
		Ops:      int64(cfg.Pairs) * int64(cfg.Rounds) * 2,
		Elapsed:  time.Since(start),
	}, nil
}

// runFanIn sends from many producers, half fibers and half goroutines, to a
// single consuming fiber.
func runFanIn(ctx context.Context, s *fiber.Scheduler, cfg fanInConfig, logger *logiface.Logger[logiface.Event]) (result, error) {
	if cfg.Producers <= 0 || cfg.Messages <= 0 || cfg.Capacity == 0 {
		return result{}, errors.New("fanin: producers, messages and capacity must be non-zero")
	}
	policy, err := parsePolicy(cfg.Policy)
	if err != nil {
		return result{}, err
	}

	logger.Debug().
		Int("producers", cfg.Producers).
		Int("messages", cfg.Messages).
		Int("capacity", cfg.Capacity).
		Str("policy", policy.String()).
		Log("starting fanin")

	ch := channel.New[int](cfg.Capacity, policy)
	start := time.Now()

	consumer, err := fiber.Spawn(ctx, s, func(ctx context.Context) (int64, error) {
		var received int64
		for {
			_, err := ch.Receive(ctx)
			if errors.Is(err, channel.ErrClosed) {
				return received, nil
			}
			if err != nil {
				return received, err
			}
			received++
		}
	}, fiber.WithTaskName("fanin-consumer"))
	if err != nil {
		return result{}, err
	}

	var rejected atomic.Int64
	produce := func(ctx context.Context) error {
		for n := range cfg.Messages {
			if err := ch.Send(ctx, n); err != nil {
				if errors.Is(err, channel.ErrQueueFull) {
					rejected.Add(1)
					continue
				}
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for p := range cfg.Producers {
		if p%2 == 0 {
			g.Go(func() error { return produce(gctx) })
			continue
		}
		f, err := s.Go(gctx, produce, fiber.WithTaskName(fmt.Sprintf("fanin-producer-%d", p)))
		if err != nil {
			return result{}, err
		}
		g.Go(func() error {
			_, err := f.Join(gctx)
			return err
		})
	}
	err = g.Wait()
	ch.Close()
	if err != nil {
		return result{}, err
	}

	received, err := consumer.Join(ctx)
	if err != nil {
		return result{}, err
	}

	if n := rejected.Load(); n != 0 || received != int64(cfg.Producers*cfg.Messages) {
		logger.Info().
			Int64("received", received).
			Int64("rejected", n).
			Log("fanin messages lost to overflow")
	}

	return result{
		Workload: "fanin",
		Ops:      received,
		Elapsed:  time.Since(start),
	}, nil
}

// runBatch submits jobs to a microbatch.Batcher from many goroutines, each
// waiting for its job.
func runBatch(ctx context.Context, s *fiber.Scheduler, cfg batchConfig, logger *logiface.Logger[logiface.Event]) (result, error) {
	if cfg.Jobs <= 0 || cfg.Submitters <= 0 {
		return result{}, errors.New("batch: jobs and submitters must be positive")
	}

	logger.Debug().
		Int("jobs", cfg.Jobs).
		Int("submitters", cfg.Submitters).
		Int("max_size", cfg.MaxSize).
		Dur("flush_interval", cfg.FlushInterval).
		Log("starting batch")

	var batches, processed atomic.Int64
	batcher, err := microbatch.NewBatcher(s, &microbatch.BatcherConfig{
		MaxSize:        cfg.MaxSize,
		FlushInterval:  cfg.FlushInterval,
		MaxConcurrency: cfg.MaxConcurrency,
	}, func(ctx context.Context, jobs []*int64) error {
		batches.Add(1)
		for _, job := range jobs {
			*job *= 2
		}
		processed.Add(int64(len(jobs)))
		return nil
	})
	if err != nil {
		return result{}, err
	}
	defer batcher.Close()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := range cfg.Submitters {
		g.Go(func() error {
			for n := w; n < cfg.Jobs; n += cfg.Submitters {
				job := int64(n)
				r, err := batcher.Submit(gctx, &job)
				if err != nil {
					return err
				}
				if err := r.Wait(gctx); err != nil {
					return err
				}
				if job != int64(n)*2 {
					return fmt.Errorf("batch: job %d not processed", n)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result{}, err
	}
	if err := batcher.Shutdown(ctx); err != nil {
		return result{}, err
	}

	logger.Info().
		Int64("batches", batches.Load()).
		Int64("jobs", processed.Load()).
		Log("batch complete")

	return result{
		Workload: "batch",
		Ops:      processed.Load(),
		Elapsed:  time.Since(start),
	}, nil
}
