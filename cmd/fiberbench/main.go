// Command fiberbench drives synthetic workloads on a fiber scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/joeycumines/go-fiber/fiber"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// options are resolved from the config file, then explicitly set flags.
type options struct {
	configPath string
	cfg        config
}

func newRootCommand() *cobra.Command {
	var opts options

	rootCmd := &cobra.Command{
		Use:          "fiberbench",
		Short:        "Fiber scheduler workloads",
		Long:         `Runs ping-pong, fan-in and micro-batching workloads on a fiber scheduler, reporting throughput.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "TOML config file")
	flags.Int("parallelism", 0, "scheduler workers (default GOMAXPROCS)")
	flags.String("log-level", logiface.LevelInformational.String(), "log level (emerg|alert|crit|err|warning|notice|info|debug|trace|disabled)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(opts.configPath)
		if err != nil {
			return err
		}
		if f := cmd.Flags().Lookup("parallelism"); f.Changed {
			if cfg.Parallelism, err = cmd.Flags().GetInt("parallelism"); err != nil {
				return err
			}
		}
		if f := cmd.Flags().Lookup("log-level"); f.Changed {
			if cfg.LogLevel, err = cmd.Flags().GetString("log-level"); err != nil {
				return err
			}
		}
		if _, err := parseLevel(cfg.LogLevel); err != nil {
			return err
		}
		opts.cfg = cfg
		return nil
	}

	pingPongCmd := &cobra.Command{
		Use:   "pingpong",
		Short: "Bounce messages between pairs of fibers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg.PingPong
			if err := overrideInt(cmd, "pairs", &cfg.Pairs); err != nil {
				return err
			}
			if err := overrideInt(cmd, "rounds", &cfg.Rounds); err != nil {
				return err
			}
			if f := cmd.Flags().Lookup("sync"); f.Changed {
				cfg.Sync, _ = cmd.Flags().GetBool("sync")
			}
			return run(cmd, opts.cfg, func(ctx context.Context, s *fiber.Scheduler, logger *logiface.Logger[logiface.Event]) (result, error) {
				return runPingPong(ctx, s, cfg, logger)
			})
		},
	}
	pingPongCmd.Flags().Int("pairs", 0, "number of fiber pairs")
	pingPongCmd.Flags().Int("rounds", 0, "round trips per pair")
	pingPongCmd.Flags().Bool("sync", false, "hand messages directly to the parked receiver")

	fanInCmd := &cobra.Command{
		Use:   "fanin",
		Short: "Send from many producers to a single consumer fiber",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg.FanIn
			if err := overrideInt(cmd, "producers", &cfg.Producers); err != nil {
				return err
			}
			if err := overrideInt(cmd, "messages", &cfg.Messages); err != nil {
				return err
			}
			if err := overrideInt(cmd, "capacity", &cfg.Capacity); err != nil {
				return err
			}
			if f := cmd.Flags().Lookup("policy"); f.Changed {
				cfg.Policy, _ = cmd.Flags().GetString("policy")
			}
			return run(cmd, opts.cfg, func(ctx context.Context, s *fiber.Scheduler, logger *logiface.Logger[logiface.Event]) (result, error) {
				return runFanIn(ctx, s, cfg, logger)
			})
		},
	}
	fanInCmd.Flags().Int("producers", 0, "number of producers, half of which are goroutines")
	fanInCmd.Flags().Int("messages", 0, "messages per producer")
	fanInCmd.Flags().Int("capacity", 0, "channel capacity, negative for unbounded")
	fanInCmd.Flags().String("policy", "", "overflow policy (block|throw|drop|backoff|displace)")

	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit jobs to a micro-batcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg.Batch
			if err := overrideInt(cmd, "jobs", &cfg.Jobs); err != nil {
				return err
			}
			if err := overrideInt(cmd, "submitters", &cfg.Submitters); err != nil {
				return err
			}
			if err := overrideInt(cmd, "max-size", &cfg.MaxSize); err != nil {
				return err
			}
			if err := overrideInt(cmd, "max-concurrency", &cfg.MaxConcurrency); err != nil {
				return err
			}
			if f := cmd.Flags().Lookup("flush-interval"); f.Changed {
				cfg.FlushInterval, _ = cmd.Flags().GetDuration("flush-interval")
			}
			return run(cmd, opts.cfg, func(ctx context.Context, s *fiber.Scheduler, logger *logiface.Logger[logiface.Event]) (result, error) {
				return runBatch(ctx, s, cfg, logger)
			})
		},
	}
	batchCmd.Flags().Int("jobs", 0, "total jobs")
	batchCmd.Flags().Int("submitters", 0, "submitting goroutines")
	batchCmd.Flags().Int("max-size", 0, "maximum jobs per batch")
	batchCmd.Flags().Int("max-concurrency", 0, "maximum concurrent batches")
	batchCmd.Flags().Duration("flush-interval", 0, "maximum wait for a partial batch")

	rootCmd.AddCommand(pingPongCmd, fanInCmd, batchCmd)
	return rootCmd
}

func overrideInt(cmd *cobra.Command, name string, v *int) error {
	if !cmd.Flags().Lookup(name).Changed {
		return nil
	}
	n, err := cmd.Flags().GetInt(name)
	if err != nil {
		return fmt.Errorf("failed to get %s flag: %w", name, err)
	}
	*v = n
	return nil
}

type workload func(ctx context.Context, s *fiber.Scheduler, logger *logiface.Logger[logiface.Event]) (result, error)

// run executes fn on a fresh scheduler, logging JSON to stderr, and prints
// the result to stdout.
func run(cmd *cobra.Command, cfg config, fn workload) error {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(cmd.ErrOrStderr())),
		stumpy.L.WithLevel(level),
	).Logger()

	schedOpts := []fiber.Option{
		fiber.WithName("fiberbench"),
		fiber.WithLogger(logger),
	}
	if cfg.Parallelism != 0 {
		schedOpts = append(schedOpts, fiber.WithParallelism(cfg.Parallelism))
	}
	s, err := fiber.NewScheduler(schedOpts...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := fn(ctx, s, logger)
	if err != nil {
		logger.Err().Err(err).Log("workload failed")
		_ = s.Close()
		return err
	}

	if err := s.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info().
		Str("workload", res.Workload).
		Int64("ops", res.Ops).
		Dur("elapsed", res.Elapsed).
		Log("workload complete")

	_, err = fmt.Fprintln(cmd.OutOrStdout(), res)
	return err
}
