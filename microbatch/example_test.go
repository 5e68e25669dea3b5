package microbatch_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-fiber/fiber"
	"github.com/joeycumines/go-fiber/microbatch"
)

// Demonstrates batches running concurrently on a single worker, since a batch
// that waits on a fiber-aware primitive parks, rather than blocking.
func ExampleBatcher() {
	scheduler, err := fiber.NewScheduler(fiber.WithParallelism(1))
	if err != nil {
		panic(err)
	}
	defer scheduler.Close()

	type Job struct {
		N      int
		Result int
	}

	var running, maxRunning atomic.Int32
	batcher, err := microbatch.NewBatcher(scheduler, &microbatch.BatcherConfig{
		MaxSize:        2,
		FlushInterval:  -1,
		MaxConcurrency: 4,
	}, func(ctx context.Context, jobs []*Job) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}

		for _, job := range jobs {
			job.Result = job.N * 2
		}

		// simulating a remote call, the worker is free to run other batches
		return fiber.Sleep(ctx, 50*time.Millisecond)
	})
	if err != nil {
		panic(err)
	}
	defer batcher.Close()

	ctx := context.Background()
	var results []*microbatch.JobResult[*Job]
	for i := 1; i <= 8; i++ {
		r, err := batcher.Submit(ctx, &Job{N: i})
		if err != nil {
			panic(err)
		}
		results = append(results, r)
	}

	var doubled []int
	for _, r := range results {
		if err := r.Wait(ctx); err != nil {
			panic(err)
		}
		doubled = append(doubled, r.Job.Result)
	}

	fmt.Println("results:", doubled)
	fmt.Println("max concurrent batches:", maxRunning.Load())

	//output:
	//results: [2 4 6 8 10 12 14 16]
	//max concurrent batches: 4
}
