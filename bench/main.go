package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/store"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	target      = flag.String("target", "all", "Target: memory, redis, redis-raw")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
)

// Each operation is one heartbeat-tick worth of record work: read the
// owner slot, then rewrite owner and beat. This is the hot path of an
// active guard, so it is what backend choice actually costs.
func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "redis", "redis-raw"}
	}

	fmt.Printf("| %-15s | %-10s | %-12s |\n", "Backend", "Ops/sec", "Avg Latency")
	fmt.Println("|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func runBenchmark(name string) {
	var (
		tickFn  func(ctx context.Context, id string) error
		cleanup func()
	)

	ctx := context.Background()

	switch name {
	case "memory":
		region := store.NewMemory()
		rec := lock.NewRecord(region.Handle())
		tickFn = func(ctx context.Context, id string) error {
			rec.Owner(ctx)
			rec.Claim(ctx, id, time.Now())
			return nil
		}

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		rec := lock.NewRecord(store.NewRedisStore(client, store.WithPrefix("bench")),
			lock.WithKeys(lock.Keys{Owner: "bench:owner", Beat: "bench:beat"}))
		tickFn = func(ctx context.Context, id string) error {
			rec.Owner(ctx)
			if !rec.Claim(ctx, id, time.Now()) {
				return fmt.Errorf("claim failed")
			}
			return nil
		}
		cleanup = func() { client.Close() }

	case "redis-raw":
		// Baseline: the same two writes without the record layer.
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		tickFn = func(ctx context.Context, id string) error {
			if err := client.Get(ctx, "bench:owner").Err(); err != nil && err != redis.Nil {
				return err
			}
			pipe := client.TxPipeline()
			pipe.Set(ctx, "bench:owner", id, 0)
			pipe.Set(ctx, "bench:beat", fmt.Sprint(time.Now().UnixMilli()), 0)
			_, err := pipe.Exec(ctx)
			return err
		}
		cleanup = func() { client.Close() }

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	if cleanup != nil {
		defer cleanup()
	}

	var wg sync.WaitGroup
	var ops int64

	start := time.Now()
	chunk := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			id := fmt.Sprintf("bench-%d", worker)
			for j := 0; j < chunk; j++ {
				if err := tickFn(ctx, id); err == nil {
					atomic.AddInt64(&ops, 1)
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-15s | %-10s | %-12s |\n", name, "ERROR", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := time.Duration(elapsed.Nanoseconds() / ops)

	fmt.Printf("| %-15s | %-10.0f | %-12s |\n", name, throughput, avgLat)
}
