package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/d60-Lab/shelfsync/config"
	"github.com/d60-Lab/shelfsync/internal/hub"
	"github.com/d60-Lab/shelfsync/pkg/redisx"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 {
			return v
		}
	}
	return def
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 {
		k = 0
	}
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range vs {
		sum += d
	}
	return sum / time.Duration(len(vs))
}

// 单个 key 上 SUBS 个订阅者，发布 EVENTS 条进度后发终态，统计发布与送达延迟
func main() {
	cfg := must(config.Load())
	ctx := context.Background()

	KEYS := envInt("KEYS", 16)
	SUBS := envInt("SUBS", 64)
	EVENTS := envInt("EVENTS", 200)
	BUFFER := envInt("BUFFER", EVENTS+2)

	var store hub.LastEventStore
	storeName := "memory"
	if rdb := must(redisx.NewClient(ctx, cfg.Redis)); rdb != nil {
		defer rdb.Close()
		store = hub.NewRedisStore(rdb, "bench", time.Minute)
		storeName = "redis"
	}
	reg := hub.NewRegistry(hub.Options{
		Name:             "bench",
		Store:            store,
		Accepts:          hub.RunEventTypes,
		IsTerminal:       hub.RunTerminal,
		SubscriberBuffer: BUFFER,
	})

	var (
		mu      sync.Mutex
		deliver = make([]time.Duration, 0, KEYS*SUBS*EVENTS)
		dropped int
		wg      sync.WaitGroup
	)
	for k := 0; k < KEYS; k++ {
		key := fmt.Sprintf("run-%d", k)
		for i := 0; i < SUBS; i++ {
			sub := must(reg.Subscribe(ctx, key))
			wg.Add(1)
			go func() {
				defer wg.Done()
				local := make([]time.Duration, 0, EVENTS)
				terminal := false
				for ev := range sub.Events() {
					local = append(local, time.Since(ev.Timestamp))
					if ev.Type == hub.EventSucceeded {
						terminal = true
					}
				}
				mu.Lock()
				deliver = append(deliver, local...)
				if !terminal {
					dropped++
				}
				mu.Unlock()
			}()
		}
	}

	publish := make([]time.Duration, 0, KEYS*EVENTS)
	start := time.Now()
	for e := 0; e < EVENTS; e++ {
		for k := 0; k < KEYS; k++ {
			st := time.Now()
			if err := reg.Publish(ctx, fmt.Sprintf("run-%d", k), hub.EventProgress, map[string]any{"current": e, "total": EVENTS}); err != nil {
				panic(err)
			}
			publish = append(publish, time.Since(st))
		}
	}
	for k := 0; k < KEYS; k++ {
		_ = reg.Publish(ctx, fmt.Sprintf("run-%d", k), hub.EventSucceeded, map[string]any{"current": EVENTS, "total": EVENTS})
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("KEYS=%d SUBS=%d EVENTS=%d BUFFER=%d STORE=%s\n", KEYS, SUBS, EVENTS, BUFFER, storeName)
	fmt.Printf("Publish latency: avg=%v p95=%v p99=%v\n", avg(publish), pct(publish, 0.95), pct(publish, 0.99))
	fmt.Printf("Delivery latency: samples=%d avg=%v p95=%v p99=%v\n", len(deliver), avg(deliver), pct(deliver, 0.95), pct(deliver, 0.99))
	fmt.Printf("Slow subscribers dropped: %d/%d, total=%v, active keys after close=%d\n", dropped, KEYS*SUBS, elapsed, reg.ActiveKeys())
}
