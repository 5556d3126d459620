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
	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/queue"
	"github.com/d60-Lab/shelfsync/internal/repository"
	"github.com/d60-Lab/shelfsync/internal/service"
	"github.com/d60-Lab/shelfsync/pkg/database"
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

// syntheticFetcher 每个来源固定返回 n 条书目
type syntheticFetcher struct{ n int }

func (f syntheticFetcher) Fetch(_ context.Context, src *model.ShelfSource) ([]service.ShelfItemInput, error) {
	out := make([]service.ShelfItemInput, f.n)
	for i := range out {
		out[i] = service.ShelfItemInput{Title: fmt.Sprintf("%s book %d", src.ID[:8], i)}
	}
	return out, nil
}

// 每个 run 从 StartRun 到收到终态事件计为落地延迟
func main() {
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	defer func() { _ = database.Close(db) }()
	if err := repository.AutoMigrate(db); err != nil {
		panic(err)
	}

	RUNS := envInt("RUNS", 200)
	ITEMS := envInt("ITEMS", 120)
	WORKERS := envInt("WORKERS", 4)
	BATCH := envInt("BATCH", 10)

	ctx := context.Background()
	runs := repository.NewSyncRunRepository(db)
	sources := repository.NewShelfSourceRepository(db)
	items := repository.NewShelfItemRepository(db)
	notes := repository.NewNotificationRepository(db)

	runHub := hub.NewRegistry(hub.Options{Name: "sync-run", Accepts: hub.RunEventTypes, IsTerminal: hub.RunTerminal})
	q := queue.NewMemoryQueue(queue.MemoryOptions{BufferSize: RUNS, BatchSize: BATCH, Workers: WORKERS})
	svc := service.NewSyncRunService(service.SyncRunDeps{
		Runs:          runs,
		Sources:       sources,
		Items:         items,
		Notifications: service.NewNotificationService(notes, items, nil, nil),
		Producer:      q,
		Hub:           runHub,
		Fetcher:       syntheticFetcher{n: ITEMS},
	})
	stop := q.Start(svc.HandleBatch)
	defer func() { _ = stop(context.Background()) }()

	owner := "bench-owner"
	srcIDs := make([]string, RUNS)
	for i := range srcIDs {
		src := &model.ShelfSource{OwnerID: owner, SourceType: model.SourceTypeRSS, Provider: "goodreads", SourceRef: fmt.Sprintf("https://example.com/rss/%d", i)}
		if err := sources.Create(ctx, src); err != nil {
			panic(err)
		}
		srcIDs[i] = src.ID
	}

	var (
		mu      sync.Mutex
		land    = make([]time.Duration, 0, RUNS)
		failed  int
		wg      sync.WaitGroup
		startup = make([]time.Duration, 0, RUNS)
	)
	for _, id := range srcIDs {
		st := time.Now()
		run, err := svc.StartRun(ctx, owner, model.RunKindShelfSourceSync, service.StartOptions{SourceID: id})
		if err != nil {
			panic(err)
		}
		startup = append(startup, time.Since(st))

		sub := must(runHub.Subscribe(ctx, run.ID))
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last hub.Event
			for ev := range sub.Events() {
				last = ev
			}
			mu.Lock()
			land = append(land, time.Since(st))
			if last.Type != hub.EventSucceeded {
				failed++
			}
			mu.Unlock()
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Minute):
		mu.Lock()
		fmt.Printf("timeout while waiting for runs: got=%d want=%d\n", len(land), RUNS)
		mu.Unlock()
	}

	var batches []time.Duration
drain:
	for {
		select {
		case d := <-q.Metrics():
			batches = append(batches, d)
		default:
			break drain
		}
	}

	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("RUNS=%d ITEMS=%d WORKERS=%d BATCH=%d\n", RUNS, ITEMS, WORKERS, BATCH)
	fmt.Printf("StartRun latency: avg=%v p95=%v p99=%v\n", avg(startup), pct(startup, 0.95), pct(startup, 0.99))
	fmt.Printf("Run landing (start->terminal): samples=%d failed=%d avg=%v p95=%v p99=%v\n", len(land), failed, avg(land), pct(land, 0.95), pct(land, 0.99))
	fmt.Printf("Batch handling: batches=%d avg=%v p95=%v\n", len(batches), avg(batches), pct(batches, 0.95))

	st := time.Now()
	total, err := items.CountBySource(ctx, owner, srcIDs[0])
	if err == nil {
		fmt.Printf("Items read (source0): %v, rows=%d\n", time.Since(st), total)
	}
}
