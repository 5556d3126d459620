package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/shelfsync/config"
	"github.com/d60-Lab/shelfsync/internal/cache"
	"github.com/d60-Lab/shelfsync/internal/model"
	"github.com/d60-Lab/shelfsync/internal/repository"
	"github.com/d60-Lab/shelfsync/internal/service"
	"github.com/d60-Lab/shelfsync/pkg/database"
	"github.com/d60-Lab/shelfsync/pkg/redisx"
)

// 未读数查询：直连数据库 vs Redis 计数缓存，读写混合（WRITE_RATIO 比例的请求会新增通知并失效缓存）
func main() {
	ctx := context.Background()
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	defer func() { _ = database.Close(db) }()
	mustDo(repository.AutoMigrate(db))

	client := must(redisx.NewClient(ctx, cfg.Redis))
	if client == nil {
		panic("cachebench requires redis.addr")
	}
	defer client.Close()

	owners := envInt("OWNERS", 50)
	perOwner := envInt("PER_OWNER", 400)
	requests := envInt("REQUESTS", 9000)
	writeRatio := 0.02
	if s := os.Getenv("WRITE_RATIO"); s != "" {
		if v, e := strconv.ParseFloat(s, 64); e == nil && v >= 0 && v <= 1 {
			writeRatio = v
		}
	}

	fmt.Println("Setting up test data...")
	items := repository.NewShelfItemRepository(db)
	notes := repository.NewNotificationRepository(db)
	ownerIDs := make([]string, owners)
	itemIDs := make([]string, owners)
	for i := range ownerIDs {
		ownerIDs[i] = "bench-" + uuid.NewString()[:8]
		item := &model.ShelfItem{OwnerID: ownerIDs[i], Title: fmt.Sprintf("Book %d", i)}
		mustDo(items.Create(ctx, item))
		itemIDs[i] = item.ID
		for j := 0; j < perOwner; j++ {
			must(notes.Insert(ctx, repository.NotificationInsert{
				OwnerID: ownerIDs[i], ShelfItemID: item.ID,
				Format: "ebook", OldStatus: "hold", NewStatus: "available",
			}))
		}
	}
	fmt.Printf("Test data ready: %d owners x %d notifications\n", owners, perOwner)

	plan := makePlan(requests, owners, writeRatio)

	noCache := runScenario(ctx, client, service.NewNotificationService(notes, items, nil, nil), nil, plan, ownerIDs, itemIDs)
	counter := cache.NewUnreadCounter(client, 10*time.Minute)
	cached := runScenario(ctx, client, service.NewNotificationService(notes, items, nil, counter), counter, plan, ownerIDs, itemIDs)

	fmt.Printf("\nUnread count latency (%d req, %d owners, write_ratio=%.2f)\n", requests, owners, writeRatio)
	for _, r := range []struct {
		name string
		res  scenarioResult
	}{{"No cache", noCache}, {"Redis counter", cached}} {
		fmt.Printf("%-14s avg=%v p95=%v p99=%v hits=%d misses=%d cache_keys=%d mem=%s\n",
			r.name, avg(r.res.durations), pct(r.res.durations, 0.95), pct(r.res.durations, 0.99),
			r.res.hits, r.res.misses, r.res.cacheKeys, formatBytes(r.res.memoryBytes))
	}
}

type step struct {
	owner int
	write bool
}

type scenarioResult struct {
	durations    []time.Duration
	hits, misses int64
	cacheKeys    int
	memoryBytes  int64
}

func runScenario(ctx context.Context, client *redis.Client, svc *service.NotificationService, counter *cache.UnreadCounter, plan []step, ownerIDs, itemIDs []string) scenarioResult {
	client.FlushDB(ctx)

	fmt.Print("  Running benchmark...")
	out := make([]time.Duration, 0, len(plan))
	for _, s := range plan {
		owner := ownerIDs[s.owner]
		if s.write {
			must(svc.Record(ctx, owner, service.AvailabilityChange{
				ShelfItemID: itemIDs[s.owner], Format: "audiobook", OldStatus: "hold", NewStatus: "available",
			}))
			continue
		}
		start := time.Now()
		must(svc.UnreadCount(ctx, owner))
		out = append(out, time.Since(start))
	}
	fmt.Println(" done")

	keys, _ := client.Keys(ctx, "notifications:unread:*").Result()
	var memBytes int64
	if info, err := client.Info(ctx, "memory").Result(); err == nil {
		memBytes = parseUsedMemory(info)
	}
	hits, misses := counter.Stats()
	return scenarioResult{durations: out, hits: hits, misses: misses, cacheKeys: len(keys), memoryBytes: memBytes}
}

// parseUsedMemory 取 INFO memory 中的 used_memory
func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory:"); ok {
			n, _ := strconv.ParseInt(v, 10, 64)
			return n
		}
	}
	return 0
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// makePlan 固定种子，两种场景使用同一请求序列；热点 owner 占多数
func makePlan(n, owners int, writeRatio float64) []step {
	rnd := rand.New(rand.NewSource(42))
	hot := owners / 5
	if hot == 0 {
		hot = 1
	}
	out := make([]step, n)
	for i := range out {
		owner := rnd.Intn(owners)
		if rnd.Float64() < 0.8 {
			owner = rnd.Intn(hot)
		}
		out[i] = step{owner: owner, write: rnd.Float64() < writeRatio}
	}
	return out
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 {
			return v
		}
	}
	return def
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range vs {
		sum += v
	}
	return sum / time.Duration(len(vs))
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), vs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func mustDo(err error) {
	if err != nil {
		panic(err)
	}
}
