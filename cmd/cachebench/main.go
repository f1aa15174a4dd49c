package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/newsletter/config"
	"github.com/d60-Lab/newsletter/internal/cache"
	"github.com/d60-Lab/newsletter/internal/model"
	"github.com/d60-Lab/newsletter/internal/repository"
	"github.com/d60-Lab/newsletter/pkg/database"
)

// 对比 worker 解析期刊内容时直接读库与走 redis 读穿缓存的延迟
func main() {
	ctx := context.Background()
	cfg := must(config.Load())
	db := must(database.InitDB(cfg))
	mustDo(database.Migrate(db))

	addr := cfg.Redis.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	mustDo(rdb.Ping(ctx).Err())

	ISSUES := envInt("ISSUES", 50)
	READS := envInt("READS", 5000)

	issues := repository.NewIssueRepository(db)
	ids := make([]string, ISSUES)
	for i := range ids {
		issue := &model.NewsletterIssue{
			ID:          uuid.New().String(),
			Title:       fmt.Sprintf("cache bench %d", i),
			TextContent: "plain body",
			HTMLContent: "<p>html body</p>",
			PublishedAt: time.Now().UTC(),
		}
		mustDo(issues.Create(ctx, issue))
		ids[i] = issue.ID
	}

	issueCache := cache.NewIssueCache(rdb, time.Hour)
	rng := rand.New(rand.NewSource(1))

	direct := make([]time.Duration, 0, READS)
	cached := make([]time.Duration, 0, READS)
	for i := 0; i < READS; i++ {
		id := ids[rng.Intn(len(ids))]

		st := time.Now()
		_ = must(issues.Get(ctx, id))
		direct = append(direct, time.Since(st))

		st = time.Now()
		_ = must(issueCache.Get(ctx, id, issues.Get))
		cached = append(cached, time.Since(st))
	}

	hits, misses := issueCache.Stats()
	fmt.Printf("ISSUES=%d READS=%d\n", ISSUES, READS)
	report("DB direct", direct)
	report("Read-through cache", cached)
	fmt.Printf("cache hits=%d misses=%d hit ratio=%.2f%%\n", hits, misses, 100*float64(hits)/float64(hits+misses))
}

func report(name string, vs []time.Duration) {
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	var sum time.Duration
	for _, d := range xs {
		sum += d
	}
	p := func(q float64) time.Duration {
		k := int(float64(len(xs)) * q)
		if k >= len(xs) {
			k = len(xs) - 1
		}
		return xs[k]
	}
	fmt.Printf("%-20s avg=%v p50=%v p95=%v p99=%v\n", name, sum/time.Duration(len(xs)), p(0.5), p(0.95), p(0.99))
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
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
