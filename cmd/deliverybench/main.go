package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/d60-Lab/newsletter/config"
	"github.com/d60-Lab/newsletter/internal/model"
	"github.com/d60-Lab/newsletter/internal/repository"
	"github.com/d60-Lab/newsletter/internal/service"
	"github.com/d60-Lab/newsletter/pkg/database"
)

// countingSender 不真正发信，只计数
type countingSender struct{ n atomic.Int64 }

func (s *countingSender) Send(context.Context, string, string, string, string) error {
	s.n.Add(1)
	return nil
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	db, err := database.InitDB(cfg)
	if err != nil {
		panic(err)
	}
	if err := database.Migrate(db); err != nil {
		panic(err)
	}

	SUBSCRIBERS := envInt("SUBSCRIBERS", 2000)
	ISSUES := envInt("ISSUES", 20)
	WORKERS := envInt("WORKERS", 8)

	ctx := context.Background()
	subs := repository.NewSubscriptionRepository(db)
	have, err := subs.CountByStatus(ctx, model.SubscriptionStatusConfirmed)
	if err != nil {
		panic(err)
	}
	for i := int(have); i < SUBSCRIBERS; i++ {
		err := subs.Create(ctx, &model.Subscription{
			Email:  fmt.Sprintf("bench-%06d@example.com", i),
			Name:   fmt.Sprintf("bench %d", i),
			Status: model.SubscriptionStatusConfirmed,
		})
		if err != nil {
			panic(err)
		}
	}

	issues := repository.NewIssueRepository(db)
	queue := repository.NewDeliveryQueueRepository(db)
	idem := repository.NewIdempotencyRepository(db)
	publisher := service.NewPublisher(db, issues, queue, idem)
	user := uuid.New().String()

	publish := func(key string) time.Duration {
		st := time.Now()
		_, err := publisher.Publish(ctx, service.PublishInput{
			UserID:         user,
			IdempotencyKey: service.IdempotencyKey(key),
			Title:          "bench issue " + key,
			TextContent:    "plain body",
			HTMLContent:    "<p>html body</p>",
		})
		if err != nil {
			panic(err)
		}
		return time.Since(st)
	}

	fresh := make([]time.Duration, 0, ISSUES)
	replays := make([]time.Duration, 0, ISSUES)
	for i := 0; i < ISSUES; i++ {
		key := fmt.Sprintf("bench-%s-%d", user[:8], i)
		fresh = append(fresh, publish(key))
		replays = append(replays, publish(key))
	}

	// drain with WORKERS concurrent consumers
	sender := &countingSender{}
	worker := service.NewDeliveryWorker(db, queue, issues, sender, service.WorkerOptions{})
	st := time.Now()
	var wg sync.WaitGroup
	wg.Add(WORKERS)
	for i := 0; i < WORKERS; i++ {
		go func() {
			defer wg.Done()
			for {
				outcome, err := worker.TryExecuteTask(ctx)
				if err != nil || outcome == service.EmptyQueue {
					return
				}
			}
		}()
	}
	wg.Wait()
	drain := time.Since(st)

	pct := func(vs []time.Duration, p float64) time.Duration {
		xs := append([]time.Duration(nil), vs...)
		sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
		k := int(float64(len(xs)) * p)
		if k >= len(xs) {
			k = len(xs) - 1
		}
		return xs[k]
	}
	avg := func(vs []time.Duration) time.Duration {
		var sum time.Duration
		for _, d := range vs {
			sum += d
		}
		return sum / time.Duration(len(vs))
	}

	sent := sender.n.Load()
	pending, _ := queue.CountPending(ctx, "")
	fmt.Printf("SUBSCRIBERS=%d ISSUES=%d WORKERS=%d\n", SUBSCRIBERS, ISSUES, WORKERS)
	fmt.Printf("Publish (fresh):  avg=%v p95=%v p99=%v\n", avg(fresh), pct(fresh, 0.95), pct(fresh, 0.99))
	fmt.Printf("Publish (replay): avg=%v p95=%v p99=%v\n", avg(replays), pct(replays, 0.95), pct(replays, 0.99))
	fmt.Printf("Drain: sent=%d pending=%d elapsed=%v throughput=%.0f/s\n", sent, pending, drain, float64(sent)/drain.Seconds())
}
