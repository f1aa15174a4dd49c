package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/d60-Lab/newsletter/internal/cache"
	"github.com/d60-Lab/newsletter/internal/email"
	"github.com/d60-Lab/newsletter/internal/model"
	"github.com/d60-Lab/newsletter/internal/repository"
	"github.com/d60-Lab/newsletter/pkg/logger"
)

// ExecutionOutcome 单次 TryExecuteTask 的结果
type ExecutionOutcome int

const (
	TaskCompleted ExecutionOutcome = iota
	EmptyQueue
)

type WorkerOptions struct {
	Workers         int
	IdleBackoff     time.Duration
	ErrorBackoff    time.Duration
	MaxSendAttempts int
	RetryBaseDelay  time.Duration
	// 可选：发送限速与期刊缓存
	Limiter *rate.Limiter
	Cache   *cache.IssueCache
}

// DeliveryWorker 从 issue_delivery_queue 认领任务并发信。
// 认领、发送、删除在同一事务内完成；多 worker 之间只依赖 SKIP LOCKED 互斥。
type DeliveryWorker struct {
	db     *gorm.DB
	queue  repository.DeliveryQueueRepository
	issues repository.IssueRepository
	sender email.Sender
	opts   WorkerOptions
	sleep  func(ctx context.Context, d time.Duration) error
	report func(err error)
}

func NewDeliveryWorker(db *gorm.DB, queue repository.DeliveryQueueRepository, issues repository.IssueRepository, sender email.Sender, opts WorkerOptions) *DeliveryWorker {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = 10 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	if opts.MaxSendAttempts <= 0 {
		opts.MaxSendAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	return &DeliveryWorker{db: db, queue: queue, issues: issues, sender: sender, opts: opts, sleep: sleepCtx, report: reportToSentry}
}

// Start 启动 opts.Workers 个循环；返回的停止函数等待在途任务提交或回滚。
func (w *DeliveryWorker) Start() func(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < w.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	return func(stopCtx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
}

// Run 持续消费队列直到 ctx 取消。单个任务失败不会让循环退出。
func (w *DeliveryWorker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		outcome, err := w.TryExecuteTask(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.Error("delivery iteration failed", zap.Error(err))
			w.report(err)
			_ = w.sleep(ctx, w.opts.ErrorBackoff)
		case outcome == EmptyQueue:
			_ = w.sleep(ctx, w.opts.IdleBackoff)
		}
	}
}

// TryExecuteTask 处理至多一个任务
func (w *DeliveryWorker) TryExecuteTask(ctx context.Context) (ExecutionOutcome, error) {
	ctx, span := tracer.Start(ctx, "delivery.try_execute_task", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	outcome := EmptyQueue
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		queue := w.queue.WithTx(tx)
		task, err := queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		span.SetAttributes(
			attribute.String("newsletter_issue_id", task.NewsletterIssueID),
			attribute.String("subscriber_email", task.SubscriberEmail),
		)
		if err := w.deliver(ctx, tx, *task); err != nil {
			return err
		}
		if err := queue.Delete(ctx, *task); err != nil {
			return err
		}
		outcome = TaskCompleted
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery iteration failed")
		return EmptyQueue, fmt.Errorf("execute delivery task: %w", err)
	}
	return outcome, nil
}

// deliver 只有需要回滚（任务留在队列里）时才返回错误；投递失败记日志后照常删除任务
func (w *DeliveryWorker) deliver(ctx context.Context, tx *gorm.DB, task model.DeliveryTask) error {
	fields := []zap.Field{
		zap.String("newsletter_issue_id", task.NewsletterIssueID),
		zap.String("subscriber_email", task.SubscriberEmail),
	}

	issue, err := w.loadIssue(ctx, tx, task.NewsletterIssueID)
	if errors.Is(err, repository.ErrIssueNotFound) {
		// 期刊不存在时重试无意义：删任务并上报
		logger.Error("dropping delivery task for unknown issue", append(fields, zap.Error(err))...)
		w.report(fmt.Errorf("drop delivery task for %s to %s: %w", task.NewsletterIssueID, task.SubscriberEmail, err))
		return nil
	}
	if err != nil {
		return err
	}

	recipient, err := model.ParseSubscriberEmail(task.SubscriberEmail)
	if err != nil {
		logger.Error("skipping a confirmed subscriber: stored contact details are invalid",
			append(fields, zap.Error(err))...)
		return nil
	}

	if err := w.send(ctx, recipient, issue); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("failed to deliver issue to a confirmed subscriber, skipping",
			append(fields, zap.Error(err))...)
	}
	return nil
}

func (w *DeliveryWorker) loadIssue(ctx context.Context, tx *gorm.DB, issueID string) (*model.NewsletterIssue, error) {
	issues := w.issues.WithTx(tx)
	if w.opts.Cache == nil {
		return issues.Get(ctx, issueID)
	}
	return w.opts.Cache.Get(ctx, issueID, issues.Get)
}

// send 仅对瞬时错误重试，最多 MaxSendAttempts 次
func (w *DeliveryWorker) send(ctx context.Context, recipient string, issue *model.NewsletterIssue) error {
	var err error
	for attempt := 1; attempt <= w.opts.MaxSendAttempts; attempt++ {
		if w.opts.Limiter != nil {
			if lErr := w.opts.Limiter.Wait(ctx); lErr != nil {
				return lErr
			}
		}
		err = w.sender.Send(ctx, recipient, issue.Title, issue.HTMLContent, issue.TextContent)
		if err == nil || !email.IsTransient(err) || attempt == w.opts.MaxSendAttempts {
			return err
		}
		delay := backoffExp(w.opts.RetryBaseDelay, attempt)
		logger.Warn("transient send failure, retrying",
			zap.String("subscriber_email", recipient),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sErr := w.sleep(ctx, delay); sErr != nil {
			return sErr
		}
	}
	return err
}

func backoffExp(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base << (attempt - 1) // base,2x,4x...
	if d > 30*time.Second || d <= 0 {
		d = 30 * time.Second
	}
	return d
}

func reportToSentry(err error) { sentry.CaptureException(err) }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
