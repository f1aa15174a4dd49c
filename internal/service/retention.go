package service

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/newsletter/internal/repository"
	"github.com/d60-Lab/newsletter/pkg/logger"
)

const DefaultSweepSchedule = "@every 1h"

// RetentionSweeper 定期删除超过保留期的幂等记录（完成与否都删）
type RetentionSweeper struct {
	db        *gorm.DB
	idem      repository.IdempotencyRepository
	retention time.Duration
	schedule  string
	now       func() time.Time
}

func NewRetentionSweeper(db *gorm.DB, idem repository.IdempotencyRepository, retention time.Duration, schedule string) *RetentionSweeper {
	if retention <= 0 {
		retention = 12 * time.Hour
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &RetentionSweeper{db: db, idem: idem, retention: retention, schedule: schedule, now: time.Now}
}

// Sweep 一个事务内删除 created_at 早于 now-retention 的记录
func (s *RetentionSweeper) Sweep(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "idempotency.sweep")
	defer span.End()

	cutoff := s.now().UTC().Add(-s.retention)
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.idem.WithTx(tx).DeleteCreatedBefore(ctx, cutoff)
		deleted = n
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("sweep idempotency records: %w", err)
	}
	return deleted, nil
}

// Start 先同步清理一次，再按 schedule 周期执行 Sweep；失败只记日志，等下一轮。返回停止函数。
// cron 的首次触发在一个周期之后。
func (s *RetentionSweeper) Start() (func(context.Context) error, error) {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.runOnce()
	c.Start()
	logger.Info("retention sweeper started",
		zap.String("schedule", s.schedule),
		zap.Duration("retention", s.retention),
	)
	return func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, nil
}

func (s *RetentionSweeper) runOnce() {
	n, err := s.Sweep(context.Background())
	if err != nil {
		logger.Error("retention sweep failed", zap.Error(err))
		sentry.CaptureException(err)
		return
	}
	logger.Info("retention sweep finished", zap.Int64("deleted", n))
}
