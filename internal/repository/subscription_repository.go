package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/newsletter/internal/model"
)

// SubscriptionRepository 订阅者目录（只读为主，写入仅供初始化与压测）
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *model.Subscription) error
	ListConfirmedEmails(ctx context.Context) ([]string, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
}

type subscriptionRepository struct{ db *gorm.DB }

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *model.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.SubscribedAt.IsZero() {
		sub.SubscribedAt = time.Now().UTC()
	}
	if sub.Status == "" {
		sub.Status = model.SubscriptionStatusPending
	}
	// 幂等：同一地址重复订阅不报错
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(sub).Error
}

func (r *subscriptionRepository) ListConfirmedEmails(ctx context.Context) ([]string, error) {
	var emails []string
	err := r.db.WithContext(ctx).
		Model(&model.Subscription{}).
		Where("status = ?", model.SubscriptionStatusConfirmed).
		Order("email").
		Pluck("email", &emails).Error
	return emails, err
}

func (r *subscriptionRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.Subscription{}).Where("status = ?", status).Count(&cnt).Error
	return cnt, err
}
