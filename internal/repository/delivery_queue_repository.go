package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/newsletter/internal/model"
)

var ErrTaskNotFound = errors.New("delivery task not found")

// DeliveryQueueRepository 持久化投递队列。
// Dequeue 的行锁只在事务内有效，调用方须先 WithTx 绑定事务。
type DeliveryQueueRepository interface {
	WithTx(tx *gorm.DB) DeliveryQueueRepository
	EnqueueForConfirmed(ctx context.Context, issueID string) (int64, error)
	Dequeue(ctx context.Context) (*model.DeliveryTask, error)
	Delete(ctx context.Context, task model.DeliveryTask) error
	CountPending(ctx context.Context, issueID string) (int64, error)
}

type deliveryQueueRepository struct{ db *gorm.DB }

func NewDeliveryQueueRepository(db *gorm.DB) DeliveryQueueRepository {
	return &deliveryQueueRepository{db: db}
}

func (r *deliveryQueueRepository) WithTx(tx *gorm.DB) DeliveryQueueRepository {
	return &deliveryQueueRepository{db: tx}
}

// EnqueueForConfirmed 以一条 INSERT ... SELECT 为所有已确认订阅者建投递任务
func (r *deliveryQueueRepository) EnqueueForConfirmed(ctx context.Context, issueID string) (int64, error) {
	res := r.db.WithContext(ctx).Exec(`
		INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email)
		SELECT ?, email
		FROM subscriptions
		WHERE status = ?
	`, issueID, model.SubscriptionStatusConfirmed)
	if res.Error != nil {
		return 0, fmt.Errorf("enqueue delivery tasks for issue %s: %w", issueID, res.Error)
	}
	return res.RowsAffected, nil
}

// Dequeue 认领任意一条未被其他事务锁住的任务；队列为空时返回 nil, nil
func (r *deliveryQueueRepository) Dequeue(ctx context.Context) (*model.DeliveryTask, error) {
	var tasks []model.DeliveryTask
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Limit(1).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("dequeue delivery task: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

func (r *deliveryQueueRepository) Delete(ctx context.Context, task model.DeliveryTask) error {
	res := r.db.WithContext(ctx).
		Where("newsletter_issue_id = ? AND subscriber_email = ?", task.NewsletterIssueID, task.SubscriberEmail).
		Delete(&model.DeliveryTask{})
	if res.Error != nil {
		return fmt.Errorf("delete delivery task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: issue=%s", ErrTaskNotFound, task.NewsletterIssueID)
	}
	return nil
}

func (r *deliveryQueueRepository) CountPending(ctx context.Context, issueID string) (int64, error) {
	var cnt int64
	q := r.db.WithContext(ctx).Model(&model.DeliveryTask{})
	if issueID != "" {
		q = q.Where("newsletter_issue_id = ?", issueID)
	}
	err := q.Count(&cnt).Error
	return cnt, err
}
