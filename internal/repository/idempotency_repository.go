package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/newsletter/internal/model"
)

var ErrIdempotencyRecordMissing = errors.New("idempotency record missing")

// IdempotencyRepository 幂等记录仓储。
// (user_id, idempotency_key) 主键冲突是并发发布之间唯一的互斥手段。
type IdempotencyRepository interface {
	WithTx(tx *gorm.DB) IdempotencyRepository
	TryInsert(ctx context.Context, userID, key string, now time.Time) (bool, error)
	GetSaved(ctx context.Context, userID, key string) (*model.SavedResponse, error)
	SaveResponse(ctx context.Context, userID, key string, resp *model.SavedResponse) error
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type idempotencyRepository struct{ db *gorm.DB }

func NewIdempotencyRepository(db *gorm.DB) IdempotencyRepository {
	return &idempotencyRepository{db: db}
}

func (r *idempotencyRepository) WithTx(tx *gorm.DB) IdempotencyRepository {
	return &idempotencyRepository{db: tx}
}

// TryInsert 插入处理中记录；返回 false 表示该 key 已被占用（处理中或已完成）
func (r *idempotencyRepository) TryInsert(ctx context.Context, userID, key string, now time.Time) (bool, error) {
	rec := &model.IdempotencyRecord{UserID: userID, IdempotencyKey: key, CreatedAt: now}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, fmt.Errorf("insert idempotency record: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GetSaved 返回已完成的响应；记录不存在或仍在处理中时返回 nil, nil
func (r *idempotencyRepository) GetSaved(ctx context.Context, userID, key string) (*model.SavedResponse, error) {
	var rec model.IdempotencyRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load saved response: %w", err)
	}
	if !rec.Completed() {
		return nil, nil
	}
	return &model.SavedResponse{
		StatusCode: *rec.ResponseStatusCode,
		Headers:    rec.ResponseHeaders,
		Body:       rec.ResponseBody,
	}, nil
}

func (r *idempotencyRepository) SaveResponse(ctx context.Context, userID, key string, resp *model.SavedResponse) error {
	headers := resp.Headers
	if headers == nil {
		headers = model.HeaderPairs{}
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	status := resp.StatusCode
	// 用结构体更新，response_headers 才会经过 serializer
	res := r.db.WithContext(ctx).
		Model(&model.IdempotencyRecord{}).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		Select("response_status_code", "response_headers", "response_body").
		Updates(&model.IdempotencyRecord{
			ResponseStatusCode: &status,
			ResponseHeaders:    headers,
			ResponseBody:       body,
		})
	if res.Error != nil {
		return fmt.Errorf("save idempotent response: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrIdempotencyRecordMissing
	}
	return nil
}

// DeleteCreatedBefore 删除 created_at 不晚于 cutoff 的记录，无论是否完成
func (r *idempotencyRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at <= ?", cutoff).Delete(&model.IdempotencyRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
