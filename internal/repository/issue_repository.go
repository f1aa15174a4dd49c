package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/d60-Lab/newsletter/internal/model"
)

var ErrIssueNotFound = errors.New("newsletter issue not found")

// IssueRepository 期刊内容仓储；期刊只创建不修改
type IssueRepository interface {
	WithTx(tx *gorm.DB) IssueRepository
	Create(ctx context.Context, issue *model.NewsletterIssue) error
	Get(ctx context.Context, issueID string) (*model.NewsletterIssue, error)
	Count(ctx context.Context) (int64, error)
}

type issueRepository struct{ db *gorm.DB }

func NewIssueRepository(db *gorm.DB) IssueRepository { return &issueRepository{db: db} }

func (r *issueRepository) WithTx(tx *gorm.DB) IssueRepository { return &issueRepository{db: tx} }

func (r *issueRepository) Create(ctx context.Context, issue *model.NewsletterIssue) error {
	if err := r.db.WithContext(ctx).Create(issue).Error; err != nil {
		return fmt.Errorf("insert newsletter issue: %w", err)
	}
	return nil
}

func (r *issueRepository) Get(ctx context.Context, issueID string) (*model.NewsletterIssue, error) {
	var issue model.NewsletterIssue
	err := r.db.WithContext(ctx).Where("newsletter_issue_id = ?", issueID).Take(&issue).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, issueID)
	}
	if err != nil {
		return nil, fmt.Errorf("load newsletter issue %s: %w", issueID, err)
	}
	return &issue, nil
}

func (r *issueRepository) Count(ctx context.Context) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.NewsletterIssue{}).Count(&cnt).Error
	return cnt, err
}
