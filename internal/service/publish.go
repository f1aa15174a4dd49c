package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/d60-Lab/newsletter/internal/model"
	"github.com/d60-Lab/newsletter/internal/repository"
)

const (
	maxIdempotencyKeyLen = 50

	PublishRedirectLocation = "/admin/newsletters"
	PublishAcceptedMessage  = "The newsletter issue has been accepted - emails will go out shortly."
	FlashCookieName         = "_flash"
)

var (
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	// ErrRequestInFlight 同 key 的请求已占位但尚未保存响应
	ErrRequestInFlight = errors.New("a request with the same idempotency key is still being processed")

	errKeyTaken = errors.New("idempotency key already taken")
)

var tracer = otel.Tracer("github.com/d60-Lab/newsletter/internal/service")

// IdempotencyKey 客户端提供的重试令牌，按用户隔离
type IdempotencyKey string

func ParseIdempotencyKey(s string) (IdempotencyKey, error) {
	if s == "" {
		return "", fmt.Errorf("%w: cannot be empty", ErrInvalidIdempotencyKey)
	}
	if len(s) >= maxIdempotencyKeyLen {
		return "", fmt.Errorf("%w: must be shorter than %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLen)
	}
	return IdempotencyKey(s), nil
}

type PublishInput struct {
	UserID         string
	IdempotencyKey IdempotencyKey
	Title          string
	TextContent    string
	HTMLContent    string
}

// PublishResult Replayed 为 true 时 IssueID 为空、Enqueued 为 0
type PublishResult struct {
	Response *model.SavedResponse
	IssueID  string
	Enqueued int64
	Replayed bool
}

// Publisher 在一个事务内落地 idempotency 占位、期刊、投递任务与响应
type Publisher struct {
	db     *gorm.DB
	issues repository.IssueRepository
	queue  repository.DeliveryQueueRepository
	idem   repository.IdempotencyRepository
	now    func() time.Time
}

func NewPublisher(db *gorm.DB, issues repository.IssueRepository, queue repository.DeliveryQueueRepository, idem repository.IdempotencyRepository) *Publisher {
	return &Publisher{db: db, issues: issues, queue: queue, idem: idem, now: time.Now}
}

// Publish 首次请求执行全部写入并缓存响应；重复请求原样回放缓存的响应
func (p *Publisher) Publish(ctx context.Context, in PublishInput) (*PublishResult, error) {
	ctx, span := tracer.Start(ctx, "newsletter.publish")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", in.UserID))

	userID, key := in.UserID, string(in.IdempotencyKey)
	now := p.now().UTC()
	result := &PublishResult{}

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := p.idem.WithTx(tx).TryInsert(ctx, userID, key, now)
		if err != nil {
			return err
		}
		if !inserted {
			return errKeyTaken
		}

		issue := &model.NewsletterIssue{
			ID:          uuid.New().String(),
			Title:       in.Title,
			TextContent: in.TextContent,
			HTMLContent: in.HTMLContent,
			PublishedAt: now,
		}
		if err := p.issues.WithTx(tx).Create(ctx, issue); err != nil {
			return err
		}
		n, err := p.queue.WithTx(tx).EnqueueForConfirmed(ctx, issue.ID)
		if err != nil {
			return err
		}

		resp := acceptedResponse()
		if err := p.idem.WithTx(tx).SaveResponse(ctx, userID, key, resp); err != nil {
			return err
		}
		result.Response, result.IssueID, result.Enqueued = resp, issue.ID, n
		return nil
	})
	if errors.Is(err, errKeyTaken) {
		saved, gErr := p.idem.GetSaved(ctx, userID, key)
		if gErr != nil {
			return nil, fmt.Errorf("replay publish response: %w", gErr)
		}
		if saved == nil {
			return nil, ErrRequestInFlight
		}
		span.SetAttributes(attribute.Bool("replayed", true))
		return &PublishResult{Response: saved, Replayed: true}, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("publish newsletter issue: %w", err)
	}
	span.SetAttributes(
		attribute.String("newsletter_issue_id", result.IssueID),
		attribute.Int64("enqueued", result.Enqueued),
	)
	return result, nil
}

// PendingDeliveries 某期尚未投递的任务数；期刊不存在时返回 repository.ErrIssueNotFound
func (p *Publisher) PendingDeliveries(ctx context.Context, issueID string) (int64, error) {
	if _, err := p.issues.Get(ctx, issueID); err != nil {
		return 0, err
	}
	return p.queue.CountPending(ctx, issueID)
}

// acceptedResponse 303 跳回发布页，并通过 flash cookie 带上提示
func acceptedResponse() *model.SavedResponse {
	flash := (&http.Cookie{
		Name:     FlashCookieName,
		Value:    url.QueryEscape(PublishAcceptedMessage),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}).String()
	return &model.SavedResponse{
		StatusCode: http.StatusSeeOther,
		Headers: model.HeaderPairs{
			{Name: "Location", Value: []byte(PublishRedirectLocation)},
			{Name: "Set-Cookie", Value: []byte(flash)},
			{Name: "Content-Type", Value: []byte("text/plain; charset=utf-8")},
		},
		Body: []byte(PublishAcceptedMessage),
	}
}
