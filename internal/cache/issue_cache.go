// Package cache keeps read-through redis copies of newsletter issues for the delivery workers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/newsletter/internal/model"
	"github.com/d60-Lab/newsletter/pkg/logger"
)

// IssueLoader loads an issue from the primary store on cache miss.
type IssueLoader func(ctx context.Context, issueID string) (*model.NewsletterIssue, error)

type issueSnapshot struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	TextContent string    `json:"text"`
	HTMLContent string    `json:"html"`
	PublishedAt time.Time `json:"published_at"`
}

// IssueCache 期刊读穿缓存。期刊不可变，所以无需失效，只靠 TTL 回收。
// redis 故障时退化为直接读库。
type IssueCache struct {
	client redis.Cmdable
	ttl    time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

func NewIssueCache(client redis.Cmdable, ttl time.Duration) *IssueCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IssueCache{client: client, ttl: ttl}
}

func issueKey(issueID string) string { return fmt.Sprintf("newsletter:issue:%s", issueID) }

// Get returns the cached issue or calls load and populates the cache.
func (c *IssueCache) Get(ctx context.Context, issueID string, load IssueLoader) (*model.NewsletterIssue, error) {
	key := issueKey(issueID)
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var snap issueSnapshot
		if uErr := json.Unmarshal(data, &snap); uErr == nil {
			c.hits.Add(1)
			return snap.toModel(), nil
		}
	case !errors.Is(err, redis.Nil):
		logger.Warn("issue cache read failed", zap.String("issue_id", issueID), zap.Error(err))
	}

	c.misses.Add(1)
	issue, err := load(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if payload, mErr := json.Marshal(fromModel(issue)); mErr == nil {
		if sErr := c.client.Set(ctx, key, payload, c.ttl).Err(); sErr != nil {
			logger.Warn("issue cache write failed", zap.String("issue_id", issueID), zap.Error(sErr))
		}
	}
	return issue, nil
}

// Stats returns hit and miss counters since creation.
func (c *IssueCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func fromModel(issue *model.NewsletterIssue) issueSnapshot {
	return issueSnapshot{
		ID:          issue.ID,
		Title:       issue.Title,
		TextContent: issue.TextContent,
		HTMLContent: issue.HTMLContent,
		PublishedAt: issue.PublishedAt,
	}
}

func (s issueSnapshot) toModel() *model.NewsletterIssue {
	return &model.NewsletterIssue{
		ID:          s.ID,
		Title:       s.Title,
		TextContent: s.TextContent,
		HTMLContent: s.HTMLContent,
		PublishedAt: s.PublishedAt,
	}
}
