package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/newsletter/internal/model"
)

func newTestCache(t *testing.T) (*IssueCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewIssueCache(client, time.Hour), mr
}

func TestIssueCacheReadThrough(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	issue := &model.NewsletterIssue{
		ID:          "issue-1",
		Title:       "Hello",
		TextContent: "text",
		HTMLContent: "<p>html</p>",
		PublishedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	loads := 0
	load := func(context.Context, string) (*model.NewsletterIssue, error) {
		loads++
		return issue, nil
	}

	got, err := c.Get(ctx, issue.ID, load)
	require.NoError(t, err)
	assert.Equal(t, issue, got)

	got, err = c.Get(ctx, issue.ID, load)
	require.NoError(t, err)
	assert.Equal(t, issue.HTMLContent, got.HTMLContent)
	assert.True(t, issue.PublishedAt.Equal(got.PublishedAt))

	assert.Equal(t, 1, loads)
	hits, misses := c.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)
	assert.True(t, mr.Exists("newsletter:issue:issue-1"))
	assert.Equal(t, time.Hour, mr.TTL("newsletter:issue:issue-1"))
}

func TestIssueCacheLoaderError(t *testing.T) {
	c, mr := newTestCache(t)
	boom := errors.New("db down")
	_, err := c.Get(context.Background(), "missing", func(context.Context, string) (*model.NewsletterIssue, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("newsletter:issue:missing"))
}

func TestIssueCacheFallsBackWhenRedisDown(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	issue := &model.NewsletterIssue{ID: "issue-2", Title: "t"}
	got, err := c.Get(context.Background(), issue.ID, func(context.Context, string) (*model.NewsletterIssue, error) {
		return issue, nil
	})
	require.NoError(t, err)
	assert.Equal(t, issue, got)
}
