package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/newsletter/internal/cache"
	"github.com/d60-Lab/newsletter/internal/email"
	"github.com/d60-Lab/newsletter/internal/model"
	"github.com/d60-Lab/newsletter/internal/repository"
	"github.com/d60-Lab/newsletter/internal/testutil"
)

type sentMail struct {
	recipient, subject, html, text string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMail
	attempts map[string]int
	fail     func(recipient string, attempt int) error
}

func (f *fakeSender) Send(_ context.Context, recipient, subject, htmlBody, textBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = make(map[string]int)
	}
	f.attempts[recipient]++
	if f.fail != nil {
		if err := f.fail(recipient, f.attempts[recipient]); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sentMail{recipient, subject, htmlBody, textBody})
	return nil
}

func (f *fakeSender) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.recipient)
	}
	return out
}

func (f *fakeSender) attemptsFor(recipient string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[recipient]
}

type pipeline struct {
	db        *gorm.DB
	issues    repository.IssueRepository
	queue     repository.DeliveryQueueRepository
	idem      repository.IdempotencyRepository
	publisher *Publisher
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	db := testutil.NewTestDB(t)
	p := &pipeline{
		db:     db,
		issues: repository.NewIssueRepository(db),
		queue:  repository.NewDeliveryQueueRepository(db),
		idem:   repository.NewIdempotencyRepository(db),
	}
	p.publisher = NewPublisher(db, p.issues, p.queue, p.idem)
	return p
}

func (p *pipeline) worker(sender email.Sender, opts WorkerOptions) *DeliveryWorker {
	w := NewDeliveryWorker(p.db, p.queue, p.issues, sender, opts)
	w.sleep = func(context.Context, time.Duration) error { return nil }
	return w
}

func (p *pipeline) publish(t *testing.T, user, key string) *PublishResult {
	t.Helper()
	res, err := p.publisher.Publish(context.Background(), PublishInput{
		UserID:         user,
		IdempotencyKey: IdempotencyKey(key),
		Title:          "Issue title",
		TextContent:    "Issue body as plain text",
		HTMLContent:    "<p>Issue body as HTML</p>",
	})
	require.NoError(t, err)
	return res
}

func (p *pipeline) count(t *testing.T, m interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, p.db.Model(m).Count(&n).Error)
	return n
}

func drain(t *testing.T, w *DeliveryWorker) int {
	t.Helper()
	done := 0
	for i := 0; i < 100; i++ {
		outcome, err := w.TryExecuteTask(context.Background())
		require.NoError(t, err)
		if outcome == EmptyQueue {
			return done
		}
		done++
	}
	t.Fatal("queue did not drain")
	return done
}

func TestParseIdempotencyKey(t *testing.T) {
	_, err := ParseIdempotencyKey("")
	assert.ErrorIs(t, err, ErrInvalidIdempotencyKey)

	long := make([]byte, 50)
	for i := range long {
		long[i] = 'k'
	}
	_, err = ParseIdempotencyKey(string(long))
	assert.ErrorIs(t, err, ErrInvalidIdempotencyKey)

	key, err := ParseIdempotencyKey(string(long[:49]))
	require.NoError(t, err)
	assert.Len(t, string(key), 49)
}

func TestPublishIsIdempotent(t *testing.T) {
	p := newPipeline(t)
	testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusConfirmed, 2)
	testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusPending, 1)
	user := uuid.New().String()

	first := p.publish(t, user, "K1")
	assert.False(t, first.Replayed)
	assert.EqualValues(t, 2, first.Enqueued)
	assert.Equal(t, 303, first.Response.StatusCode)
	loc, ok := first.Response.Header("Location")
	require.True(t, ok)
	assert.Equal(t, PublishRedirectLocation, loc)
	cookie, ok := first.Response.Header("Set-Cookie")
	require.True(t, ok)
	assert.Contains(t, cookie, FlashCookieName+"=")

	second := p.publish(t, user, "K1")
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Response, second.Response)

	assert.EqualValues(t, 1, p.count(t, &model.NewsletterIssue{}))
	assert.EqualValues(t, 2, p.count(t, &model.DeliveryTask{}))
}

func TestPublishKeysAreScopedPerUser(t *testing.T) {
	p := newPipeline(t)
	testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusConfirmed, 1)

	p.publish(t, uuid.New().String(), "same-key")
	p.publish(t, uuid.New().String(), "same-key")

	assert.EqualValues(t, 2, p.count(t, &model.NewsletterIssue{}))
	assert.EqualValues(t, 2, p.count(t, &model.DeliveryTask{}))
}

func TestConcurrentPublishWithSameKey(t *testing.T) {
	p := newPipeline(t)
	testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusConfirmed, 3)
	user := uuid.New().String()

	const racers = 8
	results := make([]*PublishResult, racers)
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.publisher.Publish(context.Background(), PublishInput{
				UserID: user, IdempotencyKey: "race", Title: "t", TextContent: "x", HTMLContent: "<p>x</p>",
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Response, results[i].Response)
		if !results[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.EqualValues(t, 1, p.count(t, &model.NewsletterIssue{}))
	assert.EqualValues(t, 3, p.count(t, &model.DeliveryTask{}))
}

func TestPublishInFlightKey(t *testing.T) {
	p := newPipeline(t)
	user := uuid.New().String()
	ok, err := p.idem.TryInsert(context.Background(), user, "K1", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = p.publisher.Publish(context.Background(), PublishInput{
		UserID: user, IdempotencyKey: "K1", Title: "t", TextContent: "x", HTMLContent: "x",
	})
	assert.ErrorIs(t, err, ErrRequestInFlight)
	assert.Zero(t, p.count(t, &model.NewsletterIssue{}))
}

type failingQueue struct {
	repository.DeliveryQueueRepository
}

func (q failingQueue) WithTx(tx *gorm.DB) repository.DeliveryQueueRepository {
	return failingQueue{q.DeliveryQueueRepository.WithTx(tx)}
}

func (failingQueue) EnqueueForConfirmed(context.Context, string) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestPublishFailureLeavesNothingBehind(t *testing.T) {
	p := newPipeline(t)
	testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusConfirmed, 2)
	user := uuid.New().String()

	broken := NewPublisher(p.db, p.issues, failingQueue{p.queue}, p.idem)
	_, err := broken.Publish(context.Background(), PublishInput{
		UserID: user, IdempotencyKey: "K1", Title: "t", TextContent: "x", HTMLContent: "x",
	})
	require.Error(t, err)
	assert.Zero(t, p.count(t, &model.NewsletterIssue{}))
	assert.Zero(t, p.count(t, &model.IdempotencyRecord{}))

	// 客户端用同一 key 重试即可完成发布
	res := p.publish(t, user, "K1")
	assert.False(t, res.Replayed)
	assert.EqualValues(t, 2, p.count(t, &model.DeliveryTask{}))
}

func TestWorkerDeliversEveryTask(t *testing.T) {
	p := newPipeline(t)
	confirmed := testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusConfirmed, 3)
	testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusPending, 2)
	p.publish(t, uuid.New().String(), "K1")

	sender := &fakeSender{}
	w := p.worker(sender, WorkerOptions{})
	assert.Equal(t, 3, drain(t, w))

	assert.ElementsMatch(t, confirmed, sender.sentTo())
	for _, m := range sender.sent {
		assert.Equal(t, "Issue title", m.subject)
		assert.Equal(t, "<p>Issue body as HTML</p>", m.html)
		assert.Equal(t, "Issue body as plain text", m.text)
	}
	assert.Zero(t, p.count(t, &model.DeliveryTask{}))
}

func TestWorkerEmptyQueue(t *testing.T) {
	p := newPipeline(t)
	outcome, err := p.worker(&fakeSender{}, WorkerOptions{}).TryExecuteTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EmptyQueue, outcome)
}

func TestWorkerFailureIsolation(t *testing.T) {
	p := newPipeline(t)
	emails := testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusConfirmed, 2)
	p.publish(t, uuid.New().String(), "K1")
	bad, good := emails[0], emails[1]

	sender := &fakeSender{fail: func(recipient string, _ int) error {
		if recipient == bad {
			return &email.SendError{Provider: "fake", StatusCode: 422, Err: errors.New("inactive recipient")}
		}
		return nil
	}}
	w := p.worker(sender, WorkerOptions{MaxSendAttempts: 3})
	assert.Equal(t, 2, drain(t, w))

	assert.Equal(t, []string{good}, sender.sentTo())
	assert.Equal(t, 1, sender.attemptsFor(bad), "permanent failures are not retried")
	assert.Zero(t, p.count(t, &model.DeliveryTask{}))
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	p := newPipeline(t)
	emails := testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusConfirmed, 1)
	p.publish(t, uuid.New().String(), "K1")

	sender := &fakeSender{fail: func(_ string, attempt int) error {
		if attempt < 3 {
			return &email.SendError{Provider: "fake", StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
		}
		return nil
	}}
	w := p.worker(sender, WorkerOptions{MaxSendAttempts: 3, RetryBaseDelay: 100 * time.Millisecond})
	var delays []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	assert.Equal(t, 1, drain(t, w))
	assert.Equal(t, emails, sender.sentTo())
	assert.Equal(t, 3, sender.attemptsFor(emails[0]))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	p := newPipeline(t)
	emails := testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusConfirmed, 1)
	p.publish(t, uuid.New().String(), "K1")

	sender := &fakeSender{fail: func(string, int) error {
		return &email.SendError{Provider: "fake", StatusCode: 500, Transient: true, Err: errors.New("boom")}
	}}
	w := p.worker(sender, WorkerOptions{MaxSendAttempts: 3})

	assert.Equal(t, 1, drain(t, w))
	assert.Equal(t, 3, sender.attemptsFor(emails[0]))
	assert.Empty(t, sender.sentTo())
	assert.Zero(t, p.count(t, &model.DeliveryTask{}))
}

func TestWorkerSkipsInvalidStoredAddress(t *testing.T) {
	p := newPipeline(t)
	require.NoError(t, p.db.Create(&model.Subscription{
		ID: uuid.New().String(), Email: "definitely-not-an-email", Name: "broken",
		Status: model.SubscriptionStatusConfirmed, SubscribedAt: time.Now().UTC(),
	}).Error)
	valid := testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusConfirmed, 1)
	p.publish(t, uuid.New().String(), "K1")

	sender := &fakeSender{}
	assert.Equal(t, 2, drain(t, p.worker(sender, WorkerOptions{})))
	assert.Equal(t, valid, sender.sentTo())
	assert.Zero(t, sender.attemptsFor("definitely-not-an-email"))
	assert.Zero(t, p.count(t, &model.DeliveryTask{}))
}

func TestWorkerDropsTaskForMissingIssue(t *testing.T) {
	p := newPipeline(t)
	require.NoError(t, p.db.Create(&model.DeliveryTask{
		NewsletterIssueID: uuid.New().String(),
		SubscriberEmail:   "orphan@example.com",
	}).Error)

	sender := &fakeSender{}
	w := p.worker(sender, WorkerOptions{})
	var reported []error
	w.report = func(err error) { reported = append(reported, err) }

	assert.Equal(t, 1, drain(t, w))
	assert.Empty(t, sender.sentTo())
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], repository.ErrIssueNotFound)
	assert.Contains(t, reported[0].Error(), "orphan@example.com")
}

func TestWorkerReadsIssueThroughCache(t *testing.T) {
	p := newPipeline(t)
	testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusConfirmed, 4)
	p.publish(t, uuid.New().String(), "K1")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	issueCache := cache.NewIssueCache(client, time.Hour)

	sender := &fakeSender{}
	assert.Equal(t, 4, drain(t, p.worker(sender, WorkerOptions{Cache: issueCache})))

	hits, misses := issueCache.Stats()
	assert.EqualValues(t, 1, misses)
	assert.EqualValues(t, 3, hits)
	assert.Len(t, sender.sentTo(), 4)
}

func TestWorkerStartAndStop(t *testing.T) {
	p := newPipeline(t)
	testutil.SeedSubscribers(t, p.db, model.SubscriptionStatusConfirmed, 5)
	p.publish(t, uuid.New().String(), "K1")

	sender := &fakeSender{}
	w := NewDeliveryWorker(p.db, p.queue, p.issues, sender, WorkerOptions{
		Workers:      2,
		IdleBackoff:  10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
	})
	stop := w.Start()

	assert.Eventually(t, func() bool { return len(sender.sentTo()) == 5 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, stop(ctx))
	assert.Zero(t, p.count(t, &model.DeliveryTask{}))
}

func TestBackoffExp(t *testing.T) {
	assert.Equal(t, time.Second, backoffExp(time.Second, 1))
	assert.Equal(t, 4*time.Second, backoffExp(time.Second, 3))
	assert.Equal(t, 30*time.Second, backoffExp(time.Second, 10))
}

func TestSweepRemovesExpiredRecords(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	user := uuid.New().String()

	_, err := p.idem.TryInsert(ctx, user, "old-completed", now.Add(-13*time.Hour))
	require.NoError(t, err)
	require.NoError(t, p.idem.SaveResponse(ctx, user, "old-completed", &model.SavedResponse{StatusCode: 303}))
	_, err = p.idem.TryInsert(ctx, user, "old-inflight", now.Add(-12*time.Hour))
	require.NoError(t, err)
	_, err = p.idem.TryInsert(ctx, user, "recent", now.Add(-1*time.Hour))
	require.NoError(t, err)

	s := NewRetentionSweeper(p.db, p.idem, 12*time.Hour, "")
	s.now = func() time.Time { return now }

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	var keys []string
	require.NoError(t, p.db.Model(&model.IdempotencyRecord{}).Pluck("idempotency_key", &keys).Error)
	assert.Equal(t, []string{"recent"}, keys)
}

func TestSweeperSchedule(t *testing.T) {
	p := newPipeline(t)

	_, err := NewRetentionSweeper(p.db, p.idem, time.Hour, "not a schedule").Start()
	assert.Error(t, err)

	stop, err := NewRetentionSweeper(p.db, p.idem, time.Hour, DefaultSweepSchedule).Start()
	require.NoError(t, err)
	require.NoError(t, stop(context.Background()))
}

func TestSweeperSweepsOnStart(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	user := uuid.New().String()

	_, err := p.idem.TryInsert(ctx, user, "two-days-old", time.Now().UTC().Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = p.idem.TryInsert(ctx, user, "fresh", time.Now().UTC())
	require.NoError(t, err)

	stop, err := NewRetentionSweeper(p.db, p.idem, 12*time.Hour, DefaultSweepSchedule).Start()
	require.NoError(t, err)
	defer func() { require.NoError(t, stop(ctx)) }()

	var keys []string
	require.NoError(t, p.db.Model(&model.IdempotencyRecord{}).Pluck("idempotency_key", &keys).Error)
	assert.Equal(t, []string{"fresh"}, keys)
}
