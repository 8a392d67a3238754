package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/realtime-gateway/internal/domain"
	"github.com/notifyhub/realtime-gateway/internal/provider"
	"github.com/notifyhub/realtime-gateway/internal/queue"
	"github.com/notifyhub/realtime-gateway/internal/ratelimiter"
	"github.com/notifyhub/realtime-gateway/internal/repository"
	"github.com/notifyhub/realtime-gateway/internal/worker"
)

// fakeLive records socket deliveries as "user:job" strings.
type fakeLive struct {
	mu         sync.Mutex
	sent       []string
	broadcasts []string
	fail       map[string]bool
	block      chan struct{}
}

func frameJobID(msg []byte) string {
	var f struct {
		Type string `json:"type"`
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg, &f); err != nil || f.Type != "notification" {
		return "?"
	}
	return f.Data.ID
}

func (f *fakeLive) SendToUser(userID string, msg []byte) int {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[userID] {
		return 0
	}
	f.sent = append(f.sent, userID+":"+frameJobID(msg))
	return 1
}

func (f *fakeLive) Broadcast(msg []byte, userIDs []string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, frameJobID(msg))
	return 3
}

func (f *fakeLive) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeLive) Broadcasts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.broadcasts...)
}

type fakeEmail struct {
	mu   sync.Mutex
	msgs []*provider.EmailMessage
	err  error
}

func (e *fakeEmail) Send(_ context.Context, msg *provider.EmailMessage) (*provider.SendResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	e.msgs = append(e.msgs, msg)
	return &provider.SendResponse{MessageID: fmt.Sprintf("m-%d", len(e.msgs))}, nil
}

func (e *fakeEmail) Sent() []*provider.EmailMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*provider.EmailMessage(nil), e.msgs...)
}

// hangingEmail blocks every send until its context ends.
type hangingEmail struct {
	mu    sync.Mutex
	calls int
}

func (e *hangingEmail) Send(ctx context.Context, _ *provider.EmailMessage) (*provider.SendResponse, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (e *hangingEmail) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// ctxRepo fails Create once the caller's context has ended, like a real
// database driver.
type ctxRepo struct {
	*repository.MockNotificationRepository
}

func (r ctxRepo) Create(ctx context.Context, n *domain.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MockNotificationRepository.Create(ctx, n)
}

// counters collects hook calls.
type counters struct {
	mu        sync.Mutex
	processed int
	failed    map[worker.Stage]int
	abandoned int
}

func (c *counters) hooks() worker.MetricHooks {
	c.failed = make(map[worker.Stage]int)
	return worker.MetricHooks{
		OnProcessed: func(time.Duration) {
			c.mu.Lock()
			c.processed++
			c.mu.Unlock()
		},
		OnFailed: func(s worker.Stage) {
			c.mu.Lock()
			c.failed[s]++
			c.mu.Unlock()
		},
		OnAbandoned: func(n int) {
			c.mu.Lock()
			c.abandoned += n
			c.mu.Unlock()
		},
	}
}

func (c *counters) Processed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed
}

func (c *counters) Failed(s worker.Stage) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed[s]
}

func (c *counters) Abandoned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abandoned
}

type fixture struct {
	d     *worker.Dispatcher
	live  *fakeLive
	repo  *repository.MockNotificationRepository
	email *fakeEmail
	stats *counters
}

func setup(t *testing.T, capacity int, opts ...func(*worker.Options)) *fixture {
	t.Helper()
	fx := &fixture{
		live:  &fakeLive{fail: map[string]bool{}},
		repo:  repository.NewMockNotificationRepository(),
		email: &fakeEmail{},
		stats: &counters{},
	}
	o := worker.Options{
		Queue:      queue.New(capacity),
		Live:       fx.live,
		Repo:       fx.repo,
		Contacts:   fx.repo,
		Email:      fx.email,
		JobTimeout: time.Second,
		Logger:     zap.NewNop(),
		Hooks:      fx.stats.hooks(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	fx.d = worker.NewDispatcher(o)
	return fx
}

func job(kind string, r domain.Recipients) domain.NotificationJob {
	return domain.NotificationJob{Recipients: r, Kind: kind, Payload: json.RawMessage(`{"k":1}`)}
}

func TestDispatcher_EnqueueStampsJob(t *testing.T) {
	fx := setup(t, 10)
	got, err := fx.d.Enqueue(job("task.done", domain.ToUser("u1")))
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.EnqueuedAt.IsZero())
	assert.Equal(t, 1, fx.d.Depth())
}

func TestDispatcher_EnqueueRejects(t *testing.T) {
	fx := setup(t, 1)

	_, err := fx.d.Enqueue(job("k", domain.Recipients{}))
	assert.ErrorIs(t, err, domain.ErrNoRecipients)

	_, err = fx.d.Enqueue(job("k", domain.ToUser("u1")))
	require.NoError(t, err)
	_, err = fx.d.Enqueue(job("k", domain.ToUser("u1")))
	assert.ErrorIs(t, err, domain.ErrQueueFull)
}

func TestDispatcher_FIFO(t *testing.T) {
	fx := setup(t, 100)
	var want []string
	for i := 0; i < 50; i++ {
		j, err := fx.d.Enqueue(job("k", domain.ToUser("u1")))
		require.NoError(t, err)
		want = append(want, "u1:"+j.ID)
	}

	fx.d.Start()
	require.NoError(t, fx.d.Stop(context.Background()))

	assert.Equal(t, want, fx.live.Sent())
	assert.Equal(t, 50, fx.stats.Processed())
	assert.Len(t, fx.repo.ForUser("u1"), 50)
}

func TestDispatcher_FailureIsIsolated(t *testing.T) {
	fx := setup(t, 10)
	fx.live.fail["broken"] = true
	fx.repo.CreateErrFor = map[string]error{"broken": errors.New("db down")}

	fx.d.Start()
	t.Cleanup(func() { _ = fx.d.Stop(context.Background()) })

	_, err := fx.d.Enqueue(job("first", domain.ToUsers("broken", "u2")))
	require.NoError(t, err)
	j2, err := fx.d.Enqueue(job("second", domain.ToUser("u3")))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fx.stats.Processed() == 2 },
		2*time.Second, 10*time.Millisecond)

	sent := fx.live.Sent()
	assert.Contains(t, sent, "u3:"+j2.ID)
	assert.Len(t, sent, 2, "u2 from the first job and u3 from the second")
	assert.Equal(t, 1, fx.stats.Failed(worker.StagePersist))
	assert.Empty(t, fx.repo.ForUser("broken"))
	assert.Len(t, fx.repo.ForUser("u2"), 1)
	assert.Len(t, fx.repo.ForUser("u3"), 1)
}

func TestDispatcher_DuplicateRecipientsDeliveredOnce(t *testing.T) {
	fx := setup(t, 10)
	_, err := fx.d.Enqueue(job("k", domain.ToUsers("u1", "u1", "u2")))
	require.NoError(t, err)

	fx.d.Start()
	require.NoError(t, fx.d.Stop(context.Background()))

	assert.Len(t, fx.live.Sent(), 2)
	assert.Len(t, fx.repo.ForUser("u1"), 1)
}

func TestDispatcher_BroadcastToAll(t *testing.T) {
	fx := setup(t, 10)
	ctx := context.Background()
	for _, uid := range []string{"a", "b", "c"} {
		require.NoError(t, fx.repo.UpsertContact(ctx, &domain.Contact{UserID: uid}))
	}

	j, err := fx.d.Enqueue(job("maintenance", domain.ToAll()))
	require.NoError(t, err)
	fx.d.Start()
	require.NoError(t, fx.d.Stop(ctx))

	assert.Equal(t, []string{j.ID}, fx.live.Broadcasts())
	assert.Empty(t, fx.live.Sent())
	for _, uid := range []string{"a", "b", "c"} {
		assert.Len(t, fx.repo.ForUser(uid), 1, uid)
	}
}

func TestDispatcher_ResolveFailureStillBroadcasts(t *testing.T) {
	fx := setup(t, 10)
	fx.repo.AllUserIDsErr = errors.New("directory unavailable")

	_, err := fx.d.Enqueue(job("maintenance", domain.ToAll()))
	require.NoError(t, err)
	fx.d.Start()
	require.NoError(t, fx.d.Stop(context.Background()))

	assert.Len(t, fx.live.Broadcasts(), 1)
	assert.Equal(t, 1, fx.stats.Failed(worker.StageResolve))
}

func TestDispatcher_Email(t *testing.T) {
	fx := setup(t, 10)
	ctx := context.Background()
	require.NoError(t, fx.repo.UpsertContact(ctx, &domain.Contact{UserID: "on", Email: "on@example.com", EmailEnabled: true}))
	require.NoError(t, fx.repo.UpsertContact(ctx, &domain.Contact{UserID: "off", Email: "off@example.com"}))

	withEmail := job("invoice.paid", domain.ToUsers("on", "off", "unknown"))
	withEmail.Email = true
	withEmail.Title = "Invoice paid"
	_, err := fx.d.Enqueue(withEmail)
	require.NoError(t, err)
	_, err = fx.d.Enqueue(job("invoice.paid", domain.ToUser("on")))
	require.NoError(t, err)

	fx.d.Start()
	require.NoError(t, fx.d.Stop(ctx))

	sent := fx.email.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "on@example.com", sent[0].To)
	assert.Equal(t, "Invoice paid", sent[0].Subject)
	assert.Zero(t, fx.stats.Failed(worker.StageEmail))
}

func TestDispatcher_EmailFailureCounted(t *testing.T) {
	fx := setup(t, 10)
	fx.email.err = errors.New("smtp relay down")
	require.NoError(t, fx.repo.UpsertContact(context.Background(),
		&domain.Contact{UserID: "u1", Email: "u1@example.com", EmailEnabled: true}))

	j := job("k", domain.ToUser("u1"))
	j.Email = true
	_, err := fx.d.Enqueue(j)
	require.NoError(t, err)
	fx.d.Start()
	require.NoError(t, fx.d.Stop(context.Background()))

	assert.Equal(t, 1, fx.stats.Failed(worker.StageEmail))
	assert.Len(t, fx.repo.ForUser("u1"), 1, "persistence is independent of email")
}

func TestDispatcher_StopWithoutStart(t *testing.T) {
	fx := setup(t, 10)
	_, err := fx.d.Enqueue(job("k", domain.ToUser("u1")))
	require.NoError(t, err)

	require.NoError(t, fx.d.Stop(context.Background()))
	require.NoError(t, fx.d.Stop(context.Background()))
	assert.Equal(t, 1, fx.stats.Abandoned())

	_, err = fx.d.Enqueue(job("k", domain.ToUser("u1")))
	assert.ErrorIs(t, err, domain.ErrQueueClosed)

	fx.d.Start()
	assert.Empty(t, fx.live.Sent(), "Start after Stop must not run the worker")
}

func TestDispatcher_StartIsIdempotent(t *testing.T) {
	fx := setup(t, 10)
	fx.d.Start()
	fx.d.Start()

	_, err := fx.d.Enqueue(job("k", domain.ToUser("u1")))
	require.NoError(t, err)
	require.NoError(t, fx.d.Stop(context.Background()))
	assert.Len(t, fx.live.Sent(), 1)
}

func TestDispatcher_StopDeadlineAbandonsRemainder(t *testing.T) {
	fx := setup(t, 10)
	fx.live.block = make(chan struct{})

	for i := 0; i < 3; i++ {
		_, err := fx.d.Enqueue(job("k", domain.ToUser("u1")))
		require.NoError(t, err)
	}
	fx.d.Start()

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(fx.live.block)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := fx.d.Stop(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, fx.stats.Processed(), "the in-flight job completes")
	assert.Equal(t, 2, fx.stats.Abandoned())
}

func optInAll(t *testing.T, repo *repository.MockNotificationRepository, ids ...string) {
	t.Helper()
	for _, uid := range ids {
		require.NoError(t, repo.UpsertContact(context.Background(),
			&domain.Contact{UserID: uid, Email: uid + "@example.com", EmailEnabled: true}))
	}
}

func TestDispatcher_HangingEmailDoesNotCostOtherRecipients(t *testing.T) {
	email := &hangingEmail{}
	fx := setup(t, 10, func(o *worker.Options) {
		o.Email = email
		o.JobTimeout = 50 * time.Millisecond
		o.Repo = ctxRepo{o.Contacts.(*repository.MockNotificationRepository)}
	})
	ids := []string{"u1", "u2", "u3", "u4", "u5"}
	optInAll(t, fx.repo, ids...)

	j := job("k", domain.ToUsers(ids...))
	j.Email = true
	_, err := fx.d.Enqueue(j)
	require.NoError(t, err)
	fx.d.Start()
	require.NoError(t, fx.d.Stop(context.Background()))

	for _, uid := range ids {
		assert.Len(t, fx.repo.ForUser(uid), 1, uid)
	}
	assert.Zero(t, fx.stats.Failed(worker.StagePersist))
	assert.Equal(t, len(ids), email.Calls(), "every recipient gets a send attempt")
	assert.Equal(t, len(ids), fx.stats.Failed(worker.StageEmail))
}

func TestDispatcher_EmailThrottlingDelaysButDoesNotDrop(t *testing.T) {
	// Burst 5 at 5/s: the sixth email waits ~200ms, longer than JobTimeout.
	fx := setup(t, 10, func(o *worker.Options) {
		o.Limiter = ratelimiter.New(5, domain.ChannelEmail)
		o.JobTimeout = 50 * time.Millisecond
	})
	ids := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7"}
	optInAll(t, fx.repo, ids...)

	j := job("k", domain.ToUsers(ids...))
	j.Email = true
	_, err := fx.d.Enqueue(j)
	require.NoError(t, err)
	fx.d.Start()
	require.NoError(t, fx.d.Stop(context.Background()))

	assert.Len(t, fx.email.Sent(), len(ids))
	assert.Zero(t, fx.stats.Failed(worker.StageEmail))
}
