package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/realtime-gateway/internal/domain"
	"github.com/notifyhub/realtime-gateway/internal/provider"
	"github.com/notifyhub/realtime-gateway/internal/queue"
	"github.com/notifyhub/realtime-gateway/internal/ratelimiter"
	"github.com/notifyhub/realtime-gateway/internal/repository"
)

// Stage names the step of job processing that failed.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageSocket  Stage = "socket"
	StagePersist Stage = "persist"
	StageEmail   Stage = "email"
)

// MetricHooks carries the metric callback functions injected by main.
// nil fields are no-ops.
type MetricHooks struct {
	OnProcessed func(latency time.Duration)
	OnDelivered func(channel domain.Channel, n int)
	OnFailed    func(stage Stage)
	OnAbandoned func(n int)
}

func (h *MetricHooks) norm() {
	if h.OnProcessed == nil {
		h.OnProcessed = func(time.Duration) {}
	}
	if h.OnDelivered == nil {
		h.OnDelivered = func(domain.Channel, int) {}
	}
	if h.OnFailed == nil {
		h.OnFailed = func(Stage) {}
	}
	if h.OnAbandoned == nil {
		h.OnAbandoned = func(int) {}
	}
}

// Deliverer is the live-socket side of dispatch. *realtime.Registry
// satisfies it.
type Deliverer interface {
	SendToUser(userID string, msg []byte) int
	Broadcast(msg []byte, userIDs []string) int
}

// Options carries the collaborators of a Dispatcher. Email and Limiter may be
// nil, which disables the email side-channel and its throttling.
type Options struct {
	Queue      *queue.JobQueue
	Live       Deliverer
	Repo       repository.NotificationRepository
	Contacts   repository.ContactDirectory
	Email      provider.EmailProvider
	Limiter    *ratelimiter.ChannelLimiters
	JobTimeout time.Duration
	Logger     *zap.Logger
	Hooks      MetricHooks
}

// Dispatcher owns the dispatch queue and its single worker goroutine.
// Producers hand jobs to Enqueue, which never performs delivery I/O; the
// worker pops them in FIFO order and delivers each one.
type Dispatcher struct {
	q          *queue.JobQueue
	live       Deliverer
	repo       repository.NotificationRepository
	contacts   repository.ContactDirectory
	email      provider.EmailProvider
	limiter    *ratelimiter.ChannelLimiters
	jobTimeout time.Duration
	logger     *zap.Logger
	hooks      MetricHooks
	now        func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool

	// runCtx bounds in-flight work; cancelled when Stop gives up draining.
	runCtx    context.Context
	cancelRun context.CancelFunc
	done      chan struct{}
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Queue == nil {
		opts.Queue = queue.New(queue.DefaultCapacity)
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Hooks.norm()

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		q:          opts.Queue,
		live:       opts.Live,
		repo:       opts.Repo,
		contacts:   opts.Contacts,
		email:      opts.Email,
		limiter:    opts.Limiter,
		jobTimeout: opts.JobTimeout,
		logger:     opts.Logger.With(zap.String("component", "dispatcher")),
		hooks:      opts.Hooks,
		now:        time.Now,
		runCtx:     ctx,
		cancelRun:  cancel,
		done:       make(chan struct{}),
	}
}

// Enqueue validates job, stamps its ID and EnqueuedAt when absent, and
// places it on the queue. It returns immediately: domain.ErrQueueFull when
// the buffer is full, domain.ErrQueueClosed after Stop.
func (d *Dispatcher) Enqueue(job domain.NotificationJob) (domain.NotificationJob, error) {
	if err := job.Recipients.Validate(); err != nil {
		return job, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = d.now().UTC()
	}
	if err := d.q.Enqueue(job); err != nil {
		return job, err
	}
	return job, nil
}

// Start launches the worker. Only the first call has an effect; Start after
// Stop is ignored.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	go d.run()
	d.logger.Info("dispatcher started", zap.Int("capacity", d.q.Capacity()))
}

// Stop closes the queue to new jobs and waits for the worker to drain what
// is already buffered. If ctx ends first, remaining jobs are abandoned and
// Stop still waits for the job in progress, returning ctx.Err(). Safe to call
// without Start and more than once.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	started := d.started
	d.stopped = true
	d.mu.Unlock()

	d.q.Close()

	if !started {
		if n := d.discard(); n > 0 {
			d.hooks.OnAbandoned(n)
			d.logger.Warn("dispatcher stopped before start, jobs dropped", zap.Int("count", n))
		}
		d.cancelRun()
		return nil
	}

	select {
	case <-d.done:
		d.cancelRun()
		d.logger.Info("dispatcher drained")
		return nil
	case <-ctx.Done():
		d.cancelRun()
		<-d.done
		return ctx.Err()
	}
}

// Depth reports the number of jobs waiting.
func (d *Dispatcher) Depth() int {
	return d.q.Depth()
}

// Capacity reports the queue bound.
func (d *Dispatcher) Capacity() int {
	return d.q.Capacity()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for job := range d.q.Jobs() {
		if d.runCtx.Err() != nil {
			n := 1 + d.discard()
			d.hooks.OnAbandoned(n)
			d.logger.Warn("shutdown deadline reached, jobs abandoned", zap.Int("count", n))
			return
		}
		d.process(d.runCtx, job)
	}
}

// discard empties a closed queue and returns how many jobs it held.
func (d *Dispatcher) discard() int {
	n := 0
	for range d.q.Jobs() {
		n++
	}
	return n
}
