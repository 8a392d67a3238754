// Package bridge feeds notification jobs published on NATS into the
// dispatch queue, for producers that live outside this process.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/notifyhub/realtime-gateway/internal/domain"
)

// Notifier accepts validated job requests. *service.NotificationService
// satisfies it.
type Notifier interface {
	Notify(ctx context.Context, req domain.CreateJobRequest) (*domain.NotificationJob, error)
}

// Config describes the NATS connection and subscription.
type Config struct {
	URL           string
	Name          string
	Subject       string
	Queue         string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// reply is sent back when the publisher used request/reply.
type reply struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Subscriber consumes CreateJobRequest messages from a core NATS subject
// with a queue group, so replicas of the gateway share the stream.
type Subscriber struct {
	cfg      Config
	nc       *nats.Conn
	sub      *nats.Subscription
	notifier Notifier
	logger   *zap.Logger
}

// Connect dials NATS. The connection reconnects forever; disconnects and
// reconnects are logged.
func Connect(cfg Config, notifier Notifier, logger *zap.Logger) (*Subscriber, error) {
	if cfg.URL == "" || cfg.Subject == "" {
		return nil, errors.New("nats url and subject are required")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	logger = logger.With(zap.String("component", "nats"))

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newSubscriber(cfg, nc, notifier, logger), nil
}

func newSubscriber(cfg Config, nc *nats.Conn, notifier Notifier, logger *zap.Logger) *Subscriber {
	return &Subscriber{cfg: cfg, nc: nc, notifier: notifier, logger: logger}
}

// Start subscribes to the configured subject.
func (s *Subscriber) Start() error {
	var (
		sub *nats.Subscription
		err error
	)
	if s.cfg.Queue == "" {
		sub, err = s.nc.Subscribe(s.cfg.Subject, s.handle)
	} else {
		sub, err = s.nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, s.handle)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}
	s.sub = sub
	s.logger.Info("nats subscriber started",
		zap.String("subject", s.cfg.Subject), zap.String("queue", s.cfg.Queue))
	return nil
}

// Close drains the subscription and then the connection so messages already
// received are still handed to the dispatch queue.
func (s *Subscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.logger.Warn("drain subscription", zap.Error(err))
		}
	}
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

func (s *Subscriber) handle(m *nats.Msg) {
	job, err := s.process(m.Data)
	if m.Reply == "" {
		return
	}
	r := reply{}
	if err != nil {
		r.Error = err.Error()
	} else {
		r.JobID = job.ID
	}
	b, _ := json.Marshal(r)
	if err := m.Respond(b); err != nil {
		s.logger.Debug("nats reply failed", zap.Error(err))
	}
}

// process decodes one message body and hands it to the notifier. Invalid
// messages are logged and dropped.
func (s *Subscriber) process(data []byte) (*domain.NotificationJob, error) {
	var req domain.CreateJobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn("dropping malformed nats message", zap.Error(err), zap.Int("bytes", len(data)))
		return nil, fmt.Errorf("decode message: %w", err)
	}
	job, err := s.notifier.Notify(context.Background(), req)
	if err != nil {
		s.logger.Warn("nats job rejected", zap.String("kind", req.Kind), zap.Error(err))
		return nil, err
	}
	s.logger.Debug("nats job enqueued", zap.String("job_id", job.ID))
	return job, nil
}
