package service

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/realtime-gateway/internal/domain"
	"github.com/notifyhub/realtime-gateway/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// JobEnqueuer is the producer side of the dispatch queue.
// *worker.Dispatcher satisfies it.
type JobEnqueuer interface {
	Enqueue(job domain.NotificationJob) (domain.NotificationJob, error)
}

// NotificationService is the single seam producers use to fire
// notifications. It validates and hands jobs to the dispatch queue; it never
// delivers on the caller's goroutine. It also serves the durable backlog
// clients read after reconnecting.
type NotificationService struct {
	jobs     JobEnqueuer
	repo     repository.NotificationRepository
	contacts repository.ContactDirectory
	logger   *zap.Logger
	now      func() time.Time
}

func NewNotificationService(
	jobs JobEnqueuer,
	repo repository.NotificationRepository,
	contacts repository.ContactDirectory,
	logger *zap.Logger,
) *NotificationService {
	return &NotificationService{
		jobs:     jobs,
		repo:     repo,
		contacts: contacts,
		logger:   logger,
		now:      time.Now,
	}
}

// Notify validates req and enqueues it as a job. The returned job carries the
// assigned ID; delivery happens later on the dispatch worker.
func (s *NotificationService) Notify(ctx context.Context, req domain.CreateJobRequest) (*domain.NotificationJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job, err := s.jobs.Enqueue(domain.NotificationJob{
		Recipients: req.Recipients(),
		Kind:       req.Kind,
		Title:      req.Title,
		Body:       req.Body,
		Payload:    req.Payload,
		Email:      req.Email,
		EnqueuedAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("notification job rejected",
			zap.String("kind", req.Kind), zap.Error(err))
		return nil, err
	}

	s.logger.Debug("notification job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("user_ids", len(job.Recipients.UserIDs)),
		zap.Bool("all", job.Recipients.All))
	return &job, nil
}

// List returns one page of the user's backlog, newest first, with the total
// number of matching notifications.
func (s *NotificationService) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Notification, int, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	items, total, err := s.repo.ListByUser(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	return items, total, nil
}

// MarkRead marks one of the user's notifications as read. Marking an already
// read notification keeps its original read time.
func (s *NotificationService) MarkRead(ctx context.Context, userID, id string) error {
	return s.repo.MarkRead(ctx, userID, id, s.now().UTC())
}

func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.repo.CountUnread(ctx, userID)
}

// SetContact stores where and whether the user wants email copies.
func (s *NotificationService) SetContact(ctx context.Context, c *domain.Contact) error {
	if c.Email != "" {
		addr, err := mail.ParseAddress(c.Email)
		if err != nil {
			return domain.ErrInvalidEmail
		}
		c.Email = addr.Address
	}
	if c.EmailEnabled && c.Email == "" {
		return domain.ErrInvalidEmail
	}
	if err := s.contacts.UpsertContact(ctx, c); err != nil {
		return fmt.Errorf("store contact: %w", err)
	}
	return nil
}

func (s *NotificationService) GetContact(ctx context.Context, userID string) (*domain.Contact, error) {
	return s.contacts.GetContact(ctx, userID)
}
