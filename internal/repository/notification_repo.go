package repository

import (
	"context"
	"time"

	"github.com/notifyhub/realtime-gateway/internal/domain"
)

// NotificationRepository defines persistence for in-app notification records.
// The pgx implementation is in pg_notification_repo.go.
// Tests use a hand-written mock (mock_notification_repo.go).
type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	ListByUser(ctx context.Context, filter domain.ListFilter) ([]*domain.Notification, int, error)
	MarkRead(ctx context.Context, userID, id string, at time.Time) error
	CountUnread(ctx context.Context, userID string) (int, error)
}

// ContactDirectory resolves recipients: every known user for "all" jobs, and
// per-user email preferences.
type ContactDirectory interface {
	AllUserIDs(ctx context.Context) ([]string, error)
	GetContact(ctx context.Context, userID string) (*domain.Contact, error)
	UpsertContact(ctx context.Context, c *domain.Contact) error
}
