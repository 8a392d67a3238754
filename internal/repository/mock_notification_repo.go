package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/notifyhub/realtime-gateway/internal/domain"
)

// MockNotificationRepository is a hand-written, in-memory implementation of
// NotificationRepository and ContactDirectory used in unit tests.
type MockNotificationRepository struct {
	mu            sync.RWMutex
	notifications map[string]*domain.Notification
	contacts      map[string]*domain.Contact

	// Optional error overrides, set in tests to simulate failure paths.
	CreateErr     error
	ListErr       error
	AllUserIDsErr error
	GetContactErr error

	// CreateErrFor fails Create only for the listed user IDs.
	CreateErrFor map[string]error
}

func NewMockNotificationRepository() *MockNotificationRepository {
	return &MockNotificationRepository{
		notifications: make(map[string]*domain.Notification),
		contacts:      make(map[string]*domain.Contact),
	}
}

func (m *MockNotificationRepository) Create(_ context.Context, n *domain.Notification) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.CreateErrFor[n.UserID]; ok {
		return err
	}
	clone := *n
	m.notifications[n.ID] = &clone
	return nil
}

func (m *MockNotificationRepository) ListByUser(_ context.Context, f domain.ListFilter) ([]*domain.Notification, int, error) {
	if m.ListErr != nil {
		return nil, 0, m.ListErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*domain.Notification
	for _, n := range m.notifications {
		if n.UserID != f.UserID {
			continue
		}
		if f.UnreadOnly && n.ReadAt != nil {
			continue
		}
		clone := *n
		matched = append(matched, &clone)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if f.Limit > 0 {
		start := (f.Page - 1) * f.Limit
		if start < 0 {
			start = 0
		}
		if start > total {
			start = total
		}
		end := start + f.Limit
		if end > total {
			end = total
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (m *MockNotificationRepository) MarkRead(_ context.Context, userID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.UserID != userID {
		return domain.ErrNotFound
	}
	if n.ReadAt == nil {
		n.ReadAt = &at
	}
	return nil
}

func (m *MockNotificationRepository) CountUnread(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *MockNotificationRepository) AllUserIDs(_ context.Context) ([]string, error) {
	if m.AllUserIDsErr != nil {
		return nil, m.AllUserIDsErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.contacts))
	for id := range m.contacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MockNotificationRepository) GetContact(_ context.Context, userID string) (*domain.Contact, error) {
	if m.GetContactErr != nil {
		return nil, m.GetContactErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (m *MockNotificationRepository) UpsertContact(_ context.Context, c *domain.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *c
	m.contacts[c.UserID] = &clone
	return nil
}

// ForUser returns every stored notification for userID, oldest first.
func (m *MockNotificationRepository) ForUser(userID string) []*domain.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			clone := *n
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

var (
	_ NotificationRepository = (*MockNotificationRepository)(nil)
	_ ContactDirectory       = (*MockNotificationRepository)(nil)
)
