package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/realtime-gateway/internal/domain"
)

type pgNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewPgNotificationRepository returns a NotificationRepository backed by PostgreSQL.
func NewPgNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &pgNotificationRepository{pool: pool}
}

const notificationColumns = `id, user_id, job_id, kind, title, body, payload, read_at, created_at`

func (r *pgNotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		n.ID, n.UserID, n.JobID, n.Kind, n.Title, n.Body, n.Payload, n.ReadAt, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) ListByUser(ctx context.Context, f domain.ListFilter) ([]*domain.Notification, int, error) {
	where, args := buildListWhere(f)
	offset := (f.Page - 1) * f.Limit

	// Count total matching rows for pagination metadata.
	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM notifications"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	// Append pagination args after the WHERE args.
	args = append(args, f.Limit, offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM notifications%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, notificationColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications, err := scanNotifications(rows)
	if err != nil {
		return nil, 0, err
	}
	return notifications, total, nil
}

func (r *pgNotificationRepository) MarkRead(ctx context.Context, userID, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET read_at = COALESCE(read_at, $1)
		WHERE id = $2 AND user_id = $3`, at, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pgNotificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

type pgContactDirectory struct {
	pool *pgxpool.Pool
}

// NewPgContactDirectory returns a ContactDirectory backed by the
// user_contacts table.
func NewPgContactDirectory(pool *pgxpool.Pool) ContactDirectory {
	return &pgContactDirectory{pool: pool}
}

func (d *pgContactDirectory) AllUserIDs(ctx context.Context) ([]string, error) {
	rows, err := d.pool.Query(ctx, `SELECT user_id FROM user_contacts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan user ids: %w", err)
	}
	return ids, nil
}

func (d *pgContactDirectory) GetContact(ctx context.Context, userID string) (*domain.Contact, error) {
	var c domain.Contact
	err := d.pool.QueryRow(ctx, `
		SELECT user_id, email, email_enabled
		FROM user_contacts WHERE user_id = $1`, userID).
		Scan(&c.UserID, &c.Email, &c.EmailEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}

func (d *pgContactDirectory) UpsertContact(ctx context.Context, c *domain.Contact) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO user_contacts (user_id, email, email_enabled)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE
		SET email = EXCLUDED.email, email_enabled = EXCLUDED.email_enabled`,
		c.UserID, c.Email, c.EmailEnabled)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// ---- helpers ----

// scanNotification reads a single notification row from any pgx row type.
func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	var title, body *string
	err := row.Scan(
		&n.ID, &n.UserID, &n.JobID, &n.Kind, &title, &body,
		&n.Payload, &n.ReadAt, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if title != nil {
		n.Title = *title
	}
	if body != nil {
		n.Body = *body
	}
	return &n, nil
}

func scanNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	var result []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// buildListWhere builds a parameterised WHERE clause from a ListFilter.
func buildListWhere(f domain.ListFilter) (string, []any) {
	var conditions []string
	var args []any

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	add("user_id = $%d", f.UserID)
	if f.UnreadOnly {
		conditions = append(conditions, "read_at IS NULL")
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

var (
	_ NotificationRepository = (*pgNotificationRepository)(nil)
	_ ContactDirectory       = (*pgContactDirectory)(nil)
)
