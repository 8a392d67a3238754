package domain

import (
	"encoding/json"
	"time"
)

// MaxPayloadBytes bounds the opaque payload a producer may attach to a job.
const MaxPayloadBytes = 64 << 10

// MaxRecipients bounds the explicit user list of a single job.
const MaxRecipients = 1000

// Channel is a delivery path a job can take after recipient resolution.
type Channel string

const (
	ChannelSocket Channel = "socket"
	ChannelInApp  Channel = "in_app"
	ChannelEmail  Channel = "email"
)

// Recipients selects who a job is delivered to: an explicit list of
// user ids, or every user.
type Recipients struct {
	UserIDs []string `json:"user_ids,omitempty"`
	All     bool     `json:"all,omitempty"`
}

// ToUser is shorthand for a single-recipient selector.
func ToUser(userID string) Recipients {
	return Recipients{UserIDs: []string{userID}}
}

// ToUsers selects an explicit list of users.
func ToUsers(userIDs ...string) Recipients {
	return Recipients{UserIDs: userIDs}
}

// ToAll selects every user.
func ToAll() Recipients {
	return Recipients{All: true}
}

func (r Recipients) Validate() error {
	if r.All {
		if len(r.UserIDs) > 0 {
			return ErrAmbiguousTarget
		}
		return nil
	}
	if len(r.UserIDs) == 0 {
		return ErrNoRecipients
	}
	if len(r.UserIDs) > MaxRecipients {
		return ErrTooManyUsers
	}
	for _, id := range r.UserIDs {
		if id == "" {
			return ErrInvalidRecipient
		}
	}
	return nil
}

// NotificationJob is one unit of work for the dispatch worker. It is
// consumed exactly once and then discarded.
type NotificationJob struct {
	ID         string          `json:"id"`
	Recipients Recipients      `json:"recipients"`
	Kind       string          `json:"kind"`
	Title      string          `json:"title,omitempty"`
	Body       string          `json:"body,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Email      bool            `json:"email,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Notification is the durable in-app record written for each resolved
// recipient of a job. Clients fetch these as their backlog after reconnecting.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	JobID     string          `json:"job_id"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title,omitempty"`
	Body      string          `json:"body,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Contact holds the delivery preferences of one user.
type Contact struct {
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	EmailEnabled bool   `json:"email_enabled"`
}

// CreateJobRequest is the inbound payload producers submit, over HTTP or the
// message bus.
type CreateJobRequest struct {
	UserIDs []string        `json:"user_ids,omitempty"`
	All     bool            `json:"all,omitempty"`
	Kind    string          `json:"kind"`
	Title   string          `json:"title,omitempty"`
	Body    string          `json:"body,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Email   bool            `json:"email,omitempty"`
}

func (r *CreateJobRequest) Validate() error {
	if err := r.Recipients().Validate(); err != nil {
		return err
	}
	if r.Kind == "" || len(r.Kind) > 64 {
		return ErrInvalidKind
	}
	if len(r.Title) > 256 {
		return ErrInvalidTitle
	}
	if len(r.Payload) > MaxPayloadBytes {
		return ErrInvalidPayload
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return ErrInvalidPayload
	}
	return nil
}

func (r *CreateJobRequest) Recipients() Recipients {
	return Recipients{UserIDs: r.UserIDs, All: r.All}
}

// ListFilter holds query parameters for paginated backlog listing.
type ListFilter struct {
	UserID     string
	UnreadOnly bool
	Page       int
	Limit      int
}
