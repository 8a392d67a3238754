package provider

import (
	"context"

	"github.com/notifyhub/realtime-gateway/internal/domain"
)

// EmailMessage is the JSON body posted to the email provider for one
// recipient of a notification job.
type EmailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
	JobID   string `json:"jobId"`
	UserID  string `json:"userId"`
}

// NewEmailMessage builds the provider request for one persisted notification.
func NewEmailMessage(c *domain.Contact, n *domain.Notification) *EmailMessage {
	subject := n.Title
	if subject == "" {
		subject = n.Kind
	}
	return &EmailMessage{
		To:      c.Email,
		Subject: subject,
		Content: n.Body,
		Kind:    n.Kind,
		JobID:   n.JobID,
		UserID:  n.UserID,
	}
}

// SendResponse maps the provider's 202 Accepted response body.
type SendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// EmailProvider abstracts delivery to an external email service.
type EmailProvider interface {
	Send(ctx context.Context, msg *EmailMessage) (*SendResponse, error)
}
