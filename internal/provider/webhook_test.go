package provider_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/notifyhub/realtime-gateway/internal/domain"
	"github.com/notifyhub/realtime-gateway/internal/provider"
)

func TestWebhookProvider_Send(t *testing.T) {
	var got provider.EmailMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"messageId":"m-1","status":"queued","timestamp":"now"}`))
	}))
	defer srv.Close()

	p := provider.NewWebhookProvider(srv.URL, time.Second)
	msg := provider.NewEmailMessage(
		&domain.Contact{UserID: "u1", Email: "u1@example.com", EmailEnabled: true},
		&domain.Notification{UserID: "u1", JobID: "j1", Kind: "task.done", Body: "finished"},
	)

	resp, err := p.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.MessageID != "m-1" {
		t.Errorf("expected message id m-1, got %q", resp.MessageID)
	}
	if got.To != "u1@example.com" || got.Subject != "task.done" || got.JobID != "j1" {
		t.Errorf("unexpected request body: %+v", got)
	}
}

func TestWebhookProvider_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		to     string
	}{
		{"non-202 status", http.StatusInternalServerError, `oops`, "a@example.com"},
		{"bad response body", http.StatusAccepted, `not json`, "a@example.com"},
		{"missing address", http.StatusAccepted, `{}`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := provider.NewWebhookProvider(srv.URL, time.Second)
			if _, err := p.Send(context.Background(), &provider.EmailMessage{To: tc.to}); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
