package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookProvider delivers email by POSTing to a relay endpoint.
// The URL is injected from config so tests can point to a local server.
type WebhookProvider struct {
	url        string
	httpClient *http.Client
}

func NewWebhookProvider(url string, timeout time.Duration) *WebhookProvider {
	return &WebhookProvider{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts msg and expects 202 Accepted with a JSON body carrying messageId.
func (p *WebhookProvider) Send(ctx context.Context, msg *EmailMessage) (*SendResponse, error) {
	if msg.To == "" {
		return nil, fmt.Errorf("email message has no address")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected provider status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var sendResp SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &sendResp, nil
}

var _ EmailProvider = (*WebhookProvider)(nil)
