package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/agent"
)

// SMSSender posts messages to an SMS gateway webhook.
type SMSSender struct {
	client *agent.HTTPClient
	path   string
	from   string
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

// NewSMSSender creates a sender for the gateway at baseURL. Requests go to
// baseURL+path.
func NewSMSSender(baseURL, path, apiKey, from string, logger *slog.Logger) *SMSSender {
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	if path == "" {
		path = "/messages"
	}
	return &SMSSender{
		client: agent.NewHTTPClient(agent.HTTPClientConfig{
			Name:    "sms-gateway",
			BaseURL: baseURL,
			Headers: headers,
			Timeout: 10 * time.Second,
			Logger:  logger,
		}),
		path: path,
		from: from,
	}
}

// Send implements Sender. The subject is prepended to the body.
func (s *SMSSender) Send(ctx context.Context, destination, subject, body string) error {
	message := body
	if subject != "" {
		message = subject + ": " + body
	}
	if err := s.client.PostJSON(ctx, s.path, smsRequest{To: destination, From: s.from, Message: message}, nil); err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	return nil
}
