package services

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// WebhookSlackSender posts messages to Slack incoming webhooks.
type WebhookSlackSender struct {
	caller     HTTPCaller
	defaultURL string
}

// NewWebhookSlackSender creates a sender that falls back to defaultURL when a
// message carries no webhook of its own.
func NewWebhookSlackSender(caller HTTPCaller, defaultURL string) *WebhookSlackSender {
	return &WebhookSlackSender{caller: caller, defaultURL: defaultURL}
}

type slackPayload struct {
	Channel     string      `json:"channel"`
	Text        string      `json:"text"`
	Username    string      `json:"username,omitempty"`
	IconEmoji   string      `json:"icon_emoji,omitempty"`
	Attachments interface{} `json:"attachments,omitempty"`
}

// SendSlack posts msg to its webhook.
func (s *WebhookSlackSender) SendSlack(ctx context.Context, msg SlackMessage) (Receipt, error) {
	url := msg.WebhookURL
	if url == "" {
		url = s.defaultURL
	}
	if url == "" {
		return Receipt{}, ErrMissingWebhook
	}

	body, err := json.Marshal(slackPayload{
		Channel:     msg.Channel,
		Text:        msg.Message,
		Username:    msg.Username,
		IconEmoji:   msg.IconEmoji,
		Attachments: msg.Attachments,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("encode slack payload: %w", err)
	}

	resp, err := s.caller.Call(ctx, HTTPRequest{
		URL:     url,
		Method:  http.MethodPost,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("post slack message: %w", err)
	}
	if !resp.OK() {
		return Receipt{}, fmt.Errorf("slack webhook returned status %d: %s", resp.StatusCode, resp.Body)
	}
	return Receipt{ID: uuid.NewString()}, nil
}

// LogSlackSender logs Slack messages instead of posting them.
type LogSlackSender struct {
	Logger hclog.Logger
}

// SendSlack records msg in the log.
func (s LogSlackSender) SendSlack(ctx context.Context, msg SlackMessage) (Receipt, error) {
	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	default:
	}
	logger := s.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	id := uuid.NewString()
	logger.Info("simulated slack message", "id", id, "channel", msg.Channel, "username", msg.Username)
	return Receipt{ID: id, Simulated: true}, nil
}
