package service

import (
	"context"
	"time"

	"github.com/appdeploy/packpilot/internal/logger"
	"github.com/go-resty/resty/v2"
)

// WebhookNotifier posts event notifications to a configured webhook endpoint.
// Delivery is best effort: failures are logged and never propagate to the
// operation that emitted the event.
type WebhookNotifier struct {
	http       *resty.Client
	webhookURL string
	logger     *logger.Logger
}

// WebhookConfig holds configuration for the webhook notifier.
type WebhookConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// NewWebhookNotifier creates a new webhook notifier.
// Parameters:
//   - cfg: notifier configuration; an empty WebhookURL disables delivery.
//   - log: logger for delivery failures.
// Returns:
//   - *WebhookNotifier: initialized notifier.
func NewWebhookNotifier(cfg *WebhookConfig, log *logger.Logger) *WebhookNotifier {
	httpClient := resty.New()
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	} else {
		httpClient.SetTimeout(10 * time.Second)
	}
	return &WebhookNotifier{
		http:       httpClient,
		webhookURL: cfg.WebhookURL,
		logger:     log,
	}
}

// Notify delivers one event to the webhook endpoint.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - organizationID: organization the event belongs to.
//   - eventType: event type identifier, e.g. "batch_deployment.completed".
//   - payload: event payload.
// Returns: none; failures are logged, never returned.
func (n *WebhookNotifier) Notify(ctx context.Context, organizationID, eventType string, payload map[string]interface{}) {
	if n.webhookURL == "" {
		return
	}

	body := map[string]interface{}{
		"organization_id": organizationID,
		"event_type":      eventType,
		"payload":         payload,
		"sent_at":         time.Now().UTC().Format(time.RFC3339),
	}
	resp, err := n.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(n.webhookURL)
	if err != nil {
		n.logger.WithError(err).WithField("event_type", eventType).Warn("Webhook delivery failed")
		return
	}
	if resp.IsError() {
		n.logger.WithFields(logger.Fields{
			"event_type":  eventType,
			"status_code": resp.StatusCode(),
		}).Warn("Webhook endpoint returned an error")
	}
}
