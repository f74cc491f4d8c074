package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const notifyTimeout = 5 * time.Second

// Notifier receives fire-and-forget failure notifications. Implementations
// must never return an error and must never panic; delivery problems are
// swallowed after logging.
type Notifier interface {
	NotifyOpsAlert(ctx context.Context, source, message string, cause error, context map[string]string)
}

// WebhookNotifierConfig configures the outbound alert webhook.
type WebhookNotifierConfig struct {
	WebhookURL string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// WebhookNotifier posts alerts to an ops webhook. With an empty URL it
// degrades to log-only.
type WebhookNotifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookNotifier constructs a notifier with sane defaults.
func NewWebhookNotifier(cfg WebhookNotifierConfig) *WebhookNotifier {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: notifyTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		webhookURL: cfg.WebhookURL,
		httpClient: client,
		logger:     logger,
	}
}

type alertPayload struct {
	Source  string            `json:"source"`
	Message string            `json:"message"`
	Error   string            `json:"error,omitempty"`
	Context map[string]string `json:"context,omitempty"`
	SentAt  time.Time         `json:"sent_at"`
}

// NotifyOpsAlert logs the alert and, when a webhook is configured, posts it.
// All failures end here.
func (n *WebhookNotifier) NotifyOpsAlert(ctx context.Context, source, message string, cause error, alertContext map[string]string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			n.logger.Error("ops alert delivery panicked", zap.Any("panic", recovered))
		}
	}()

	fields := []zap.Field{
		zap.String("source", source),
		zap.String("message", message),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	for key, value := range alertContext {
		fields = append(fields, zap.String("ctx_"+key, value))
	}
	n.logger.Error("ops alert", fields...)

	if n.webhookURL == "" {
		return
	}

	payload := alertPayload{
		Source:  source,
		Message: message,
		Context: alertContext,
		SentAt:  time.Now().UTC(),
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("ops alert encode failed", zap.Error(err))
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("ops alert request build failed", zap.Error(err))
		return
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := n.httpClient.Do(request)
	if err != nil {
		n.logger.Error("ops alert delivery failed", zap.Error(err))
		return
	}
	defer response.Body.Close() //nolint:errcheck
	if response.StatusCode >= http.StatusMultipleChoices {
		n.logger.Error("ops alert rejected", zap.Int("status", response.StatusCode))
	}
}
