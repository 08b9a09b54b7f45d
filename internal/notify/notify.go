package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"contentforge/internal/config"
	"contentforge/internal/models"
)

const userAgent = "contentforge/0.1"

// Service receives terminal-failure events for alerting. The pipeline treats
// delivery as best effort; a failed send never changes item state.
type Service interface {
	ItemFailed(ctx context.Context, itemID, stage string, rec models.ErrorRecord) error
}

// NewService builds a webhook-backed notifier (ntfy-compatible) when a URL is
// configured, a noop otherwise.
func NewService(cfg config.Config) Service {
	endpoint := strings.TrimSpace(cfg.NotifyWebhookURL)
	if endpoint == "" {
		return noopService{}
	}
	return &webhookService{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookService struct {
	endpoint string
	client   *http.Client
}

func (w *webhookService) ItemFailed(ctx context.Context, itemID, stage string, rec models.ErrorRecord) error {
	body := fmt.Sprintf("Work item %s failed at %s (%s): %s", itemID, stage, rec.Kind, rec.Message)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Title", "Content pipeline failure")
	req.Header.Set("Tags", "pipeline,"+stage+",failed")
	req.Header.Set("Priority", "high")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

type noopService struct{}

func (noopService) ItemFailed(context.Context, string, string, models.ErrorRecord) error {
	return nil
}
