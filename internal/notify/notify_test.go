package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"contentforge/internal/config"
	"contentforge/internal/models"
)

func TestWebhookServiceSendsFailure(t *testing.T) {
	var gotBody string
	var gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotTitle = r.Header.Get("Title")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(config.Config{NotifyWebhookURL: srv.URL})
	rec := models.ErrorRecord{Kind: "permanent", Message: "content policy rejection", At: time.Now()}
	if err := svc.ItemFailed(context.Background(), "item-9", "imagegen", rec); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !strings.Contains(gotBody, "item-9") || !strings.Contains(gotBody, "imagegen") {
		t.Fatalf("body missing identifiers: %q", gotBody)
	}
	if gotTitle == "" {
		t.Fatalf("expected Title header")
	}
}

func TestWebhookServiceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := NewService(config.Config{NotifyWebhookURL: srv.URL})
	err := svc.ItemFailed(context.Background(), "item-9", "publish", models.ErrorRecord{})
	if err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestNoopWhenUnconfigured(t *testing.T) {
	svc := NewService(config.Config{})
	if err := svc.ItemFailed(context.Background(), "x", "y", models.ErrorRecord{}); err != nil {
		t.Fatalf("noop should never fail: %v", err)
	}
}
