package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"contentforge/internal/artifacts"
	"contentforge/internal/config"
	"contentforge/internal/models"
)

// VideoGenAdapter drives an asynchronous video-generation API: it starts an
// operation, polls until it completes, then downloads the rendered clip. The
// whole sequence runs inside the stage's (long) timeout; the context deadline
// is the only cancellation mechanism.
type VideoGenAdapter struct {
	apiKey    string
	baseURL   string
	client    *http.Client
	artifacts artifacts.Store
	pollEvery time.Duration
	maxBytes  int64
}

func NewVideoGenAdapter(cfg config.Config, store artifacts.Store) *VideoGenAdapter {
	return &VideoGenAdapter{
		apiKey:    cfg.VideoAPIKey,
		baseURL:   strings.TrimRight(cfg.VideoBaseURL, "/"),
		client:    &http.Client{},
		artifacts: store,
		pollEvery: 10 * time.Second,
		maxBytes:  512 * 1024 * 1024,
	}
}

type videoStartResponse struct {
	Operation string `json:"operation"`
}

type videoOperationResponse struct {
	Done     bool   `json:"done"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

func (v *VideoGenAdapter) Invoke(ctx context.Context, req Request) (Result, error) {
	if v.baseURL == "" || v.apiKey == "" {
		return Result{}, Permanentf("video provider not configured")
	}
	article := stageArtifact(req.Payload, models.StageTextGen)
	title := stringField(article, "title")
	if title == "" {
		return Result{}, Permanentf("no article title for video prompt")
	}

	op, err := v.start(ctx, "Short explainer video for: "+title)
	if err != nil {
		return Result{}, err
	}

	videoURL, err := v.waitForOperation(ctx, op)
	if err != nil {
		return Result{}, err
	}

	data, err := v.download(ctx, videoURL)
	if err != nil {
		return Result{}, err
	}

	key := artifacts.Key(req.ItemID, req.Stage, "clip.mp4")
	ref, err := v.artifacts.Put(ctx, key, data, "video/mp4")
	if err != nil {
		return Result{}, fmt.Errorf("store video: %w", err)
	}

	return Result{Artifact: map[string]any{
		"key":   key,
		"ref":   ref,
		"bytes": len(data),
	}}, nil
}

func (v *VideoGenAdapter) start(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", fmt.Errorf("encode video request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/videos:generate", bytes.NewReader(body))
	if err != nil {
		return "", Permanentf("build video request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("start video generation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", statusError("start video generation", resp.StatusCode)
	}
	var out videoStartResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode video start response: %w", err)
	}
	if out.Operation == "" {
		return "", fmt.Errorf("video provider returned no operation id")
	}
	return out.Operation, nil
}

func (v *VideoGenAdapter) waitForOperation(ctx context.Context, op string) (string, error) {
	ticker := time.NewTicker(v.pollEvery)
	defer ticker.Stop()
	for {
		status, err := v.pollOperation(ctx, op)
		if err != nil {
			return "", err
		}
		if status.Done {
			if status.Error != "" {
				return "", Permanentf("video generation failed: %s", status.Error)
			}
			if status.VideoURL == "" {
				return "", fmt.Errorf("video operation done without a url")
			}
			return status.VideoURL, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (v *VideoGenAdapter) pollOperation(ctx context.Context, op string) (videoOperationResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/v1/operations/"+op, nil)
	if err != nil {
		return videoOperationResponse{}, fmt.Errorf("build poll request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return videoOperationResponse{}, fmt.Errorf("poll video operation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return videoOperationResponse{}, statusError("poll video operation", resp.StatusCode)
	}
	var out videoOperationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return videoOperationResponse{}, fmt.Errorf("decode poll response: %w", err)
	}
	return out, nil
}

func (v *VideoGenAdapter) download(ctx context.Context, videoURL string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError("download video", resp.StatusCode)
	}
	limited := io.LimitReader(resp.Body, v.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read video: %w", err)
	}
	if int64(len(data)) > v.maxBytes {
		return nil, Permanentf("video too large (>%d bytes)", v.maxBytes)
	}
	return data, nil
}

var _ Adapter = (*VideoGenAdapter)(nil)
