package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"

	"contentforge/internal/artifacts"
	"contentforge/internal/config"
	"contentforge/internal/models"
)

// ImageGenAdapter generates a hero image for the article through the
// Stability text-to-image API and derives a thumbnail for publishing.
type ImageGenAdapter struct {
	apiKey    string
	engine    string
	baseURL   string
	client    *http.Client
	artifacts artifacts.Store
	thumbW    int
}

func NewImageGenAdapter(cfg config.Config, store artifacts.Store) *ImageGenAdapter {
	thumbW := cfg.ThumbnailWidth
	if thumbW == 0 {
		thumbW = 320
	}
	return &ImageGenAdapter{
		apiKey:    cfg.StabilityAPIKey,
		engine:    cfg.StabilityEngine,
		baseURL:   strings.TrimRight(cfg.StabilityURL, "/"),
		client:    &http.Client{},
		artifacts: store,
		thumbW:    thumbW,
	}
}

type stabilityRequest struct {
	TextPrompts []stabilityPrompt `json:"text_prompts"`
	CfgScale    float64           `json:"cfg_scale"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Samples     int               `json:"samples"`
}

type stabilityPrompt struct {
	Text string `json:"text"`
}

type stabilityResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

func (g *ImageGenAdapter) Invoke(ctx context.Context, req Request) (Result, error) {
	if g.apiKey == "" {
		return Result{}, Permanentf("stability api key not configured")
	}
	article := stageArtifact(req.Payload, models.StageTextGen)
	title := stringField(article, "title")
	if title == "" {
		return Result{}, Permanentf("no article title to illustrate")
	}

	payload := stabilityRequest{
		TextPrompts: []stabilityPrompt{{Text: "Editorial photograph illustrating: " + title}},
		CfgScale:    7,
		Width:       1024,
		Height:      1024,
		Samples:     1,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return Result{}, fmt.Errorf("encode stability request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/generation/%s/text-to-image", g.baseURL, g.engine)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return Result{}, Permanentf("build stability request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call stability: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return Result{}, statusError("stability text-to-image", resp.StatusCode)
	}

	var out stabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode stability response: %w", err)
	}
	if len(out.Artifacts) == 0 {
		return Result{}, fmt.Errorf("stability returned no images")
	}
	first := out.Artifacts[0]
	if first.FinishReason == "CONTENT_FILTERED" {
		return Result{}, Permanentf("image rejected by content filter")
	}
	raw, err := base64.StdEncoding.DecodeString(first.Base64)
	if err != nil {
		return Result{}, fmt.Errorf("decode image base64: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Resize(img, g.thumbW, 0, imaging.Lanczos)
	var thumbBuf bytes.Buffer
	if err := imaging.Encode(&thumbBuf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return Result{}, fmt.Errorf("encode thumbnail: %w", err)
	}

	imageKey := artifacts.Key(req.ItemID, req.Stage, "hero.png")
	imageRef, err := g.artifacts.Put(ctx, imageKey, raw, "image/png")
	if err != nil {
		return Result{}, fmt.Errorf("store image: %w", err)
	}
	thumbKey := artifacts.Key(req.ItemID, req.Stage, "thumb.jpg")
	thumbRef, err := g.artifacts.Put(ctx, thumbKey, thumbBuf.Bytes(), "image/jpeg")
	if err != nil {
		return Result{}, fmt.Errorf("store thumbnail: %w", err)
	}

	return Result{Artifact: map[string]any{
		"key":       imageKey,
		"ref":       imageRef,
		"thumb_key": thumbKey,
		"thumb_ref": thumbRef,
	}}, nil
}

var _ Adapter = (*ImageGenAdapter)(nil)
