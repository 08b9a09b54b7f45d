package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"contentforge/internal/artifacts"
	"contentforge/internal/config"
	"contentforge/internal/models"
)

// PublishAdapter pushes the finished article to WordPress and, when a video
// was rendered, uploads the clip to the video platform. The published URLs
// form the final artifact.
type PublishAdapter struct {
	wordpressURL string
	wpAuth       string
	youtubeURL   string
	youtubeToken string
	client       *http.Client
	artifacts    artifacts.Store
}

func NewPublishAdapter(cfg config.Config, store artifacts.Store) *PublishAdapter {
	var auth string
	if cfg.WordPressUser != "" {
		auth = base64.StdEncoding.EncodeToString([]byte(cfg.WordPressUser + ":" + cfg.WordPressAppPassword))
	}
	return &PublishAdapter{
		wordpressURL: strings.TrimRight(cfg.WordPressURL, "/"),
		wpAuth:       auth,
		youtubeURL:   strings.TrimRight(cfg.YouTubeUploadURL, "/"),
		youtubeToken: cfg.YouTubeToken,
		client:       &http.Client{},
		artifacts:    store,
	}
}

type wordpressPost struct {
	Title         string `json:"title"`
	Content       string `json:"content"`
	Status        string `json:"status"`
	FeaturedMedia string `json:"featured_media_url,omitempty"`
}

type wordpressResponse struct {
	ID   int    `json:"id"`
	Link string `json:"link"`
}

type youtubeResponse struct {
	ID string `json:"id"`
}

func (p *PublishAdapter) Invoke(ctx context.Context, req Request) (Result, error) {
	if p.wordpressURL == "" || p.wpAuth == "" {
		return Result{}, Permanentf("wordpress target not configured")
	}
	article := stageArtifact(req.Payload, models.StageTextGen)
	title := stringField(article, "title")
	articleKey := stringField(article, "key")
	if title == "" || articleKey == "" {
		return Result{}, Permanentf("no article to publish")
	}
	body, err := p.artifacts.Get(ctx, articleKey)
	if err != nil {
		return Result{}, fmt.Errorf("load article artifact: %w", err)
	}

	artifact := map[string]any{}

	link, err := p.publishWordPress(ctx, title, string(body), req.Payload)
	if err != nil {
		return Result{}, err
	}
	artifact["wordpress_url"] = link

	if video := stageArtifact(req.Payload, models.StageVideoGen); video != nil && p.youtubeURL != "" {
		videoID, err := p.uploadYouTube(ctx, title, stringField(video, "key"))
		if err != nil {
			return Result{}, err
		}
		artifact["youtube_url"] = "https://www.youtube.com/watch?v=" + videoID
	}

	return Result{Artifact: artifact}, nil
}

func (p *PublishAdapter) publishWordPress(ctx context.Context, title, content string, payload map[string]any) (string, error) {
	post := wordpressPost{
		Title:   title,
		Content: content,
		Status:  "publish",
	}
	if image := stageArtifact(payload, models.StageImageGen); image != nil {
		post.FeaturedMedia = stringField(image, "ref")
	}
	body, err := json.Marshal(post)
	if err != nil {
		return "", fmt.Errorf("encode wordpress post: %w", err)
	}

	endpoint := p.wordpressURL + "/wp-json/wp/v2/posts"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", Permanentf("build wordpress request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+p.wpAuth)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("publish to wordpress: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", statusError("wordpress create post", resp.StatusCode)
	}

	var out wordpressResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode wordpress response: %w", err)
	}
	if out.Link == "" {
		return "", fmt.Errorf("wordpress returned no post link")
	}
	return out.Link, nil
}

func (p *PublishAdapter) uploadYouTube(ctx context.Context, title, videoKey string) (string, error) {
	if videoKey == "" {
		return "", Permanentf("video artifact has no key")
	}
	data, err := p.artifacts.Get(ctx, videoKey)
	if err != nil {
		return "", fmt.Errorf("load video artifact: %w", err)
	}

	endpoint := p.youtubeURL + "?uploadType=media&part=snippet"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", Permanentf("build youtube request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "video/mp4")
	httpReq.Header.Set("Authorization", "Bearer "+p.youtubeToken)
	httpReq.Header.Set("Slug", title)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upload to youtube: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", statusError("youtube upload", resp.StatusCode)
	}

	var out youtubeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode youtube response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("youtube returned no video id")
	}
	return out.ID, nil
}

var _ Adapter = (*PublishAdapter)(nil)
