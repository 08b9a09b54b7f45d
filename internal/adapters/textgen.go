package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"contentforge/internal/artifacts"
	"contentforge/internal/config"
	"contentforge/internal/models"
)

// TextGenAdapter turns scraped source material into an article via the Gemini
// generateContent API. The model is asked for strict JSON; code fences and
// stray prose around the JSON are tolerated.
type TextGenAdapter struct {
	apiKey    string
	model     string
	baseURL   string
	client    *http.Client
	artifacts artifacts.Store
}

func NewTextGenAdapter(cfg config.Config, store artifacts.Store) *TextGenAdapter {
	return &TextGenAdapter{
		apiKey:    cfg.GeminiAPIKey,
		model:     cfg.GeminiModel,
		baseURL:   strings.TrimRight(cfg.GeminiBaseURL, "/"),
		client:    &http.Client{},
		artifacts: store,
	}
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	CandidateCount   int     `json:"candidateCount,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

type articlePayload struct {
	Title    string   `json:"title"`
	Body     string   `json:"body_markdown"`
	Keywords []string `json:"keywords"`
}

func (t *TextGenAdapter) Invoke(ctx context.Context, req Request) (Result, error) {
	if t.apiKey == "" {
		return Result{}, Permanentf("gemini api key not configured")
	}
	ingest := stageArtifact(req.Payload, models.StageIngest)
	sourceKey := stringField(ingest, "key")
	if sourceKey == "" {
		return Result{}, Permanentf("no ingest artifact to generate from")
	}
	source, err := t.artifacts.Get(ctx, sourceKey)
	if err != nil {
		return Result{}, fmt.Errorf("load ingest artifact: %w", err)
	}

	payload := geminiRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: buildArticlePrompt(string(source))}},
		}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:      0.6,
			CandidateCount:   1,
			ResponseMimeType: "application/json",
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return Result{}, fmt.Errorf("encode gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", t.baseURL, url.PathEscape(t.model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return Result{}, Permanentf("build gemini request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", t.apiKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return Result{}, statusError("gemini generateContent", resp.StatusCode)
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode gemini response: %w", err)
	}
	text := extractText(out)
	if text == "" {
		if reason := finishReason(out); reason == "SAFETY" || reason == "PROHIBITED_CONTENT" {
			return Result{}, Permanentf("gemini refused generation: %s", reason)
		}
		return Result{}, fmt.Errorf("gemini returned no candidates")
	}

	var article articlePayload
	if err := json.Unmarshal([]byte(extractJSONFragment(text)), &article); err != nil {
		return Result{}, fmt.Errorf("parse article payload: %w", err)
	}
	if article.Title == "" || article.Body == "" {
		return Result{}, fmt.Errorf("article payload missing title or body")
	}

	key := artifacts.Key(req.ItemID, req.Stage, "article.md")
	ref, err := t.artifacts.Put(ctx, key, []byte(article.Body), "text/markdown")
	if err != nil {
		return Result{}, fmt.Errorf("store article: %w", err)
	}

	return Result{Artifact: map[string]any{
		"title":    article.Title,
		"key":      key,
		"ref":      ref,
		"keywords": article.Keywords,
		"words":    len(strings.Fields(article.Body)),
	}}, nil
}

func buildArticlePrompt(source string) string {
	const maxSource = 20000
	if len(source) > maxSource {
		source = source[:maxSource]
	}
	sb := &strings.Builder{}
	sb.WriteString("You are an expert long-form writer. From the source page below, write an original, factual article. ")
	sb.WriteString(`Respond strictly with JSON matching {"title":string,"body_markdown":string,"keywords":string[]}. `)
	sb.WriteString("The article must be at least 600 words, self-contained, and must not copy sentences verbatim.\n\nSOURCE:\n")
	sb.WriteString(source)
	return sb.String()
}

func extractText(resp geminiResponse) string {
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if strings.TrimSpace(part.Text) != "" {
				return part.Text
			}
		}
	}
	return ""
}

func finishReason(resp geminiResponse) string {
	for _, cand := range resp.Candidates {
		if cand.FinishReason != "" {
			return cand.FinishReason
		}
	}
	return ""
}

func extractJSONFragment(raw string) string {
	text := strings.TrimSpace(raw)
	text = trimCodeFence(text)
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "]}")
	if start >= 0 && end >= start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```JSON")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

var _ Adapter = (*TextGenAdapter)(nil)
