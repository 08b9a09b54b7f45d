package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"contentforge/internal/artifacts"
	"contentforge/internal/config"
	"contentforge/internal/models"
)

// SpeechGenAdapter narrates the article through a Cloud Text-to-Speech style
// synthesize endpoint.
type SpeechGenAdapter struct {
	apiKey    string
	baseURL   string
	voice     string
	client    *http.Client
	artifacts artifacts.Store
}

func NewSpeechGenAdapter(cfg config.Config, store artifacts.Store) *SpeechGenAdapter {
	return &SpeechGenAdapter{
		apiKey:    cfg.TTSAPIKey,
		baseURL:   strings.TrimRight(cfg.TTSBaseURL, "/"),
		voice:     cfg.TTSVoice,
		client:    &http.Client{},
		artifacts: store,
	}
}

type ttsRequest struct {
	Input struct {
		Text string `json:"text"`
	} `json:"input"`
	Voice struct {
		Name         string `json:"name"`
		LanguageCode string `json:"languageCode"`
	} `json:"voice"`
	AudioConfig struct {
		AudioEncoding string `json:"audioEncoding"`
	} `json:"audioConfig"`
}

type ttsResponse struct {
	AudioContent string `json:"audioContent"`
}

func (s *SpeechGenAdapter) Invoke(ctx context.Context, req Request) (Result, error) {
	if s.apiKey == "" {
		return Result{}, Permanentf("tts api key not configured")
	}
	article := stageArtifact(req.Payload, models.StageTextGen)
	articleKey := stringField(article, "key")
	if articleKey == "" {
		return Result{}, Permanentf("no article to narrate")
	}
	text, err := s.artifacts.Get(ctx, articleKey)
	if err != nil {
		return Result{}, fmt.Errorf("load article artifact: %w", err)
	}

	var payload ttsRequest
	payload.Input.Text = truncateForSpeech(string(text))
	payload.Voice.Name = s.voice
	payload.Voice.LanguageCode = languageCodeOf(s.voice)
	payload.AudioConfig.AudioEncoding = "MP3"

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode tts request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/text:synthesize", bytes.NewReader(body))
	if err != nil {
		return Result{}, Permanentf("build tts request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call tts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return Result{}, statusError("tts synthesize", resp.StatusCode)
	}

	var out ttsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode tts response: %w", err)
	}
	if out.AudioContent == "" {
		return Result{}, fmt.Errorf("tts returned no audio")
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return Result{}, fmt.Errorf("decode audio base64: %w", err)
	}

	key := artifacts.Key(req.ItemID, req.Stage, "narration.mp3")
	ref, err := s.artifacts.Put(ctx, key, audio, "audio/mpeg")
	if err != nil {
		return Result{}, fmt.Errorf("store narration: %w", err)
	}

	return Result{Artifact: map[string]any{
		"key":   key,
		"ref":   ref,
		"voice": s.voice,
		"bytes": len(audio),
	}}, nil
}

// truncateForSpeech keeps the narration under typical synthesize input
// limits, cutting at a sentence boundary when one exists and never splitting
// a multi-byte rune.
func truncateForSpeech(text string) string {
	const maxBytes = 4500
	if len(text) <= maxBytes {
		return text
	}
	end := maxBytes
	for end > 0 && !utf8.RuneStart(text[end]) {
		end--
	}
	cut := text[:end]
	if idx := strings.LastIndex(cut, ". "); idx > 0 {
		cut = cut[:idx+1]
	}
	return cut
}

func languageCodeOf(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	return "en-US"
}

var _ Adapter = (*SpeechGenAdapter)(nil)
