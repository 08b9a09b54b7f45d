package adapters

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"contentforge/internal/artifacts"
	"contentforge/internal/config"
	"contentforge/internal/models"
)

const scrapeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// ScrapeAdapter fetches raw source material over HTTP, optionally through a
// residential proxy, and stores the page as the ingest artifact.
type ScrapeAdapter struct {
	client    *http.Client
	maxBytes  int64
	artifacts artifacts.Store
}

func NewScrapeAdapter(cfg config.Config, store artifacts.Store) (*ScrapeAdapter, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ScrapeProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ScrapeProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse scrape proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	maxBytes := cfg.ScrapeMaxBytes
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &ScrapeAdapter{
		// Per-call deadlines come from the stage timeout on the context.
		client:    &http.Client{Transport: transport},
		maxBytes:  maxBytes,
		artifacts: store,
	}, nil
}

func (s *ScrapeAdapter) Invoke(ctx context.Context, req Request) (Result, error) {
	sourceURL := stringField(itemConfig(req.Payload), models.ConfigSourceURL)
	if sourceURL == "" {
		return Result{}, Permanentf("work item has no source_url")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return Result{}, Permanentf("build scrape request: %v", err)
	}
	httpReq.Header.Set("User-Agent", scrapeUserAgent)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("scrape %s: %w", sourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, statusError("scrape "+sourceURL, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, s.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return Result{}, fmt.Errorf("read scrape response: %w", err)
	}
	if int64(len(body)) > s.maxBytes {
		return Result{}, Permanentf("page too large (>%d bytes)", s.maxBytes)
	}

	key := artifacts.Key(req.ItemID, req.Stage, "raw.html")
	ref, err := s.artifacts.Put(ctx, key, body, resp.Header.Get("Content-Type"))
	if err != nil {
		return Result{}, fmt.Errorf("store scraped page: %w", err)
	}

	return Result{Artifact: map[string]any{
		"source_url": sourceURL,
		"key":        key,
		"ref":        ref,
		"bytes":      len(body),
	}}, nil
}

var _ Adapter = (*ScrapeAdapter)(nil)
