package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"contentforge/internal/artifacts"
	"contentforge/internal/config"
	"contentforge/internal/models"
)

func publishFixture(t *testing.T, withVideo bool) (*memArtifacts, Request) {
	t.Helper()
	store := newMemArtifacts()
	articleKey := artifacts.Key("item-1", models.StageTextGen, "article.md")
	if _, err := store.Put(context.Background(), articleKey, []byte("# Article body"), "text/markdown"); err != nil {
		t.Fatalf("seed article: %v", err)
	}
	payload := map[string]any{
		models.StageTextGen: map[string]any{
			"title": "A Title",
			"key":   articleKey,
		},
	}
	if withVideo {
		videoKey := artifacts.Key("item-1", models.StageVideoGen, "clip.mp4")
		if _, err := store.Put(context.Background(), videoKey, []byte("mp4bytes"), "video/mp4"); err != nil {
			t.Fatalf("seed video: %v", err)
		}
		payload[models.StageVideoGen] = map[string]any{"key": videoKey}
	}
	return store, Request{ItemID: "item-1", Stage: models.StagePublish, Payload: payload}
}

func TestPublishCreatesWordPressPost(t *testing.T) {
	var gotPost wordpressPost
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/wp-json/wp/v2/posts" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); !strings.HasPrefix(auth, "Basic ") {
			t.Errorf("missing basic auth, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPost); err != nil {
			t.Errorf("decode post: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":7,"link":"https://blog.example/p/7"}`))
	}))
	defer srv.Close()

	store, req := publishFixture(t, false)
	adapter := NewPublishAdapter(config.Config{
		WordPressURL:         srv.URL,
		WordPressUser:        "editor",
		WordPressAppPassword: "secret",
	}, store)

	res, err := adapter.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	artifact := res.Artifact.(map[string]any)
	if artifact["wordpress_url"] != "https://blog.example/p/7" {
		t.Fatalf("wordpress_url = %v", artifact["wordpress_url"])
	}
	if _, hasVideo := artifact["youtube_url"]; hasVideo {
		t.Fatal("youtube_url present without a video artifact")
	}
	if gotPost.Title != "A Title" || gotPost.Status != "publish" {
		t.Fatalf("posted %+v", gotPost)
	}
	if !strings.Contains(gotPost.Content, "Article body") {
		t.Fatalf("post content = %q", gotPost.Content)
	}
}

func TestPublishUploadsVideoWhenPresent(t *testing.T) {
	wp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":7,"link":"https://blog.example/p/7"}`))
	}))
	defer wp.Close()
	yt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("youtube auth = %q", auth)
		}
		_, _ = w.Write([]byte(`{"id":"vid123"}`))
	}))
	defer yt.Close()

	store, req := publishFixture(t, true)
	adapter := NewPublishAdapter(config.Config{
		WordPressURL:         wp.URL,
		WordPressUser:        "editor",
		WordPressAppPassword: "secret",
		YouTubeUploadURL:     yt.URL,
		YouTubeToken:         "tok",
	}, store)

	res, err := adapter.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	artifact := res.Artifact.(map[string]any)
	if artifact["youtube_url"] != "https://www.youtube.com/watch?v=vid123" {
		t.Fatalf("youtube_url = %v", artifact["youtube_url"])
	}
}

func TestPublishUnauthorizedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	store, req := publishFixture(t, false)
	adapter := NewPublishAdapter(config.Config{
		WordPressURL:         srv.URL,
		WordPressUser:        "editor",
		WordPressAppPassword: "wrong",
	}, store)

	_, err := adapter.Invoke(context.Background(), req)
	if err == nil || !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent for 401", err)
	}
}

func TestPublishUnconfiguredIsPermanent(t *testing.T) {
	store, req := publishFixture(t, false)
	adapter := NewPublishAdapter(config.Config{}, store)

	_, err := adapter.Invoke(context.Background(), req)
	if err == nil || !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent when wordpress is unconfigured", err)
	}
}
