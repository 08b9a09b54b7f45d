package adapters

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
)

// memArtifacts is an in-memory artifact store for adapter tests.
type memArtifacts struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{data: map[string][]byte{}}
}

func (m *memArtifacts) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = body
	return "mem://" + key, nil
}

func (m *memArtifacts) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("no artifact %q", key)
	}
	return body, nil
}

func TestStatusErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		err := statusError("op", tc.status)
		if err == nil {
			t.Fatalf("status %d produced no error", tc.status)
		}
		if got := IsPermanent(err); got != tc.permanent {
			t.Errorf("status %d: permanent = %v, want %v", tc.status, got, tc.permanent)
		}
	}
}

func TestPermanentWrapsAndUnwraps(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should stay nil")
	}
	err := Permanentf("bad input: %s", "x")
	if !IsPermanent(err) {
		t.Fatal("marker lost")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if !IsPermanent(wrapped) {
		t.Fatal("marker must survive wrapping")
	}
	if IsPermanent(fmt.Errorf("plain")) {
		t.Fatal("plain error misclassified as permanent")
	}
}
