package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"docaudit-backend/internal/config"
	"docaudit-backend/internal/engine"
)

func TestNewProvider_Unconfigured(t *testing.T) {
	if NewProvider(config.AIConfig{BaseURL: "http://x", Model: "m"}) != nil {
		t.Fatal("provider without api key must be nil")
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-test" || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"risk\":\"low\"}"}}]}`))
	}))
	defer srv.Close()

	p := NewProvider(config.AIConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "gpt-test"})
	out, err := p.Generate(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != `{"risk":"low"}` {
		t.Fatalf("content = %q", out)
	}
}

func TestGenerate_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	p := NewProvider(config.AIConfig{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	_, err := p.Generate(context.Background(), "s", "u")

	var appErr *engine.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != "AI_REQUEST_FAILED" || appErr.Status != http.StatusBadGateway {
		t.Fatalf("unexpected error %+v", appErr)
	}
	if appErr.Message != "AI provider returned 429: quota exceeded" {
		t.Fatalf("message = %q", appErr.Message)
	}
}
