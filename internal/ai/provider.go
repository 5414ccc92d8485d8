package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"docaudit-backend/internal/config"
	"docaudit-backend/internal/engine"
)

const defaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 1 << 20

// Provider is an OpenAI-compatible chat completions client.
type Provider struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewProvider creates a new AI provider. Returns nil if not configured.
func NewProvider(cfg config.AIConfig) *Provider {
	if cfg.BaseURL == "" || cfg.APIKey == "" || cfg.Model == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Provider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model name.
func (p *Provider) Model() string {
	return p.model
}

type chatRequest struct {
	Model          string        `json:"model"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat responseFmt   `json:"response_format"`
	Messages       []chatMessage `json:"messages"`
}

type responseFmt struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func requestFailed(msg string) *engine.AppError {
	return engine.NewAppError("AI_REQUEST_FAILED", fiber.StatusBadGateway, msg)
}

// Generate sends a system + user prompt to the LLM and returns the raw
// response text, which the prompt asks to be a JSON object.
func (p *Provider) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body := chatRequest{
		Model:          p.model,
		Temperature:    0.2,
		ResponseFormat: responseFmt{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", requestFailed("Failed to marshal AI request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", requestFailed("Failed to create AI request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", requestFailed(fmt.Sprintf("Failed to connect to AI provider: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", requestFailed("Failed to read AI response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		detail := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			detail = apiErr.Error.Message
		}
		return "", requestFailed(fmt.Sprintf("AI provider returned %d: %s", resp.StatusCode, detail))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", requestFailed("Failed to parse AI response")
	}

	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message.Content == "" {
		return "", requestFailed("AI provider returned empty response")
	}

	return chatResp.Choices[0].Message.Content, nil
}
