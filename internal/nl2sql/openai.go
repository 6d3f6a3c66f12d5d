package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koustreak/querygate/internal/errs"
)

// Model completes a prompt and returns the raw reply text.
type Model interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// OpenAIConfig configures an OpenAI-compatible chat completions client.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-4o-mini"

	// maxResponseBytes bounds how much of a vendor response is read.
	maxResponseBytes = 1 << 20
)

// OpenAIClient talks to /v1/chat/completions of any OpenAI-compatible API.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

// NewOpenAIClient never fails on a missing key; Complete reports it as
// AI_SERVICE_UNAVAILABLE so the gateway can run without a model.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Complete implements Model.
func (c *OpenAIClient) Complete(ctx context.Context, p Prompt) (string, error) {
	if c.apiKey == "" {
		return "", errs.New(errs.KindAIServiceUnavailable, "AI service is not configured")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature:    c.temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", errs.Internal("failed to encode chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errs.Internal("failed to build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", transportError(ctx, err)
	}
	if resp.StatusCode >= 400 {
		return "", statusError(resp.StatusCode, raw)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errs.Wrap(errs.KindAIInvalidResponse, "malformed chat completion response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errs.New(errs.KindAIInvalidResponse, "chat completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return errs.Wrap(errs.KindQueryCancelled, "AI request cancelled", err)
	}
	return errs.Wrap(errs.KindAIServiceUnavailable, "AI service unreachable", err)
}

// statusError maps a vendor error response. Rate limits and exhausted
// quotas are AI_QUOTA_EXCEEDED; everything else is AI_SERVICE_UNAVAILABLE.
func statusError(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	msg := strings.TrimSpace(apiErr.Error.Message)
	if msg == "" {
		msg = http.StatusText(status)
	}
	details := map[string]any{"status": status}

	if status == http.StatusTooManyRequests ||
		apiErr.Error.Code == "insufficient_quota" || apiErr.Error.Type == "insufficient_quota" {
		return errs.New(errs.KindAIQuotaExceeded, fmt.Sprintf("AI quota exceeded: %s", msg)).WithDetails(details)
	}
	return errs.New(errs.KindAIServiceUnavailable, fmt.Sprintf("AI service error: %s", msg)).WithDetails(details)
}
