package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lernia/lernia/internal/config"
)

// Capability selects which upstream model endpoint handles a request.
type Capability string

const (
	CapabilityText   Capability = "text"
	CapabilityVision Capability = "vision"
	CapabilitySpeech Capability = "speech"
)

// Request is the payload sent to the external AI service.
type Request struct {
	Prompt   string         `json:"prompt,omitempty"`
	ImageURL string         `json:"image_url,omitempty"`
	AudioURL string         `json:"audio_url,omitempty"`
	Language string         `json:"language,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the upstream result, including the usage this layer exists
// to amortize.
type Response struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	TokensUsed int     `json:"tokens_used"`
	Cost       float64 `json:"cost"`
	Model      string  `json:"model,omitempty"`
}

// Client is the external AI collaborator. Implementations own their own
// latency and cost; callers bound every invocation with a context deadline.
type Client interface {
	Invoke(ctx context.Context, capability Capability, req *Request) (*Response, error)
}

// HTTPClient calls the AI service over HTTP with a bearer key.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *logrus.Logger
}

// NewHTTPClient builds the production client from configuration.
func NewHTTPClient(cfg *config.Config, logger *logrus.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.AI.BaseURL,
		apiKey:  cfg.AI.APIKey,
		client:  &http.Client{Timeout: cfg.AI.Timeout},
		logger:  logger,
	}
}

// Invoke posts the request to the capability endpoint and decodes the
// response. Non-2xx statuses and malformed bodies are returned as errors so
// the caller's retry policy applies.
func (c *HTTPClient) Invoke(ctx context.Context, capability Capability, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/%s", c.baseURL, capability)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ai service call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ai service returned %d: %s", resp.StatusCode, snippet)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"capability": capability,
		"tokens":     out.TokensUsed,
		"duration":   time.Since(start),
	}).Debug("AI call completed")

	return &out, nil
}
