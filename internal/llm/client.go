// Package llm provides chat completions through the corporate OpenAI
// gateway.
package llm

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dWassimeb/Talk4Finance/internal/errors"
)

// Request is a single completion call
type Request struct {
	System string
	Prompt string
	Stop   []string
}

// Service defines the completion surface the agent depends on
type Service interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config carries the gateway settings for a Client
type Config struct {
	GatewayURL      string
	SubscriptionKey string
	Deployment      string
	APIVersion      string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
}

// Client implements Service against an APIM-fronted Azure OpenAI
// deployment. The gateway authenticates with a subscription key header
// and routes on /deployments/{name}/chat/completions.
type Client struct {
	api         *openai.Client
	deployment  string
	temperature float32
	maxTokens   int
	timeout     time.Duration
}

// NewClient creates a completion client for the given gateway. A nil
// httpClient uses http.DefaultTransport.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-01"
	}

	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}

	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	wrapped := *httpClient
	wrapped.Transport = &gatewayTransport{
		base:            base,
		subscriptionKey: cfg.SubscriptionKey,
		apiVersion:      cfg.APIVersion,
	}

	apiConfig := openai.DefaultConfig(cfg.SubscriptionKey)
	apiConfig.BaseURL = strings.TrimSuffix(cfg.GatewayURL, "/") + "/deployments/" + cfg.Deployment
	apiConfig.HTTPClient = &wrapped

	// The API treats an omitted temperature as 1, and the JSON encoding
	// omits zero. Send the smallest positive value instead.
	temperature := float32(cfg.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	return &Client{
		api:         openai.NewClientWithConfig(apiConfig),
		deployment:  cfg.Deployment,
		temperature: temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}
}

// Complete sends one system+user exchange and returns the raw completion
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.deployment,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stop:        req.Stop,
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrTypeLLM, "chat completion failed")
	}

	if len(resp.Choices) == 0 {
		return "", errors.New(errors.ErrTypeLLM, "completion returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// gatewayTransport injects the APIM subscription key and the api-version
// query parameter on every request.
type gatewayTransport struct {
	base            http.RoundTripper
	subscriptionKey string
	apiVersion      string
}

func (t *gatewayTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Ocp-Apim-Subscription-Key", t.subscriptionKey)
	req.Header.Set("Cache-Control", "no-cache")

	q := req.URL.Query()
	q.Set("api-version", t.apiVersion)
	req.URL.RawQuery = q.Encode()

	return t.base.RoundTrip(req)
}
