// Package llmclient implements C5: a provider-agnostic chat/stream RPC
// client with token estimation and context-window accounting (spec
// §4.5). The request/response shape is adapted from the teacher's
// OpenRouter-compatible batch.Service — Chat-Completions-style JSON —
// but the transport is net/http instead of a WASM syscall/js fetch,
// since this module runs as a standalone service rather than in-browser.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kittclouds/topicengine/internal/errs"
)

// Role is a chat message's role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a chat() call.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatOptions configures a chat() call.
type ChatOptions struct {
	Stream      bool
	OnChunk     func(chunk string)
	Temperature float64
	MaxTokens   int
}

// ModelState mirrors the spec's per-model state machine, exposed for
// callers that want to observe it (the HTTP client itself is stateless
// per call; Generating is tracked only while a streaming call is live).
type ModelState string

const (
	ModelUnloaded   ModelState = "unloaded"
	ModelLoading    ModelState = "loading"
	ModelReady      ModelState = "ready"
	ModelGenerating ModelState = "generating"
)

// Client is the C5 contract. Implementations must never retry
// internally — C6 and C8 own retry policy (spec §4.5, §4.8).
type Client interface {
	Chat(ctx context.Context, messages []Message, modelID string, opts ChatOptions) (string, error)
	EstimateTokens(text, modelID string) int
	GetContextWindow(modelID string) int
}

// ChatCompletionClient is a Chat-Completions-compatible HTTP client
// (OpenRouter, OpenAI-shaped providers, local servers speaking the same
// wire format).
type ChatCompletionClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	contextWindows map[string]int
	defaultWindow  int
}

// Option configures a ChatCompletionClient.
type Option func(*ChatCompletionClient)

// WithHTTPClient overrides the default *http.Client (e.g. for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ChatCompletionClient) { c.httpClient = hc }
}

// WithContextWindow registers modelID's usable context window.
func WithContextWindow(modelID string, tokens int) Option {
	return func(c *ChatCompletionClient) { c.contextWindows[modelID] = tokens }
}

// NewChatCompletionClient builds a client against baseURL (e.g.
// "https://openrouter.ai/api/v1") authenticating with apiKey.
func NewChatCompletionClient(baseURL, apiKey string, opts ...Option) *ChatCompletionClient {
	c := &ChatCompletionClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		httpClient:     &http.Client{Timeout: 120 * time.Second},
		contextWindows: make(map[string]int),
		defaultWindow:  8192,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Chat implements the C5 contract. Cancelling ctx mid-generation
// surfaces GenerationCancelled and produces no partial final message.
func (c *ChatCompletionClient) Chat(ctx context.Context, messages []Message, modelID string, opts ChatOptions) (string, error) {
	req := chatRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      opts.Stream,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", errs.Wrap("llmclient", errs.ProviderUnavailable, "marshalling chat request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errs.Wrap("llmclient", errs.ProviderUnavailable, "building chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", errs.Wrap("llmclient", errs.GenerationCancelled, "chat cancelled", ctx.Err())
		}
		return "", errs.Wrap("llmclient", errs.ProviderUnavailable, "chat request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", errs.New("llmclient", errs.RateLimited, "provider rate limited the request")
	}
	if resp.StatusCode >= 500 {
		return "", errs.New("llmclient", errs.ProviderUnavailable,
			fmt.Sprintf("provider returned status %d", resp.StatusCode))
	}

	if opts.Stream {
		return c.readStream(ctx, resp, opts.OnChunk)
	}
	return c.readFull(resp)
}

func (c *ChatCompletionClient) readFull(resp *http.Response) (string, error) {
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errs.Wrap("llmclient", errs.ProviderUnavailable, "decoding chat response", err)
	}
	if out.Error != nil {
		return "", errs.New("llmclient", errs.ProviderUnavailable, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errs.New("llmclient", errs.ProviderUnavailable, "empty response from provider")
	}
	return out.Choices[0].Message.Content, nil
}

// readStream parses a server-sent-events style stream of
// "data: {...}\n\n" chunks, the Chat-Completions streaming convention.
func (c *ChatCompletionClient) readStream(ctx context.Context, resp *http.Response, onChunk func(string)) (string, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var full strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return "", errs.Wrap("llmclient", errs.GenerationCancelled, "stream cancelled", ctx.Err())
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onChunk != nil {
			onChunk(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", errs.Wrap("llmclient", errs.GenerationCancelled, "stream cancelled", ctx.Err())
		}
		return "", errs.Wrap("llmclient", errs.ProviderUnavailable, "reading stream", err)
	}
	return full.String(), nil
}

// EstimateTokens approximates token count within the spec's ±10%
// tolerance using the common ~4-characters-per-token heuristic.
func (c *ChatCompletionClient) EstimateTokens(text, _ string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// GetContextWindow returns modelID's raw context window size.
func (c *ChatCompletionClient) GetContextWindow(modelID string) int {
	if w, ok := c.contextWindows[modelID]; ok {
		return w
	}
	return c.defaultWindow
}

// UsableContextWindow is contextWindow - reservedForResponse, floored at
// zero (spec §4.5).
func UsableContextWindow(contextWindow, reservedForResponse int) int {
	usable := contextWindow - reservedForResponse
	if usable < 0 {
		return 0
	}
	return usable
}
