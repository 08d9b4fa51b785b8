// Package llmclient is the concrete, OpenAI-compatible chat-completions
// binding for orchestrator.LLMClient and workflow.LLM, grounded on the
// pack's own provider.go (cortex-evaluator's internal/llm) request
// shape, generalized from a single blocking Complete call to a
// streaming one so it can feed the Structured Stream Parser token by
// token.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/HyphaGroup/edward/internal/config"
	"github.com/HyphaGroup/edward/internal/orchestrator"
)

// Client calls an OpenAI-compatible /chat/completions endpoint,
// configured per model via config.ModelDefinition (BaseURL, APIKey,
// ExtraHeaders) rather than one API key per provider — this module
// never picks a provider-specific wire format at runtime the way the
// pack's Provider.CompleteWithMode does, since every model definition
// here already points at an OpenAI-compatible gateway.
type Client struct {
	httpClient *http.Client
	models     *config.ModelRegistry
	// defaultModel is the model every call uses; callers cannot name
	// another one (the Workflow Engine's LLM dependency has no model
	// selection surface of its own).
	defaultModel string
}

// New builds a Client against the given model registry.
func New(models *config.ModelRegistry, defaultModel string) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
		models:       models,
		defaultModel: defaultModel,
	}
}

func (c *Client) resolveModel() config.ModelDefinition {
	if c.models != nil {
		if def, ok := c.models.GetModel(c.defaultModel); ok {
			return def
		}
	}
	return config.ModelDefinition{Model: c.defaultModel}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

func (c *Client) newRequest(ctx context.Context, def config.ModelDefinition, body chatRequest) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}
	baseURL := strings.TrimRight(def.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("llmclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	apiKey := def.APIKey
	if apiKey == "" {
		return nil, fmt.Errorf("llmclient: no API key configured for model %q", def.Model)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range def.ExtraHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Generate performs a single-shot (non-streaming) completion; used both
// as orchestrator.LLMClient.Generate (JSON-mode calls are not part of
// that path today, apiKey is accepted for interface parity with
// Stream) and, via the Workflow adapter below, as workflow.LLM.Generate
// for the ANALYZE/RESOLVE_PACKAGES/RECOVER phases.
func (c *Client) Generate(ctx context.Context, apiKey string, prompt string) ([]byte, error) {
	def := c.resolveModel()
	if apiKey != "" {
		def.APIKey = apiKey
	}
	req, err := c.newRequest(ctx, def, chatRequest{
		Model:    def.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llmclient: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llmclient: API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("llmclient: unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llmclient: empty completion")
	}
	return []byte(parsed.Choices[0].Message.Content), nil
}

// Stream starts a streaming completion against the chat-completions
// endpoint with stream:true, decoding the server-sent "data: {...}"
// frames into raw text deltas.
func (c *Client) Stream(ctx context.Context, apiKey string, messages []orchestrator.Message) (orchestrator.LLMStream, error) {
	def := c.resolveModel()
	if apiKey != "" {
		def.APIKey = apiKey
	}

	msgs := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}

	req, err := c.newRequest(ctx, def, chatRequest{Model: def.Model, Messages: msgs, Stream: true})
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llmclient: stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llmclient: stream API error (%d): %s", resp.StatusCode, string(body))
	}

	st := &sseStream{
		ch:   make(chan string, 16),
		body: resp.Body,
	}
	go st.pump()
	return st, nil
}

// sseStream decodes an OpenAI-style SSE body on a background goroutine
// and exposes the accumulated text deltas as a channel, matching the
// orchestrator.LLMStream contract.
type sseStream struct {
	ch   chan string
	body io.ReadCloser
	err  error
}

func (s *sseStream) pump() {
	defer close(s.ch)
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				s.ch <- choice.Delta.Content
			}
		}
	}
	if err := scanner.Err(); err != nil {
		s.err = fmt.Errorf("llmclient: read stream: %w", err)
	}
}

func (s *sseStream) Chunks() <-chan string { return s.ch }
func (s *sseStream) Err() error            { return s.err }

// WorkflowAdapter narrows Client to workflow.LLM's (ctx, prompt) -> json
// signature, binding it to a fixed API key resolved at construction
// time (the Workflow Engine has no per-call API key parameter).
type WorkflowAdapter struct {
	client *Client
	apiKey string
}

// NewWorkflowAdapter builds a workflow.LLM-shaped wrapper around c.
func NewWorkflowAdapter(c *Client, apiKey string) *WorkflowAdapter {
	return &WorkflowAdapter{client: c, apiKey: apiKey}
}

// Generate satisfies workflow.LLM.
func (a *WorkflowAdapter) Generate(ctx context.Context, prompt string) ([]byte, error) {
	return a.client.Generate(ctx, a.apiKey, prompt)
}
