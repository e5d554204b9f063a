// Package llmstream implements C20, bridging a prompt to a streamed chunk
// channel against OpenAI or Anthropic's SSE wire format, grounded on
// original_source/src/transport/websocket/llm_bridge.rs's retry-with-
// backoff and buffer-until-double-newline parsing approach, adapted from
// Rust's mpsc channel to Go's chan + context idiom.
package llmstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mcpruntime/internal/mcperr"
)

// Provider selects the wire format adapter.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Chunk is a single streamed piece of a completion, per spec.md §4.20.
type Chunk struct {
	StreamID string
	Content  string
	Done     bool
	Error    string
}

// Config tunes the bridge's HTTP client and retry behavior.
type Config struct {
	Provider          Provider
	APIKey            string
	Model             string
	BaseURL           string
	MaxRetries        int
	InitialRetryDelay time.Duration
	RequestTimeout    time.Duration
}

// DefaultConfig mirrors llm_bridge.rs's LlmConfig defaults.
func DefaultConfig(provider Provider) Config {
	cfg := Config{
		Provider:          provider,
		MaxRetries:        3,
		InitialRetryDelay: time.Second,
		RequestTimeout:    300 * time.Second,
	}
	switch provider {
	case ProviderAnthropic:
		cfg.Model = "claude-3-opus-20240229"
		cfg.BaseURL = "https://api.anthropic.com/v1/messages"
	default:
		cfg.Model = "gpt-4"
		cfg.BaseURL = "https://api.openai.com/v1/chat/completions"
	}
	return cfg
}

// Bridge streams a prompt's completion, one SSE-derived Chunk at a time.
type Bridge struct {
	cfg    Config
	client *http.Client
}

// New creates a bridge. httpClient may be nil to use a client built from
// cfg.RequestTimeout.
func New(cfg Config, httpClient *http.Client) (*Bridge, error) {
	if cfg.APIKey == "" {
		return nil, mcperr.New(mcperr.KindInvalidConfiguration, "API key is required")
	}
	if httpClient == nil {
		if cfg.RequestTimeout <= 0 {
			cfg.RequestTimeout = 300 * time.Second
		}
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Bridge{cfg: cfg, client: httpClient}, nil
}

func (b *Bridge) buildRequest(ctx context.Context, prompt string) (*http.Request, error) {
	var body []byte
	var err error

	switch b.cfg.Provider {
	case ProviderAnthropic:
		body, err = json.Marshal(map[string]any{
			"model":      b.cfg.Model,
			"max_tokens": 4096,
			"stream":     true,
			"messages":   []map[string]string{{"role": "user", "content": prompt}},
		})
	default:
		body, err = json.Marshal(map[string]any{
			"model":    b.cfg.Model,
			"stream":   true,
			"messages": []map[string]string{{"role": "user", "content": prompt}},
		})
	}
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindJSON, "failed to marshal request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindNetwork, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.Provider == ProviderAnthropic {
		req.Header.Set("x-api-key", b.cfg.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	} else {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	return req, nil
}

// StreamCompletion streams chunks to out until done/error or ctx/out-closed
// cancellation. It owns closing out on return. Per spec.md §4.20, the
// sender channel closing is the only cancel signal the bridge observes —
// detected here via ctx cancellation, since Go has no analog to a dropped
// receiver that the sender can poll directly.
func (b *Bridge) StreamCompletion(ctx context.Context, prompt string, out chan<- Chunk) error {
	defer close(out)
	streamID := uuid.NewString()

	var lastErr error
	delay := b.cfg.InitialRetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		err := b.attempt(ctx, streamID, prompt, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == b.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return mcperr.Wrap(mcperr.KindNetwork, "llm stream failed after retries", lastErr)
}

func (b *Bridge) attempt(ctx context.Context, streamID, prompt string, out chan<- Chunk) error {
	req, err := b.buildRequest(ctx, prompt)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return mcperr.Wrap(mcperr.KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return mcperr.Newf(mcperr.KindNetwork, "upstream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Split(splitSSEEvents)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		event := scanner.Text()
		payload, ok := extractDataPayload(event)
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			return send(ctx, out, Chunk{StreamID: streamID, Done: true})
		}

		chunk, terminate, parseErr := parseChunk(b.cfg.Provider, streamID, payload)
		if parseErr != nil {
			return send(ctx, out, Chunk{StreamID: streamID, Error: parseErr.Error(), Done: true})
		}
		if chunk != nil {
			if err := send(ctx, out, *chunk); err != nil {
				return err
			}
		}
		if terminate {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return mcperr.Wrap(mcperr.KindNetwork, "stream read failed", err)
	}
	return nil
}

func send(ctx context.Context, out chan<- Chunk, c Chunk) error {
	select {
	case out <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitSSEEvents is a bufio.SplitFunc that yields one event per \n\n
// boundary, matching llm_bridge.rs's "scan for \n\n" framing.
func splitSSEEvents(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func extractDataPayload(event string) (string, bool) {
	for _, line := range strings.Split(event, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
		}
	}
	return "", false
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type anthropicChunk struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// parseChunk decodes one SSE data payload into a Chunk. terminate signals
// the stream is logically complete (message_stop / an explicit error).
func parseChunk(provider Provider, streamID, payload string) (chunk *Chunk, terminate bool, err error) {
	switch provider {
	case ProviderAnthropic:
		var ac anthropicChunk
		if jsonErr := json.Unmarshal([]byte(payload), &ac); jsonErr != nil {
			return nil, false, mcperr.Wrap(mcperr.KindJSON, "failed to parse anthropic event", jsonErr)
		}
		switch ac.Type {
		case "content_block_delta":
			return &Chunk{StreamID: streamID, Content: ac.Delta.Text}, false, nil
		case "message_stop":
			return &Chunk{StreamID: streamID, Done: true}, true, nil
		case "error":
			return nil, true, mcperr.New(mcperr.KindNetwork, ac.Error.Message)
		default:
			return nil, false, nil
		}
	default:
		var oc openAIChunk
		if jsonErr := json.Unmarshal([]byte(payload), &oc); jsonErr != nil {
			return nil, false, mcperr.Wrap(mcperr.KindJSON, "failed to parse openai event", jsonErr)
		}
		if len(oc.Choices) == 0 {
			return nil, false, nil
		}
		return &Chunk{StreamID: streamID, Content: oc.Choices[0].Delta.Content}, false, nil
	}
}
