package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TimeoutConfig defines the 3-phase timeout system for Ollama.
// Phase 1 (Connection): Time to establish HTTP connection and send headers
// Phase 2 (First Token): Time to receive first token after request sent (model loading happens here)
// Phase 3 (Streaming): Max time between tokens during response streaming
type TimeoutConfig struct {
	ConnectionTimeout time.Duration // Time to establish HTTP connection (default: 30s)
	FirstTokenTimeout time.Duration // Time to receive first token after connection (default: 120s for cold start)
	StreamIdleTimeout time.Duration // Max time between tokens during streaming (default: 30s, detects stalled streams)
}

// DefaultTimeoutConfig returns sensible defaults for Ollama timeouts.
// Cold start (model loading) can take 30-90+ seconds depending on model
// size and hardware, so the first-token phase is generous.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConnectionTimeout: 30 * time.Second,
		FirstTokenTimeout: 120 * time.Second,
		StreamIdleTimeout: 30 * time.Second,
	}
}

// RemoteTimeoutConfig returns timeout configuration for remote Ollama
// servers, which add network latency, queued requests from other users,
// and longer cold starts for large models.
func RemoteTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConnectionTimeout: 60 * time.Second,
		FirstTokenTimeout: 300 * time.Second,
		StreamIdleTimeout: 60 * time.Second,
	}
}

// isRemoteEndpoint checks if the Ollama endpoint is a remote server (not localhost).
func isRemoteEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return false
	}
	if host == "host.docker.internal" || host == "docker.for.mac.localhost" {
		return false
	}
	return true
}

// OllamaProvider implements the Provider interface for Ollama.
type OllamaProvider struct {
	endpoint      string
	client        *http.Client
	timeoutConfig TimeoutConfig
	gate          *CallGate
}

// OllamaOption is a functional option for configuring OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithTimeoutConfig sets custom timeout configuration for the Ollama provider.
func WithTimeoutConfig(cfg TimeoutConfig) OllamaOption {
	return func(p *OllamaProvider) {
		p.timeoutConfig = cfg
		if transport, ok := p.client.Transport.(*http.Transport); ok {
			transport.ResponseHeaderTimeout = cfg.FirstTokenTimeout
		}
	}
}

// WithCallGate bounds the number of concurrent generation requests.
func WithCallGate(gate *CallGate) OllamaOption {
	return func(p *OllamaProvider) {
		p.gate = gate
	}
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(endpoint string, opts ...OllamaOption) *OllamaProvider {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:11434"
	}

	var timeoutConfig TimeoutConfig
	if isRemoteEndpoint(endpoint) {
		timeoutConfig = RemoteTimeoutConfig()
	} else {
		timeoutConfig = DefaultTimeoutConfig()
	}

	p := &OllamaProvider{
		endpoint:      endpoint,
		timeoutConfig: timeoutConfig,
		client: &http.Client{
			// IMPORTANT: Do NOT set http.Client.Timeout here!
			// Client.Timeout applies to the ENTIRE request lifecycle including
			// body reading. For streaming responses that would fire while we
			// are still reading tokens. The phase timeouts below handle long
			// cold starts while still detecting hangs.
			Transport: &http.Transport{
				// Headers arrive when the model starts responding, which
				// includes model loading. Use the first-token budget here.
				ResponseHeaderTimeout: timeoutConfig.FirstTokenTimeout,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Available checks if Ollama is running and has at least one model.
// An Ollama endpoint with 0 models is not useful as a backend.
func (p *OllamaProvider) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", p.endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	return len(result.Models) > 0
}

// Chat sends a chat request to Ollama using streaming with 3-phase timeout
// monitoring.
func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

// ChatStream is like Chat but invokes onToken for each streamed token.
// A nil onToken collects the response without per-token callbacks.
func (p *OllamaProvider) ChatStream(ctx context.Context, req *ChatRequest, onToken func(token string)) (*ChatResponse, error) {
	if p.gate != nil {
		if err := p.gate.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquire call slot: %w", err)
		}
		defer p.gate.Release()
	}

	start := time.Now()

	ollamaReq := ollamaChatRequest{
		Model:  req.Model,
		Stream: true,
	}

	for _, msg := range req.Messages {
		ollamaReq.Messages = append(ollamaReq.Messages, ollamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Images:  msg.Images,
		})
	}

	if req.SystemPrompt != "" {
		ollamaReq.Messages = append([]ollamaMessage{{
			Role:    "system",
			Content: req.SystemPrompt,
		}}, ollamaReq.Messages...)
	}

	ollamaReq.Options.Temperature = req.Temperature
	ollamaReq.Options.NumPredict = req.MaxTokens

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	return p.handleStreamingResponse(ctx, resp.Body, start, onToken)
}

// handleStreamingResponse processes Ollama's streaming response with TTFT
// and idle timeout monitoring:
// - Phase 2 (first-token): Times out if first token not received within FirstTokenTimeout
// - Phase 3 (streaming): Times out if gap between tokens exceeds StreamIdleTimeout
func (p *OllamaProvider) handleStreamingResponse(ctx context.Context, body io.Reader, start time.Time, onToken func(token string)) (*ChatResponse, error) {
	type streamChunk struct {
		chunk ollamaChatResponse
		err   error
	}

	chunkChan := make(chan streamChunk, 1)

	// Read the stream with context awareness so a cancelled request never
	// leaves this goroutine blocked on the channel.
	go func() {
		defer close(chunkChan)
		decoder := json.NewDecoder(body)
		for {
			var chunk ollamaChatResponse
			if err := decoder.Decode(&chunk); err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
						return
					case chunkChan <- streamChunk{err: err}:
					}
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case chunkChan <- streamChunk{chunk: chunk}:
			}
			if chunk.Done {
				return
			}
		}
	}()

	var fullContent strings.Builder
	var totalBytes int64
	var modelName string
	var promptTokens, completionTokens int
	firstTokenReceived := false
	firstTokenTimer := time.NewTimer(p.timeoutConfig.FirstTokenTimeout)
	defer firstTokenTimer.Stop()

	var idleTimer *time.Timer

	for {
		var timeout <-chan time.Time
		if !firstTokenReceived {
			timeout = firstTokenTimer.C
		} else if idleTimer != nil {
			timeout = idleTimer.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case chunk, ok := <-chunkChan:
			if !ok {
				// Channel closed, streaming complete.
				if modelName == "" {
					return nil, fmt.Errorf("empty response from Ollama")
				}
				return &ChatResponse{
					Content:          fullContent.String(),
					Model:            modelName,
					PromptTokens:     promptTokens,
					CompletionTokens: completionTokens,
					TokensUsed:       promptTokens + completionTokens,
					Duration:         time.Since(start),
					FinishReason:     "stop",
				}, nil
			}

			if chunk.err != nil {
				return nil, fmt.Errorf("decode stream chunk: %w", chunk.err)
			}

			if !firstTokenReceived {
				firstTokenReceived = true
				firstTokenTimer.Stop()
				idleTimer = time.NewTimer(p.timeoutConfig.StreamIdleTimeout)
				defer idleTimer.Stop()
			} else if idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(p.timeoutConfig.StreamIdleTimeout)
			}

			if chunk.chunk.Message.Content != "" {
				contentLen := int64(len(chunk.chunk.Message.Content))
				if totalBytes+contentLen > MaxStreamedResponseSize {
					return nil, fmt.Errorf("response size exceeded limit (%d bytes) - possible runaway generation", MaxStreamedResponseSize)
				}
				totalBytes += contentLen
				fullContent.WriteString(chunk.chunk.Message.Content)
				if onToken != nil {
					onToken(chunk.chunk.Message.Content)
				}
			}

			if chunk.chunk.Done {
				modelName = chunk.chunk.Model
				promptTokens = chunk.chunk.PromptEvalCount
				completionTokens = chunk.chunk.EvalCount
			} else if modelName == "" {
				modelName = chunk.chunk.Model
			}

		case <-timeout:
			if !firstTokenReceived {
				return nil, fmt.Errorf("timeout waiting for first token (waited %v, limit %v) - model may be loading or request stalled",
					time.Since(start), p.timeoutConfig.FirstTokenTimeout)
			}
			return nil, fmt.Errorf("stream idle timeout (no token received for %v) - model appears to have stalled",
				p.timeoutConfig.StreamIdleTimeout)
		}
	}
}

// Ollama API types
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// OllamaModel represents a model available on an Ollama server.
type OllamaModel struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
}

type ollamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// Warmup sends a minimal request to pre-load a model into memory, avoiding
// cold start latency on the first real request.
func (p *OllamaProvider) Warmup(ctx context.Context, model string) error {
	req := &ChatRequest{
		Model: model,
		Messages: []Message{
			{Role: "user", Content: "Hi"},
		},
		MaxTokens: 1,
	}

	warmupCtx, cancel := context.WithTimeout(ctx, p.timeoutConfig.FirstTokenTimeout)
	defer cancel()

	if _, err := p.Chat(warmupCtx, req); err != nil {
		return fmt.Errorf("warmup failed: %w", err)
	}
	return nil
}

// FetchModels fetches the list of models from the Ollama server.
func (p *OllamaProvider) FetchModels(ctx context.Context) ([]OllamaModel, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "GET", p.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to Ollama at %s: %w", p.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var tagsResp ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tagsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return tagsResp.Models, nil
}
