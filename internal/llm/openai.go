package llm

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
)

type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
}

// OpenAIClient talks to any OpenAI-compatible chat-completions API. It also
// implements Embedder when an embedding model is configured.
type OpenAIClient struct {
	baseURL        string
	apiKey         string
	model          string
	embeddingModel string
	temperature    float64
	maxTokens      int
	client         *http.Client
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:         strings.TrimSpace(cfg.APIKey),
		model:          model,
		embeddingModel: strings.TrimSpace(cfg.EmbeddingModel),
		temperature:    cfg.Temperature,
		maxTokens:      maxTokens,
		client:         &http.Client{Timeout: timeout},
	}, nil
}

// SupportsEmbeddings reports whether an embedding model is configured. The
// resolver checks this once at startup to pick its matching mode.
func (c *OpenAIClient) SupportsEmbeddings() bool {
	return c.embeddingModel != ""
}

func (c *OpenAIClient) Complete(ctx context.Context, prompt Prompt) (string, error) {
	payload := c.chatPayload(prompt, false)
	respBody, err := c.post(ctx, "/v1/chat/completions", payload)
	if err != nil {
		return "", &GenerationError{Op: "chat completion", Err: err}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &GenerationError{Op: "chat completion", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &GenerationError{Op: "chat completion", Err: fmt.Errorf("empty choices")}
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, prompt Prompt, emit func(chunk string) error) error {
	payload := c.chatPayload(prompt, true)
	body, err := json.Marshal(payload)
	if err != nil {
		return &GenerationError{Op: "chat stream", Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return &GenerationError{Op: "chat stream", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return &GenerationError{Op: "chat stream", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return &GenerationError{Op: "chat stream", Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, string(raw))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var event struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if len(event.Choices) == 0 || event.Choices[0].Delta.Content == "" {
			continue
		}
		if err := emit(event.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &GenerationError{Op: "chat stream", Err: fmt.Errorf("read stream: %w", err)}
	}
	return nil
}

func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if c.embeddingModel == "" {
		return nil, &GenerationError{Op: "embeddings", Err: fmt.Errorf("no embedding model configured")}
	}
	if len(texts) == 0 {
		return nil, nil
	}

	respBody, err := c.post(ctx, "/v1/embeddings", map[string]any{
		"model": c.embeddingModel,
		"input": texts,
	})
	if err != nil {
		return nil, &GenerationError{Op: "embeddings", Err: err}
	}

	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &GenerationError{Op: "embeddings", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &GenerationError{Op: "embeddings", Err: fmt.Errorf("got %d vectors for %d inputs", len(parsed.Data), len(texts))}
	}

	vectors := make([][]float64, len(parsed.Data))
	for i, item := range parsed.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}

func (c *OpenAIClient) chatPayload(prompt Prompt, stream bool) map[string]any {
	messages := make([]Message, 0, len(prompt.Messages)+1)
	if strings.TrimSpace(prompt.System) != "" {
		messages = append(messages, Message{Role: "system", Content: prompt.System})
	}
	messages = append(messages, prompt.Messages...)

	temperature := prompt.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := prompt.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	payload := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": temperature,
		"max_tokens":  maxTokens,
	}
	if stream {
		payload["stream"] = true
	}
	return payload
}

func (c *OpenAIClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
