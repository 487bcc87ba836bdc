package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clinical-codes-finder/internal/domain"
)

// OllamaProvider calls a local Ollama server's chat API in JSON mode.
type OllamaProvider struct {
	http    *http.Client
	baseURL string
	model   string
}

// NewOllamaProvider creates an Ollama provider
func NewOllamaProvider(cfg domain.OllamaConfig) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama2"
	}
	return &OllamaProvider{
		http:    &http.Client{Timeout: 120 * time.Second},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
	}
}

// Name returns "ollama:" followed by the model.
func (o *OllamaProvider) Name() string { return "ollama:" + o.model }

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResp struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends the system and user prompt as a non-streaming chat request.
func (o *OllamaProvider) Complete(ctx context.Context, req Request) (string, error) {
	body := ollamaChatReq{
		Model:    o.model,
		Messages: buildMessages(req),
		Stream:   false,
		Format:   "json",
		Options:  map[string]any{"temperature": req.Temperature},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama: unexpected status %s: %s", resp.Status, readSnippet(resp.Body))
	}

	var out ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ollama: failed to decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %s", out.Error)
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return out.Message.Content, nil
}

func buildMessages(req Request) []chatMessage {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	return append(messages, chatMessage{Role: "user", Content: req.Prompt})
}

func readSnippet(r io.Reader) string {
	const max = 2048
	body, _ := io.ReadAll(io.LimitReader(r, max))
	return string(body)
}
