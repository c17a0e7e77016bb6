package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama defaults, matching a stock local install
const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "llava"
)

// Ollama analyzes invoices through the chat endpoint of an Ollama server.
// The model must accept images (llava, qwen2-vl and similar).
type Ollama struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllama creates an Ollama scanner. CPU inference on a vision model can take
// minutes, so the HTTP timeout is generous; the Analyzer's timeout still applies.
func NewOllama(baseURL, modelName string) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if modelName == "" {
		modelName = DefaultOllamaModel
	}
	return &Ollama{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/chat",
		model:    modelName,
		client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// ScanDocument asks the model for the invoice fields in JSON mode
func (o *Ollama) ScanDocument(ctx context.Context, data []byte, contentType string) ([]Field, error) {
	pages, err := renderPages(data, contentType)
	if err != nil {
		return nil, err
	}

	images := make([]string, len(pages))
	for i, page := range pages {
		images[i] = base64.StdEncoding.EncodeToString(page)
	}

	reply, err := o.chat(ctx, ollamaChatRequest{
		Model:   o.model,
		Format:  "json",
		Options: map[string]any{"temperature": 0},
		Messages: []ollamaMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: invoicePrompt, Images: images},
		},
	})
	if err != nil {
		return nil, err
	}

	fields, err := parseFieldsJSON(responseText([]string{reply.Content}))
	if err != nil {
		return nil, fmt.Errorf("parsing ollama response: %w", err)
	}
	return fields, nil
}

// chat performs one non-streaming chat round trip
func (o *Ollama) chat(ctx context.Context, chatReq ollamaChatRequest) (*ollamaMessage, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decoding ollama response: %w", err)
	}
	return &chatResp.Message, nil
}

// Close is a no-op; the HTTP client holds nothing that needs releasing
func (o *Ollama) Close() error {
	return nil
}
