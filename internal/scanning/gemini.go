package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used when no model name is configured
const DefaultGeminiModel = "gemini-2.5-pro"

var errEmptyCandidate = errors.New("gemini returned no content")

// Gemini analyzes invoices with a Gemini vision model. The client is safe for
// concurrent use, so one Gemini serves every batch loop.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a Gemini scanner running at temperature zero. The prompt
// asks for bare JSON; parseFieldsJSON tolerates fences around it.
func NewGemini(ctx context.Context, apiKey, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}

	return &Gemini{client: client, model: model}, nil
}

// ScanDocument sends every rendered page followed by the extraction prompt
func (g *Gemini) ScanDocument(ctx context.Context, data []byte, contentType string) ([]Field, error) {
	pages, err := renderPages(data, contentType)
	if err != nil {
		return nil, err
	}

	prompt := make([]genai.Part, 0, len(pages)+1)
	for _, page := range pages {
		// ImageData takes the format suffix, not the MIME type
		prompt = append(prompt, genai.ImageData("png", page))
	}
	prompt = append(prompt, genai.Text(invoicePrompt))

	resp, err := g.model.GenerateContent(ctx, prompt...)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	text, err := candidateText(resp)
	if err != nil {
		return nil, err
	}
	fields, err := parseFieldsJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing gemini response: %w", err)
	}
	return fields, nil
}

// candidateText joins the text parts of the first candidate
func candidateText(resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "", fmt.Errorf("gemini blocked the document: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errEmptyCandidate
	}

	var parts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", errEmptyCandidate
	}
	return responseText(parts), nil
}

// Close releases the gRPC connection
func (g *Gemini) Close() error {
	return g.client.Close()
}
