package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"promptcore/internal/models"
)

// Error taxonomy for generation calls. ErrGenerationFailed covers a single
// bad response (retryable per step); ErrProviderUnavailable means the
// provider rejected our credentials or request shape, which no retry fixes.
var (
	ErrGenerationFailed    = errors.New("generation failed")
	ErrProviderUnavailable = errors.New("generation provider unavailable")
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"
	defaultTimeout = 30 * time.Second
)

// Options configures the Gemini client.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// Client is a thin facade over the Gemini generateContent REST API. It is
// constructed once in main and injected; there are no package-level clients.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{apiKey: opts.APIKey, baseURL: baseURL, model: model, http: httpClient}, nil
}

type generateContentRequest struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature      float64         `json:"temperature,omitempty"`
	CandidateCount   int             `json:"candidateCount,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   *responseSchema `json:"responseSchema,omitempty"`
}

type responseSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]*responseSchema `json:"properties,omitempty"`
	Required   []string                   `json:"required,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// itemSchema constrains the provider to the exact shape of a prompt item.
var itemSchema = &responseSchema{
	Type: "OBJECT",
	Properties: map[string]*responseSchema{
		"title":          {Type: "STRING"},
		"category":       {Type: "STRING"},
		"difficulty":     {Type: "STRING"},
		"description":    {Type: "STRING"},
		"prompt_content": {Type: "STRING"},
		"usage_guide":    {Type: "STRING"},
	},
	Required: []string{"title", "category", "difficulty", "description", "prompt_content", "usage_guide"},
}

type itemPayload struct {
	Title         string `json:"title"`
	Category      string `json:"category"`
	Difficulty    string `json:"difficulty"`
	Description   string `json:"description"`
	PromptContent string `json:"prompt_content"`
	UsageGuide    string `json:"usage_guide"`
}

// GenerateRequest identifies one unit of pack generation work.
type GenerateRequest struct {
	Topic      string
	Difficulty string
	Style      string
}

// GeneratePromptItem performs one schema-constrained generation call and
// returns a validated item. A response that fails to parse or is missing a
// required field is ErrGenerationFailed, never a partial item.
func (c *Client) GeneratePromptItem(ctx context.Context, req GenerateRequest) (models.PromptItem, error) {
	payload := generateContentRequest{
		SystemInstruction: &content{Parts: []part{{Text: masterFactoryPrompt}}},
		Contents: []content{{
			Role: "user",
			Parts: []part{{
				Text: fmt.Sprintf("Generate one unique prompt for the niche '%s'. Target Audience: %s. Tone/Style: %s.", req.Topic, req.Difficulty, req.Style),
			}},
		}},
		GenerationConfig: &generationConfig{
			CandidateCount:   1,
			ResponseMimeType: "application/json",
			ResponseSchema:   itemSchema,
		},
	}

	text, err := c.generate(ctx, payload)
	if err != nil {
		return models.PromptItem{}, err
	}

	var parsed itemPayload
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return models.PromptItem{}, fmt.Errorf("%w: decode item: %v", ErrGenerationFailed, err)
	}
	for field, v := range map[string]string{
		"title":          parsed.Title,
		"category":       parsed.Category,
		"difficulty":     parsed.Difficulty,
		"description":    parsed.Description,
		"prompt_content": parsed.PromptContent,
		"usage_guide":    parsed.UsageGuide,
	} {
		if strings.TrimSpace(v) == "" {
			return models.PromptItem{}, fmt.Errorf("%w: missing field %s", ErrGenerationFailed, field)
		}
	}

	return models.PromptItem{
		Title:         parsed.Title,
		Category:      parsed.Category,
		Difficulty:    parsed.Difficulty,
		Description:   parsed.Description,
		PromptContent: parsed.PromptContent,
		UsageGuide:    parsed.UsageGuide,
		StyleVar:      req.Style,
	}, nil
}

// ChatMessage is one prior turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat runs a single conversational turn under the mode's system instruction.
func (c *Client) Chat(ctx context.Context, history []ChatMessage, input string, mode Mode) (string, error) {
	contents := make([]content, 0, len(history)+1)
	for _, m := range history {
		role := "user"
		if m.Role == "model" {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	contents = append(contents, content{Role: "user", Parts: []part{{Text: input}}})

	payload := generateContentRequest{
		SystemInstruction: &content{Parts: []part{{Text: mode.SystemInstruction()}}},
		Contents:          contents,
		GenerationConfig:  &generationConfig{CandidateCount: 1},
	}
	return c.generate(ctx, payload)
}

func (c *Client) generate(ctx context.Context, payload generateContentRequest) (string, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrProviderUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), &buf)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrProviderUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusBadRequest:
		return "", fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: status %d", ErrGenerationFailed, resp.StatusCode)
	}

	var out generateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrGenerationFailed, err)
	}
	text := extractText(out)
	if text == "" {
		return "", fmt.Errorf("%w: empty candidate", ErrGenerationFailed)
	}
	return text, nil
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(c.model))
}

func extractText(resp generateContentResponse) string {
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if strings.TrimSpace(p.Text) != "" {
				return p.Text
			}
		}
	}
	return ""
}
