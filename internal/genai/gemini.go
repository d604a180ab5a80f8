package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider implements Generator against the Gemini generateContent API.
type GeminiProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// GeminiOption customizes a GeminiProvider.
type GeminiOption func(*GeminiProvider)

// WithGeminiBaseURL overrides the API base URL (used by tests).
func WithGeminiBaseURL(url string) GeminiOption {
	return func(p *GeminiProvider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithGeminiHTTPClient overrides the HTTP client.
func WithGeminiHTTPClient(c *http.Client) GeminiOption {
	return func(p *GeminiProvider) {
		if c != nil {
			p.client = c
		}
	}
}

// NewGeminiProvider creates a Gemini-backed provider.
func NewGeminiProvider(apiKey, model string, opts ...GeminiOption) *GeminiProvider {
	p := &GeminiProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultGeminiBaseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Generate sends the history plus prompt to generateContent and returns the
// first candidate's text. All failures come back as a classified *Error.
func (p *GeminiProvider) Generate(ctx context.Context, prompt string, history []Turn) (string, error) {
	contents := make([]geminiContent, 0, len(history)+1)
	for _, turn := range history {
		role := turn.Role
		if role != RoleUser {
			role = RoleModel
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: turn.Content}},
		})
	}
	contents = append(contents, geminiContent{
		Role:  RoleUser,
		Parts: []geminiPart{{Text: prompt}},
	})

	body, err := json.Marshal(geminiRequest{Contents: contents})
	if err != nil {
		return "", &Error{Kind: KindUnknown, Message: fmt.Sprintf("marshal request: %v", err), cause: err}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindUnknown, Message: fmt.Sprintf("build request: %v", err), cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		message := geminiErrorMessage(raw)
		if message == "" {
			message = fmt.Sprintf("gemini returned status %d", resp.StatusCode)
		}
		return "", classifyStatus(resp.StatusCode, message)
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Kind: KindUnknown, Retryable: true, Message: fmt.Sprintf("decode response: %v", err), cause: err}
	}

	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", &Error{Kind: KindUnknown, Message: "gemini returned no candidates"}
	}

	return out.Candidates[0].Content.Parts[0].Text, nil
}

func geminiErrorMessage(raw []byte) string {
	var out geminiResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.Error == nil {
		return ""
	}
	return out.Error.Message
}
