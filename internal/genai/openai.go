package genai

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Generator against the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// Generate maps the history to chat-completion messages (the "model" role
// becomes "assistant" on this wire) and returns the first choice's content.
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, history []Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role != RoleUser {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", classifyStatus(apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", classifyTransport(err)
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Kind: KindUnknown, Message: "openai returned no choices"}
	}

	return resp.Choices[0].Message.Content, nil
}
