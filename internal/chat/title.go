package chat

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cart-inception/multirole-chat-v1/internal/domain"
	"github.com/cart-inception/multirole-chat-v1/internal/genai"
)

const (
	// titleMinMessages is the minimum transcript size worth titling.
	titleMinMessages = 2
	// titleTranscriptCap bounds each transcript entry in the prompt.
	titleTranscriptCap = 100
	// titleMaxLen bounds the stored title.
	titleMaxLen = 50
)

// ShouldAutoTitle reports whether a conversation is due for automatic
// titling: it still carries the sentinel title and has accumulated at least
// two messages. Once a real title lands, later messages never re-trigger.
func ShouldAutoTitle(conv *domain.Conversation, messageCount int) bool {
	return conv.HasDefaultTitle() && messageCount >= titleMinMessages
}

// Titler derives short conversation titles from accumulated history.
type Titler struct {
	gen genai.Generator
}

// NewTitler creates a title synthesizer over the generation client.
func NewTitler(gen genai.Generator) *Titler {
	return &Titler{gen: gen}
}

// Synthesize asks the model for a short title over a truncated transcript.
// Fewer than two messages yields the default sentinel without a model call.
// The error return is for callers that want to observe failures; the
// auto-title path collapses any error to the sentinel.
func (t *Titler) Synthesize(ctx context.Context, messages []domain.Message) (string, error) {
	if len(messages) < titleMinMessages {
		return domain.DefaultTitle, nil
	}

	text, err := t.gen.Generate(ctx, t.buildPrompt(messages), nil)
	if err != nil {
		return "", fmt.Errorf("title generation: %w", err)
	}

	title := cleanTitle(text)
	if title == "" {
		return domain.DefaultTitle, nil
	}
	return title, nil
}

func (t *Titler) buildPrompt(messages []domain.Message) string {
	var b strings.Builder
	b.WriteString("Generate a concise title (6 words or fewer) for the following conversation. ")
	b.WriteString("Reply with the title only, no quotation marks.\n\n")
	for _, msg := range messages {
		speaker := "User"
		if msg.Sender == domain.SenderAI {
			speaker = "Assistant"
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(truncateRunes(msg.Content, titleTranscriptCap))
		b.WriteByte('\n')
	}
	return b.String()
}

// cleanTitle normalizes model output into a single display-ready line.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	if utf8.RuneCountInString(title) > titleMaxLen {
		title = truncateRunes(title, titleMaxLen) + "…"
	}
	return title
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
