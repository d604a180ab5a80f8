// Package genai wraps external generative-AI providers behind a single
// Generator interface with structured error classification, per-attempt
// timeouts and bounded retry with exponential backoff.
package genai

import (
	"context"
)

// Turn roles in generation history. These follow the provider wire
// convention, not the storage convention: the assistant side is "model".
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one prior exchange supplied as context to the model.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces a reply to a prompt given ordered conversation history.
// Implementations classify every failure into a *Error; they do not retry.
type Generator interface {
	Generate(ctx context.Context, prompt string, history []Turn) (string, error)
}
