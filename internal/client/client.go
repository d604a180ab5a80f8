// Package client is the Go client SDK for the chat API. It pairs a thin
// HTTP client with a reconciliation engine that keeps an optimistic local
// view of a conversation consistent with eventually-consistent server state.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cart-inception/multirole-chat-v1/internal/domain"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// Client talks to the chat API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New creates an API client.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken installs the bearer token used for authenticated calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// AuthResult is the server's response to signup and login.
type AuthResult struct {
	User  domain.User `json:"user"`
	Token string      `json:"token"`
}

// Signup registers an account and installs the returned token.
func (c *Client) Signup(ctx context.Context, username, email, password string) (*AuthResult, error) {
	var out AuthResult
	err := c.do(ctx, http.MethodPost, "/api/auth/signup", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out, nil
}

// Login authenticates and installs the returned token.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	var out AuthResult
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out, nil
}

// CreateConversation creates a conversation; an empty title gets the
// server-side default.
func (c *Client) CreateConversation(ctx context.Context, title string) (*domain.Conversation, error) {
	var out domain.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]string{"title": title}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConversations retrieves the user's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]*domain.Conversation, error) {
	var out []*domain.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversation retrieves a conversation with its ordered messages. This
// is the side-effect-free read the polling loop uses.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var out domain.Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+conversationID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+conversationID, nil, nil)
}

// SendMessage submits one user message and returns the send outcome.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*domain.SendResult, error) {
	var out domain.SendResult
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/messages",
		map[string]string{"content": content}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateTitle asks the server to (re)synthesize the conversation title.
func (c *Client) GenerateTitle(ctx context.Context, conversationID string) (string, error) {
	var out struct {
		Title string `json:"title"`
	}
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/title", nil, &out)
	if err != nil {
		return "", err
	}
	return out.Title, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
