package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cart-inception/multirole-chat-v1/internal/domain"
)

type pingRepo struct {
	pingErr error
}

func (p *pingRepo) Ping(_ context.Context) error { return p.pingErr }
func (p *pingRepo) Close() error                 { return nil }

func (p *pingRepo) CreateUser(_ context.Context, _ *domain.User) error { return nil }
func (p *pingRepo) GetUser(_ context.Context, _ string) (*domain.User, error) {
	return nil, errors.New("not implemented")
}
func (p *pingRepo) GetUserByEmail(_ context.Context, _ string) (*domain.User, error) {
	return nil, errors.New("not implemented")
}
func (p *pingRepo) CreateConversation(_ context.Context, _ *domain.Conversation) error { return nil }
func (p *pingRepo) GetConversation(_ context.Context, _ string) (*domain.Conversation, error) {
	return nil, errors.New("not implemented")
}
func (p *pingRepo) ListConversations(_ context.Context, _ string) ([]*domain.Conversation, error) {
	return nil, nil
}
func (p *pingRepo) UpdateConversationTitle(_ context.Context, _, _ string) error     { return nil }
func (p *pingRepo) TouchConversation(_ context.Context, _ string, _ time.Time) error { return nil }
func (p *pingRepo) DeleteConversation(_ context.Context, _ string) error             { return nil }
func (p *pingRepo) AppendMessage(_ context.Context, _ *domain.Message) error         { return nil }
func (p *pingRepo) ListMessages(_ context.Context, _ string) ([]domain.Message, error) {
	return nil, nil
}

func TestHealthOK(t *testing.T) {
	h := NewHealthHandler(&pingRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["status"] != "ok" || got["database"] != "ok" {
		t.Errorf("Unexpected health payload: %v", got)
	}
}

func TestHealthDatabaseDown(t *testing.T) {
	h := NewHealthHandler(&pingRepo{pingErr: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when the database is down, got %d", w.Code)
	}
}
