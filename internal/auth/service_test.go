package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cart-inception/multirole-chat-v1/internal/domain"
	"github.com/cart-inception/multirole-chat-v1/internal/store"
)

type fakeRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*domain.User)}
}

func (f *fakeRepo) CreateUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == user.Email || u.Username == user.Username {
			return store.ErrConflict
		}
	}
	copy := *user
	f.users[user.ID] = &copy
	return nil
}

func (f *fakeRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copy := *user
	return &copy, nil
}

func (f *fakeRepo) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			copy := *u
			return &copy, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepo) CreateConversation(_ context.Context, _ *domain.Conversation) error { return nil }
func (f *fakeRepo) GetConversation(_ context.Context, _ string) (*domain.Conversation, error) {
	return nil, store.ErrNotFound
}
func (f *fakeRepo) ListConversations(_ context.Context, _ string) ([]*domain.Conversation, error) {
	return nil, nil
}
func (f *fakeRepo) UpdateConversationTitle(_ context.Context, _, _ string) error { return nil }
func (f *fakeRepo) TouchConversation(_ context.Context, _ string, _ time.Time) error {
	return nil
}
func (f *fakeRepo) DeleteConversation(_ context.Context, _ string) error       { return nil }
func (f *fakeRepo) AppendMessage(_ context.Context, _ *domain.Message) error   { return nil }
func (f *fakeRepo) ListMessages(_ context.Context, _ string) ([]domain.Message, error) {
	return nil, nil
}
func (f *fakeRepo) Ping(_ context.Context) error { return nil }
func (f *fakeRepo) Close() error                 { return nil }

func TestSignupAndLogin(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, "secret", time.Hour)
	ctx := context.Background()

	user, token, err := svc.Signup(ctx, "alice", "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	if token == "" {
		t.Error("Expected a token on signup")
	}
	if user.PasswordHash == "correct horse battery" {
		t.Error("Password must not be stored in the clear")
	}

	got, loginToken, err := svc.Login(ctx, "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if got.ID != user.ID || loginToken == "" {
		t.Errorf("Unexpected login result: %+v", got)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, "secret", time.Hour)
	ctx := context.Background()

	if _, _, err := svc.Signup(ctx, "alice", "alice@example.com", "correct horse battery"); err != nil {
		t.Fatalf("Signup failed: %v", err)
	}

	// Wrong password and unknown email must be indistinguishable.
	if _, _, err := svc.Login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestSignupRejectsDuplicates(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, "secret", time.Hour)
	ctx := context.Background()

	if _, _, err := svc.Signup(ctx, "alice", "alice@example.com", "correct horse battery"); err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	if _, _, err := svc.Signup(ctx, "alice2", "alice@example.com", "another password"); !errors.Is(err, ErrTaken) {
		t.Errorf("Expected ErrTaken, got %v", err)
	}
}

func TestVerifyToken(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, "secret", time.Hour)

	user, token, err := svc.Signup(context.Background(), "alice", "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}

	userID, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if userID != user.ID {
		t.Errorf("Expected user %s, got %s", user.ID, userID)
	}

	if _, err := svc.VerifyToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}

	other := NewService(repo, "different-secret", time.Hour)
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Token signed with another secret must fail, got %v", err)
	}
}

func TestVerifyTokenExpired(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, "secret", -time.Hour)

	_, token, err := svc.Signup(context.Background(), "alice", "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}

	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
	}
}
