// Package chat implements the message send orchestration pipeline:
// persist the user's message, invoke the generation client, persist the
// reply, and degrade generation failures into result variants instead of
// errors so the user's own message is never lost.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cart-inception/multirole-chat-v1/internal/domain"
	"github.com/cart-inception/multirole-chat-v1/internal/genai"
	"github.com/cart-inception/multirole-chat-v1/internal/store"
	"github.com/google/uuid"
)

// ErrForbidden is returned when a conversation exists but belongs to a
// different user.
var ErrForbidden = errors.New("conversation not owned by user")

const (
	// completionBudget bounds how long a background completion job may keep
	// retrying after a Processing result before giving up.
	completionBudget = 90 * time.Second
	// completionInterval spaces background generation rounds. Each round is
	// itself a full retry cycle inside the generation client.
	completionInterval = 5 * time.Second
	// titleTimeout bounds detached title synthesis.
	titleTimeout = 30 * time.Second
)

// Notifier receives change events for asynchronous conversation updates.
type Notifier interface {
	ConversationUpdated(userID, conversationID string)
}

type noopNotifier struct{}

func (noopNotifier) ConversationUpdated(string, string) {}

// Service orchestrates sends and owns conversation access control.
type Service struct {
	repo     store.Repository
	gen      genai.Generator
	titler   *Titler
	notifier Notifier
	now      func() time.Time

	completionBudget   time.Duration
	completionInterval time.Duration

	bg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]struct{} // conversation IDs with an in-flight completion job
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithNotifier sets the change-event sink.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCompletionPolicy overrides the background completion budget and the
// spacing between rounds (used by tests).
func WithCompletionPolicy(budget, interval time.Duration) ServiceOption {
	return func(s *Service) {
		if budget > 0 {
			s.completionBudget = budget
		}
		if interval > 0 {
			s.completionInterval = interval
		}
	}
}

// NewService creates the send orchestrator.
func NewService(repo store.Repository, gen genai.Generator, titler *Titler, opts ...ServiceOption) *Service {
	s := &Service{
		repo:               repo,
		gen:                gen,
		titler:             titler,
		notifier:           noopNotifier{},
		now:                time.Now,
		completionBudget:   completionBudget,
		completionInterval: completionInterval,
		done:               make(chan struct{}),
		pending:            make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close stops background completion jobs and waits for detached work
// (completions, title synthesis) to finish.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.bg.Wait()
}

// CreateConversation creates an empty conversation for the user. An empty
// title gets the default sentinel.
func (s *Service) CreateConversation(ctx context.Context, userID, title string) (*domain.Conversation, error) {
	if title == "" {
		title = domain.DefaultTitle
	}
	now := s.now()
	conv := &domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation with its ordered messages, enforcing
// ownership.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrForbidden
	}
	return conv, nil
}

// ListConversations returns the user's conversations, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	return s.repo.ListConversations(ctx, userID)
}

// DeleteConversation removes a conversation and all its messages.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	return s.repo.DeleteConversation(ctx, conversationID)
}

// Send runs the full pipeline for one user message.
//
// Failure semantics are asymmetric on purpose: storage failures are fatal
// and propagate, generation failures are absorbed into the result so the
// already-persisted user message survives them.
func (s *Service) Send(ctx context.Context, userID, conversationID, content string) (*domain.SendResult, error) {
	conv, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	userMsg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         domain.SenderUser,
		Content:        content,
		Timestamp:      s.now(),
	}
	if err := s.repo.AppendMessage(ctx, &userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	history := historyTurns(conv.Messages)

	text, err := s.gen.Generate(ctx, content, history)
	if err != nil {
		genErr := genai.AsError(err)
		if genErr.Retryable {
			slog.Info("generation deferred to background completion",
				"conversation_id", conversationID,
				"kind", genErr.Kind)
			s.scheduleCompletion(userID, conv, userMsg, content, history)
			return &domain.SendResult{
				Status:      domain.SendProcessing,
				UserMessage: userMsg,
				Retryable:   true,
			}, nil
		}
		slog.Warn("generation failed terminally",
			"conversation_id", conversationID,
			"kind", genErr.Kind,
			"error", genErr)
		return &domain.SendResult{
			Status:      domain.SendFailed,
			UserMessage: userMsg,
			ErrorText:   genErr.Message,
		}, nil
	}

	aiMsg, err := s.persistReply(ctx, conv, userMsg, text)
	if err != nil {
		return nil, err
	}

	s.maybeAutoTitle(userID, conv, append(conv.Messages, userMsg, *aiMsg))

	return &domain.SendResult{
		Status:      domain.SendCompleted,
		UserMessage: userMsg,
		AIMessage:   aiMsg,
	}, nil
}

// persistReply appends the AI message and bumps the conversation.
func (s *Service) persistReply(ctx context.Context, conv *domain.Conversation, userMsg domain.Message, text string) (*domain.Message, error) {
	ts := s.now()
	// Fast generators (and fakes) can answer within the clock tick; the
	// reply must still order strictly after the message it answers.
	if !ts.After(userMsg.Timestamp) {
		ts = userMsg.Timestamp.Add(time.Nanosecond)
	}

	aiMsg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Sender:         domain.SenderAI,
		Content:        text,
		Timestamp:      ts,
	}
	if err := s.repo.AppendMessage(ctx, &aiMsg); err != nil {
		return nil, fmt.Errorf("persist ai message: %w", err)
	}

	if err := s.repo.TouchConversation(ctx, conv.ID, ts); err != nil {
		slog.Warn("failed to bump conversation timestamp",
			"conversation_id", conv.ID,
			"error", err)
	}

	return &aiMsg, nil
}

// scheduleCompletion starts a bounded background job that keeps retrying
// generation after a Processing result and persists the reply once a round
// succeeds. At most one job runs per conversation.
func (s *Service) scheduleCompletion(userID string, conv *domain.Conversation, userMsg domain.Message, prompt string, history []genai.Turn) {
	s.pendingMu.Lock()
	if _, busy := s.pending[conv.ID]; busy {
		s.pendingMu.Unlock()
		return
	}
	s.pending[conv.ID] = struct{}{}
	s.pendingMu.Unlock()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			s.pendingMu.Lock()
			delete(s.pending, conv.ID)
			s.pendingMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.completionBudget)
		defer cancel()

		for {
			text, err := s.gen.Generate(ctx, prompt, history)
			if err == nil {
				aiMsg, persistErr := s.persistReply(ctx, conv, userMsg, text)
				if persistErr != nil {
					slog.Error("background completion could not persist reply",
						"conversation_id", conv.ID,
						"error", persistErr)
					return
				}
				slog.Info("background completion delivered reply",
					"conversation_id", conv.ID,
					"message_id", aiMsg.ID)
				s.notifier.ConversationUpdated(userID, conv.ID)
				s.maybeAutoTitle(userID, conv, append(conv.Messages, userMsg, *aiMsg))
				return
			}

			genErr := genai.AsError(err)
			if !genErr.Retryable {
				slog.Warn("background completion hit terminal failure",
					"conversation_id", conv.ID,
					"kind", genErr.Kind)
				return
			}
			if ctx.Err() != nil {
				slog.Warn("background completion budget exhausted",
					"conversation_id", conv.ID)
				return
			}

			select {
			case <-s.done:
				return
			case <-ctx.Done():
				slog.Warn("background completion budget exhausted",
					"conversation_id", conv.ID)
				return
			case <-time.After(s.completionInterval):
			}
		}
	}()
}

// GenerateTitle synthesizes and stores a title on demand. Unlike the
// auto-trigger path, synthesis failures surface to the caller here.
func (s *Service) GenerateTitle(ctx context.Context, userID, conversationID string) (string, error) {
	conv, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return "", err
	}

	title, err := s.titler.Synthesize(ctx, conv.Messages)
	if err != nil {
		return "", fmt.Errorf("synthesize title: %w", err)
	}

	if err := s.repo.UpdateConversationTitle(ctx, conversationID, title); err != nil {
		return "", fmt.Errorf("store title: %w", err)
	}
	s.notifier.ConversationUpdated(userID, conversationID)
	return title, nil
}

// maybeAutoTitle re-titles the conversation on a detached goroutine when it
// still carries the sentinel title and has accumulated enough messages.
// Whatever the outcome, it never affects the send result.
func (s *Service) maybeAutoTitle(userID string, conv *domain.Conversation, messages []domain.Message) {
	if !ShouldAutoTitle(conv, len(messages)) {
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
		defer cancel()

		title, err := s.titler.Synthesize(ctx, messages)
		if err != nil {
			slog.Debug("auto-title kept sentinel",
				"conversation_id", conv.ID,
				"error", err)
			return
		}
		if title == domain.DefaultTitle {
			return
		}
		if err := s.repo.UpdateConversationTitle(ctx, conv.ID, title); err != nil {
			slog.Warn("failed to store synthesized title",
				"conversation_id", conv.ID,
				"error", err)
			return
		}
		s.notifier.ConversationUpdated(userID, conv.ID)
	}()
}

// historyTurns maps stored messages to generation history, preserving
// timestamp order. The assistant side travels as "model" on the wire.
func historyTurns(messages []domain.Message) []genai.Turn {
	turns := make([]genai.Turn, 0, len(messages))
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Sender == domain.SenderAI {
			role = genai.RoleModel
		}
		turns = append(turns, genai.Turn{Role: role, Content: msg.Content})
	}
	return turns
}
