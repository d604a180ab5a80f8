package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cart-inception/multirole-chat-v1/internal/domain"
	"github.com/google/uuid"
)

// State is the engine's per-conversation delivery state.
type State int

const (
	// StateIdle means no send is in flight and no reply is awaited.
	StateIdle State = iota
	// StateSending means a send request is in flight.
	StateSending
	// StatePolling means the user message is durable server-side and the
	// engine is watching for the AI reply.
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StatePolling:
		return "polling"
	default:
		return "unknown"
	}
}

const (
	defaultPollInterval = 2 * time.Second
	defaultPollBudget   = 30
)

// slowReplyNotice is shown when the poll budget runs out without a reply.
// The message is durable at that point, so the wording is reassuring, not
// an error.
const slowReplyNotice = "The assistant is taking longer than expected. Your message was delivered; it may finish in the background."

// ErrSendInFlight is returned when Send is called while a previous send
// request has not yet returned.
var ErrSendInFlight = errors.New("a send is already in flight for this conversation")

// Engine reconciles an optimistic local message list for one conversation
// with server state. All exported methods are safe for concurrent use;
// callbacks are invoked without the engine lock held.
type Engine struct {
	api            *Client
	conversationID string

	mu         sync.Mutex
	state      State
	messages   []domain.Message
	cancelPoll context.CancelFunc
	pollWG     sync.WaitGroup

	pollInterval time.Duration
	pollBudget   int
	now          func() time.Time

	onUpdate func([]domain.Message)
	onNotice func(string)
	onError  func(string)
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithPollPolicy overrides the polling interval and attempt budget.
func WithPollPolicy(interval time.Duration, budget int) EngineOption {
	return func(e *Engine) {
		if interval > 0 {
			e.pollInterval = interval
		}
		if budget > 0 {
			e.pollBudget = budget
		}
	}
}

// OnUpdate registers the callback invoked with a snapshot of the message
// list whenever the displayed state changes.
func OnUpdate(fn func([]domain.Message)) EngineOption {
	return func(e *Engine) { e.onUpdate = fn }
}

// OnNotice registers the callback for soft, non-error notices.
func OnNotice(fn func(string)) EngineOption {
	return func(e *Engine) { e.onNotice = fn }
}

// OnError registers the callback for user-visible errors.
func OnError(fn func(string)) EngineOption {
	return func(e *Engine) { e.onError = fn }
}

// WithEngineClock overrides the time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a reconciliation engine bound to one conversation.
func NewEngine(api *Client, conversationID string, opts ...EngineOption) *Engine {
	e := &Engine{
		api:            api,
		conversationID: conversationID,
		pollInterval:   defaultPollInterval,
		pollBudget:     defaultPollBudget,
		now:            time.Now,
		onUpdate:       func([]domain.Message) {},
		onNotice:       func(string) {},
		onError:        func(string) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load fetches the conversation and replaces the local message list.
func (e *Engine) Load(ctx context.Context) error {
	conv, err := e.api.GetConversation(ctx, e.conversationID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.messages = append([]domain.Message(nil), conv.Messages...)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.onUpdate(snapshot)
	return nil
}

// State reports the current delivery state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Messages returns a copy of the current message list.
func (e *Engine) Messages() []domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Close stops any active polling and waits for it to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stopPollingLocked()
	e.mu.Unlock()
	e.pollWG.Wait()
}

// Send submits one user message. The message appears in the local list
// immediately under a temporary ID and is replaced by the canonical server
// record once the send resolves. A send issued while a reply is still being
// awaited supersedes the previous polling loop.
func (e *Engine) Send(ctx context.Context, content string) error {
	e.mu.Lock()
	if e.state == StateSending {
		e.mu.Unlock()
		return ErrSendInFlight
	}
	e.stopPollingLocked()

	temp := domain.Message{
		ID:             domain.TempIDPrefix + uuid.NewString(),
		ConversationID: e.conversationID,
		Sender:         domain.SenderUser,
		Content:        content,
		Timestamp:      e.now(),
	}
	e.messages = append(e.messages, temp)
	e.state = StateSending
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.onUpdate(snapshot)

	result, err := e.api.SendMessage(ctx, e.conversationID, content)
	if err != nil {
		return e.recoverAfterSendFailure(ctx, temp, err)
	}

	e.mu.Lock()
	e.replaceLocked(temp.ID, result.UserMessage)
	switch result.Status {
	case domain.SendCompleted:
		if result.AIMessage != nil {
			e.upsertLocked(*result.AIMessage)
		}
		e.state = StateIdle
		snapshot = e.snapshotLocked()
		e.mu.Unlock()
		e.onUpdate(snapshot)

	case domain.SendProcessing:
		e.startPollingLocked(result.UserMessage)
		snapshot = e.snapshotLocked()
		e.mu.Unlock()
		e.onUpdate(snapshot)

	case domain.SendFailed:
		e.state = StateIdle
		snapshot = e.snapshotLocked()
		e.mu.Unlock()
		e.onUpdate(snapshot)
		e.onError(result.ErrorText)

	default:
		e.state = StateIdle
		e.mu.Unlock()
	}
	return nil
}

// recoverAfterSendFailure handles a request-level failure, where the send
// response was lost but the server may still have persisted the message.
// One silent read decides which: if the message is there, the engine
// proceeds as if the send had returned a processing result; if not, the
// optimistic insert is rolled back and the error is surfaced.
func (e *Engine) recoverAfterSendFailure(ctx context.Context, temp domain.Message, sendErr error) error {
	var apiErr *APIError
	if errors.As(sendErr, &apiErr) {
		// The server answered; nothing ambiguous to reconcile.
		e.rollback(temp.ID)
		e.onError(apiErr.Message)
		return sendErr
	}

	conv, readErr := e.api.GetConversation(ctx, e.conversationID)
	if readErr != nil {
		e.rollback(temp.ID)
		e.onError("failed to send message, please try again")
		return sendErr
	}

	persisted := findPersistedUserMessage(conv.Messages, temp)
	if persisted == nil {
		e.rollback(temp.ID)
		e.onError("failed to send message, please try again")
		return sendErr
	}

	e.mu.Lock()
	e.removeLocked(temp.ID)
	e.mergeLocked(conv.Messages)
	if last := lastMessage(conv.Messages); last != nil && last.Sender == domain.SenderAI && !last.Timestamp.Before(persisted.Timestamp) {
		e.state = StateIdle
	} else {
		e.startPollingLocked(*persisted)
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.onUpdate(snapshot)
	return nil
}

func (e *Engine) rollback(tempID string) {
	e.mu.Lock()
	e.removeLocked(tempID)
	e.state = StateIdle
	snapshot := e.snapshotLocked()
	e.mu.Unlock()
	e.onUpdate(snapshot)
}

// startPollingLocked transitions to Polling and launches the watch loop.
// Caller holds e.mu.
func (e *Engine) startPollingLocked(anchor domain.Message) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelPoll = cancel
	e.state = StatePolling

	e.pollWG.Add(1)
	go e.poll(ctx, anchor)
}

// stopPollingLocked tears down an active polling loop. Caller holds e.mu.
func (e *Engine) stopPollingLocked() {
	if e.cancelPoll != nil {
		e.cancelPoll()
		e.cancelPoll = nil
	}
	if e.state == StatePolling {
		e.state = StateIdle
	}
}

// poll watches the conversation until the AI reply lands, the attempt
// budget runs out, or the loop is superseded.
func (e *Engine) poll(ctx context.Context, anchor domain.Message) {
	defer e.pollWG.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= e.pollBudget; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conv, err := e.api.GetConversation(ctx, e.conversationID)
		if err != nil {
			// Transient read failures just consume an attempt.
			continue
		}

		e.mu.Lock()
		if ctx.Err() != nil {
			e.mu.Unlock()
			return
		}
		changed := e.mergeLocked(conv.Messages)
		resolved := false
		if last := lastMessage(conv.Messages); last != nil && last.Sender == domain.SenderAI && last.Timestamp.After(anchor.Timestamp) {
			resolved = true
			e.state = StateIdle
			if e.cancelPoll != nil {
				e.cancelPoll()
				e.cancelPoll = nil
			}
		}
		var snapshot []domain.Message
		if changed {
			snapshot = e.snapshotLocked()
		}
		e.mu.Unlock()

		if changed {
			e.onUpdate(snapshot)
		}
		if resolved {
			return
		}
	}

	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.state = StateIdle
	if e.cancelPoll != nil {
		e.cancelPoll()
		e.cancelPoll = nil
	}
	e.mu.Unlock()

	e.onNotice(slowReplyNotice)
}

// mergeLocked reconciles the fetched server messages with the local list.
// Server records are authoritative; local temporary messages not yet known
// to the server are kept at the tail. Returns whether the displayed list
// changed, judged by count and last-message identity/content. Caller holds
// e.mu.
func (e *Engine) mergeLocked(server []domain.Message) bool {
	merged := append([]domain.Message(nil), server...)
	for _, m := range e.messages {
		if m.IsTemporary() {
			merged = append(merged, m)
		}
	}

	changed := len(merged) != len(e.messages)
	if !changed {
		a, b := lastMessage(merged), lastMessage(e.messages)
		switch {
		case a == nil && b == nil:
		case a == nil || b == nil:
			changed = true
		default:
			changed = a.ID != b.ID || a.Content != b.Content
		}
	}

	e.messages = merged
	return changed
}

// replaceLocked swaps the temporary message for its canonical record.
// Caller holds e.mu.
func (e *Engine) replaceLocked(tempID string, canonical domain.Message) {
	for i := range e.messages {
		if e.messages[i].ID == tempID {
			e.messages[i] = canonical
			return
		}
	}
	e.upsertLocked(canonical)
}

// upsertLocked inserts or updates a message keyed by ID. Caller holds e.mu.
func (e *Engine) upsertLocked(msg domain.Message) {
	for i := range e.messages {
		if e.messages[i].ID == msg.ID {
			e.messages[i] = msg
			return
		}
	}
	e.messages = append(e.messages, msg)
}

func (e *Engine) removeLocked(id string) {
	for i := range e.messages {
		if e.messages[i].ID == id {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			return
		}
	}
}

func (e *Engine) snapshotLocked() []domain.Message {
	return append([]domain.Message(nil), e.messages...)
}

// findPersistedUserMessage locates the server record matching an optimistic
// insert whose send response was lost. Matching is by sender and content on
// the most recent user message, newest first.
func findPersistedUserMessage(server []domain.Message, temp domain.Message) *domain.Message {
	for i := len(server) - 1; i >= 0; i-- {
		if server[i].Sender == domain.SenderUser {
			if server[i].Content == temp.Content {
				m := server[i]
				return &m
			}
			return nil
		}
	}
	return nil
}

func lastMessage(msgs []domain.Message) *domain.Message {
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[len(msgs)-1]
}
