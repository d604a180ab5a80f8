package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cart-inception/multirole-chat-v1/internal/domain"
	"github.com/go-chi/chi/v5"
)

const testConvID = "conv-1"

// fakeAPI serves the conversation endpoints the engine talks to.
type fakeAPI struct {
	mu       sync.Mutex
	messages []domain.Message
	getCount int

	// send decides the response to POST .../messages.
	send func(w http.ResponseWriter, r *http.Request)
	// onGet, if set, can mutate server state before a read is answered.
	onGet func(getCount int)
}

func (f *fakeAPI) setMessages(msgs []domain.Message) {
	f.mu.Lock()
	f.messages = append([]domain.Message(nil), msgs...)
	f.mu.Unlock()
}

func (f *fakeAPI) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCount
}

func (f *fakeAPI) server() *httptest.Server {
	r := chi.NewRouter()
	r.Get("/api/conversations/{conversationID}", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.getCount++
		if f.onGet != nil {
			f.onGet(f.getCount)
		}
		conv := domain.Conversation{
			ID:       testConvID,
			UserID:   "user-1",
			Title:    domain.DefaultTitle,
			Messages: append([]domain.Message(nil), f.messages...),
		}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(conv)
	})
	r.Post("/api/conversations/{conversationID}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.send(w, r)
	})
	return httptest.NewServer(r)
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func userMsg(id, content string, ts time.Time) domain.Message {
	return domain.Message{
		ID: id, ConversationID: testConvID,
		Sender: domain.SenderUser, Content: content, Timestamp: ts,
	}
}

func aiMsg(id, content string, ts time.Time) domain.Message {
	return domain.Message{
		ID: id, ConversationID: testConvID,
		Sender: domain.SenderAI, Content: content, Timestamp: ts,
	}
}

func waitForState(t *testing.T, e *Engine, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for state %s, still %s", want, e.State())
}

func TestEngineLoad(t *testing.T) {
	api := &fakeAPI{}
	now := time.Now()
	api.setMessages([]domain.Message{
		userMsg("m1", "hi", now),
		aiMsg("m2", "hello", now.Add(time.Second)),
	})
	srv := api.server()
	defer srv.Close()

	engine := NewEngine(New(srv.URL), testConvID)
	defer engine.Close()

	if err := engine.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	msgs := engine.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("Unexpected messages after load: %+v", msgs)
	}
}

func TestSendCompletedReplacesTempMessage(t *testing.T) {
	now := time.Now()
	confirmed := userMsg("server-user-1", "hi there", now)
	reply := aiMsg("server-ai-1", "hello!", now.Add(time.Millisecond))

	api := &fakeAPI{
		send: func(w http.ResponseWriter, _ *http.Request) {
			sendJSON(w, http.StatusCreated, domain.SendResult{
				Status:      domain.SendCompleted,
				UserMessage: confirmed,
				AIMessage:   &reply,
			})
		},
	}
	srv := api.server()
	defer srv.Close()

	var updatesMu sync.Mutex
	var updates [][]domain.Message
	engine := NewEngine(New(srv.URL), testConvID,
		OnUpdate(func(msgs []domain.Message) {
			updatesMu.Lock()
			updates = append(updates, msgs)
			updatesMu.Unlock()
		}))
	defer engine.Close()

	if err := engine.Send(context.Background(), "hi there"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	updatesMu.Lock()
	defer updatesMu.Unlock()
	if len(updates) != 2 {
		t.Fatalf("Expected 2 updates (optimistic, settled), got %d", len(updates))
	}

	optimistic := updates[0]
	if len(optimistic) != 1 || !optimistic[0].IsTemporary() {
		t.Errorf("First update should show the temporary message, got %+v", optimistic)
	}

	settled := updates[1]
	if len(settled) != 2 || settled[0].ID != "server-user-1" || settled[1].ID != "server-ai-1" {
		t.Errorf("Final update should carry canonical records, got %+v", settled)
	}
	for _, m := range settled {
		if m.IsTemporary() {
			t.Errorf("Temporary ID leaked into settled state: %s", m.ID)
		}
	}
	if engine.State() != StateIdle {
		t.Errorf("Expected idle after completed send, got %s", engine.State())
	}
}

func TestSendProcessingPollsUntilReplyArrives(t *testing.T) {
	now := time.Now()
	confirmed := userMsg("server-user-1", "hi", now)

	api := &fakeAPI{
		send: func(w http.ResponseWriter, _ *http.Request) {
			sendJSON(w, http.StatusCreated, domain.SendResult{
				Status:      domain.SendProcessing,
				UserMessage: confirmed,
				Retryable:   true,
			})
		},
	}
	// The reply lands between the 4th and 5th read.
	api.onGet = func(count int) {
		if count == 5 {
			api.messages = append(api.messages, aiMsg("server-ai-1", "late reply", time.Now()))
		}
	}
	api.setMessages([]domain.Message{confirmed})
	srv := api.server()
	defer srv.Close()

	var updateCount atomic.Int32
	engine := NewEngine(New(srv.URL), testConvID,
		WithPollPolicy(10*time.Millisecond, 30),
		OnUpdate(func([]domain.Message) { updateCount.Add(1) }))
	defer engine.Close()

	if err := engine.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitForState(t, engine, StateIdle, 2*time.Second)

	if got := api.reads(); got != 5 {
		t.Errorf("Expected polling to stop right after the reply (5 reads), got %d", got)
	}
	// Unchanged polls must not repaint: optimistic insert, processing
	// settle, and the reply arriving are the only updates.
	if got := updateCount.Load(); got != 3 {
		t.Errorf("Expected 3 updates, got %d", got)
	}

	msgs := engine.Messages()
	if len(msgs) != 2 || msgs[1].ID != "server-ai-1" {
		t.Errorf("Expected the late reply in local state, got %+v", msgs)
	}

	// No further reads once resolved.
	time.Sleep(50 * time.Millisecond)
	if got := api.reads(); got != 5 {
		t.Errorf("Polling continued after resolution: %d reads", got)
	}
}

func TestSendProcessingExhaustsPollBudget(t *testing.T) {
	now := time.Now()
	confirmed := userMsg("server-user-1", "hi", now)

	api := &fakeAPI{
		send: func(w http.ResponseWriter, _ *http.Request) {
			sendJSON(w, http.StatusCreated, domain.SendResult{
				Status:      domain.SendProcessing,
				UserMessage: confirmed,
				Retryable:   true,
			})
		},
	}
	api.setMessages([]domain.Message{confirmed})
	srv := api.server()
	defer srv.Close()

	notices := make(chan string, 1)
	engine := NewEngine(New(srv.URL), testConvID,
		WithPollPolicy(5*time.Millisecond, 4),
		OnNotice(func(msg string) { notices <- msg }))
	defer engine.Close()

	if err := engine.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-notices:
		if msg != slowReplyNotice {
			t.Errorf("Unexpected notice: %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the slow-reply notice")
	}

	if got := api.reads(); got != 4 {
		t.Errorf("Expected exactly the budgeted 4 reads, got %d", got)
	}
	if engine.State() != StateIdle {
		t.Errorf("Expected idle after exhausted budget, got %s", engine.State())
	}

	// The user message stays; delivery is not an error.
	msgs := engine.Messages()
	if len(msgs) != 1 || msgs[0].ID != "server-user-1" {
		t.Errorf("Expected the confirmed user message to remain, got %+v", msgs)
	}
}

func TestSendFailedSurfacesErrorAndKeepsUserMessage(t *testing.T) {
	now := time.Now()
	confirmed := userMsg("server-user-1", "hi", now)

	api := &fakeAPI{
		send: func(w http.ResponseWriter, _ *http.Request) {
			sendJSON(w, http.StatusCreated, domain.SendResult{
				Status:      domain.SendFailed,
				UserMessage: confirmed,
				ErrorText:   "the model is unavailable",
			})
		},
	}
	srv := api.server()
	defer srv.Close()

	errs := make(chan string, 1)
	engine := NewEngine(New(srv.URL), testConvID,
		OnError(func(msg string) { errs <- msg }))
	defer engine.Close()

	if err := engine.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-errs:
		if msg != "the model is unavailable" {
			t.Errorf("Unexpected error text: %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the error callback")
	}

	msgs := engine.Messages()
	if len(msgs) != 1 || msgs[0].ID != "server-user-1" {
		t.Errorf("Expected the durable user message, got %+v", msgs)
	}
	if engine.State() != StateIdle {
		t.Errorf("Expected idle after failed send, got %s", engine.State())
	}
}

func TestSendRejectedRollsBackOptimisticInsert(t *testing.T) {
	api := &fakeAPI{
		send: func(w http.ResponseWriter, _ *http.Request) {
			sendJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		},
	}
	srv := api.server()
	defer srv.Close()

	errs := make(chan string, 1)
	engine := NewEngine(New(srv.URL), testConvID,
		OnError(func(msg string) { errs <- msg }))
	defer engine.Close()

	if err := engine.Send(context.Background(), "hi"); err == nil {
		t.Fatal("Expected an error for a rejected send")
	}

	select {
	case msg := <-errs:
		if msg != "rate limit exceeded" {
			t.Errorf("Unexpected error text: %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the error callback")
	}

	if msgs := engine.Messages(); len(msgs) != 0 {
		t.Errorf("Optimistic insert should be rolled back, got %+v", msgs)
	}
	if got := api.reads(); got != 0 {
		t.Errorf("A definitive rejection needs no recovery read, got %d", got)
	}
}

func TestSendNetworkFailureRecoversSilently(t *testing.T) {
	now := time.Now()
	persisted := userMsg("server-user-1", "hi", now)

	api := &fakeAPI{
		send: func(w http.ResponseWriter, _ *http.Request) {
			// The response is lost mid-flight after the server persisted
			// the message.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("Recorder does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("Hijack failed: %v", err)
			}
			conn.Close()
		},
	}
	api.setMessages([]domain.Message{persisted})
	// The reply lands after the recovery read.
	api.onGet = func(count int) {
		if count == 2 {
			api.messages = append(api.messages, aiMsg("server-ai-1", "hello", time.Now()))
		}
	}
	srv := api.server()
	defer srv.Close()

	errs := make(chan string, 1)
	engine := NewEngine(New(srv.URL), testConvID,
		WithPollPolicy(10*time.Millisecond, 30),
		OnError(func(msg string) { errs <- msg }))
	defer engine.Close()

	if err := engine.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send should recover silently, got %v", err)
	}
	waitForState(t, engine, StateIdle, 2*time.Second)

	select {
	case msg := <-errs:
		t.Fatalf("No error should surface after silent recovery, got %q", msg)
	default:
	}

	msgs := engine.Messages()
	if len(msgs) != 2 || msgs[0].ID != "server-user-1" || msgs[1].ID != "server-ai-1" {
		t.Errorf("Expected recovered canonical messages, got %+v", msgs)
	}
}

func TestSendNetworkFailureWithoutPersistenceSurfacesError(t *testing.T) {
	api := &fakeAPI{
		send: func(w http.ResponseWriter, _ *http.Request) {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("Recorder does not support hijacking")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("Hijack failed: %v", err)
			}
			conn.Close()
		},
	}
	// The recovery read shows no trace of the message.
	srv := api.server()
	defer srv.Close()

	errs := make(chan string, 1)
	engine := NewEngine(New(srv.URL), testConvID,
		OnError(func(msg string) { errs <- msg }))
	defer engine.Close()

	if err := engine.Send(context.Background(), "hi"); err == nil {
		t.Fatal("Expected the send error to propagate when recovery finds nothing")
	}

	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for the error callback")
	}

	if msgs := engine.Messages(); len(msgs) != 0 {
		t.Errorf("Optimistic insert should be rolled back, got %+v", msgs)
	}
}

func TestNewSendSupersedesPolling(t *testing.T) {
	now := time.Now()
	first := userMsg("server-user-1", "first", now)

	var sendCount atomic.Int32
	api := &fakeAPI{}
	api.send = func(w http.ResponseWriter, _ *http.Request) {
		n := sendCount.Add(1)
		if n == 1 {
			sendJSON(w, http.StatusCreated, domain.SendResult{
				Status:      domain.SendProcessing,
				UserMessage: first,
				Retryable:   true,
			})
			return
		}
		second := userMsg("server-user-2", "second", time.Now())
		reply := aiMsg("server-ai-2", "answer to second", time.Now().Add(time.Millisecond))
		api.setMessages([]domain.Message{first, second, reply})
		sendJSON(w, http.StatusCreated, domain.SendResult{
			Status:      domain.SendCompleted,
			UserMessage: second,
			AIMessage:   &reply,
		})
	}
	api.setMessages([]domain.Message{first})
	srv := api.server()
	defer srv.Close()

	engine := NewEngine(New(srv.URL), testConvID,
		WithPollPolicy(20*time.Millisecond, 30))
	defer engine.Close()

	if err := engine.Send(context.Background(), "first"); err != nil {
		t.Fatalf("First send failed: %v", err)
	}
	if engine.State() != StatePolling {
		t.Fatalf("Expected polling after processing result, got %s", engine.State())
	}

	if err := engine.Send(context.Background(), "second"); err != nil {
		t.Fatalf("Second send failed: %v", err)
	}
	if engine.State() != StateIdle {
		t.Errorf("Expected idle after completed second send, got %s", engine.State())
	}

	reads := api.reads()
	time.Sleep(100 * time.Millisecond)
	if got := api.reads(); got != reads {
		t.Errorf("Superseded poll loop kept reading: %d -> %d", reads, got)
	}
}
