// Package events pushes conversation change notifications to connected
// clients over WebSocket. It complements the polling recovery path: polling
// remains the guaranteed mechanism, the feed just makes updates prompt.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cart-inception/multirole-chat-v1/internal/auth"
	"github.com/coder/websocket"
)

// Event is one change notification.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// EventConversationUpdated signals that a conversation gained messages or a
// new title outside the subscriber's own request/response cycle.
const EventConversationUpdated = "conversation.updated"

const subscriberBuffer = 16

type subscriber struct {
	userID string
	ch     chan Event
}

// Hub fans events out to each user's active connections.
type Hub struct {
	allowedOrigin string
	isDev         bool

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub creates an event hub.
func NewHub(allowedOrigin string, isDev bool) *Hub {
	return &Hub{
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		subs:          make(map[string]map[*subscriber]struct{}),
	}
}

// ConversationUpdated broadcasts a change to all of the user's connections.
// Slow consumers are skipped rather than blocking the sender; they will
// catch up through the polling read path.
func (h *Hub) ConversationUpdated(userID, conversationID string) {
	ev := Event{Type: EventConversationUpdated, ConversationID: conversationID}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			slog.Debug("dropping event for slow subscriber", "user_id", userID)
		}
	}
}

func (h *Hub) subscribe(userID string) *subscriber {
	sub := &subscriber{userID: userID, ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	if _, ok := h.subs[userID]; !ok {
		h.subs[userID] = make(map[*subscriber]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if userSubs, ok := h.subs[sub.userID]; ok {
		delete(userSubs, sub)
		if len(userSubs) == 0 {
			delete(h.subs, sub.userID)
		}
	}
	h.mu.Unlock()
}

// SubscriberCount reports active connections for a user.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed closed"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	sub := h.subscribe(userID)
	defer h.unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The feed is one-way; the read loop only detects disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	slog.Info("event feed connected", "user_id", userID)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("event feed disconnected", "user_id", userID)
			return
		case <-keepalive.C:
			if err := ws.Ping(ctx); err != nil {
				slog.Debug("event feed ping failed", "error", err, "user_id", userID)
				return
			}
		case ev := <-sub.ch:
			if err := h.writeJSON(ctx, ws, ev); err != nil {
				slog.Debug("event feed write failed", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Hub) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
