package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cart-inception/multirole-chat-v1/internal/api"
	"github.com/cart-inception/multirole-chat-v1/internal/auth"
	"github.com/cart-inception/multirole-chat-v1/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	// maxContentLen caps message content length.
	maxContentLen = 5000
	// maxRequestBodySize caps the request body (1MB).
	maxRequestBodySize = 1 << 20
)

// Handler serves the conversation and message endpoints.
type Handler struct {
	svc     *Service
	limiter *RateLimiter
}

// NewHandler creates a chat handler.
func NewHandler(svc *Service, limiter *RateLimiter) *Handler {
	return &Handler{svc: svc, limiter: limiter}
}

// RegisterRoutes registers conversation routes (requires authentication).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Delete)
			r.Post("/messages", h.SendMessage)
			r.Post("/title", h.GenerateTitle)
		})
	})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// Create handles POST /api/conversations.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req createConversationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.svc.CreateConversation(r.Context(), userID, strings.TrimSpace(req.Title))
	if err != nil {
		slog.Error("failed to create conversation", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	api.JSON(w, http.StatusCreated, conv)
}

// List handles GET /api/conversations.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	convs, err := h.svc.ListConversations(r.Context(), userID)
	if err != nil {
		slog.Error("failed to list conversations", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	api.JSON(w, http.StatusOK, convs)
}

// Get handles GET /api/conversations/{conversationID}. It serves both the
// initial load and the client's polling reads.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	conv, err := h.svc.GetConversation(r.Context(), userID, conversationID)
	if err != nil {
		h.writeServiceError(w, userID, err)
		return
	}

	api.JSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/conversations/{conversationID}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	if err := h.svc.DeleteConversation(r.Context(), userID, conversationID); err != nil {
		h.writeServiceError(w, userID, err)
		return
	}

	slog.Info("conversation deleted", "user_id", userID, "conversation_id", conversationID)
	api.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SendMessage handles POST /api/conversations/{conversationID}/messages.
//
// Every handled outcome — including Processing and Failed results — is a
// 201: those are delivery states, not transport errors, and the user
// message is durable in all of them.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	if !h.limiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req sendMessageRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.Content) == "" {
		api.Error(w, http.StatusBadRequest, "message cannot be empty")
		return
	}
	if len(req.Content) > maxContentLen {
		api.Error(w, http.StatusBadRequest, "message too long")
		return
	}

	result, err := h.svc.Send(r.Context(), userID, conversationID, req.Content)
	if err != nil {
		h.writeServiceError(w, userID, err)
		return
	}

	slog.Info("send handled",
		"user_id", userID,
		"conversation_id", conversationID,
		"status", result.Status)
	api.JSON(w, http.StatusCreated, result)
}

// GenerateTitle handles POST /api/conversations/{conversationID}/title.
func (h *Handler) GenerateTitle(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	title, err := h.svc.GenerateTitle(r.Context(), userID, conversationID)
	if err != nil {
		h.writeServiceError(w, userID, err)
		return
	}

	api.JSON(w, http.StatusOK, map[string]string{"title": title})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.Error(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, ErrForbidden):
		api.Error(w, http.StatusForbidden, "not authorized to access this conversation")
	default:
		slog.Error("conversation operation failed", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}
