package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/cart-inception/multirole-chat-v1/internal/api"
	"github.com/cart-inception/multirole-chat-v1/internal/domain"
	"github.com/go-chi/chi/v5"
)

const (
	minPasswordLen = 8
	maxRequestBody = 1 << 16 // 64KB is plenty for credentials
)

// Handler serves the authentication endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates an auth handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes registers the unauthenticated endpoints.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signup", h.Signup)
		r.Post("/login", h.Login)
	})
}

// RegisterRoutes registers the endpoints behind the auth middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/auth/me", h.Me)
}

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User  *domain.User `json:"user"`
	Token string       `json:"token"`
}

// Signup handles POST /api/auth/signup.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !decodeBody(w, r, &req) {
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" {
		api.Error(w, http.StatusBadRequest, "username is required")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if len(req.Password) < minPasswordLen {
		api.Error(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	user, token, err := h.svc.Signup(r.Context(), req.Username, req.Email, req.Password)
	if errors.Is(err, ErrTaken) {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("signup failed", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	slog.Info("user registered", "user_id", user.ID)
	api.JSON(w, http.StatusCreated, authResponse{User: user, Token: token})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, token, err := h.svc.Login(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		api.Error(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		slog.Error("login failed", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to log in")
		return
	}

	api.JSON(w, http.StatusOK, authResponse{User: user, Token: token})
}

// Me handles GET /api/auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	user, err := h.svc.GetUser(r.Context(), userID)
	if err != nil {
		api.Error(w, http.StatusNotFound, "user not found")
		return
	}
	api.JSON(w, http.StatusOK, map[string]*domain.User{"user": user})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
