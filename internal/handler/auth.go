package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hiroki-koketsu/go-task-tracker/internal/auth"
	"github.com/hiroki-koketsu/go-task-tracker/internal/telemetry"
)

const routeToken = "/api/v1/auth/token"

// ownerNamespace seeds the owner ids derived from dev login emails.
var ownerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:go-task-tracker:owner"))

// AuthHandler issues tokens for development and end-to-end test logins.
type AuthHandler struct {
	tokens  *auth.TokenManager
	enabled bool
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewAuthHandler creates a new AuthHandler. When enabled is false every
// request gets 404.
func NewAuthHandler(tokens *auth.TokenManager, enabled bool, logger *slog.Logger, metrics *telemetry.Metrics) *AuthHandler {
	return &AuthHandler{
		tokens:  tokens,
		enabled: enabled,
		logger:  logger,
		metrics: metrics,
	}
}

// Routes returns the chi router with auth routes.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/token", h.Token)
	return r
}

type tokenRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"tokenType"`
	ExpiresIn int64  `json:"expiresIn"`
	OwnerID   string `json:"ownerId"`
}

// OwnerIDForEmail returns the stable owner id for a login email.
func OwnerIDForEmail(email string) string {
	return uuid.NewSHA1(ownerNamespace, []byte(strings.ToLower(strings.TrimSpace(email)))).String()
}

// Token issues a bearer token for the posted email.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "AuthHandler.Token")
	defer span.End()

	if !h.enabled {
		h.respond(ctx, w, http.StatusNotFound, errorResponse{Error: "not found"}, start)
		return
	}

	var req tokenRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", slog.Any("error", err))
		h.respond(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"}, start)
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		h.respond(ctx, w, http.StatusBadRequest, errorResponse{Error: "a valid email is required", Field: "email"}, start)
		return
	}

	ownerID := OwnerIDForEmail(req.Email)
	token, err := h.tokens.Issue(ownerID, req.Email, req.Name)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to issue token", slog.Any("error", err))
		h.respond(ctx, w, http.StatusInternalServerError, errorResponse{Error: "failed to issue token"}, start)
		return
	}

	h.logger.InfoContext(ctx, "token issued", slog.String("owner_id", ownerID))
	h.respond(ctx, w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(h.tokens.TTL().Seconds()),
		OwnerID:   ownerID,
	}, start)
}

func (h *AuthHandler) respond(ctx context.Context, w http.ResponseWriter, status int, data any, start time.Time) {
	respondJSON(w, status, data)
	recordMetrics(ctx, h.metrics, http.MethodPost, routeToken, status, start)
}
