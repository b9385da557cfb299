// Package auth issues and validates API tokens. Clients exchange the
// configured API key for a short-lived JWT that authorizes mutating
// endpoints.
package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenclip/backend/pkg/response"
	"github.com/screenclip/backend/pkg/utils"
)

// TokenRequest is the body for POST /auth/token.
type TokenRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

// TokenResponse carries the issued JWT.
type TokenResponse struct {
	Token string `json:"token"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	apiKeyHash string
	jwt        *JWTService
	logger     *zap.Logger
}

// NewHandler creates an auth handler. apiKeyHash is the bcrypt hash of the
// accepted API key.
func NewHandler(apiKeyHash string, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{apiKeyHash: apiKeyHash, jwt: jwt, logger: logger}
}

// Token handles POST /auth/token: exchanges the API key for a JWT.
func (h *Handler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if h.apiKeyHash == "" || !utils.CheckAPIKey(req.APIKey, h.apiKeyHash) {
		response.Unauthorized(c, "invalid api key")
		return
	}
	token, err := h.jwt.Generate(uuid.New().String())
	if err != nil {
		h.logger.Error("token generation failed", zap.Error(err))
		response.Internal(c, "failed to issue token")
		return
	}
	response.OK(c, TokenResponse{Token: token})
}
