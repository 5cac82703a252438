package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/bhandras/relay/internal/crypto"
	"github.com/bhandras/relay/pkg/logger"
	"github.com/bhandras/relay/pkg/types"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	masterSecret string
	jwtManager   *crypto.JWTManager
}

func NewAuthHandler(masterSecret string, jwtManager *crypto.JWTManager) *AuthHandler {
	return &AuthHandler{
		masterSecret: masterSecret,
		jwtManager:   jwtManager,
	}
}

// TokenRequest represents the request to exchange the shared secret for a token
type TokenRequest struct {
	Secret   string `json:"secret" binding:"required"`
	Operator string `json:"operator" binding:"required"`
}

// CreateToken handles POST /v1/auth/token
func (h *AuthHandler) CreateToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: err.Error()})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.masterSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: "invalid secret"})
		return
	}

	token, err := h.jwtManager.CreateToken(req.Operator, nil)
	if err != nil {
		logger.Errorf("failed to create token for %s: %v", req.Operator, err)
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{Error: "failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}
