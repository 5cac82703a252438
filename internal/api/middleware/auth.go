package middleware

import (
	"net/http"
	"strings"

	"github.com/bhandras/relay/internal/crypto"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware creates a middleware that validates JWT tokens
func AuthMiddleware(jwtManager *crypto.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		// Extract token (format: "Bearer <token>")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		token := parts[1]

		// Verify token
		claims, err := jwtManager.VerifyToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		// Store operator identity in context
		c.Set("operator", claims.Operator)
		c.Set("claims", claims)

		c.Next()
	}
}

// GetOperator extracts the operator identity from the Gin context
func GetOperator(c *gin.Context) (string, bool) {
	operator, exists := c.Get("operator")
	if !exists {
		return "", false
	}
	return operator.(string), true
}
