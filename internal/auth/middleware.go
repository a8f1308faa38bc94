package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/emberai/huoyuan/internal/logging"
	"github.com/emberai/huoyuan/internal/response"
)

// ContextKeyUserID is the gin context key carrying the authenticated user.
const ContextKeyUserID = "authUserID"

// Middleware verifies the Bearer access token and stores the user id in
// the gin context. Requests without a valid token are rejected; expired
// tokens get the dedicated code so clients know to refresh rather than
// re-login.
func Middleware(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			response.AbortError(c, response.CodeUnauthorized, "missing bearer token")
			return
		}

		userID, err := tokens.VerifyAccess(tokenString)
		if err != nil {
			if isExpired(tokenString) {
				response.AbortError(c, response.CodeTokenExpired, "access token expired")
				return
			}
			response.AbortError(c, response.CodeUnauthorized, "invalid access token")
			return
		}

		c.Set(ContextKeyUserID, userID)
		c.Request = c.Request.WithContext(
			logging.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}
