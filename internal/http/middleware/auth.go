package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-rental-chat/internal/auth"
)

const (
	ctxKeyUserID = "userID"
	ctxKeyRole   = "userRole"
)

// Auth verifies the bearer token and stores the caller's id and role in the
// context. Requests without a valid token stop here with 401.
func Auth(v *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := v.Verify(auth.TokenFromRequest(c.Request))
		if err != nil {
			code := "unauthorized"
			if errors.Is(err, auth.ErrExpiredToken) {
				code = "token_expired"
			}
			c.Header("WWW-Authenticate", `Bearer realm="rentchat"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       code,
				"message":    err.Error(),
			})
			return
		}

		uid := claims.UserID()
		c.Set(ctxKeyUserID, uid)
		c.Set(ctxKeyRole, claims.Role)

		lg := LoggerFrom(c).With().Str("user_id", uid).Logger()
		c.Set(ctxKeyLogger, &lg)
		c.Next()
	}
}

// UserID returns the authenticated caller, or "" outside Auth.
func UserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

// Role returns the authenticated caller's role claim.
func Role(c *gin.Context) string {
	return c.GetString(ctxKeyRole)
}
