package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chatsync-server/auth"
	"chatsync-server/domain"
	"chatsync-server/ratelimit"
)

const userKey = "chatsync.user"

type Authenticator interface {
	Validate(ctx context.Context, token string) (*domain.UserProfile, error)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}

func requireAuth(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		profile, err := a.Validate(c.Request.Context(), auth.TokenFromRequest(c.Request))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(userKey, profile.ID)
		c.Next()
	}
}

// rateLimit applies the per-identity ceiling to HTTP calls.
func rateLimit(l *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Admit("http:" + string(currentUser(c))) {
			abortWithError(c, domain.RateLimitError())
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) domain.UserID {
	v, _ := c.Get(userKey)
	user, _ := v.(domain.UserID)
	return user
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "kind", domain.KindOf(err), "error", err)
	}
	c.AbortWithStatusJSON(status, domain.ErrorBody(err))
}
