package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatsync-server/domain"
)

type PresenceReader interface {
	Status(ctx context.Context, user domain.UserID) (domain.Presence, error)
}

func presenceStatus(p PresenceReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		presence, err := p.Status(c.Request.Context(), domain.UserID(c.Param("userId")))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, presence)
	}
}
