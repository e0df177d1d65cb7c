package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatsync-server/delivery"
	"chatsync-server/domain"
	"chatsync-server/store"
)

type MessageHandler struct {
	delivery *delivery.Service
}

func NewMessageHandler(d *delivery.Service) *MessageHandler {
	return &MessageHandler{delivery: d}
}

type sendRequest struct {
	RecipientID   domain.UserID  `json:"recipientId"`
	GroupID       domain.GroupID `json:"groupId"`
	Body          string         `json:"body"`
	AttachmentRef string         `json:"attachmentRef"`
	ReplyToID     string         `json:"replyToId"`
}

func (h *MessageHandler) Send(c *gin.Context) {
	var input sendRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		abortWithError(c, domain.ValidationError("invalid request body"))
		return
	}
	msg, err := h.delivery.Send(c.Request.Context(), nil, delivery.SendRequest{
		SenderID:      currentUser(c),
		RecipientID:   input.RecipientID,
		GroupID:       input.GroupID,
		Body:          input.Body,
		AttachmentRef: input.AttachmentRef,
		ReplyToID:     input.ReplyToID,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *MessageHandler) PrivateHistory(c *gin.Context) {
	h.history(c, domain.RoomPrivate, c.Param("peerId"))
}

func (h *MessageHandler) GroupHistory(c *gin.Context) {
	h.history(c, domain.RoomGroup, c.Param("groupId"))
}

func (h *MessageHandler) history(c *gin.Context, roomType domain.RoomType, roomID string) {
	page, err := pageFromQuery(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	msgs, err := h.delivery.History(c.Request.Context(), currentUser(c), roomType, roomID, page)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	var input domain.RoomPayload
	if err := c.ShouldBindJSON(&input); err != nil {
		abortWithError(c, domain.ValidationError("invalid request body"))
		return
	}
	n, err := h.delivery.MarkRead(c.Request.Context(), currentUser(c), input.RoomType, input.RoomID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, domain.MarkReadSuccess{RoomType: input.RoomType, RoomID: input.RoomID, MarkedCount: n})
}

func (h *MessageHandler) Edit(c *gin.Context) {
	var input struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		abortWithError(c, domain.ValidationError("invalid request body"))
		return
	}
	msg, err := h.delivery.Edit(c.Request.Context(), currentUser(c), c.Param("id"), input.Body)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *MessageHandler) Delete(c *gin.Context) {
	if err := h.delivery.DeleteForSender(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) Conversations(c *gin.Context) {
	convs, err := h.delivery.Conversations(c.Request.Context(), currentUser(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *MessageHandler) Unread(c *gin.Context) {
	counts, err := h.delivery.UnreadCounts(c.Request.Context(), currentUser(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func pageFromQuery(c *gin.Context) (store.Page, error) {
	var page store.Page
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, domain.ValidationError("limit must be a non-negative integer")
		}
		page.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return page, domain.ValidationError("offset must be a non-negative integer")
		}
		page.Offset = n
	}
	return page, nil
}
