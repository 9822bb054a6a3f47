package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type SendMessageRequest struct {
	UserID int32  `json:"user_id" binding:"required"`
	RoomID int64  `json:"room_id" binding:"required"`
	Text   string `json:"text" binding:"required"`
}

// SendMessage - запись сообщения на шард автора.
func (h *Handlers) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	if err := h.Facade.SaveMessage(c.Request.Context(), req.UserID, req.RoomID, req.Text); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message sent"})
}

// ListMessages - сообщения комнаты с шарда пользователя.
func (h *Handlers) ListMessages(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user_id"})
		return
	}
	roomID, err := strconv.ParseInt(c.Query("room_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid room_id"})
		return
	}

	messages := h.Facade.LoadMessages(c.Request.Context(), int32(userID), roomID)
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}
