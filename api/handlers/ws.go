package handlers

import (
	"log"
	"net/http"
	"strconv"

	"chatshard/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConnect подписывает пользователя на push-события о переводах.
func (h *Handlers) WSConnect(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user_id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	services.GlobalWSConnManager.Add(int32(userID), conn)
	defer func() {
		services.GlobalWSConnManager.Remove(int32(userID), conn)
		_ = conn.Close()
	}()

	// клиент ничего не шлет, читаем до закрытия соединения
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
