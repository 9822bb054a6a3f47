package services

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WSConnManager - реестр WebSocket-подключений по пользователям.
// Один пользователь может держать несколько соединений.
type WSConnManager struct {
	mu    sync.RWMutex
	users map[int32][]*websocket.Conn
}

func NewWSConnManager() *WSConnManager {
	return &WSConnManager{
		users: make(map[int32][]*websocket.Conn),
	}
}

func (m *WSConnManager) Add(userID int32, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = append(m.users[userID], conn)
}

func (m *WSConnManager) Remove(userID int32, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := m.users[userID]
	for i, c := range conns {
		if c == conn {
			m.users[userID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(m.users[userID]) == 0 {
		delete(m.users, userID)
	}
}

// Send доставляет сообщение во все соединения пользователя. Мертвые
// соединения закрываются и выбрасываются из реестра.
func (m *WSConnManager) Send(userID int32, message []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := m.users[userID]
	alive := conns[:0]
	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			_ = conn.Close()
			continue
		}
		alive = append(alive, conn)
	}
	if len(alive) == 0 {
		delete(m.users, userID)
	} else {
		m.users[userID] = alive
	}
}

var GlobalWSConnManager = NewWSConnManager()
