package handler

import (
	"log"
	"net/http"

	ws "dukapos-offline-core/internal/websocket"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager  *ws.Manager
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(manager *ws.Manager) *WebSocketHandler {
	return &WebSocketHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The agent only listens on loopback; any window that can reach
			// it is the local UI.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	client := ws.NewClient(uuid.New().String(), conn, h.manager)
	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
