package notify

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 4096
)

// WSHandler обслуживает постоянные websocket-соединения терминалов.
type WSHandler struct {
	hub      *Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler создаёт обработчик websocket-канала уведомлений.
func NewWSHandler(hub *Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Терминалы работают с других источников в локальной сети филиала.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP подписывает соединение на события филиала из параметра branchId
// и держит его до разрыва. Подписка снимается до возврата из обработчика.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	branchID := r.URL.Query().Get("branchId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := h.hub.Subscribe(branchID)
	defer sub.Close()
	defer conn.Close()

	done := make(chan struct{})
	go h.readLoop(conn, done)

	h.writeLoop(conn, sub, done)
}

// readLoop отбрасывает входящие кадры и отслеживает живость соединения.
func (h *WSHandler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case e, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("websocket write failed", zap.Uint64("conn", sub.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
