package ec

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pointapp_back_end/internal/events"
)

// PostMessage POST /api/ec/requests/:id/messages/
func (h *Handler) PostMessage(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "リクエストが不正です")
		return
	}
	msg, err := h.svc.PostMessage(c.Request.Context(), a, id, body.Message)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": msg})
}

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range h.origins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// Watch GET /api/ec/requests/:id/ws : événements de statut et de messages en direct
func (h *Handler) Watch(c *gin.Context) {
	a, ok := actor(c)
	if !ok {
		return
	}
	id, ok := requestID(c)
	if !ok {
		return
	}

	stream, cancel, err := h.svc.Subscribe(c.Request.Context(), a, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer cancel()

	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("❌ Erreur upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	// Lecture en tâche de fond pour détecter la fermeture côté client
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v interface{}) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}
	if err := write(events.Event{Type: events.TypeConnected, RequestID: id, At: time.Now()}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case ev, open := <-stream:
			if !open {
				return
			}
			if err := write(ev); err != nil {
				h.log.Debug("❌ Erreur envoi WebSocket", zap.Error(err))
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

var errNotPositive = errors.New("not a positive integer")

func parsePositive(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errNotPositive
	}
	return n, nil
}
