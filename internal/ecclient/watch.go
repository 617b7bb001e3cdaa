package ecclient

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pointapp_back_end/internal/events"
)

// Watch s'abonne aux événements d'une demande. Le canal se ferme quand ctx
// est annulé ou que le serveur coupe la connexion.
func (c *Client) Watch(ctx context.Context, id uuid.UUID) (<-chan events.Event, error) {
	wsURL := c.baseURL + "/api/ec/requests/" + id.String() + "/ws"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, &RequestError{Status: resp.StatusCode, Message: "WebSocket refusé"}
		}
		c.log.Warn("❌ Connexion WebSocket impossible", zap.String("request_id", id.String()), zap.Error(err))
		return nil, &TransportError{Op: "watch", Err: err}
	}

	out := make(chan events.Event, 16)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	go func() {
		defer close(out)
		defer close(done)
		for {
			var ev events.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Debug("🔌 WebSocket fermé", zap.String("request_id", id.String()), zap.Error(err))
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
