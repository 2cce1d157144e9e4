package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"margin/api/internal/highlight"
	"margin/api/internal/util"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxMessage   = 4 << 20
	wsInboxBacklog = 16
)

// wsClient serializes writes to one connection. It is also the session's focus
// sink, so selecting a highlight pushes a focus_highlight message.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) Focus(_ context.Context, h highlight.Highlight) error {
	return c.send(FocusMessage{Type: typeFocus, Highlight: h})
}

// handleWebSocket runs one session over a WebSocket. Messages are handled one
// at a time in arrival order. The connection holds its session, so it is not
// swept while open; when the last connection on a session goes away the
// session is removed, which cancels analysis still in flight.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFrom(r)
	if sessionID == "" {
		sessionID = util.NewID("sess")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	logger := s.logger.With(zap.String("session_id", sessionID))
	client := &wsClient{conn: conn}
	sess, err := s.service.Connect(sessionID, client)
	if err != nil {
		logger.Warn("connect session", zap.Error(err))
		return
	}
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() { s.service.Release(sess, client) })
	}
	defer release()
	if err := client.send(SessionMessage{Type: typeSession, SessionID: sessionID}); err != nil {
		return
	}
	logger.Info("websocket connected")

	ctx, cancel := context.WithCancel(sess.Context())
	defer cancel()

	inbox := make(chan []byte, wsInboxBacklog)
	go func() {
		defer close(inbox)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("websocket read failed", zap.Error(err))
				}
				cancel()
				release()
				return
			}
			select {
			case inbox <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := s.pump(ctx, sessionID, inbox, client.send); err != nil {
		logger.Debug("websocket write failed", zap.Error(err))
	}
	logger.Info("websocket disconnected")
}

// pump handles inbound frames in arrival order until inbox is drained, ctx
// ends or a reply cannot be written.
func (s *HTTPServer) pump(ctx context.Context, sessionID string, inbox <-chan []byte, send func(any) error) error {
	for data := range inbox {
		if ctx.Err() != nil {
			return nil
		}
		var replies []any
		if msg, err := DecodeInbound(data); err != nil {
			replies = []any{errorMessage(err.Error())}
		} else {
			replies = s.service.HandleMessage(ctx, sessionID, msg)
		}
		for _, reply := range replies {
			if err := send(reply); err != nil {
				return err
			}
		}
	}
	return nil
}
