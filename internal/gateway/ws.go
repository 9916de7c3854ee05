// ABOUTME: WebSocket endpoint joining an authenticated connection to one conversation
// ABOUTME: Runs a read pump for client frames and a write pump for hub events, replies and pings

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/tandem/internal/auth"
	"github.com/2389/tandem/internal/conversation"
	"github.com/2389/tandem/internal/store"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 64 * 1024
	replyBuffer  = 16
)

// handleWS handles GET /ws?user=<otherUserId>. Authentication already ran in
// middleware, so a rejected identity never reaches the upgrade.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	other := r.URL.Query().Get("user")
	if !store.ValidUserID(other) || other == authCtx.UserID {
		g.sendJSONError(w, http.StatusBadRequest, "user must name the other participant")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.New().String()
	logger := g.logger.With("connection_id", connID, "user_id", authCtx.UserID)

	sess, err := g.hub.Join(r.Context(), conversation.JoinRequest{
		ConnectionID: connID,
		UserID:       authCtx.UserID,
		OtherUserID:  other,
	})
	if err != nil {
		logger.Warn("join failed", "error", err)
		rejectJoin(ws, err)
		return
	}

	c := &wsConn{
		ws:      ws,
		sess:    sess,
		replies: make(chan conversation.Frame, replyBuffer),
		logger:  logger,
	}
	go c.writePump()
	c.readPump()
}

// rejectJoin reports a failed join and closes the socket. A store failure
// closes with 1011 so the client retries under backoff.
func rejectJoin(ws *websocket.Conn, err error) {
	defer ws.Close()

	code := websocket.ClosePolicyViolation
	if errors.Is(err, conversation.ErrStoreUnavailable) {
		code = websocket.CloseInternalServerErr
	}

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if werr := ws.WriteJSON(conversation.ErrorFrame("", err)); werr != nil {
		return
	}
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, conversation.ErrorCode(err)))
}

// wsConn pumps frames between one socket and its hub session.
type wsConn struct {
	ws      *websocket.Conn
	sess    *conversation.Session
	replies chan conversation.Frame
	logger  *slog.Logger
}

// readPump decodes client frames until the socket fails or the client
// leaves, then ends the session.
func (c *wsConn) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.sess.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		var f conversation.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(conversation.ErrorFrame("", fmt.Errorf("%w: malformed frame", conversation.ErrInvalidMessage)))
			continue
		}

		switch f.Type {
		case conversation.FrameSendMessage:
			msg, err := c.sess.Send(ctx, f.Content, f.AutoPilot)
			if err != nil {
				c.reply(conversation.ErrorFrame(f.RequestID, err))
				continue
			}
			c.reply(conversation.SendResultFrame(f.RequestID, msg))
		case conversation.FrameLeave:
			c.logger.Debug("client left")
			return
		default:
			c.reply(conversation.ErrorFrame(f.RequestID,
				fmt.Errorf("%w: unknown frame type %q", conversation.ErrInvalidMessage, f.Type)))
		}
	}
}

func (c *wsConn) logReadError(err error) {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.logger.Debug("peer closed", "error", err)
	case errors.As(err, &ne) && ne.Timeout():
		c.logger.Info("read timeout", "error", err)
	case errors.Is(err, net.ErrClosed):
		// closed by the write pump after eviction or shutdown
	default:
		c.logger.Warn("read error", "error", err)
	}
}

func (c *wsConn) reply(f conversation.Frame) {
	select {
	case c.replies <- f:
	case <-c.sess.Done():
	}
}

// writePump is the only writer on the socket.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		var err error
		select {
		case ev := <-c.sess.Events():
			err = c.write(conversation.EventFrame(ev))
		case f := <-c.replies:
			err = c.write(f)
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err = c.ws.WriteMessage(websocket.PingMessage, nil)
		case <-c.sess.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if err != nil {
			c.logger.Debug("write failed", "error", err)
			c.sess.Close()
			return
		}
	}
}

func (c *wsConn) write(f conversation.Frame) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}
