package ws

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docSyncServer/backend/internal/collab"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// 单帧上限，和消息解码的载荷上限一致
	maxFrame = 32<<20 + 16
)

// Conn 一个 websocket 连接，承载一个同步会话
type Conn struct {
	ws      *websocket.Conn
	hub     *Hub
	session *collab.Session
}

func NewConn(ws *websocket.Conn, hub *Hub, session *collab.Session) *Conn {
	return &Conn{ws: ws, hub: hub, session: session}
}

// Serve 阻塞到连接关闭
func (c *Conn) Serve(ctx context.Context) {
	c.hub.Join(c.session.DocID, c)
	defer c.hub.Leave(c.session.DocID, c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop()
	}()
	c.readLoop(ctx)
	c.session.Close(nil)
	<-done
	_ = c.ws.Close()
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				zap.S().Infow("websocket read failed", "documentId", c.session.DocID, "sessionId", c.session.ID, "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			zap.S().Debugw("non-binary frame ignored", "documentId", c.session.DocID, "sessionId", c.session.ID)
			continue
		}
		if err := c.session.Handle(ctx, data); err != nil {
			return
		}
	}
}

// writeLoop 持续消费会话的发送队列；队列关闭后发 close 帧
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.session.Outbound():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, text := closeReason(c.session.Err())
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				// 读循环可能还阻塞在 ReadMessage 上
				_ = c.ws.SetReadDeadline(time.Now())
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.session.Close(err)
				_ = c.ws.SetReadDeadline(time.Now())
				drain(c.session.Outbound())
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.session.Close(err)
				_ = c.ws.SetReadDeadline(time.Now())
				drain(c.session.Outbound())
				return
			}
		}
	}
}

func drain(ch <-chan []byte) {
	for range ch {
	}
}

func closeReason(err error) (int, string) {
	switch {
	case err == nil, errors.Is(err, collab.ErrSessionClosed):
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, collab.ErrSlowPeer):
		return websocket.CloseTryAgainLater, collab.ErrSlowPeer.Error()
	case errors.Is(err, collab.ErrTooManyCorrupt):
		return websocket.ClosePolicyViolation, collab.ErrorCode(err)
	}
	return websocket.CloseInternalServerErr, collab.ErrorCode(err)
}
