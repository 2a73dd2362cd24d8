package ws

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docSyncServer/backend/internal/collab"
	"docSyncServer/backend/internal/httpapi/middleware"
	"docSyncServer/backend/internal/store"
)

// NewUpgrader allowedOrigins 为空时只放行本地开发来源
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "null" { // 非浏览器客户端可能不发送 Origin
				return true
			}
			return originAllowed(origin, allowedOrigins)
		},
	}
}

// originAllowed scheme 和主机名必须完全一致；允许项不带端口时放行任意端口
func originAllowed(origin string, allowed []string) bool {
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return false
	}
	for _, a := range allowed {
		p, err := url.Parse(a)
		if err != nil || p.Host == "" {
			continue
		}
		if !strings.EqualFold(o.Scheme, p.Scheme) || !strings.EqualFold(o.Hostname(), p.Hostname()) {
			continue
		}
		if p.Port() == "" || p.Port() == o.Port() {
			return true
		}
	}
	return false
}

type Handler struct {
	hub      *Hub
	mgr      *collab.Manager
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, mgr *collab.Manager, upgrader websocket.Upgrader) *Handler {
	return &Handler{hub: hub, mgr: mgr, upgrader: upgrader}
}

// Sync 必须挂在 DocumentAccess 之后：鉴权在升级之前完成，失败直接返回 401/403
func (h *Handler) Sync(c *gin.Context) {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		middleware.AbortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing principal")
		return
	}
	docID := c.Param("docId")

	session, err := h.mgr.Join(c.Request.Context(), docID, p)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrDocumentUnrecoverable) {
			status = http.StatusConflict
		}
		zap.S().Warnw("join document failed", "documentId", docID, "principalId", p.ID, "error", err)
		middleware.AbortWithError(c, status, collab.ErrorCode(err), err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.S().Infow("websocket upgrade failed", "documentId", docID, "origin", c.Request.Header.Get("Origin"), "error", err)
		session.Close(err)
		return
	}
	// 连接生命周期与 HTTP 请求解耦，由读写循环决定
	NewConn(conn, h.hub, session).Serve(c.Request.Context())
}
