package ws

import (
	"sync"

	"docSyncServer/backend/internal/collab"
)

// Hub 记录本进程上的所有 websocket 连接，按文档分组；用于统计和优雅退出
type Hub struct {
	mu sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 一个用户可开多个标签页/设备，按连接记录而不是按用户
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) Count(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

// CloseAll 关闭所有连接，会话随之离开房间
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var conns []*Conn
	for _, set := range h.rooms {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.session.Close(collab.ErrSessionClosed)
	}
}
