package collab

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/metrics"
	"docSyncServer/backend/internal/store"
)

type RoomState int32

const (
	RoomEmpty RoomState = iota
	RoomLoading
	RoomActive
)

func (s RoomState) String() string {
	switch s {
	case RoomLoading:
		return "LOADING"
	case RoomActive:
		return "ACTIVE"
	}
	return "EMPTY"
}

type queuedUpdate struct {
	from       *Session
	authorID   string
	authorKind store.AuthorKind
	bytes      []byte
}

// room 一个文档的权威内存副本。doc、sessions、queued、readOnly 只在 mu 内访问，
// 所有操作串行执行（单写者）。
type room struct {
	id    string
	state atomic.Int32

	mu       sync.Mutex
	doc      *crdt.Doc
	readOnly string
	sessions map[*Session]struct{}
	queued   []queuedUpdate
	// outbox 已提交待发布的事件，释放 mu 之后再发
	outbox []DocEvent

	queuedN     atomic.Int32
	snapshotSeq atomic.Uint64

	// refs 由 Manager.mu 保护
	refs int
}

func newRoom(docID string) *room {
	r := &room{id: docID, sessions: make(map[*Session]struct{})}
	r.state.Store(int32(RoomLoading))
	return r
}

func (r *room) State() RoomState { return RoomState(r.state.Load()) }

// unlock 释放 mu 后发布锁内积攒的事件，发布阻塞不会拖住房间
func (m *Manager) unlock(r *room) {
	evts := r.outbox
	r.outbox = nil
	r.mu.Unlock()
	for _, evt := range evts {
		m.publish(evt)
	}
}

func (r *room) enqueueLocked(q queuedUpdate) {
	r.queued = append(r.queued, q)
	r.queuedN.Store(int32(len(r.queued)))
}

func (r *room) dequeueLocked() (queuedUpdate, bool) {
	if len(r.queued) == 0 {
		return queuedUpdate{}, false
	}
	q := r.queued[0]
	r.queued[0] = queuedUpdate{}
	r.queued = r.queued[1:]
	r.queuedN.Store(int32(len(r.queued)))
	return q, true
}

// broadcastLocked 发给除 from 以外的所有会话。发送队列满的会话立即断开，
// 不能跳过帧继续发，否则对端会缺操作。
func (r *room) broadcastLocked(frame []byte, from *Session) {
	for s := range r.sessions {
		if s == from {
			continue
		}
		if s.enqueue(frame) {
			continue
		}
		if s.shutdown(ErrSlowPeer) {
			metrics.SlowPeerDisconnects.Inc()
			zap.S().Warnw("slow peer disconnected", "documentId", r.id, "sessionId", s.ID, "principalId", s.Principal.ID)
			// leave 需要 room.mu，放到别的 goroutine
			go s.Close(ErrSlowPeer)
		}
	}
}
