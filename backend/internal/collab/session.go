package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"docSyncServer/backend/internal/access"
	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/metrics"
)

// Session 一个已连接副本。传输层负责把收到的帧交给 Handle，
// 并把 Outbound 里的帧按顺序写回对端；Outbound 关闭即应断开连接。
type Session struct {
	ID        string
	DocID     string
	Principal access.Principal

	mgr     *Manager
	room    *room
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool
	reason error

	// corrupt 只在读 goroutine 中访问
	corrupt   int
	leaveOnce sync.Once
}

// Join 鉴权后的副本加入文档：加载房间，登记会话，先发出服务端状态向量（SyncStep1）
func (m *Manager) Join(ctx context.Context, docID string, p access.Principal) (*Session, error) {
	if !p.Role.AtLeast(access.RoleViewer) {
		return nil, access.ErrForbidden
	}
	r, err := m.acquire(ctx, docID)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        uuid.NewString(),
		DocID:     docID,
		Principal: p,
		mgr:       m,
		room:      r,
		limiter:   rate.NewLimiter(rate.Limit(m.cfg.UpdateRate), m.cfg.UpdateBurst),
		send:      make(chan []byte, m.cfg.SendQueue),
	}

	r.mu.Lock()
	r.sessions[s] = struct{}{}
	s.enqueue(syncStep1(r.doc.EncodeStateVector()))
	replicas := len(r.sessions)
	r.mu.Unlock()
	metrics.SessionsActive.Inc()

	if m.presence != nil {
		if err := m.presence.AddMember(ctx, docID, p.ID, p.Name, m.cfg.AwarenessTTL); err != nil {
			zap.S().Warnw("add presence member failed", "documentId", docID, "error", err)
		}
		states, err := m.presence.GetAwareness(ctx, docID)
		if err != nil {
			zap.S().Warnw("load awareness failed", "documentId", docID, "error", err)
		}
		for sid, blob := range states {
			s.enqueue(awarenessFrame(sid, blob))
		}
	}

	zap.S().Infow("session joined",
		"documentId", docID,
		"sessionId", s.ID,
		"principalId", p.ID,
		"role", p.Role,
		"replicas", replicas,
	)
	return s, nil
}

func (m *Manager) leave(s *Session) {
	r := s.room
	r.mu.Lock()
	delete(r.sessions, s)
	// 空 awareness 表示该会话下线
	r.broadcastLocked(awarenessFrame(s.ID, nil), s)
	r.mu.Unlock()
	metrics.SessionsActive.Dec()

	if m.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := m.presence.RemoveSession(ctx, s.DocID, s.ID); err != nil {
			zap.S().Warnw("remove awareness failed", "documentId", s.DocID, "sessionId", s.ID, "error", err)
		}
		cancel()
	}
	m.release(r)
	zap.S().Infow("session left", "documentId", s.DocID, "sessionId", s.ID, "reason", s.Err())
}

func (s *Session) Outbound() <-chan []byte { return s.send }

// Err 会话关闭的原因
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// enqueue 非阻塞；队列满返回 false。已关闭的会话直接丢弃。
func (s *Session) enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown 停止发送并关闭 Outbound，只有第一次调用返回 true
func (s *Session) shutdown(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	close(s.send)
	return true
}

// Close 可重复调用
func (s *Session) Close(reason error) {
	if reason == nil {
		reason = ErrSessionClosed
	}
	s.shutdown(reason)
	s.leaveOnce.Do(func() { s.mgr.leave(s) })
}

func (s *Session) sendError(err error) {
	s.enqueue(errorFrame(ErrorCode(err)))
}

// Handle 处理对端的一帧。返回非 nil 时传输层应关闭连接。
func (s *Session) Handle(ctx context.Context, frame []byte) error {
	msg, err := DecodeMessage(frame)
	if err != nil {
		return s.corruptInput(err)
	}
	switch msg.Kind {
	case MsgSyncStep1:
		diff, err := s.mgr.diff(s.room, msg.Payload)
		if err != nil {
			return s.corruptInput(err)
		}
		if !s.enqueue(syncStep2(diff)) {
			s.Close(ErrSlowPeer)
			return ErrSlowPeer
		}
	case MsgSyncStep2, MsgUpdate:
		return s.handleUpdate(ctx, msg.Payload)
	case MsgAwareness:
		s.mgr.awareness(ctx, s, msg.Payload)
	case MsgError:
		zap.S().Debugw("peer reported error", "documentId", s.DocID, "sessionId", s.ID, "code", string(msg.Payload))
	}
	return nil
}

func (s *Session) handleUpdate(ctx context.Context, payload []byte) error {
	// 限流只做背压，不丢操作
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	err := s.mgr.submit(ctx, s, payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, crdt.ErrCorruptOperation):
		return s.corruptInput(err)
	case errors.Is(err, access.ErrForbidden), errors.Is(err, ErrReadOnly):
		zap.S().Infow("update rejected", "documentId", s.DocID, "sessionId", s.ID, "principalId", s.Principal.ID, "reason", err)
		s.sendError(err)
		return nil
	case errors.Is(err, context.Canceled):
		return err
	default:
		// 持久化失败：操作未写入也未广播，客户端下次同步时会重发
		zap.S().Errorw("persist update failed", "documentId", s.DocID, "sessionId", s.ID, "error", err)
		s.sendError(err)
		return nil
	}
}

// corruptInput 丢弃损坏操作；超过阈值关闭会话并上报
func (s *Session) corruptInput(err error) error {
	s.corrupt++
	metrics.CorruptOperations.Inc()
	zap.S().Warnw("corrupt operation dropped",
		"documentId", s.DocID,
		"sessionId", s.ID,
		"principalId", s.Principal.ID,
		"count", s.corrupt,
		"error", err,
	)
	s.sendError(crdt.ErrCorruptOperation)
	if s.corrupt >= s.mgr.cfg.CorruptThreshold {
		zap.S().Errorw("too many corrupt operations, closing session",
			"documentId", s.DocID,
			"sessionId", s.ID,
			"principalId", s.Principal.ID,
			"count", s.corrupt,
		)
		s.Close(ErrTooManyCorrupt)
		return ErrTooManyCorrupt
	}
	return nil
}

func (m *Manager) diff(r *room, sv []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdate(sv)
}

func (m *Manager) awareness(ctx context.Context, s *Session, blob []byte) {
	if len(blob) > m.cfg.MaxAwareness {
		zap.S().Warnw("awareness blob too large, dropped", "documentId", s.DocID, "sessionId", s.ID, "bytes", len(blob))
		return
	}
	if m.presence != nil {
		if err := m.presence.SetAwareness(ctx, s.DocID, s.ID, blob, m.cfg.AwarenessTTL); err != nil {
			zap.S().Warnw("store awareness failed", "documentId", s.DocID, "error", err)
		}
		if err := m.presence.AddMember(ctx, s.DocID, s.Principal.ID, s.Principal.Name, m.cfg.AwarenessTTL); err != nil {
			zap.S().Warnw("refresh presence failed", "documentId", s.DocID, "error", err)
		}
	}
	r := s.room
	r.mu.Lock()
	r.broadcastLocked(awarenessFrame(s.ID, blob), s)
	r.mu.Unlock()
}
