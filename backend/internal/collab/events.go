package collab

import (
	"context"
	"time"
)

const (
	EventUpdateApplied   = "UPDATE_APPLIED"
	EventSnapshotWritten = "SNAPSHOT_WRITTEN"
	EventVersionRestored = "VERSION_RESTORED"
)

// DocEvent 发往 kafka 的文档事件，下游（搜索索引、审计）按需消费
type DocEvent struct {
	EventType      string    `json:"eventType"`
	DocID          string    `json:"docId"`
	AuthorID       string    `json:"authorId,omitempty"`
	AuthorKind     string    `json:"authorKind,omitempty"`
	SnapshotSeq    uint64    `json:"snapshotSeq"`
	SequenceNumber uint64    `json:"sequenceNumber,omitempty"`
	ContentVersion uint64    `json:"contentVersion,omitempty"`
	Bytes          int       `json:"bytes,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Publisher 不阻塞主提交流程；发送失败可以丢弃
type Publisher interface {
	Enqueue(ctx context.Context, evt DocEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Enqueue(context.Context, DocEvent) error { return nil }
