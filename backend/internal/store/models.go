package store

import "time"

type AuthorKind string

const (
	AuthorHuman AuthorKind = "human"
	AuthorAgent AuthorKind = "agent"
)

type VersionTrigger string

const (
	TriggerAuto          VersionTrigger = "auto"
	TriggerManual        VersionTrigger = "manual"
	TriggerRestoreBackup VersionTrigger = "restore-backup"
	TriggerRestore       VersionTrigger = "restore"
)

type Document struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	WorkspaceID    string `gorm:"type:varchar(64);index"`
	Title          string `gorm:"type:varchar(255)"`
	OwnerID        string `gorm:"type:varchar(64);index"`
	ContentVersion uint64 `gorm:"not null;default:0"`
	MetaVersion    uint64 `gorm:"not null;default:1"`
	ReadOnlyReason string `gorm:"type:varchar(255)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Snapshot 快照行，列与持久化格式一一对应，写入后不再修改
type Snapshot struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID      string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_snapshot_doc_seq,priority:1"`
	SnapshotSeq     uint64    `gorm:"not null;uniqueIndex:uk_snapshot_doc_seq,priority:2"`
	CompressedState []byte    `gorm:"type:longblob;not null"`
	StateVector     []byte    `gorm:"type:blob;not null"`
	SizeBytes       int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (Snapshot) TableName() string { return "document_snapshots" }

type UpdateRecord struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement"`
	DocumentID     string     `gorm:"type:varchar(64);not null;uniqueIndex:uk_update_doc_seq,priority:1"`
	SnapshotSeq    uint64     `gorm:"not null;uniqueIndex:uk_update_doc_seq,priority:2"`
	SequenceNumber uint64     `gorm:"not null;uniqueIndex:uk_update_doc_seq,priority:3"`
	OperationBytes []byte     `gorm:"type:longblob;not null"`
	AuthorID       string     `gorm:"type:varchar(64);not null"`
	AuthorKind     AuthorKind `gorm:"type:varchar(16);not null"`
	CreatedAt      time.Time  `gorm:"not null"`
}

func (UpdateRecord) TableName() string { return "document_updates" }

// CompactionState 每个文档一行，只由压缩流程和 AppendUpdate 的计数器修改
type CompactionState struct {
	DocumentID           string `gorm:"primaryKey;type:varchar(64)"`
	LastSnapshotSeq      uint64 `gorm:"not null;default:0"`
	UpdatesSinceSnapshot uint64 `gorm:"not null;default:0"`
	BytesSinceSnapshot   uint64 `gorm:"not null;default:0"`
	LastCompactedAt      time.Time
}

func (CompactionState) TableName() string { return "compaction_states" }

// Version 用户可见的版本。每写一个快照产生一个版本。
// CycleUpdates 记录该快照折叠掉的上一周期 update 条数，用于判断回退时旧 update 是否仍保留。
type Version struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement"`
	DocumentID     string         `gorm:"type:varchar(64);not null;uniqueIndex:uk_version_doc_cv,priority:1"`
	ContentVersion uint64         `gorm:"not null;uniqueIndex:uk_version_doc_cv,priority:2"`
	SnapshotSeq    uint64         `gorm:"not null;index"`
	Trigger        VersionTrigger `gorm:"type:varchar(32);not null"`
	Label          string         `gorm:"type:varchar(255)"`
	Hidden         bool           `gorm:"not null;default:false"`
	Pinned         bool           `gorm:"not null;default:false"`
	CycleUpdates   uint64         `gorm:"not null;default:0"`
	CreatedBy      string         `gorm:"type:varchar(64)"`
	ArchivedAt     *time.Time
	CreatedAt      time.Time
}

func (Version) TableName() string { return "document_versions" }

type BlameEntry struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID     string `gorm:"type:varchar(64);not null;uniqueIndex:uk_blame_doc_cv,priority:1"`
	ContentVersion uint64 `gorm:"not null;uniqueIndex:uk_blame_doc_cv,priority:2"`
	Lines          []byte `gorm:"type:longblob;not null"` // json 编码的行归属
	CreatedAt      time.Time
}

func (BlameEntry) TableName() string { return "blame_entries" }

// PatchAudit 只追加
type PatchAudit struct {
	ID                string `gorm:"primaryKey;type:varchar(36)"`
	DocumentID        string `gorm:"type:varchar(64);not null;index"`
	AuthorID          string `gorm:"type:varchar(64)"`
	Status            string `gorm:"type:varchar(32);not null"`
	Reason            string `gorm:"type:text"`
	RebaseAllowed     bool
	BaseStateVector   []byte `gorm:"type:blob"`
	ResultStateVector []byte `gorm:"type:blob"`
	Operations        []byte `gorm:"type:longblob"` // json
	Resolutions       []byte `gorm:"type:longblob"` // json
	CreatedAt         time.Time
}

func (PatchAudit) TableName() string { return "patch_audits" }

type AuditAction string

const (
	AuditRoleChanged      AuditAction = "role_changed"
	AuditMemberRemoved    AuditAction = "member_removed"
	AuditLinkCreated      AuditAction = "link_created"
	AuditLinkRevoked      AuditAction = "link_revoked"
	AuditLinkUsed         AuditAction = "link_used"
	AuditSnapshotCreated  AuditAction = "snapshot_created"
	AuditSnapshotRestored AuditAction = "snapshot_restored"
)

// AuditLog 共享、链接、版本操作的审计记录，只追加。补丁尝试记在 patch_audits。
type AuditLog struct {
	ID         string      `gorm:"primaryKey;type:varchar(36)"`
	DocumentID string      `gorm:"type:varchar(64);not null;index:idx_audit_doc_time,priority:1"`
	ActorID    string      `gorm:"type:varchar(64);index"` // 空表示系统或匿名链接访客
	Action     AuditAction `gorm:"type:varchar(32);not null"`
	Metadata   []byte      `gorm:"type:blob"` // json
	CreatedAt  time.Time   `gorm:"index:idx_audit_doc_time,priority:2"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type DocumentShare struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID  string `gorm:"type:varchar(64);not null;uniqueIndex:uk_share_doc_principal,priority:1"`
	PrincipalID string `gorm:"type:varchar(64);not null;uniqueIndex:uk_share_doc_principal,priority:2"`
	Role        string `gorm:"type:varchar(16);not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (DocumentShare) TableName() string { return "document_shares" }

// ShareLink 只保存 token 的 sha256
type ShareLink struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID   string `gorm:"type:varchar(64);not null;index"`
	TokenHash    string `gorm:"type:char(64);not null;uniqueIndex"`
	Role         string `gorm:"type:varchar(16);not null"`
	PasswordHash string `gorm:"type:varchar(255)"`
	ExpiresAt    *time.Time
	// MaxUses 为 nil 表示不限次数；UsesCount 只由 UseLink 原子递增
	MaxUses   *int
	UsesCount int    `gorm:"not null;default:0"`
	Revoked   bool   `gorm:"not null;default:false"`
	CreatedBy string `gorm:"type:varchar(64)"`
	CreatedAt time.Time
}

func (ShareLink) TableName() string { return "share_links" }

func allModels() []any {
	return []any{
		&Document{}, &Snapshot{}, &UpdateRecord{}, &CompactionState{}, &Version{},
		&BlameEntry{}, &PatchAudit{}, &AuditLog{}, &DocumentShare{}, &ShareLink{},
	}
}
