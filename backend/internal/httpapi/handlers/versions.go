package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/store"
)

type versionResp struct {
	ContentVersion uint64    `json:"contentVersion"`
	SnapshotSeq    uint64    `json:"snapshotSeq"`
	Trigger        string    `json:"trigger"`
	Label          string    `json:"label,omitempty"`
	Hidden         bool      `json:"hidden"`
	Pinned         bool      `json:"pinned"`
	Archived       bool      `json:"archived"`
	CreatedBy      string    `json:"createdBy,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toVersionResp(v store.Version) versionResp {
	return versionResp{
		ContentVersion: v.ContentVersion,
		SnapshotSeq:    v.SnapshotSeq,
		Trigger:        string(v.Trigger),
		Label:          v.Label,
		Hidden:         v.Hidden,
		Pinned:         v.Pinned,
		Archived:       v.ArchivedAt != nil,
		CreatedBy:      v.CreatedBy,
		CreatedAt:      v.CreatedAt,
	}
}

// ListVersions ?includeHidden=true 同时返回恢复前的隐藏备份
func (h *Handlers) ListVersions(c *gin.Context) {
	rows, err := h.Store.ListVersions(c.Request.Context(), c.Param("docId"), store.ListVersionsOptions{
		IncludeHidden:   c.Query("includeHidden") == "true",
		IncludeArchived: c.Query("includeArchived") == "true",
	})
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]versionResp, 0, len(rows))
	for _, v := range rows {
		out = append(out, toVersionResp(v))
	}
	c.JSON(http.StatusOK, gin.H{"versions": out})
}

type createVersionReq struct {
	Label string `json:"label"`
}

// CreateVersion 手动命名快照，默认固定
func (h *Handlers) CreateVersion(c *gin.Context) {
	var req createVersionReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON body: "+err.Error())
			return
		}
	}
	evt, err := h.Compactor.Snapshot(c.Request.Context(), c.Param("docId"), compaction.SnapshotOptions{
		Trigger:   store.TriggerManual,
		Label:     req.Label,
		Pinned:    true,
		CreatedBy: principal(c).ID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.Store.AppendAudit(context.WithoutCancel(c.Request.Context()), c.Param("docId"), principal(c).ID, store.AuditSnapshotCreated, map[string]any{
		"contentVersion": evt.ContentVersion,
		"label":          req.Label,
	}); err != nil {
		zap.S().Errorw("append snapshot audit failed", "documentId", c.Param("docId"), "error", err)
	}
	c.JSON(http.StatusCreated, gin.H{
		"contentVersion": evt.ContentVersion,
		"snapshotSeq":    evt.SnapshotSeq,
		"sizeBytes":      evt.SizeBytes,
	})
}

func (h *Handlers) RestoreVersion(c *gin.Context) {
	v, ok := versionParam(c)
	if !ok {
		return
	}
	res, err := h.Manager.RestoreVersion(c.Request.Context(), c.Param("docId"), v, principal(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"target":          res.Target,
		"backupVersion":   res.BackupVersion,
		"restoredVersion": res.RestoredVersion,
	})
}

type pinReq struct {
	Pinned *bool `json:"pinned" binding:"required"`
}

func (h *Handlers) PinVersion(c *gin.Context) {
	v, ok := versionParam(c)
	if !ok {
		return
	}
	var req pinReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.Store.SetPinned(c.Request.Context(), c.Param("docId"), v, *req.Pinned); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contentVersion": v, "pinned": *req.Pinned})
}

// GetBlame 不带版本号时取文档当前的 content_version
func (h *Handlers) GetBlame(c *gin.Context) {
	docID := c.Param("docId")
	var v uint64
	if c.Param("version") != "" {
		var ok bool
		if v, ok = versionParam(c); !ok {
			return
		}
	} else {
		doc, err := h.Store.GetDocument(c.Request.Context(), docID)
		if err != nil {
			writeError(c, err)
			return
		}
		if doc.ContentVersion == 0 {
			writeError(c, fmt.Errorf("document has no versions yet: %w", store.ErrNotFound))
			return
		}
		v = doc.ContentVersion
	}
	b, err := h.Blame.Get(c.Request.Context(), docID, v)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handlers) Compact(c *gin.Context) {
	evt, err := h.Compactor.Compact(c.Request.Context(), c.Param("docId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contentVersion": evt.ContentVersion,
		"snapshotSeq":    evt.SnapshotSeq,
		"folded":         len(evt.Superseded),
	})
}
