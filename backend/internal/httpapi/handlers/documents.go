package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"docSyncServer/backend/internal/store"
)

type createDocumentReq struct {
	Title       string `json:"title"`
	WorkspaceID string `json:"workspaceId"`
}

func (h *Handlers) CreateDocument(c *gin.Context) {
	var req createDocumentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	p := principal(c)
	doc := &store.Document{
		ID:          uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		Title:       req.Title,
		OwnerID:     p.ID,
	}
	if err := h.Store.CreateDocument(c.Request.Context(), doc); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"docId":       doc.ID,
		"ownerId":     doc.OwnerID,
		"title":       doc.Title,
		"metaVersion": doc.MetaVersion,
		"createdAt":   doc.CreatedAt.Format(time.RFC3339),
	})
}

func (h *Handlers) GetDocument(c *gin.Context) {
	docID := c.Param("docId")
	doc, err := h.Store.GetDocument(c.Request.Context(), docID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"docId":          doc.ID,
		"title":          doc.Title,
		"ownerId":        doc.OwnerID,
		"workspaceId":    doc.WorkspaceID,
		"contentVersion": doc.ContentVersion,
		"metaVersion":    doc.MetaVersion,
		"readOnlyReason": doc.ReadOnlyReason,
		"roomState":      h.Manager.RoomState(docID).String(),
		"replicas":       h.Manager.ReplicaCount(docID),
		"role":           principal(c).Role,
	})
}

type updateTitleReq struct {
	Title       string `json:"title" binding:"required"`
	MetaVersion uint64 `json:"metaVersion" binding:"required"`
}

// UpdateTitle 标题不走 CRDT，用 meta_version 做乐观锁
func (h *Handlers) UpdateTitle(c *gin.Context) {
	var req updateTitleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	meta, err := h.Store.UpdateTitle(c.Request.Context(), c.Param("docId"), req.Title, req.MetaVersion)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": req.Title, "metaVersion": meta})
}

// PlainText 当前正文，供搜索等外部模块读取
func (h *Handlers) PlainText(c *gin.Context) {
	text, err := h.Manager.PlainText(c.Request.Context(), c.Param("docId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.String(http.StatusOK, text)
}

func (h *Handlers) ListPresence(c *gin.Context) {
	if h.Presence == nil {
		c.JSON(http.StatusOK, gin.H{"members": []any{}})
		return
	}
	members, err := h.Presence.GetAliveMembers(c.Request.Context(), c.Param("docId"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(members))
	for _, m := range members {
		out = append(out, gin.H{"principalId": m.PrincipalID, "name": m.Name})
	}
	c.JSON(http.StatusOK, gin.H{"members": out})
}
