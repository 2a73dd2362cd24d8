package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"docSyncServer/backend/internal/access"
	"docSyncServer/backend/internal/store"
)

type shareReq struct {
	Role string `json:"role" binding:"required"`
}

// Share 给某个主体授予角色；role=none 撤销
func (h *Handlers) Share(c *gin.Context) {
	var req shareReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	role, err := access.ParseRole(req.Role)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.Gate.Share(c.Request.Context(), c.Param("docId"), c.Param("principalId"), role, principal(c).ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principalId": c.Param("principalId"), "role": role})
}

type createLinkReq struct {
	Role       string `json:"role" binding:"required"`
	Password   string `json:"password"`
	TTLSeconds int64  `json:"ttlSeconds"`
	MaxUses    int    `json:"maxUses"`
}

// CreateLink 明文 token 只在这里返回一次
func (h *Handlers) CreateLink(c *gin.Context) {
	var req createLinkReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	role, err := access.ParseRole(req.Role)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	token, link, err := h.Gate.CreateLink(c.Request.Context(), access.LinkRequest{
		DocumentID: c.Param("docId"),
		Role:       role,
		Password:   req.Password,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		MaxUses:    req.MaxUses,
		CreatedBy:  principal(c).ID,
	})
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	resp := gin.H{"linkId": link.ID, "token": token, "role": link.Role}
	if link.ExpiresAt != nil {
		resp["expiresAt"] = link.ExpiresAt.Format(time.RFC3339)
	}
	if link.MaxUses != nil {
		resp["maxUses"] = *link.MaxUses
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) RevokeLink(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("linkId"), 10, 64)
	if err != nil {
		badRequest(c, "linkId must be an integer")
		return
	}
	if err := h.Gate.RevokeLink(c.Request.Context(), c.Param("docId"), id, principal(c).ID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAudit 共享、链接和版本操作的审计记录，可按 action 过滤
func (h *Handlers) ListAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := h.Store.ListAudit(c.Request.Context(), c.Param("docId"), store.AuditAction(c.Query("action")), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		item := gin.H{
			"id":        r.ID,
			"actorId":   r.ActorID,
			"action":    r.Action,
			"createdAt": r.CreatedAt.Format(time.RFC3339),
		}
		if len(r.Metadata) > 0 {
			item["metadata"] = json.RawMessage(r.Metadata)
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"entries": out})
}
