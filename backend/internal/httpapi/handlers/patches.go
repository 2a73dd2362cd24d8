package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docSyncServer/backend/internal/patch"
)

// submitPatchReq baseStateVector 为 base64（[]byte 的 JSON 编码）
type submitPatchReq struct {
	BaseStateVector []byte            `json:"baseStateVector"`
	Operations      []patch.Operation `json:"operations" binding:"required"`
	RebaseAllowed   bool              `json:"rebaseAllowed"`
}

type submitPatchResp struct {
	Status         patch.Status       `json:"status"`
	Reason         string             `json:"reason,omitempty"`
	NewStateVector []byte             `json:"newStateVector,omitempty"`
	NewOperations  []patch.Operation  `json:"newOperations,omitempty"`
	Resolutions    []patch.Resolution `json:"resolutions,omitempty"`
	AuditID        string             `json:"auditId,omitempty"`
}

// SubmitPatch 补丁层面的拒绝也返回 200，结果看 status
func (h *Handlers) SubmitPatch(c *gin.Context) {
	var req submitPatchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	res, err := h.Patches.Submit(c.Request.Context(), patch.Patch{
		DocumentID:      c.Param("docId"),
		BaseStateVector: req.BaseStateVector,
		Operations:      req.Operations,
		RebaseAllowed:   req.RebaseAllowed,
	}, principal(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, submitPatchResp{
		Status:         res.Status,
		Reason:         res.Reason,
		NewStateVector: res.NewStateVector,
		NewOperations:  res.NewOperations,
		Resolutions:    res.Resolutions,
		AuditID:        res.AuditID,
	})
}

type patchAuditResp struct {
	ID            string             `json:"id"`
	AuthorID      string             `json:"authorId"`
	Status        string             `json:"status"`
	Reason        string             `json:"reason,omitempty"`
	RebaseAllowed bool               `json:"rebaseAllowed"`
	Operations    []patch.Operation  `json:"operations"`
	Resolutions   []patch.Resolution `json:"resolutions"`
	CreatedAt     time.Time          `json:"createdAt"`
}

func (h *Handlers) ListPatchAudits(c *gin.Context) {
	rows, err := h.Store.ListPatchAudits(c.Request.Context(), c.Param("docId"), 100)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]patchAuditResp, 0, len(rows))
	for _, r := range rows {
		item := patchAuditResp{
			ID:            r.ID,
			AuthorID:      r.AuthorID,
			Status:        r.Status,
			Reason:        r.Reason,
			RebaseAllowed: r.RebaseAllowed,
			CreatedAt:     r.CreatedAt,
		}
		err := errors.Join(
			json.Unmarshal(r.Operations, &item.Operations),
			json.Unmarshal(r.Resolutions, &item.Resolutions),
		)
		if err != nil {
			writeError(c, err)
			return
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"audits": out})
}
