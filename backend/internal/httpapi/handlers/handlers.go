package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docSyncServer/backend/internal/access"
	"docSyncServer/backend/internal/blame"
	"docSyncServer/backend/internal/cache"
	"docSyncServer/backend/internal/collab"
	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/httpapi/middleware"
	"docSyncServer/backend/internal/patch"
	"docSyncServer/backend/internal/store"
)

type Deps struct {
	Store     *store.Store
	Gate      *access.Gate
	Manager   *collab.Manager
	Compactor *compaction.Service
	Patches   *patch.Applier
	Blame     *blame.Service
	Presence  cache.PresenceCache
}

type Handlers struct {
	Deps
}

func New(d Deps) *Handlers { return &Handlers{Deps: d} }

// Register 挂载文档相关的 REST 路由。同步通道（websocket）由 ws 包单独挂载。
func (h *Handlers) Register(r gin.IRouter) {
	docs := r.Group("/documents")
	docs.POST("", middleware.RequireIdentity(h.Gate), h.CreateDocument)

	viewer := docs.Group("/:docId", middleware.DocumentAccess(h.Gate, access.RoleViewer))
	viewer.GET("", h.GetDocument)
	viewer.GET("/text", h.PlainText)
	viewer.GET("/presence", h.ListPresence)
	viewer.GET("/versions", h.ListVersions)
	viewer.GET("/blame", h.GetBlame)
	viewer.GET("/versions/:version/blame", h.GetBlame)

	editor := docs.Group("/:docId", middleware.DocumentAccess(h.Gate, access.RoleEditor))
	editor.PUT("/title", h.UpdateTitle)
	editor.POST("/patches", h.SubmitPatch)
	editor.GET("/patches", h.ListPatchAudits)
	editor.POST("/versions", h.CreateVersion)
	editor.POST("/versions/:version/restore", h.RestoreVersion)
	editor.PUT("/versions/:version/pin", h.PinVersion)

	admin := docs.Group("/:docId", middleware.DocumentAccess(h.Gate, access.RoleAdmin))
	admin.POST("/compact", h.Compact)
	admin.PUT("/shares/:principalId", h.Share)
	admin.POST("/links", h.CreateLink)
	admin.DELETE("/links/:linkId", h.RevokeLink)
	admin.GET("/audit", h.ListAudit)
}

// writeError 把领域错误映射成 HTTP 状态码和 {"code","message"}
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, collab.ErrorCode(err)
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, access.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, access.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrMetaVersionConflict):
		status, code = http.StatusConflict, "META_VERSION_CONFLICT"
	case errors.Is(err, compaction.ErrBusy):
		status, code = http.StatusConflict, "COMPACTION_BUSY"
	case errors.Is(err, store.ErrDocumentTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, collab.ErrReadOnly), errors.Is(err, store.ErrDocumentUnrecoverable):
		status = http.StatusConflict
	case errors.Is(err, compaction.ErrCompactionLockTimeout):
		status = http.StatusServiceUnavailable
	default:
		zap.S().Errorw("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"documentId", c.Param("docId"),
			"error", err,
		)
		middleware.AbortWithError(c, status, code, "internal error")
		return
	}
	middleware.AbortWithError(c, status, code, err.Error())
}

func badRequest(c *gin.Context, message string) {
	middleware.AbortWithError(c, http.StatusBadRequest, "BAD_REQUEST", message)
}

func principal(c *gin.Context) access.Principal {
	p, _ := middleware.PrincipalFrom(c)
	return p
}

func versionParam(c *gin.Context) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param("version"), 10, 64)
	if err != nil || v == 0 {
		badRequest(c, "version must be a positive integer")
		return 0, false
	}
	return v, true
}
