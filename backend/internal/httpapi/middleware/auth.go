package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docSyncServer/backend/internal/access"
)

const principalKey = "principal"

// AbortWithError 统一的错误响应 {"code","message"}
func AbortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}

// ExtractCredentials 浏览器的 WebSocket 无法自定义 Header，允许从 query ?token= / ?link= 中获取
func ExtractCredentials(c *gin.Context) access.Credentials {
	cred := access.Credentials{Bearer: extractBearer(c.Request.Header.Get("Authorization"))}
	if cred.Bearer == "" {
		cred.Bearer = strings.TrimSpace(c.Query("token"))
	}
	cred.Link = strings.TrimSpace(c.GetHeader("X-Share-Link"))
	if cred.Link == "" {
		cred.Link = strings.TrimSpace(c.Query("link"))
	}
	cred.LinkPassword = c.GetHeader("X-Share-Password")
	return cred
}

// RequireIdentity 只校验 bearer token，不涉及文档权限
func RequireIdentity(gate *access.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := gate.Identify(ExtractCredentials(c).Bearer)
		if err != nil {
			AbortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization header is missing or invalid")
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// DocumentAccess 解析路径参数 :docId 上的角色，低于 min 时拒绝
func DocumentAccess(gate *access.Gate, min access.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := ExtractCredentials(c)
		if cred.Empty() {
			AbortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization header is missing or invalid")
			return
		}
		docID := c.Param("docId")
		p, err := gate.Authorize(c.Request.Context(), docID, cred)
		switch {
		case errors.Is(err, access.ErrUnauthorized):
			AbortWithError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credential")
			return
		case errors.Is(err, access.ErrForbidden):
			AbortWithError(c, http.StatusForbidden, "FORBIDDEN", "no access to this document")
			return
		case err != nil:
			zap.S().Errorw("authorize failed", "documentId", docID, "error", err)
			AbortWithError(c, http.StatusInternalServerError, "INTERNAL", "authorize failed")
			return
		}
		if !p.Role.AtLeast(min) {
			AbortWithError(c, http.StatusForbidden, "FORBIDDEN", "role "+string(p.Role)+" is not allowed")
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func PrincipalFrom(c *gin.Context) (access.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return access.Principal{}, false
	}
	p, ok := v.(access.Principal)
	return p, ok
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// "Bearer" 前缀大小写不敏感
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
