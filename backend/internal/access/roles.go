package access

import (
	"errors"
	"fmt"

	"docSyncServer/backend/internal/store"
)

var (
	// ErrUnauthorized 没有凭证或凭证无效
	ErrUnauthorized = errors.New("UNAUTHORIZED")
	// ErrForbidden 凭证有效但对该文档没有权限
	ErrForbidden = errors.New("FORBIDDEN")
)

type Role string

const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleEditor    Role = "editor"
	RoleCommenter Role = "commenter"
	RoleViewer    Role = "viewer"
	RoleNone      Role = "none"
)

var roleRank = map[Role]int{
	RoleNone:      0,
	RoleViewer:    1,
	RoleCommenter: 2,
	RoleEditor:    3,
	RoleAdmin:     4,
	RoleOwner:     5,
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleRank[r]; !ok {
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// AtLeast 未知角色一律视为 none
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// CanEdit 只有 editor 及以上可以修改正文
func (r Role) CanEdit() bool { return r.AtLeast(RoleEditor) }

// Principal 是 Access Gate 对一次连接/请求的解析结果
type Principal struct {
	ID   string
	Name string
	Kind store.AuthorKind
	Role Role
	// LinkID 非 0 表示通过分享链接进入
	LinkID uint64
}
