package access

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docSyncServer/backend/internal/store"
)

type Claims struct {
	Username string `json:"username"`
	Type     string `json:"typ"`
	// Kind human | agent，自动化调用方签发 agent token
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer secret 为空时读 JWT_SECRET，再退回开发默认值
func NewTokenIssuer(secret string) *TokenIssuer {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		secret = "dev-secret"
	}
	return &TokenIssuer{secret: []byte(secret), now: time.Now}
}

func (t *TokenIssuer) SignAccessToken(principalID, username string, kind store.AuthorKind, ttl time.Duration) (string, time.Time, error) {
	if kind == "" {
		kind = store.AuthorHuman
	}
	exp := t.now().Add(ttl)
	claims := &Claims{
		Username: username,
		Type:     "access",
		Kind:     string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			IssuedAt:  jwt.NewNumericDate(t.now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// ParseToken 只接受 HS256 签名的 access token
func (t *TokenIssuer) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != "" && claims.Type != "access" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (c *Claims) AuthorKind() store.AuthorKind {
	if c.Kind == string(store.AuthorAgent) {
		return store.AuthorAgent
	}
	return store.AuthorHuman
}
