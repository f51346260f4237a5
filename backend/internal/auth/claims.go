package auth

import (
	"context"
	"errors"
	"os"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ordererServer/backend/internal/protocol"
)

// 写权限对应的 scope
const ScopeDocWrite = "doc:write"

var ErrInvalidClaims = errors.New("INVALID_CLAIMS")

// 连接令牌中携带的声明：租户/文档身份 + 权限范围
type TokenClaims struct {
	DocumentID string   `json:"documentId"`
	TenantID   string   `json:"tenantId"`
	Scopes     []string `json:"scopes"`
	User       any      `json:"user,omitempty"`
	jwt.RegisteredClaims
}

// 租户管理是外部协作方，这里只依赖它的验签能力
type TenantManager interface {
	VerifyToken(ctx context.Context, tenantID string, token string) error
}

// Validator 负责握手时的令牌校验：先比对声明里的身份，再交给租户管理验签
type Validator struct {
	tenants TenantManager
}

func NewValidator(tenants TenantManager) *Validator {
	return &Validator{tenants: tenants}
}

// Validate 校验 connect_document 请求的令牌。
// 声明中的 documentId/tenantId 必须与请求一致，否则拒绝连接。
func (v *Validator) Validate(ctx context.Context, req protocol.ConnectRequest) (*TokenClaims, error) {
	claims := &TokenClaims{}
	// 先无验签解析出声明，身份比对通过后再由租户密钥验签
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(req.Token, claims); err != nil {
		return nil, ErrInvalidClaims
	}
	if claims.DocumentID != req.ID || claims.TenantID != req.TenantID {
		return nil, ErrInvalidClaims
	}
	if err := v.tenants.VerifyToken(ctx, claims.TenantID, req.Token); err != nil {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

// CanWrite 从 scopes 推导写权限。
// 空 scopes 视为可写（兼容不带 scope 的旧令牌）。
func CanWrite(scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	return slices.Contains(scopes, ScopeDocWrite)
}

// 基于每租户 HMAC 密钥的租户管理实现
type hmacTenantManager struct {
	keys map[string][]byte
}

func NewHMACTenantManager(keys map[string]string) TenantManager {
	m := make(map[string][]byte, len(keys))
	for tenant, key := range keys {
		m[tenant] = []byte(key)
	}
	return &hmacTenantManager{keys: m}
}

func (t *hmacTenantManager) keyFor(tenantID string) []byte {
	if key, ok := t.keys[tenantID]; ok {
		return key
	}
	// 未配置的租户退回环境变量密钥，便于本地开发
	secret := os.Getenv("TENANT_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}
	return []byte(secret)
}

func (t *hmacTenantManager) VerifyToken(ctx context.Context, tenantID string, token string) error {
	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return t.keyFor(tenantID), nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return jwt.ErrTokenInvalidClaims
	}
	return nil
}

// SignToken 为测试与工具签发连接令牌
func SignToken(key string, tenantID, documentID string, scopes []string, ttl time.Duration) (string, error) {
	claims := &TokenClaims{
		DocumentID: documentID,
		TenantID:   tenantID,
		Scopes:     scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}
