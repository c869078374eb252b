package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/harborcrm/harbor/internal/apperr"
)

// MaxInternalTokenTTL caps internal token lifetime. Minting with a
// longer TTL is clamped, never honored.
const MaxInternalTokenTTL = 5 * time.Minute

// Minter signs and resolves internal tokens with a symmetric secret.
type Minter struct {
	secret  []byte
	ttl     time.Duration
	nowFunc func() time.Time
}

// internalClaims is the claim set carried by internal tokens.
type internalClaims struct {
	TenantID string `json:"tenant_id"`
	UserRole string `json:"user_role,omitempty"`
	Email    string `json:"email,omitempty"`
	Internal bool   `json:"internal"`
	jwt.RegisteredClaims
}

// NewMinter builds a minter with the given secret and TTL. TTLs above
// five minutes (or non-positive) are clamped to five minutes.
func NewMinter(secret string, ttl time.Duration) *Minter {
	if ttl <= 0 || ttl > MaxInternalTokenTTL {
		ttl = MaxInternalTokenTTL
	}
	return &Minter{
		secret:  []byte(secret),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (m *Minter) SetNowFunc(fn func() time.Time) {
	m.nowFunc = fn
}

// Mint issues a signed internal token for the given caller. The token
// carries the caller's role verbatim; an absent role mints as employee.
func (m *Minter) Mint(caller CallerIdentity) (string, error) {
	if len(m.secret) == 0 {
		return "", apperr.New(apperr.KindUnauthorized, "internal token signing is not configured")
	}
	if strings.TrimSpace(caller.ID) == "" {
		return "", apperr.Validation("id", "caller id is required")
	}
	if strings.TrimSpace(caller.TenantUUID) == "" {
		return "", apperr.Validation("tenant_uuid", "tenant is required")
	}

	now := m.nowFunc()
	claims := internalClaims{
		TenantID: caller.TenantUUID,
		UserRole: string(NormalizeRole(string(caller.Role))),
		Email:    strings.TrimSpace(caller.Email),
		Internal: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign internal token: %w", err)
	}
	return signed, nil
}

// Resolve parses and validates a token and returns the caller it was
// minted for. A token without a user_role claim resolves as employee.
func (m *Minter) Resolve(token string) (*CallerIdentity, error) {
	if len(m.secret) == 0 {
		return nil, apperr.New(apperr.KindUnauthorized, "internal token signing is not configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &internalClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.nowFunc))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid internal token", err)
	}

	claims, ok := parsed.Claims.(*internalClaims)
	if !ok || !parsed.Valid {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid internal token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid internal token")
	}
	if !claims.Internal {
		return nil, apperr.New(apperr.KindUnauthorized, "not an internal token")
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid internal token")
	}

	return &CallerIdentity{
		ID:         claims.Subject,
		Email:      strings.TrimSpace(claims.Email),
		Role:       NormalizeRole(claims.UserRole),
		TenantUUID: claims.TenantID,
		Internal:   true,
	}, nil
}

// ErrNoCaller is returned when a context carries no caller identity.
var ErrNoCaller = errors.New("no caller identity in context")
