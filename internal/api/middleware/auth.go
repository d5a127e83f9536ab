package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ContextTenants = "tenants"

// TenantClaims are carried by bearer tokens. An empty Tenants list grants
// every tenant.
type TenantClaims struct {
	Tenants []string `json:"tenants,omitempty"`
	jwt.RegisteredClaims
}

type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware returns a middleware checking HMAC signed tokens. An
// empty secret disables authentication.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

func (m *AuthMiddleware) Enabled() bool { return len(m.secret) > 0 }

func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unsupported authorization type"})
			return
		}

		claims, err := m.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextTenants, claims.Tenants)
		c.Next()
	}
}

// RequireTenant rejects requests for a tenant the token was not issued for.
func (m *AuthMiddleware) RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed := GetTenants(c)
		if len(allowed) == 0 {
			c.Next()
			return
		}
		service := strings.ToLower(GetTenant(c).Service)
		if !slices.Contains(allowed, service) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access to tenant denied"})
			return
		}
		c.Next()
	}
}

func (m *AuthMiddleware) ValidateToken(token string) (*TenantClaims, error) {
	claims := &TenantClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	for i, t := range claims.Tenants {
		claims.Tenants[i] = strings.ToLower(t)
	}
	return claims, nil
}

// SignToken issues a token for tenants valid for ttl.
func SignToken(secret string, tenants []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TenantClaims{
		Tenants: tenants,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func GetTenants(c *gin.Context) []string {
	val, exists := c.Get(ContextTenants)
	if !exists {
		return nil
	}
	if tenants, ok := val.([]string); ok {
		return tenants
	}
	return nil
}
