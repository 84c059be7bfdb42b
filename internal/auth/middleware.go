package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coldeye/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IngestKeyHeader carries a gateway's ingest key.
const IngestKeyHeader = "X-Ingest-Key"

// Context keys set by the middlewares.
const (
	SubjectKey   = "subject"
	RoleKey      = "role"
	IngestKeyKey = "ingest_key"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Role models.Role `json:"role"`
	jwt.StandardClaims
}

// Authenticator issues and verifies HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (a *Authenticator) GenerateToken(subject string, role models.Role) (string, error) {
	now := a.now()
	claims := Claims{
		Role: role,
		StandardClaims: jwt.StandardClaims{
			Subject:   subject,
			ExpiresAt: now.Add(a.ttl).Unix(),
			IssuedAt:  now.Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Authenticator) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !tkn.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if raw == "" {
			// Browsers cannot set headers on websocket upgrades.
			raw = c.Query("access_token")
		}
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		claims, err := a.Parse(raw)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Set(RoleKey, string(claims.Role))
		c.Next()
	}
}

func RequireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole := c.GetString(RoleKey)
		for _, role := range roles {
			if string(role) == userRole {
				c.Next()
				return
			}
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		c.Abort()
	}
}

// RequireAction admits callers whose role may perform action.
func RequireAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !models.Role(c.GetString(RoleKey)).Can(action) {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Subject returns the authenticated caller, or the ingest key name for
// gateway requests.
func Subject(c *gin.Context) string {
	if s := c.GetString(SubjectKey); s != "" {
		return s
	}
	return c.GetString(IngestKeyKey)
}

// IngestKeyMiddleware admits requests carrying a known ingest key.
func IngestKeyMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader(IngestKeyHeader)
		if secret == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ingest key required"})
			c.Abort()
			return
		}
		key, err := VerifyIngestKey(c.Request.Context(), db, secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid ingest key"})
			c.Abort()
			return
		}
		c.Set(IngestKeyKey, key.Name)
		c.Next()
	}
}

// VerifyIngestKey finds the key matching secret and stamps its last use.
func VerifyIngestKey(ctx context.Context, db *gorm.DB, secret string) (*models.IngestKey, error) {
	var candidates []models.IngestKey
	if err := db.WithContext(ctx).Where("prefix = ?", models.IngestKeyPrefix(secret)).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to look up ingest key: %w", err)
	}
	for i := range candidates {
		k := &candidates[i]
		if !k.CheckSecret(secret) {
			continue
		}
		now := time.Now()
		db.WithContext(ctx).Model(k).Update("last_used_at", now)
		k.LastUsedAt = &now
		return k, nil
	}
	return nil, ErrInvalidToken
}

// CreateIngestKey provisions a key and returns its secret, which is not
// recoverable afterwards.
func CreateIngestKey(ctx context.Context, db *gorm.DB, name string) (string, *models.IngestKey, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, errors.New("ingest key name is required")
	}
	secret := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	key := &models.IngestKey{Name: name}
	if err := key.SetSecret(secret); err != nil {
		return "", nil, err
	}
	if err := db.WithContext(ctx).Create(key).Error; err != nil {
		return "", nil, fmt.Errorf("failed to store ingest key: %w", err)
	}
	return secret, key, nil
}
