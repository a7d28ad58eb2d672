// Package auth resolves caller identity from a bearer session token.
// No identity means unauthenticated; the middleware fails closed.
package auth

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
)

// RoleAdmin grants the owner-scope override on report access
const RoleAdmin = "admin"

// identityKey is the gin context key holding the resolved Identity
const identityKey = "auth.identity"

// Identity is the resolved caller
type Identity struct {
	ID   string `db:"user_id"`
	Role string `db:"role"`
}

// Admin reports whether the identity carries the admin override
func (i Identity) Admin() bool {
	return i.Role == RoleAdmin
}

// SessionStore looks sessions up; implemented against the sessions table
type SessionStore interface {
	Lookup(ctx context.Context, token string) (*Identity, error)
}

// SQLSessionStore resolves session tokens from Postgres
type SQLSessionStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLSessionStore creates a new SQLSessionStore instance
func NewSQLSessionStore(db *sqlx.DB, logger *slog.Logger) *SQLSessionStore {
	return &SQLSessionStore{
		db:     db,
		logger: logger,
	}
}

// Lookup returns the identity for an unexpired session token, or nil
// when the token is unknown or expired
func (s *SQLSessionStore) Lookup(ctx context.Context, token string) (*Identity, error) {
	var identity Identity
	query := `
		SELECT u.user_id, u.role
		FROM sessions s
		JOIN users u ON u.user_id = s.user_id
		WHERE s.token = $1
		  AND s.expires_at > NOW()
	`

	err := s.db.GetContext(ctx, &identity, query, token)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	return &identity, nil
}

// Middleware resolves the caller identity and aborts with 401 when no
// valid session is presented
func Middleware(store SessionStore, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}

		identity, err := store.Lookup(c.Request.Context(), token)
		if err != nil {
			logger.Error("Session lookup failed",
				slog.String("error", err.Error()),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to authenticate request",
			})
			return
		}

		if identity == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired session",
			})
			return
		}

		c.Set(identityKey, *identity)
		c.Next()
	}
}

// CallerIdentity extracts the identity the middleware stored. The second
// return value is false on unauthenticated requests.
func CallerIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	identity, ok := v.(Identity)
	return identity, ok
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
