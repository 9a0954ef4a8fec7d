// Package session issues and verifies the signed cookie that ties a browser
// to its team. The cookie value is a compact HS256 JWT whose subject is the
// team name; possession of a valid cookie is what authorizes proxying into
// the team's namespace, so verification failures are treated as "not logged
// in" rather than surfaced as errors.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/team"
)

const (
	// contextTeamKey is where the middleware stashes the verified team name.
	contextTeamKey = "session.team"

	// lifetime matches the longest event the balancer is run for. Instances
	// idle out long before the cookie does.
	lifetime = 7 * 24 * time.Hour
)

// ErrNoSession is returned when the request carries no valid session.
var ErrNoSession = errors.New("no valid session")

// Claims is the JWT payload of a session cookie.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager signs and verifies session cookies.
type Manager struct {
	secret     []byte
	cookieName string
	secure     bool
}

func NewManager(cfg config.SessionConfig) *Manager {
	return &Manager{
		secret:     []byte(cfg.Secret),
		cookieName: cfg.CookieName,
		secure:     cfg.Secure,
	}
}

// Issue creates a signed session token for the given team.
func (m *Manager) Issue(teamName string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   teamName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return token, nil
}

// Verify parses a session token and returns the team it belongs to.
func (m *Manager) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrNoSession
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return "", ErrNoSession
	}
	return claims.Subject, nil
}

// SetCookie writes the session cookie on the response.
func (m *Manager) SetCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(m.cookieName, token, int(lifetime.Seconds()), "/", "", m.secure, true)
}

// ClearCookie expires the session cookie.
func (m *Manager) ClearCookie(c *gin.Context) {
	c.SetCookie(m.cookieName, "", -1, "/", "", m.secure, true)
}

// Authenticate resolves the session cookie, if any, and stores the team name
// in the request context. It never rejects: handlers that need a session use
// TeamFromContext or RequireTeam.
func (m *Manager) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if cookie, err := c.Cookie(m.cookieName); err == nil && cookie != "" {
			if teamName, err := m.Verify(cookie); err == nil {
				c.Set(contextTeamKey, teamName)
			}
		}
		c.Next()
	}
}

// RequireTeam aborts with 401 unless the request carries a valid session.
func (m *Manager) RequireTeam() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := TeamFromContext(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Not logged in"})
			return
		}
		c.Next()
	}
}

// RequireAdmin aborts with 401 unless the session belongs to the reserved
// admin identity.
func (m *Manager) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		teamName, ok := TeamFromContext(c)
		if !ok || !team.IsAdmin(teamName) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Not an admin"})
			return
		}
		c.Next()
	}
}

// TeamFromContext returns the verified team name of the request, if any.
func TeamFromContext(c *gin.Context) (string, bool) {
	value, exists := c.Get(contextTeamKey)
	if !exists {
		return "", false
	}
	teamName, ok := value.(string)
	return teamName, ok && teamName != ""
}

// IsAdmin reports whether the request is authenticated as the admin.
func IsAdmin(c *gin.Context) bool {
	teamName, ok := TeamFromContext(c)
	return ok && team.IsAdmin(teamName)
}
