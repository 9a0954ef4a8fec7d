package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctf-party/balancer/internal/config"
)

func testManager() *Manager {
	return NewManager(config.SessionConfig{
		CookieName: "balancer",
		Secret:     "test-secret-test-secret-test-secret",
	})
}

func TestIssueAndVerify(t *testing.T) {
	m := testManager()

	token, err := m.Issue("team-42")
	require.NoError(t, err)

	teamName, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "team-42", teamName)
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	token, err := testManager().Issue("team-42")
	require.NoError(t, err)

	other := NewManager(config.SessionConfig{CookieName: "balancer", Secret: "a-different-secret-entirely"})
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := testManager().Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrNoSession)
}

func sessionRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(m.Authenticate())
	r.GET("/whoami", m.RequireTeam(), func(c *gin.Context) {
		teamName, _ := TeamFromContext(c)
		c.JSON(http.StatusOK, gin.H{"team": teamName})
	})
	r.GET("/admin", m.RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestAuthenticateMiddleware(t *testing.T) {
	m := testManager()
	r := sessionRouter(m)

	token, err := m.Issue("team-42")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: "balancer", Value: token})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"team":"team-42"}`, w.Body.String())
}

func TestRequireTeamWithoutCookie(t *testing.T) {
	r := sessionRouter(testManager())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	m := testManager()
	r := sessionRouter(m)

	playerToken, err := m.Issue("team-42")
	require.NoError(t, err)
	adminToken, err := m.Issue("admin")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.AddCookie(&http.Cookie{Name: "balancer", Value: playerToken})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.AddCookie(&http.Cookie{Name: "balancer", Value: adminToken})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
