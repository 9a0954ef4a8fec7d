// Package teams implements the player-facing join, passcode-reset, status,
// and logout endpoints. Joining is the only place a passcode crosses the
// wire: a successful join issues the session cookie, and everything after
// that authenticates via the cookie alone.
package teams

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctf-party/balancer/internal/admission"
	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/passcode"
	"github.com/ctf-party/balancer/internal/session"
	"github.com/ctf-party/balancer/internal/team"
	"github.com/ctf-party/balancer/internal/telemetry"
)

// InstanceStore is the subset of the cluster client the handlers read and
// update directly.
type InstanceStore interface {
	GetInstance(ctx context.Context, teamName string) (*kube.Instance, error)
	SetPasscodeHash(ctx context.Context, teamName, hash string) error
}

// Provisioner creates the full set of namespaced resources for a new team.
type Provisioner interface {
	CreateTeam(ctx context.Context, teamName, passcodeHash string) error
}

// Handler serves the /teams routes.
type Handler struct {
	sessions      *session.Manager
	instances     InstanceStore
	provisioner   Provisioner
	gate          *admission.Gate
	auth          *passcode.Authenticator
	adminPassword string
	logger        *slog.Logger
}

// NewHandler wires the join/reset/status/logout handlers. An empty
// adminPassword disables the admin identity: joining the reserved team then
// always fails authentication.
func NewHandler(sessions *session.Manager, instances InstanceStore, provisioner Provisioner, gate *admission.Gate, auth *passcode.Authenticator, adminPassword string, logger *slog.Logger) *Handler {
	return &Handler{
		sessions:      sessions,
		instances:     instances,
		provisioner:   provisioner,
		gate:          gate,
		auth:          auth,
		adminPassword: adminPassword,
		logger:        logger.With("component", "teams"),
	}
}

// Register attaches the team routes to rg. joinLimiter additionally guards
// the two endpoints that accept or mint credentials.
func (h *Handler) Register(rg *gin.RouterGroup, joinLimiter gin.HandlerFunc) {
	rg.POST("/teams/:team/join", joinLimiter, h.Join)
	rg.POST("/teams/reset-passcode", joinLimiter, h.sessions.RequireTeam(), h.ResetPasscode)
	rg.GET("/teams/status", h.sessions.RequireTeam(), h.Status)
	rg.POST("/teams/logout", h.Logout)
}

type joinRequest struct {
	Passcode string `json:"passcode"`
}

// Join authenticates against an existing instance, or provisions a new one
// when the team has none yet. Joining the reserved admin team checks the
// configured admin password instead and never provisions anything.
func (h *Handler) Join(c *gin.Context) {
	teamName := c.Param("team")
	if err := team.ValidateName(teamName); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid team name"})
		return
	}

	var req joinRequest
	// The body is optional: first-time joins send nothing.
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}
	// The admin password is free-form, so the admin branch skips the
	// passcode syntax check.
	if team.IsAdmin(teamName) {
		h.joinAsAdmin(c, req.Passcode)
		return
	}

	if req.Passcode != "" {
		if err := team.ValidatePasscode(req.Passcode); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid passcode"})
			return
		}
	}

	// One join per team at a time. Concurrent joins for the same name
	// serialize here and the loser sees the instance the winner created.
	release := h.gate.Acquire(teamName)
	defer release()

	instance, err := h.instances.GetInstance(c.Request.Context(), teamName)
	switch {
	case err == nil:
		h.joinExisting(c, teamName, instance, req.Passcode)
	case errors.Is(err, kube.ErrInstanceNotFound):
		h.createInstance(c, teamName)
	default:
		h.logger.Error("looking up instance", "team", teamName, "error", err)
		telemetry.JoinsTotal.WithLabelValues("failed").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to look up team"})
	}
}

func (h *Handler) joinAsAdmin(c *gin.Context, password string) {
	// subtle keeps the comparison constant-time; the extra length check in
	// ConstantTimeCompare alone would short-circuit on an empty secret.
	if h.adminPassword == "" || subtle.ConstantTimeCompare([]byte(password), []byte(h.adminPassword)) != 1 {
		telemetry.JoinsTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Team requires authentication to join"})
		return
	}
	if !h.issueSession(c, team.AdminTeam) {
		return
	}
	telemetry.JoinsTotal.WithLabelValues("joined").Inc()
	c.JSON(http.StatusOK, gin.H{"message": "Signed in as admin"})
}

func (h *Handler) joinExisting(c *gin.Context, teamName string, instance *kube.Instance, code string) {
	if code == "" || !h.auth.Verify(code, instance.PasscodeHash) {
		telemetry.JoinsTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Team requires authentication to join"})
		return
	}
	if !h.issueSession(c, teamName) {
		return
	}
	telemetry.JoinsTotal.WithLabelValues("joined").Inc()
	c.JSON(http.StatusOK, gin.H{"message": "Joined Team"})
}

func (h *Handler) createInstance(c *gin.Context, teamName string) {
	ctx := c.Request.Context()
	if err := h.gate.CheckCapacity(ctx); err != nil {
		if errors.Is(err, admission.ErrCapacityExceeded) {
			h.logger.Warn("join rejected, instance cap reached", "team", teamName)
			telemetry.JoinsTotal.WithLabelValues("capacity").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Reached Maximum Instance Count"})
			return
		}
		h.logger.Error("counting instances", "error", err)
		telemetry.JoinsTotal.WithLabelValues("failed").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to create instance"})
		return
	}

	code, err := passcode.Generate()
	if err != nil {
		h.logger.Error("generating passcode", "error", err)
		telemetry.JoinsTotal.WithLabelValues("failed").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to create instance"})
		return
	}
	hash, err := h.auth.Hash(code)
	if err != nil {
		h.logger.Error("hashing passcode", "error", err)
		telemetry.JoinsTotal.WithLabelValues("failed").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to create instance"})
		return
	}

	timer := prometheus.NewTimer(telemetry.ProvisioningDuration)
	err = h.provisioner.CreateTeam(ctx, teamName, hash)
	timer.ObserveDuration()
	if err != nil {
		h.logger.Error("provisioning team", "team", teamName, "error", err)
		telemetry.JoinsTotal.WithLabelValues("failed").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to create instance"})
		return
	}

	if !h.issueSession(c, teamName) {
		return
	}
	h.logger.Info("created team instance", "team", teamName)
	telemetry.InstancesProvisionedTotal.Inc()
	telemetry.JoinsTotal.WithLabelValues("created").Inc()
	c.JSON(http.StatusOK, gin.H{"message": "Created Instance", "passcode": code})
}

func (h *Handler) issueSession(c *gin.Context, teamName string) bool {
	token, err := h.sessions.Issue(teamName)
	if err != nil {
		h.logger.Error("issuing session", "team", teamName, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to sign in"})
		return false
	}
	h.sessions.SetCookie(c, token)
	return true
}

// ResetPasscode replaces the team's stored hash with a fresh passcode. The
// previous passcode stops working immediately; sessions stay valid.
func (h *Handler) ResetPasscode(c *gin.Context) {
	teamName, _ := session.TeamFromContext(c)
	if team.IsAdmin(teamName) {
		c.JSON(http.StatusForbidden, gin.H{"message": "Admin identity has no passcode"})
		return
	}

	code, err := passcode.Generate()
	if err != nil {
		h.logger.Error("generating passcode", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to reset passcode"})
		return
	}
	hash, err := h.auth.Hash(code)
	if err != nil {
		h.logger.Error("hashing passcode", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to reset passcode"})
		return
	}

	if err := h.instances.SetPasscodeHash(c.Request.Context(), teamName, hash); err != nil {
		if errors.Is(err, kube.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "Team not found"})
			return
		}
		h.logger.Error("resetting passcode", "team", teamName, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to reset passcode"})
		return
	}

	h.logger.Info("passcode reset", "team", teamName)
	c.JSON(http.StatusOK, gin.H{"message": "Reset Passcode", "passcode": code})
}

// Status reports readiness of the caller's instance so the joining page can
// poll without hitting the proxy.
func (h *Handler) Status(c *gin.Context) {
	teamName, _ := session.TeamFromContext(c)
	if team.IsAdmin(teamName) {
		c.JSON(http.StatusOK, gin.H{"name": teamName, "admin": true, "ready": true})
		return
	}

	instance, err := h.instances.GetInstance(c.Request.Context(), teamName)
	if err != nil {
		if errors.Is(err, kube.ErrInstanceNotFound) {
			// The reaper got there first; force a fresh join.
			h.sessions.ClearCookie(c)
			c.JSON(http.StatusNotFound, gin.H{"message": "Instance not found"})
			return
		}
		h.logger.Error("reading instance status", "team", teamName, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to read status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"name":              teamName,
		"ready":             instance.Ready,
		"readyReplicas":     instance.ReadyReplicas,
		"availableReplicas": instance.AvailableReplicas,
		"solvedChallenges":  instance.ChallengesSolved,
	})
}

// Logout clears the session cookie. The instance keeps running until the
// reaper collects it.
func (h *Handler) Logout(c *gin.Context) {
	h.sessions.ClearCookie(c)
	c.Status(http.StatusOK)
}
