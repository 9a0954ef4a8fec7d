// Package admin implements the operator endpoints: listing every team
// instance and restarting or deleting individual teams. All routes require
// the reserved admin session.
package admin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/session"
	"github.com/ctf-party/balancer/internal/team"
)

// Cluster is the subset of cluster operations the admin surface needs.
type Cluster interface {
	ListInstances(ctx context.Context) ([]kube.Instance, error)
	DeleteNamespace(ctx context.Context, teamName string) error
	DeletePod(ctx context.Context, teamName, appLabel string) error
}

// Handler serves the /admin routes.
type Handler struct {
	sessions *session.Manager
	cluster  Cluster
	logger   *slog.Logger
}

// NewHandler wires the admin endpoints against the cluster client.
func NewHandler(sessions *session.Manager, cluster Cluster, logger *slog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		cluster:  cluster,
		logger:   logger.With("component", "admin"),
	}
}

// Register attaches the admin routes to rg behind the admin session check.
func (h *Handler) Register(rg *gin.RouterGroup) {
	grp := rg.Group("/admin", h.sessions.RequireAdmin())
	grp.GET("/all", h.ListInstances)
	grp.POST("/teams/:team/restart", h.restartHandler(kube.AppLabelApplication))
	grp.POST("/teams/:team/restartdesktop", h.restartHandler(kube.AppLabelDesktop))
	grp.POST("/teams/:team/restartchallenge53", h.restartHandler(kube.AppLabelChallenge))
	grp.DELETE("/teams/:team/delete", h.DeleteTeam)
}

type instanceSummary struct {
	Team             string `json:"team"`
	Name             string `json:"name"`
	Ready            bool   `json:"ready"`
	CreatedAt        string `json:"createdAt"`
	LastConnect      string `json:"lastConnect"`
	ChallengesSolved int    `json:"challengesSolved"`
}

// ListInstances returns every team instance with readiness, timestamps and
// the solved-challenge count for the scoreboard view.
func (h *Handler) ListInstances(c *gin.Context) {
	instances, err := h.cluster.ListInstances(c.Request.Context())
	if err != nil {
		h.logger.Error("listing instances", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to list instances"})
		return
	}

	items := make([]instanceSummary, 0, len(instances))
	for _, instance := range instances {
		items = append(items, instanceSummary{
			Team:             instance.Team,
			Name:             instance.Name,
			Ready:            instance.Ready,
			CreatedAt:        instance.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			LastConnect:      instance.LastRequest.UTC().Format("2006-01-02T15:04:05Z07:00"),
			ChallengesSolved: instance.ChallengesSolved,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// restartHandler returns a handler that bounces the pod carrying appLabel in
// the team's namespace. The deployment recreates it with the same
// annotations, so passcode and activity state survive.
func (h *Handler) restartHandler(appLabel string) gin.HandlerFunc {
	return func(c *gin.Context) {
		teamName := c.Param("team")
		if err := team.ValidateName(teamName); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid team name"})
			return
		}

		h.logger.Info("restarting workload", "team", teamName, "app", appLabel)
		if err := h.cluster.DeletePod(c.Request.Context(), teamName, appLabel); err != nil {
			h.logger.Error("restarting workload", "team", teamName, "app", appLabel, "error", err)
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	}
}

// DeleteTeam removes the team's namespace and everything inside it.
func (h *Handler) DeleteTeam(c *gin.Context) {
	teamName := c.Param("team")
	if err := team.ValidateName(teamName); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid team name"})
		return
	}

	h.logger.Info("deleting team", "team", teamName)
	if err := h.cluster.DeleteNamespace(c.Request.Context(), teamName); err != nil {
		h.logger.Error("deleting team", "team", teamName, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}
