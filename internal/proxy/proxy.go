// Package proxy routes authenticated player traffic into the pods of their
// team namespace. Every request that matches no balancer route lands here:
// the session cookie names the team, the target service is derived from the
// team name, and the request is streamed through a reverse proxy. Paths
// under /desktop go to the team's virtual desktop instead of the
// application.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/session"
	"github.com/ctf-party/balancer/internal/team"
	"github.com/ctf-party/balancer/internal/telemetry"
)

const desktopPrefix = "/desktop"

// InstanceGetter reads the current state of a team's instance.
type InstanceGetter interface {
	GetInstance(ctx context.Context, team string) (*kube.Instance, error)
}

// Handler is the catch-all reverse proxy.
type Handler struct {
	sessions  *session.Manager
	instances InstanceGetter
	activity  *ActivityRecorder
	logger    *slog.Logger

	// upstreamHost rewrites the target host for a team; tests override it to
	// point at a local listener instead of cluster DNS.
	upstreamHost func(teamName string, desktop bool) string
}

func NewHandler(sessions *session.Manager, instances InstanceGetter, activity *ActivityRecorder, logger *slog.Logger) *Handler {
	return &Handler{
		sessions:     sessions,
		instances:    instances,
		activity:     activity,
		logger:       logger.With(slog.String("component", "proxy")),
		upstreamHost: clusterUpstreamHost,
	}
}

// clusterUpstreamHost resolves the in-cluster service address for a team's
// application or desktop.
func clusterUpstreamHost(teamName string, desktop bool) string {
	ns := team.NamespaceFor(teamName)
	service := ns + "-" + kube.AppLabelApplication
	if desktop {
		service = ns + "-" + kube.AppLabelDesktop
	}
	return fmt.Sprintf("%s.%s.svc.cluster.local:8080", service, ns)
}

// Serve handles a player request. Registered as the router's NoRoute
// handler.
func (h *Handler) Serve(c *gin.Context) {
	teamName, ok := session.TeamFromContext(c)
	if !ok || team.IsAdmin(teamName) {
		telemetry.ProxyRequestsTotal.WithLabelValues("unauthenticated").Inc()
		c.Redirect(http.StatusFound, "/balancer")
		return
	}

	instance, err := h.instances.GetInstance(c.Request.Context(), teamName)
	if errors.Is(err, kube.ErrInstanceNotFound) {
		// instance was reaped or never provisioned under this cookie
		telemetry.ProxyRequestsTotal.WithLabelValues("missing").Inc()
		h.sessions.ClearCookie(c)
		c.JSON(http.StatusNotFound, gin.H{
			"message": "Instance not found, please join again",
		})
		return
	}
	if err != nil {
		telemetry.ProxyRequestsTotal.WithLabelValues("error").Inc()
		h.logger.Error("instance lookup failed",
			slog.String("team", teamName), slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{"message": "Instance lookup failed"})
		return
	}
	if !instance.Ready {
		telemetry.ProxyRequestsTotal.WithLabelValues("unready").Inc()
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"message": "Instance is still starting, retry shortly",
		})
		return
	}

	desktop := strings.HasPrefix(c.Request.URL.Path, desktopPrefix)
	target := &url.URL{Scheme: "http", Host: h.upstreamHost(teamName, desktop)}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		telemetry.ProxyRequestsTotal.WithLabelValues("error").Inc()
		h.logger.Warn("upstream request failed",
			slog.String("team", teamName), slog.String("path", r.URL.Path), slog.Any("error", err))
		w.WriteHeader(http.StatusBadGateway)
	}

	if desktop {
		c.Request.URL.Path = strings.TrimPrefix(c.Request.URL.Path, desktopPrefix)
		if c.Request.URL.Path == "" {
			c.Request.URL.Path = "/"
		}
	}

	h.activity.Record(teamName)
	telemetry.ProxyRequestsTotal.WithLabelValues("proxied").Inc()
	proxy.ServeHTTP(c.Writer, c.Request)
}
