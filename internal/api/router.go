// Package api wires together all HTTP routes of the balancer.
//
// Route grouping philosophy:
//   - Everything the balancer itself serves lives under /balancer: the join
//     and passcode endpoints, the session-status poll, and the admin surface.
//     Players hit these before they have an instance, so they must never be
//     shadowed by the proxy.
//   - Every other path falls through to the NoRoute reverse proxy, which maps
//     the session cookie to the team's own namespace. The target application
//     owns its whole URL space, so the balancer claims as little of it as
//     possible.
//
// Prometheus metrics are exposed on a separate listener (see cmd/server), not
// on the player-facing port: the proxy forwards arbitrary paths upstream and
// /metrics must not be reachable through a team instance.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ctf-party/balancer/internal/admission"
	"github.com/ctf-party/balancer/internal/api/admin"
	"github.com/ctf-party/balancer/internal/api/teams"
	"github.com/ctf-party/balancer/internal/config"
	"github.com/ctf-party/balancer/internal/jobs"
	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/middleware"
	"github.com/ctf-party/balancer/internal/passcode"
	"github.com/ctf-party/balancer/internal/proxy"
	"github.com/ctf-party/balancer/internal/safego"
	"github.com/ctf-party/balancer/internal/secretstore"
	"github.com/ctf-party/balancer/internal/session"

	// Import secrets-store providers to register them via init().
	_ "github.com/ctf-party/balancer/internal/secretstore/aws"
	_ "github.com/ctf-party/balancer/internal/secretstore/azure"
	_ "github.com/ctf-party/balancer/internal/secretstore/gcp"
	_ "github.com/ctf-party/balancer/internal/secretstore/none"
)

// activityQueueSize bounds the queue of pending last-request annotation
// updates fed by the proxy. Overflow drops updates, never requests.
const activityQueueSize = 512

// BackgroundServices holds references to background jobs and resources that
// must be stopped during graceful shutdown. The caller (cmd/server) is
// responsible for calling Shutdown() when the process receives a termination
// signal.
type BackgroundServices struct {
	reaper       *jobs.Reaper
	activity     *proxy.ActivityRecorder
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the
// HTTP server has been shut down so that in-flight requests are drained
// first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.reaper != nil {
		bg.reaper.Stop()
	}
	if bg.activity != nil {
		bg.activity.Close()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router together with the
// background services it depends on. The idle reaper starts immediately.
func NewRouter(cfg *config.Config, client *kube.Client, tunables *config.TunableStore, logger *slog.Logger) (*gin.Engine, *BackgroundServices, error) {
	provider, err := secretstore.Build(secretstore.Deps{
		Clientset: client.Clientset(),
		Dynamic:   client.Dynamic(),
		Config:    cfg.Provider,
		Logger:    logger,
		Timeout:   cfg.Instances.APITimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing secrets-store provider: %w", err)
	}
	logger.Info("secrets-store provider initialized", "provider", provider.Name())

	sessions := session.NewManager(cfg.Session)
	auth := passcode.New(cfg.Instances.PasscodeCost)
	gate := admission.NewGate(client, func() int { return tunables.Load().MaxInstances })
	provisioner := kube.NewProvisioner(client, provider, cfg.Workloads, logger)

	activity := proxy.NewActivityRecorder(client, activityQueueSize, cfg.Instances.APITimeout, logger)
	proxyHandler := proxy.NewHandler(sessions, client, activity, logger)

	reaper := jobs.NewReaper(client, func() time.Duration { return tunables.Load().IdleThreshold }, cfg.Instances.ReaperInterval, logger)
	safego.Go("reaper", func() { reaper.Start(context.Background()) })

	authLimiter := middleware.NewRateLimiter(middleware.AuthRateLimitConfig())

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(middleware.Logger())
	router.Use(middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig()))
	router.Use(sessions.Authenticate())

	rg := router.Group("/balancer")
	rg.GET("", statusHandler)
	rg.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	teamsHandler := teams.NewHandler(sessions, client, provisioner, gate, auth, cfg.Admin.Password, logger)
	teamsHandler.Register(rg, middleware.RateLimit(authLimiter))

	adminHandler := admin.NewHandler(sessions, client, logger)
	adminHandler.Register(rg)

	// Everything that is not a balancer route belongs to the team's own
	// instance.
	router.NoRoute(proxyHandler.Serve)

	bg := &BackgroundServices{
		reaper:       reaper,
		activity:     activity,
		rateLimiters: []*middleware.RateLimiter{authLimiter},
	}
	return router, bg, nil
}

// statusHandler serves the balancer landing route the proxy redirects
// unauthenticated requests to.
func statusHandler(c *gin.Context) {
	if teamName, ok := session.TeamFromContext(c); ok {
		c.JSON(http.StatusOK, gin.H{"loggedIn": true, "name": teamName})
		return
	}
	c.JSON(http.StatusOK, gin.H{"loggedIn": false})
}
