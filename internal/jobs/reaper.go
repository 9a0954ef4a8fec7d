// Package jobs holds the balancer's background loops. The only one today is
// the reaper, which deletes team environments whose last proxied request is
// older than the configured idle threshold.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ctf-party/balancer/internal/kube"
	"github.com/ctf-party/balancer/internal/telemetry"
)

// reapConcurrency bounds parallel namespace deletions per sweep so a large
// cleanup does not stampede the API server.
const reapConcurrency = 4

// InstanceLister enumerates live team instances.
type InstanceLister interface {
	ListInstances(ctx context.Context) ([]kube.Instance, error)
	DeleteNamespace(ctx context.Context, team string) error
}

// ThresholdFunc returns the current idle threshold; it is read on every
// sweep so config reloads take effect without a restart.
type ThresholdFunc func() time.Duration

// Reaper periodically deletes idle team environments.
type Reaper struct {
	instances InstanceLister
	threshold ThresholdFunc
	interval  time.Duration
	logger    *slog.Logger

	// now is replaceable for tests.
	now func() time.Time

	stopChan chan struct{}
}

func NewReaper(instances InstanceLister, threshold ThresholdFunc, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		instances: instances,
		threshold: threshold,
		interval:  interval,
		logger:    logger.With(slog.String("component", "reaper")),
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called. An
// initial sweep runs immediately so instances orphaned across a balancer
// restart are cleaned up without waiting a full interval.
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started",
		slog.Duration("interval", r.interval), slog.Duration("idle_threshold", r.threshold()))

	if err := r.Sweep(ctx); err != nil {
		r.logger.Error("sweep failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", slog.Any("error", err))
			}
		case <-r.stopChan:
			r.logger.Info("reaper stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit.
func (r *Reaper) Stop() {
	close(r.stopChan)
}

// Sweep deletes every instance idle past the threshold. Deletions run with
// bounded parallelism and one failing team does not stop the others; the
// errors are joined and reported together.
func (r *Reaper) Sweep(ctx context.Context) error {
	instances, err := r.instances.ListInstances(ctx)
	if err != nil {
		return err
	}
	telemetry.InstancesActive.Set(float64(len(instances)))

	cutoff := r.now().Add(-r.threshold())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reapConcurrency)
	var mu sync.Mutex
	var failures []error

	for _, instance := range instances {
		if !instance.LastRequest.Before(cutoff) {
			continue
		}
		g.Go(func() error {
			r.logger.Info("deleting idle instance",
				slog.String("team", instance.Team),
				slog.Time("last_request", instance.LastRequest))
			if err := r.instances.DeleteNamespace(gctx, instance.Team); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			telemetry.InstancesReapedTotal.Inc()
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(failures...)
}
