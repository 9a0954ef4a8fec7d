package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/ctf-party/balancer/internal/safego"
	"github.com/ctf-party/balancer/internal/telemetry"
)

// ActivityToucher advances a team's last-request timestamp.
type ActivityToucher interface {
	TouchLastRequest(ctx context.Context, team string) error
}

// ActivityRecorder moves activity timestamp writes off the proxy's critical
// path. Proxying must never wait on the cluster API: updates are queued on a
// bounded channel and written by a single worker. When the queue is full the
// update is dropped; losing one touch only shifts the idle clock by a single
// request and the next quieter moment catches up.
type ActivityRecorder struct {
	toucher ActivityToucher
	queue   chan string
	timeout time.Duration
	logger  *slog.Logger

	done chan struct{}
}

func NewActivityRecorder(toucher ActivityToucher, queueSize int, timeout time.Duration, logger *slog.Logger) *ActivityRecorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &ActivityRecorder{
		toucher: toucher,
		queue:   make(chan string, queueSize),
		timeout: timeout,
		logger:  logger.With(slog.String("component", "activity")),
		done:    make(chan struct{}),
	}
	safego.Go("activity-recorder", r.run)
	return r
}

// Record queues an activity update for the team. Never blocks.
func (r *ActivityRecorder) Record(team string) {
	select {
	case r.queue <- team:
	default:
		telemetry.ActivityUpdatesDroppedTotal.Inc()
	}
}

// Close stops the worker after draining queued updates.
func (r *ActivityRecorder) Close() {
	close(r.queue)
	<-r.done
}

func (r *ActivityRecorder) run() {
	defer close(r.done)
	for team := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.toucher.TouchLastRequest(ctx, team); err != nil {
			r.logger.Warn("failed to update activity timestamp",
				slog.String("team", team), slog.Any("error", err))
		}
		cancel()
	}
}
