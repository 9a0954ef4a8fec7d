package jobs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctf-party/balancer/internal/kube"
)

type fakeCluster struct {
	mu        sync.Mutex
	instances []kube.Instance
	deleted   []string
	deleteErr map[string]error
	listErr   error
}

func (f *fakeCluster) ListInstances(context.Context) ([]kube.Instance, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.instances, nil
}

func (f *fakeCluster) DeleteNamespace(_ context.Context, team string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.deleteErr[team]; ok {
		return err
	}
	f.deleted = append(f.deleted, team)
	return nil
}

func (f *fakeCluster) deletedTeams() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func testReaper(cluster *fakeCluster, threshold time.Duration, now time.Time) *Reaper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReaper(cluster, func() time.Duration { return threshold }, time.Minute, logger)
	r.now = func() time.Time { return now }
	return r
}

func TestSweepDeletesOnlyIdleInstances(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cluster := &fakeCluster{
		instances: []kube.Instance{
			{Team: "idle", LastRequest: now.Add(-25 * time.Hour)},
			{Team: "active", LastRequest: now.Add(-time.Hour)},
			{Team: "borderline", LastRequest: now.Add(-24 * time.Hour)},
		},
	}
	reaper := testReaper(cluster, 24*time.Hour, now)

	require.NoError(t, reaper.Sweep(context.Background()))

	// exactly at the threshold is not yet idle
	assert.Equal(t, []string{"idle"}, cluster.deletedTeams())
}

func TestSweepContinuesPastFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cluster := &fakeCluster{
		instances: []kube.Instance{
			{Team: "broken", LastRequest: now.Add(-48 * time.Hour)},
			{Team: "idle", LastRequest: now.Add(-48 * time.Hour)},
		},
		deleteErr: map[string]error{"broken": assert.AnError},
	}
	reaper := testReaper(cluster, 24*time.Hour, now)

	err := reaper.Sweep(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"idle"}, cluster.deletedTeams())
}

func TestSweepPropagatesListError(t *testing.T) {
	cluster := &fakeCluster{listErr: assert.AnError}
	reaper := testReaper(cluster, 24*time.Hour, time.Now())

	assert.ErrorIs(t, reaper.Sweep(context.Background()), assert.AnError)
}

func TestSweepReadsThresholdEachRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cluster := &fakeCluster{
		instances: []kube.Instance{
			{Team: "team-42", LastRequest: now.Add(-2 * time.Hour)},
		},
	}

	threshold := 24 * time.Hour
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reaper := NewReaper(cluster, func() time.Duration { return threshold }, time.Minute, logger)
	reaper.now = func() time.Time { return now }

	require.NoError(t, reaper.Sweep(context.Background()))
	assert.Empty(t, cluster.deletedTeams())

	// operator lowered the threshold at runtime
	threshold = time.Hour
	require.NoError(t, reaper.Sweep(context.Background()))
	assert.Equal(t, []string{"team-42"}, cluster.deletedTeams())
}

func TestStartRunsInitialSweepAndStops(t *testing.T) {
	now := time.Now()
	cluster := &fakeCluster{
		instances: []kube.Instance{
			{Team: "idle", LastRequest: now.Add(-48 * time.Hour)},
		},
	}
	reaper := testReaper(cluster, 24*time.Hour, now)

	done := make(chan struct{})
	go func() {
		reaper.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(cluster.deletedTeams()) == 1
	}, time.Second, 10*time.Millisecond)

	reaper.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
