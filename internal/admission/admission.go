// Package admission serializes instance creation per team and enforces the
// global instance cap.
//
// The cap check reads the live instance count from the cluster on every
// admission, so it survives balancer restarts without any bookkeeping. Two
// teams joining at the exact same moment can each pass the check before the
// other's namespace is visible, so the cap is a soft limit with a small
// overshoot margin under contention. Within one team, though, admission is
// strictly serialized: concurrent joins of the same fresh team must resolve
// into one provisioned instance.
package admission

import (
	"context"
	"errors"
	"sync"
)

// ErrCapacityExceeded signals the global instance cap has been reached.
var ErrCapacityExceeded = errors.New("maximum instance count reached")

// InstanceCounter reports the live number of team instances.
type InstanceCounter interface {
	CountInstances(ctx context.Context) (int, error)
}

// CapacityFunc returns the current instance cap.
type CapacityFunc func() int

// Gate hands out per-team admission slots. A slot must be released once the
// join (or reset) completes, successful or not.
type Gate struct {
	counter  InstanceCounter
	capacity CapacityFunc

	mu    sync.Mutex
	locks map[string]*teamLock
}

type teamLock struct {
	mu sync.Mutex

	// inflight counts holders plus waiters so the entry can be evicted once
	// nobody references it. The registry would otherwise grow with every
	// team name ever tried, valid or not.
	inflight int
}

func NewGate(counter InstanceCounter, capacity CapacityFunc) *Gate {
	return &Gate{
		counter:  counter,
		capacity: capacity,
		locks:    make(map[string]*teamLock),
	}
}

// Acquire takes the team's admission slot, blocking until any in-flight
// operation for the same team finishes. The returned release function must
// be called exactly once.
func (g *Gate) Acquire(teamName string) (release func()) {
	g.mu.Lock()
	lock, ok := g.locks[teamName]
	if !ok {
		lock = &teamLock{}
		g.locks[teamName] = lock
	}
	lock.inflight++
	g.mu.Unlock()

	lock.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			lock.mu.Unlock()
			g.mu.Lock()
			lock.inflight--
			if lock.inflight == 0 {
				delete(g.locks, teamName)
			}
			g.mu.Unlock()
		})
	}
}

// CheckCapacity verifies a new instance still fits under the cap. Call it
// while holding the team's admission slot.
func (g *Gate) CheckCapacity(ctx context.Context) error {
	count, err := g.counter.CountInstances(ctx)
	if err != nil {
		return err
	}
	if count >= g.capacity() {
		return ErrCapacityExceeded
	}
	return nil
}
