package manager

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// admission bounds concurrent sessions. Waiters queue on the semaphore for
// at most maxWait.
type admission struct {
	sem     *semaphore.Weighted
	max     int
	maxWait time.Duration
}

func newAdmission(max int, maxWait time.Duration) *admission {
	return &admission{sem: semaphore.NewWeighted(int64(max)), max: max, maxWait: maxWait}
}

// acquire reserves one session slot. Returns a release func to be deferred.
func (a *admission) acquire(ctx context.Context) (func(), error) {
	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	if a.sem.TryAcquire(1) {
		return a.releaser(), nil
	}
	wctx, cancel := context.WithTimeout(ctx, a.maxWait)
	defer cancel()
	if err := a.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return func() {}, ctx.Err()
		}
		return func() {}, errTooBusy(a.max, a.maxWait)
	}
	return a.releaser(), nil
}

func (a *admission) releaser() func() {
	var once sync.Once
	return func() { once.Do(func() { a.sem.Release(1) }) }
}
