package synchronization

import (
	"context"
	"fmt"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"golang.org/x/sync/semaphore"
)

// Lock admits one reconciliation at a time. Acquire blocks until the
// current holder releases or the context ends.
type Lock struct {
	sem      *semaphore.Weighted
	notifier Notifier
}

// NewLock creates a Lock that reports acquire and release on notifier.
func NewLock(notifier Notifier) *Lock {
	if notifier == nil {
		notifier = nopNotifier{}
	}

	return &Lock{
		sem:      semaphore.NewWeighted(1),
		notifier: notifier,
	}
}

// Acquire waits for the lock and emits InProgress. The returned guard
// must be released exactly once on every path; extra Release calls are
// no-ops.
func (l *Lock) Acquire(ctx context.Context) (*Guard, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring sync lock: %w", err)
	}

	l.notifier.Emit(models.EventSync, models.SyncPayload{Status: models.StatusInProgress})

	return &Guard{lock: l}, nil
}

// Guard is the held lock.
type Guard struct {
	lock *Lock
	once sync.Once
}

// Release emits Finished and frees the lock. Finished is emitted before
// the next holder can emit InProgress.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.lock.notifier.Emit(models.EventSync, models.SyncPayload{Status: models.StatusFinished})
		g.lock.sem.Release(1)
	})
}
