package docstore

import (
	"context"
	"time"

	"github.com/lyzr/bpmnserver/common/logger"
)

// Locker serializes access to one process instance through the locks
// collection. Acquisition is a best-effort upsert on the unique id index; a
// second acquire on a held id refreshes its timestamp. Sweep at startup
// clears rows a crashed process left behind.
type Locker struct {
	store Store
	log   *logger.Logger
}

// NewLocker creates an instance locker on the given store
func NewLocker(store Store, log *logger.Logger) *Locker {
	return &Locker{store: store, log: log}
}

// Install creates the unique index backing the lock collection
func (l *Locker) Install(ctx context.Context) error {
	return l.store.CreateIndex(ctx, CollectionLocks, "id", true)
}

// lockTimeFormat is fixed-width so stored timestamps compare correctly as
// strings.
const lockTimeFormat = "2006-01-02T15:04:05.000000000Z"

// Lock acquires the lock for an instance id
func (l *Locker) Lock(ctx context.Context, id string) error {
	_, err := l.store.Update(ctx, CollectionLocks,
		Query{"id": id},
		map[string]interface{}{"$set": map[string]interface{}{"id": id, "time": time.Now().UTC().Format(lockTimeFormat)}},
		true)
	if err != nil {
		l.log.Error("failed to lock instance", "instance_id", id, "error", err)
		return err
	}
	l.log.Debug("locked instance", "instance_id", id)
	return nil
}

// Release frees the lock for an instance id
func (l *Locker) Release(ctx context.Context, id string) error {
	if _, err := l.store.Remove(ctx, CollectionLocks, Query{"id": id}); err != nil {
		l.log.Error("failed to release instance lock", "instance_id", id, "error", err)
		return err
	}
	l.log.Debug("released instance lock", "instance_id", id)
	return nil
}

// IsLocked reports whether an instance id currently holds a lock row
func (l *Locker) IsLocked(ctx context.Context, id string) (bool, error) {
	recs, err := l.store.Find(ctx, CollectionLocks, Query{"id": id}, nil)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// Sweep deletes lock rows older than maxAge
func (l *Locker) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(lockTimeFormat)
	removed, err := l.store.Remove(ctx, CollectionLocks, Query{"time": map[string]interface{}{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		l.log.Info("swept stale instance locks", "count", removed)
	}
	return removed, nil
}
