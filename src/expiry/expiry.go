/*
Package expiry schedules delayed deletions in the key-value store.

Entries are grouped into buckets keyed by the second they expire at, so the
sweeper finds everything that is due with one range scan. An entry may carry
an unexpire key, a caller-chosen handle that points back at its bucket and
lets the caller cancel it before it fires.
*/
package expiry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"grimstack.io/grim/src/jobs"
	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/logging"
	"grimstack.io/grim/src/metrics"
	"grimstack.io/grim/src/oops"
	"grimstack.io/grim/src/utils"
)

var (
	ErrAlreadyScheduled = errors.New("unexpire key is already scheduled")
	ErrInvalidAction    = errors.New("invalid expiry action")
)

type Entry struct {
	ID          uuid.UUID `json:"id"`
	UnexpireKey string    `json:"unexpire_key,omitempty"`
	Action      Action    `json:"action"`
}

type Registry struct {
	db  *kv.DB
	now func() time.Time
}

func New(db *kv.DB) *Registry {
	return NewWithClock(db, time.Now)
}

// NewWithClock is New with a custom time source.
func NewWithClock(db *kv.DB, now func() time.Time) *Registry {
	return &Registry{
		db:  db,
		now: now,
	}
}

func bucketKey(at time.Time) string {
	return string(binary.BigEndian.AppendUint64(nil, uint64(at.Unix())))
}

func bucketTime(key string) time.Time {
	if len(key) != 8 {
		return time.Time{}
	}
	return time.Unix(int64(binary.BigEndian.Uint64([]byte(key))), 0).UTC()
}

func loadBucket(tx *kv.Tx, key string) ([]Entry, error) {
	var entries []Entry
	if _, err := tx.GetJSON(kv.TableExpiryBuckets, key, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func decodeBucket(key string, raw []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, oops.New(fmt.Errorf("%w: %w", kv.ErrStorage, err), "corrupt expiry bucket %x", key)
	}
	return entries, nil
}

func saveBucket(tx *kv.Tx, key string, entries []Entry) error {
	if len(entries) == 0 {
		return tx.Delete(kv.TableExpiryBuckets, key)
	}
	return tx.PutJSON(kv.TableExpiryBuckets, key, entries)
}

// Schedule arranges for action to run once delay has passed. If unexpireKey
// is not empty it must not already be scheduled; use Cancel first to replace
// an entry.
func (r *Registry) Schedule(ctx context.Context, delay time.Duration, action Action, unexpireKey string) error {
	return r.db.Update(ctx, func(tx *kv.Tx) error {
		return r.ScheduleTx(tx, delay, action, unexpireKey)
	})
}

// ScheduleTx is Schedule inside a transaction the caller already has open, so
// the data and its expiry are written together.
func (r *Registry) ScheduleTx(tx *kv.Tx, delay time.Duration, action Action, unexpireKey string) error {
	if err := action.validate(); err != nil {
		return err
	}

	key := bucketKey(r.now().Add(delay))
	if unexpireKey != "" {
		if taken, err := tx.Has(kv.TableExpiryUnexpire, unexpireKey); err != nil {
			return err
		} else if taken {
			return kv.Abort(oops.New(ErrAlreadyScheduled, "'%s' is already scheduled to expire", unexpireKey))
		}
		if err := tx.Put(kv.TableExpiryUnexpire, unexpireKey, []byte(key)); err != nil {
			return err
		}
	}

	entries, err := loadBucket(tx, key)
	if err != nil {
		return err
	}
	entries = append(entries, Entry{
		ID:          uuid.New(),
		UnexpireKey: unexpireKey,
		Action:      action,
	})
	if err := saveBucket(tx, key, entries); err != nil {
		return err
	}

	tx.OnCommit(metrics.ExpiryScheduled.Inc)
	return nil
}

// Cancel removes the entry scheduled under unexpireKey. Returns false if there
// was nothing to cancel, either because the key was never scheduled or because
// it already fired.
func (r *Registry) Cancel(ctx context.Context, unexpireKey string) (bool, error) {
	var canceled bool
	err := r.db.Update(ctx, func(tx *kv.Tx) error {
		var err error
		canceled, err = r.CancelTx(tx, unexpireKey)
		return err
	})
	if err != nil {
		return false, err
	}
	if !canceled {
		logging.ExtractLogger(ctx).Debug().Str("unexpire key", unexpireKey).Msg("Nothing to cancel")
	}
	return canceled, nil
}

func (r *Registry) CancelTx(tx *kv.Tx, unexpireKey string) (bool, error) {
	key, ok, err := tx.Get(kv.TableExpiryUnexpire, unexpireKey)
	if err != nil || !ok {
		return false, err
	}
	if err := tx.Delete(kv.TableExpiryUnexpire, unexpireKey); err != nil {
		return false, err
	}

	entries, err := loadBucket(tx, string(key))
	if err != nil {
		return false, err
	}
	kept := entries[:0]
	for _, entry := range entries {
		if entry.UnexpireKey != unexpireKey {
			kept = append(kept, entry)
		}
	}
	if err := saveBucket(tx, string(key), kept); err != nil {
		return false, err
	}

	tx.OnCommit(metrics.ExpiryCanceled.Inc)
	return true, nil
}

// ExpiresAt reports when the entry under unexpireKey will fire.
func (r *Registry) ExpiresAt(ctx context.Context, unexpireKey string) (time.Time, bool, error) {
	var at time.Time
	var found bool
	err := r.db.View(ctx, func(tx *kv.Tx) error {
		key, ok, err := tx.Get(kv.TableExpiryUnexpire, unexpireKey)
		if err != nil || !ok {
			return err
		}
		at, found = bucketTime(string(key)), true
		return nil
	})
	return at, found, err
}

type dueBucket struct {
	key     string
	entries []Entry
}

// Sweep runs every entry that is due. Each entry runs in its own transaction,
// so one failing entry does not hold back the others; failed entries stay in
// their bucket and are retried on the next sweep. Returns how many entries
// fired.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer metrics.SweepDuration.UpdateDuration(start)

	var due []dueBucket
	err := r.db.View(ctx, func(tx *kv.Tx) error {
		return tx.RangeUpTo(kv.TableExpiryBuckets, bucketKey(r.now()), func(key string, value []byte) error {
			entries, err := decodeBucket(key, value)
			if err != nil {
				logging.ExtractLogger(ctx).Error().Err(err).Time("bucket", bucketTime(key)).Msg("Skipping unreadable expiry bucket")
				return nil
			}
			due = append(due, dueBucket{key: key, entries: entries})
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, bucket := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		n, err := r.sweepBucket(ctx, bucket)
		fired += n
		if err != nil {
			logging.ExtractLogger(ctx).Error().Err(err).Time("bucket", bucketTime(bucket.key)).Msg("Failed to sweep expiry bucket")
		}
	}
	return fired, nil
}

func (r *Registry) sweepBucket(ctx context.Context, bucket dueBucket) (int, error) {
	logger := logging.ExtractLogger(ctx).With().Time("bucket", bucketTime(bucket.key)).Logger()

	var mu sync.Mutex
	done := make(map[uuid.UUID]bool, len(bucket.entries))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, entry := range bucket.entries {
		entry := entry
		g.Go(func() error {
			err := r.fire(ctx, bucket.key, entry)
			if err != nil {
				metrics.ExpiryFailed.Inc()
				logger.Error().Err(err).Str("entry", entry.ID.String()).Str("kind", string(entry.Action.Kind)).Msg("Expiry action failed")
				return nil
			}
			mu.Lock()
			done[entry.ID] = true
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if len(done) == 0 {
		return 0, nil
	}

	fired := 0
	err := r.db.Update(ctx, func(tx *kv.Tx) error {
		fired = 0
		entries, err := loadBucket(tx, bucket.key)
		if err != nil {
			return err
		}
		kept := entries[:0]
		for _, entry := range entries {
			if done[entry.ID] {
				fired++
			} else {
				kept = append(kept, entry)
			}
		}
		return saveBucket(tx, bucket.key, kept)
	})
	if err != nil {
		return 0, err
	}

	metrics.ExpiryFired.Add(fired)
	return fired, nil
}

// Runs one entry's action. An entry whose unexpire key no longer points at
// its bucket was canceled while the sweep was running and is skipped.
func (r *Registry) fire(ctx context.Context, bucket string, entry Entry) (err error) {
	defer utils.RecoverPanicAsError(&err)

	return r.db.Update(ctx, func(tx *kv.Tx) error {
		if entry.UnexpireKey != "" {
			current, ok, err := tx.Get(kv.TableExpiryUnexpire, entry.UnexpireKey)
			if err != nil {
				return err
			}
			if !ok || string(current) != bucket {
				return nil
			}
			if err := tx.Delete(kv.TableExpiryUnexpire, entry.UnexpireKey); err != nil {
				return err
			}
		}
		return entry.Action.execute(tx)
	})
}

// RunSweeper starts a job that sweeps every interval. The first sweep runs
// immediately, so anything that came due while the process was down is
// cleaned up at startup.
func (r *Registry) RunSweeper(interval time.Duration) *jobs.Job {
	return jobs.Periodic("expiry sweeper", interval, func(ctx context.Context) error {
		fired, err := r.Sweep(ctx)
		if err != nil {
			return oops.New(err, "expiry sweep failed")
		}
		if fired > 0 {
			logging.ExtractLogger(ctx).Debug().Int("fired", fired).Msg("Swept expired entries")
		}
		return nil
	})
}
