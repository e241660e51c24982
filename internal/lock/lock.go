// Package lock implements the single-flight execution lock: a persisted,
// time-boxed record keyed by name that at most one caller holds at a time.
//
// The guarantee is weak. There is no owner identity, so Release by any
// caller frees the lock, and two callers racing on a just-expired record
// may both succeed (the store's last write wins).
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"app-monitor/internal/monitor"
)

// DefaultTimeout bounds how long a crashed holder can block others.
const DefaultTimeout = 30 * time.Minute

// ErrHeld is returned by Do when another caller holds the lock.
var ErrHeld = errors.New("lock is held")

// Record is the persisted lock document.
type Record struct {
	LockID    string    `json:"lock_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record no longer blocks acquisition.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists lock records. Get returns nil, nil when no record exists.
type Store interface {
	Get(ctx context.Context, lockID string) (*Record, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, lockID string) error
}

// Sweeper is implemented by stores that can delete expired records in bulk.
type Sweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Locker acquires and releases named locks against a Store.
type Locker struct {
	store   Store
	timeout time.Duration
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	now     func() time.Time
}

// maxMargin caps the slack RunBudget keeps between a run and the lock expiry.
const maxMargin = time.Minute

// New creates a Locker. metrics and tracer may be nil.
func New(store Store, timeout time.Duration, metrics *monitor.Metrics, tracer *monitor.Tracer) *Locker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Locker{
		store:   store,
		timeout: timeout,
		metrics: metrics,
		tracer:  tracer,
		now:     time.Now,
	}
}

// Timeout is the lifetime of a freshly written record.
func (l *Locker) Timeout() time.Duration { return l.timeout }

// RunBudget is the longest piece of work that fits inside one lock window,
// leaving a tenth of the window (at most a minute) for termination and
// bookkeeping.
func (l *Locker) RunBudget() time.Duration {
	margin := l.timeout / 10
	if margin > maxMargin {
		margin = maxMargin
	}
	return l.timeout - margin
}

// Acquire takes lockID if it is free or expired. Any storage error is
// reported as not acquired.
func (l *Locker) Acquire(ctx context.Context, lockID string) bool {
	ctx, span := l.tracer.StartSpan(ctx, "lock.acquire", monitor.AttrLockID.String(lockID))
	logger := log.With().Str("lock_id", lockID).Logger()
	now := l.now()

	rec, err := l.store.Get(ctx, lockID)
	if err != nil {
		logger.Error().Err(err).Msg("reading lock failed")
		l.record(lockID, "error")
		monitor.EndSpan(span, err)
		return false
	}

	if rec != nil && !rec.Expired(now) {
		logger.Info().Time("expires_at", rec.ExpiresAt).Msg("lock is held")
		l.record(lockID, "held")
		span.SetAttributes(monitor.AttrSuccess.Bool(false))
		monitor.EndSpan(span, nil)
		return false
	}

	if rec != nil {
		logger.Warn().Time("expired_at", rec.ExpiresAt).Msg("replacing expired lock")
		if err := l.store.Delete(ctx, lockID); err != nil {
			logger.Error().Err(err).Msg("deleting expired lock failed")
			l.record(lockID, "error")
			monitor.EndSpan(span, err)
			return false
		}
	}

	if err := l.store.Put(ctx, Record{
		LockID:    lockID,
		CreatedAt: now,
		ExpiresAt: now.Add(l.timeout),
	}); err != nil {
		logger.Error().Err(err).Msg("writing lock failed")
		l.record(lockID, "error")
		monitor.EndSpan(span, err)
		return false
	}

	logger.Debug().Dur("timeout", l.timeout).Msg("lock acquired")
	l.record(lockID, "acquired")
	span.SetAttributes(monitor.AttrSuccess.Bool(true))
	monitor.EndSpan(span, nil)
	return true
}

// Extend pushes the expiry of a live record to a full window from now. It
// returns false when the record is gone, has already expired or cannot be
// written; the caller must then treat the lock as lost. Without holder
// identity a live record is assumed to be the caller's own.
func (l *Locker) Extend(ctx context.Context, lockID string) bool {
	logger := log.With().Str("lock_id", lockID).Logger()
	now := l.now()

	rec, err := l.store.Get(ctx, lockID)
	if err != nil {
		logger.Error().Err(err).Msg("reading lock failed")
		return false
	}
	if rec == nil || rec.Expired(now) {
		logger.Warn().Msg("lock lapsed before it could be extended")
		return false
	}

	rec.ExpiresAt = now.Add(l.timeout)
	if err := l.store.Put(ctx, *rec); err != nil {
		logger.Error().Err(err).Msg("extending lock failed")
		return false
	}
	logger.Debug().Time("expires_at", rec.ExpiresAt).Msg("lock extended")
	return true
}

// Release removes lockID unconditionally. Errors are logged, never returned.
func (l *Locker) Release(ctx context.Context, lockID string) {
	if err := l.store.Delete(ctx, lockID); err != nil {
		log.Error().Err(err).Str("lock_id", lockID).Msg("releasing lock failed")
		return
	}
	log.Debug().Str("lock_id", lockID).Msg("lock released")
}

// Do runs fn while holding lockID and releases it on every path, including
// panics and cancellation of ctx.
func (l *Locker) Do(ctx context.Context, lockID string, fn func(ctx context.Context) error) error {
	if !l.Acquire(ctx, lockID) {
		return ErrHeld
	}
	defer l.Release(context.WithoutCancel(ctx), lockID)
	return fn(ctx)
}

// CleanupExpired deletes expired records when the store supports it.
func (l *Locker) CleanupExpired(ctx context.Context) int {
	sw, ok := l.store.(Sweeper)
	if !ok {
		return 0
	}
	n, err := sw.DeleteExpired(ctx, l.now())
	if err != nil {
		log.Error().Err(err).Msg("sweeping expired locks failed")
		return 0
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("swept expired locks")
	}
	return n
}

func (l *Locker) record(lockID, result string) {
	if l.metrics != nil {
		l.metrics.RecordLock(lockID, result)
	}
}
