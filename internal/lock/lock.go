// Package lock provides named, auto-expiring mutual-exclusion leases
// held in a store shared by every scanfarm process.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cwygoda/scanfarm/internal/clock"
	"github.com/cwygoda/scanfarm/internal/metrics"
	"github.com/cwygoda/scanfarm/internal/retry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrHeld is returned by an attempt that found the lease owned by
// someone else.
var ErrHeld = errors.New("lease held by another owner")

// Store persists leases. TryAcquire takes the lease for key if it is
// free or expired and reports whether it did.
type Store interface {
	TryAcquire(ctx context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// Lock is an acquired lease.
type Lock struct {
	Key        string
	Token      string
	AcquiredAt time.Time
}

// AcquisitionError is returned when a lease could not be obtained.
type AcquisitionError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire lock %q: %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// URLKey is the lock serializing job creation for a URL.
func URLKey(url string) string { return "url:" + url }

// JobKey is the lock serializing result merges for a job.
func JobKey(id string) string { return "job:" + id }

func keyspace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}

// Options tune a Manager. Zero values take the defaults.
type Options struct {
	TTL      time.Duration // default 2m
	Attempts int           // default 10
	Delay    time.Duration // default 500ms
	Timer    retry.Timer
}

// Manager acquires and releases leases.
type Manager struct {
	store   Store
	policy  retry.Policy
	ttl     time.Duration
	clock   clock.Clock
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewManager creates a Manager on top of store.
func NewManager(store Store, opts Options, clk clock.Clock, logger logrus.FieldLogger, m *metrics.Metrics) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Minute
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 10
	}
	if opts.Delay <= 0 {
		opts.Delay = 500 * time.Millisecond
	}
	policy := retry.Fixed(opts.Attempts, opts.Delay)
	policy.Timer = opts.Timer
	return &Manager{
		store:   store,
		policy:  policy,
		ttl:     opts.TTL,
		clock:   clk,
		logger:  logger,
		metrics: m,
	}
}

// Acquire obtains the lease named key, retrying while it is held or the
// store is unreachable.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lock, error) {
	logger := m.logger.WithField("Lock", key)
	token := uuid.NewString()
	start := m.clock.Now()

	var acquiredAt time.Time
	var attempts int
	var waiting bool
	err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		attempts++
		now := m.clock.Now()
		ok, err := m.store.TryAcquire(ctx, key, token, now, m.ttl)
		if err != nil {
			logger.WithError(err).Info("error acquiring lease")
			return err
		}
		if !ok {
			if !waiting {
				logger.Debug("waiting for other process to release lock")
				waiting = true
			}
			return ErrHeld
		}
		acquiredAt = now
		return nil
	})
	space := keyspace(key)
	m.metrics.LockWait.WithLabelValues(space).Observe(m.clock.Now().Sub(start).Seconds())
	if err != nil {
		m.metrics.LockFailures.WithLabelValues(space).Inc()
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = exhausted.Err
		}
		return nil, &AcquisitionError{Key: key, Attempts: attempts, Err: err}
	}
	logger.Debug("acquired lock")
	return &Lock{Key: key, Token: token, AcquiredAt: acquiredAt}, nil
}

// Release gives the lease back. Errors are logged, not returned: an
// unreleased lease expires on its own.
func (m *Manager) Release(ctx context.Context, l *Lock) {
	if l == nil {
		return
	}
	logger := m.logger.WithField("Lock", l.Key)
	if err := m.store.Release(context.WithoutCancel(ctx), l.Key, l.Token); err != nil {
		logger.WithError(err).Warn("error releasing lock")
		return
	}
	logger.Debug("released lock")
}
