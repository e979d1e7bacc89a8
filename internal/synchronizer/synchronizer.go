// Package synchronizer merges part results from the result queue into
// the stored job under a per-job lock.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cwygoda/scanfarm/internal/clock"
	"github.com/cwygoda/scanfarm/internal/domain"
	"github.com/cwygoda/scanfarm/internal/lock"
	"github.com/cwygoda/scanfarm/internal/metrics"
	"github.com/cwygoda/scanfarm/internal/queue"
	"github.com/sirupsen/logrus"
)

// ErrRedeliver marks a message that should be seen again after its
// lease expires.
var ErrRedeliver = errors.New("result left for redelivery")

// Locker is the part of lock.Manager the synchronizer uses.
type Locker interface {
	Acquire(ctx context.Context, key string) (*lock.Lock, error)
	Release(ctx context.Context, l *lock.Lock)
}

// Acker settles received messages.
type Acker interface {
	Delete(ctx context.Context, msg *queue.Message) error
	DeadLetter(ctx context.Context, msg *queue.Message) error
}

// NotFoundPolicy decides what happens to a result for an unknown job.
// It is redelivered until it has been delivered MaxDeliveries times,
// then dead-lettered.
type NotFoundPolicy struct {
	MaxDeliveries int
}

// Deps are the collaborators of a Synchronizer.
type Deps struct {
	Jobs     domain.JobRepository
	Locks    Locker
	Issues   domain.IssueReporter
	Queue    Acker
	Clock    clock.Clock
	NotFound NotFoundPolicy
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
}

// Synchronizer consumes the result queue.
type Synchronizer struct {
	Deps
}

// New returns a synchronizer.
func New(d Deps) *Synchronizer {
	if d.NotFound.MaxDeliveries <= 0 {
		d.NotFound.MaxDeliveries = 5
	}
	return &Synchronizer{Deps: d}
}

// Handle is the queue handler. It settles every message itself: merged
// and undecodable messages are deleted, results for unknown jobs are
// dead-lettered once the policy gives up, and anything that failed
// stays on the queue for redelivery.
func (s *Synchronizer) Handle(ctx context.Context, msgs []*queue.Message) error {
	for _, msg := range msgs {
		logger := s.Logger.WithField("MessageID", msg.ID)

		var part domain.JobPart
		if err := msg.Decode(&part); err != nil {
			logger.WithError(err).Error("dropping undecodable result message")
			s.settle(ctx, logger, msg, s.Queue.Delete)
			continue
		}

		err := s.Merge(ctx, &part, msg.Deliveries)
		switch {
		case err == nil:
			s.settle(ctx, logger, msg, s.Queue.Delete)
		case errors.Is(err, domain.ErrJobNotFound):
			logger.WithField("JobID", part.ID).Warn("giving up on result for unknown job")
			s.settle(ctx, logger, msg, s.Queue.DeadLetter)
		case errors.Is(err, ErrRedeliver):
			logger.WithField("JobID", part.ID).WithField("Deliveries", msg.Deliveries).Info("result for unknown job left for redelivery")
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Metrics.ResultsMerged.WithLabelValues("failed").Inc()
			logger.WithError(err).WithField("JobID", part.ID).Error("merge failed, result left for redelivery")
		}
	}
	return nil
}

func (s *Synchronizer) settle(ctx context.Context, logger logrus.FieldLogger, msg *queue.Message, op func(context.Context, *queue.Message) error) {
	if err := op(ctx, msg); err != nil {
		logger.WithError(err).Warn("settling message failed")
	}
}

// Merge applies one result message to its stored job. deliveries is
// how often the message has been delivered; it drives the NotFound
// policy. Merge returns ErrRedeliver for an unknown job while the
// policy allows another delivery, domain.ErrJobNotFound after that.
func (s *Synchronizer) Merge(ctx context.Context, msg *domain.JobPart, deliveries int) error {
	l, err := s.Locks.Acquire(ctx, lock.JobKey(msg.ID))
	if err != nil {
		return err
	}
	defer s.Locks.Release(ctx, l)

	logger := s.Logger.WithField("JobID", msg.ID)

	job, err := s.Jobs.Get(ctx, msg.ID)
	if errors.Is(err, domain.ErrJobNotFound) {
		s.Metrics.ResultsMerged.WithLabelValues("unknown-job").Inc()
		if deliveries < s.NotFound.MaxDeliveries {
			return ErrRedeliver
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", msg.ID, err)
	}

	previous := job.Status
	if msg.Status == domain.StatusStarted {
		mergeStarted(job, msg)
		s.Metrics.ResultsMerged.WithLabelValues("started").Inc()
	} else {
		added := mergeFinal(job, msg)
		if len(added) > 0 {
			s.report(ctx, logger, domain.Issue{
				Kind:    domain.IssueError,
				JobID:   job.ID,
				URL:     job.URL,
				Errors:  added,
				Configs: msg.Config,
				At:      s.Clock.Now(),
			})
		}
		if job.HintsResolved() {
			if job.HasErrors() {
				job.Status = domain.StatusError
			} else {
				job.Status = msg.Status
			}
			if job.Status == domain.StatusFinished && previous != domain.StatusFinished {
				s.report(ctx, logger, domain.Issue{
					Kind:  domain.IssueResolved,
					JobID: job.ID,
					URL:   job.URL,
					At:    s.Clock.Now(),
				})
			}
		}
		s.Metrics.ResultsMerged.WithLabelValues("final").Inc()
	}

	if err := s.Jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if job.Status != previous {
		logger.WithFields(logrus.Fields{"From": previous, "To": job.Status}).Info("job status changed")
	}
	return nil
}

// mergeStarted records that a part began. Only a pending job moves to
// started; the earliest start wins.
func mergeStarted(job *domain.Job, msg *domain.JobPart) {
	if job.Status == domain.StatusPending {
		job.Status = domain.StatusStarted
		job.ToolVersion = msg.ToolVersion
	}
	job.Started = earliest(job.Started, msg.Started)
}

// mergeFinal copies results for hints that are still pending and
// returns the error records that were not known yet. Redelivered
// messages leave the job unchanged.
func mergeFinal(job *domain.Job, msg *domain.JobPart) []domain.ErrorRecord {
	for _, h := range msg.Hints {
		stored := job.Hint(h.Name)
		if stored == nil || stored.Status != domain.HintPending {
			continue
		}
		stored.Status = h.Status
		stored.Messages = append([]domain.Finding{}, h.Messages...)
	}

	if msg.Log != "" && !strings.Contains(job.Log, msg.Log) {
		job.AppendLog(msg.Log)
	}

	var added []domain.ErrorRecord
	for _, e := range msg.Errors {
		if !hasError(job.Errors, e) {
			job.Errors = append(job.Errors, e)
			added = append(added, e)
		}
	}

	job.Finished = latest(job.Finished, msg.Finished)
	return added
}

func hasError(list []domain.ErrorRecord, e domain.ErrorRecord) bool {
	for _, x := range list {
		if x.Kind == e.Kind && x.Message == e.Message && x.At.Equal(e.At) {
			return true
		}
	}
	return false
}

func (s *Synchronizer) report(ctx context.Context, logger logrus.FieldLogger, issue domain.Issue) {
	if s.Issues == nil {
		return
	}
	if err := s.Issues.Report(ctx, issue); err != nil {
		logger.WithError(err).WithField("Issue", issue.Kind).Warn("issue report failed")
	}
}

func earliest(current, t *time.Time) *time.Time {
	if t == nil {
		return current
	}
	if current == nil || t.Before(*current) {
		return domain.TimePtr(*t)
	}
	return current
}

func latest(current, t *time.Time) *time.Time {
	if t == nil {
		return current
	}
	if current == nil || t.After(*current) {
		return domain.TimePtr(*t)
	}
	return current
}
