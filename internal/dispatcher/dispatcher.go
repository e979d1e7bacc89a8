// Package dispatcher creates audit jobs, reuses recent ones for the
// same URL and configuration, and fans new jobs out to the work queue.
package dispatcher

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cwygoda/scanfarm/internal/clock"
	"github.com/cwygoda/scanfarm/internal/domain"
	"github.com/cwygoda/scanfarm/internal/lock"
	"github.com/cwygoda/scanfarm/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Request asks for an audit of URL. Config overrides the active
// configuration when non-empty.
type Request struct {
	URL    string          `json:"url"`
	Config []domain.Config `json:"config,omitempty"`
}

// Locker is the part of lock.Manager the dispatcher uses.
type Locker interface {
	Acquire(ctx context.Context, key string) (*lock.Lock, error)
	Release(ctx context.Context, l *lock.Lock)
}

// Sender enqueues one work message.
type Sender interface {
	Send(ctx context.Context, payload any) error
}

// TimeSource yields consistent timestamps.
type TimeSource interface {
	Time(ctx context.Context, previous *time.Time) time.Time
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Jobs    domain.JobRepository
	Configs domain.ConfigSource
	Locks   Locker
	Work    Sender
	Time    TimeSource
	Clock   clock.Clock
	Catalog domain.Catalog
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Dispatcher implements job creation and lookup.
type Dispatcher struct {
	Deps
}

// New returns a dispatcher.
func New(d Deps) *Dispatcher {
	return &Dispatcher{Deps: d}
}

// StartJob returns a job auditing req.URL with the requested or active
// configuration, either one still valid from an earlier request or a
// newly created and enqueued one. A job whose parts could not be
// enqueued is returned with status error.
func (d *Dispatcher) StartJob(ctx context.Context, req Request) (*domain.Job, error) {
	if err := validateURL(req.URL); err != nil {
		return nil, err
	}
	if len(req.Config) > 0 {
		if err := domain.ValidateConfigs(req.Config); err != nil {
			return nil, err
		}
	}

	active, err := d.Configs.Active(ctx)
	if err != nil {
		// A broken configuration file is not the caller's fault.
		if domain.IsValidation(err) {
			return nil, fmt.Errorf("active configuration is invalid: %v", err)
		}
		return nil, fmt.Errorf("load active configuration: %w", err)
	}
	configs := req.Config
	if len(configs) == 0 {
		configs = active.Configs
	}

	l, err := d.Locks.Acquire(ctx, lock.URLKey(req.URL))
	if err != nil {
		return nil, err
	}
	defer d.Locks.Release(ctx, l)

	// Once the URL lock is held the job must reach the store and the
	// queue, or be marked as failed, even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	logger := d.Logger.WithField("URL", req.URL)

	existing, err := d.Jobs.FindByURL(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	now := d.Clock.Now()
	for _, job := range existing {
		if stillActive(job, configs, active.JobCacheTime, now) {
			logger.WithField("JobID", job.ID).Info("reusing job")
			d.Metrics.JobsReused.Inc()
			return job, nil
		}
	}

	job, err := d.newJob(ctx, req.URL, configs, active.JobRunTime)
	if err != nil {
		return nil, err
	}
	if err := d.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	d.Metrics.JobsCreated.Inc()
	logger = logger.WithField("JobID", job.ID)

	parts := job.Split()
	for _, part := range parts {
		if err := d.Work.Send(ctx, part); err != nil {
			logger.WithError(err).WithField("Part", part.PartInfo.Part).Error("enqueue failed")
			return d.failJob(ctx, job, err)
		}
	}
	logger.WithField("Parts", len(parts)).Info("job created")
	return job, nil
}

func (d *Dispatcher) newJob(ctx context.Context, rawURL string, configs []domain.Config, runTime time.Duration) (*domain.Job, error) {
	hints, err := domain.NewHints(configs, d.Catalog)
	if err != nil {
		return nil, err
	}
	queued := d.Time.Time(ctx, nil)
	return &domain.Job{
		ID:         uuid.NewString(),
		URL:        rawURL,
		Status:     domain.StatusPending,
		Config:     configs,
		Hints:      hints,
		Queued:     &queued,
		MaxRunTime: int(runTime / time.Second),
	}, nil
}

// failJob records an enqueue failure so the job does not stay pending.
func (d *Dispatcher) failJob(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error) {
	at := d.Time.Time(ctx, job.Queued)
	job.Status = domain.StatusError
	job.Started = domain.TimePtr(at)
	job.Finished = domain.TimePtr(at)
	job.AddError(domain.KindQueueDelivery, cause.Error(), at)
	if err := d.Jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("record enqueue failure of job %s: %w", job.ID, err)
	}
	return job, nil
}

// stillActive reports whether job can answer a request for configs.
func stillActive(job *domain.Job, configs []domain.Config, cacheTime time.Duration, now time.Time) bool {
	if job.Status == domain.StatusError {
		return false
	}
	if !domain.ConfigsEqual(job.Config, configs) {
		return false
	}
	if job.Status != domain.StatusFinished {
		return true
	}
	return job.Finished != nil && now.Sub(*job.Finished) <= cacheTime
}

func validateURL(raw string) error {
	if raw == "" {
		return &domain.ValidationError{Field: "url", Reason: "required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &domain.ValidationError{Field: "url", Reason: err.Error()}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &domain.ValidationError{Field: "url", Reason: "must be an absolute http or https URL"}
	}
	return nil
}

// GetJob returns the job with the given id.
func (d *Dispatcher) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return d.Jobs.Get(ctx, id)
}

// MarkInvestigated flags a job as looked at by an operator.
func (d *Dispatcher) MarkInvestigated(ctx context.Context, id string) error {
	return d.Jobs.SetInvestigated(ctx, id, true)
}

// UnmarkInvestigated clears the investigated flag.
func (d *Dispatcher) UnmarkInvestigated(ctx context.Context, id string) error {
	return d.Jobs.SetInvestigated(ctx, id, false)
}
