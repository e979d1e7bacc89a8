package domain

import (
	"context"
	"time"
)

// JobRepository is the driven port for job persistence.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	FindByURL(ctx context.Context, url string) ([]*Job, error)
	Update(ctx context.Context, job *Job) error
	SetInvestigated(ctx context.Context, id string, investigated bool) error
}

// ActiveConfig is the configuration currently used for jobs that do not
// bring their own.
type ActiveConfig struct {
	Configs      []Config
	JobCacheTime time.Duration
	JobRunTime   time.Duration
}

// ConfigSource provides the active configuration.
type ConfigSource interface {
	Active(ctx context.Context) (*ActiveConfig, error)
}

// IssueKind tells the issue reporter what happened.
type IssueKind string

const (
	IssueError    IssueKind = "error"
	IssueResolved IssueKind = "resolved"
)

// Issue is a structured report sent to the issue tracker.
type Issue struct {
	Kind    IssueKind     `json:"kind"`
	JobID   string        `json:"jobId"`
	URL     string        `json:"url"`
	Errors  []ErrorRecord `json:"errors,omitempty"`
	Configs []Config      `json:"configs,omitempty"`
	At      time.Time     `json:"at"`
}

// IssueReporter files or closes issues for failing URLs.
type IssueReporter interface {
	Report(ctx context.Context, issue Issue) error
}

// Engine runs the audit against one URL with one configuration entry.
type Engine interface {
	Version() string
	Execute(ctx context.Context, url string, cfg Config) ([]Finding, error)
}
