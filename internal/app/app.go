// Package app wires the adapters and services of one scanfarm process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/scanfarm/internal/adapter/configsource"
	"github.com/cwygoda/scanfarm/internal/adapter/engine"
	"github.com/cwygoda/scanfarm/internal/adapter/httpclient"
	"github.com/cwygoda/scanfarm/internal/adapter/issues"
	"github.com/cwygoda/scanfarm/internal/adapter/postgres"
	"github.com/cwygoda/scanfarm/internal/adapter/sqlite"
	"github.com/cwygoda/scanfarm/internal/adapter/timeservice"
	"github.com/cwygoda/scanfarm/internal/clock"
	"github.com/cwygoda/scanfarm/internal/config"
	"github.com/cwygoda/scanfarm/internal/ctxlog"
	"github.com/cwygoda/scanfarm/internal/dispatcher"
	"github.com/cwygoda/scanfarm/internal/domain"
	"github.com/cwygoda/scanfarm/internal/lock"
	"github.com/cwygoda/scanfarm/internal/metrics"
	"github.com/cwygoda/scanfarm/internal/queue"
	"github.com/cwygoda/scanfarm/internal/sandbox"
	"github.com/cwygoda/scanfarm/internal/synchronizer"
	"github.com/cwygoda/scanfarm/internal/timesync"
)

// Options locate the configuration of a process. They are forwarded to
// the child processes spawned by the sandbox.
type Options struct {
	ConfigPath string
	EnvFile    string
}

// Services holds everything a scanfarm process needs. Build it once per
// process and Close it on shutdown.
type Services struct {
	Config   *config.Config
	Logger   *logrus.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Clock    clock.Clock

	DB      *sqlite.DB
	Jobs    *sqlite.Repository
	Locks   *lock.Manager
	Work    *queue.Client
	Results *queue.Client
	Time    *timesync.Consistent
	Engine  *engine.Command

	Dispatcher   *dispatcher.Dispatcher
	Sandbox      *sandbox.Sandbox
	Synchronizer *synchronizer.Synchronizer

	closers []func()
}

// New loads the configuration and builds the services.
func New(ctx context.Context, opts Options) (*Services, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, err
	}
	return Build(ctx, cfg, opts, ConfigureLogging(cfg))
}

// ConfigureLogging applies the log settings of cfg to the root logger
// and returns it.
func ConfigureLogging(cfg *config.Config) *logrus.Logger {
	ctxlog.SetFormat(cfg.Log.Format)
	ctxlog.SetLevel(cfg.Log.Level)
	return ctxlog.Root()
}

// Build wires the services for cfg.
func Build(ctx context.Context, cfg *config.Config, opts Options, logger *logrus.Logger) (*Services, error) {
	s := &Services{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Clock:    clock.Real(),
	}
	s.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.Metrics = metrics.New(s.Registry)

	if err := s.openStorage(cfg); err != nil {
		s.Close()
		return nil, err
	}

	store, err := s.leaseStore(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Locks = lock.NewManager(store, lock.Options{
		TTL:      cfg.Lock.TTL,
		Attempts: cfg.Lock.Attempts,
		Delay:    cfg.Lock.Delay,
	}, s.Clock, logger.WithField("component", "lock"), s.Metrics)

	transport := sqlite.NewQueue(s.DB, s.Clock)
	qopts := queue.Options{Lease: cfg.Queue.Visibility}
	s.Work = queue.NewClient(transport, cfg.Queue.Jobs, qopts, s.Clock,
		logger.WithField("queue", cfg.Queue.Jobs), s.Metrics)
	s.Results = queue.NewClient(transport, cfg.Queue.Results, qopts, s.Clock,
		logger.WithField("queue", cfg.Queue.Results), s.Metrics)

	httpc := httpclient.New(logger.WithField("component", "http"), httpclient.Options{Timeout: cfg.Time.Timeout})

	var source timesync.Source
	if cfg.Time.URL != "" {
		source = timeservice.New(cfg.Time.URL, httpc)
	}
	s.Time = timesync.New(source, s.Clock, logger.WithField("component", "time"))

	var reporter domain.IssueReporter = issues.NewLog(logger.WithField("component", "issues"))
	if cfg.Issues.WebhookURL != "" {
		reporter = issues.NewWebhook(cfg.Issues.WebhookURL, httpc)
	}

	s.Engine = engine.NewCommand(cfg.Sandbox.EngineCommand, cfg.Sandbox.EngineArgs,
		cfg.Sandbox.ToolVersion, logger.WithField("component", "engine"))

	s.Dispatcher = dispatcher.New(dispatcher.Deps{
		Jobs:    s.Jobs,
		Configs: configsource.NewFile(cfg.Hints.ConfigPath),
		Locks:   s.Locks,
		Work:    s.Work,
		Time:    s.Time,
		Clock:   s.Clock,
		Catalog: domain.Catalog(cfg.Hints.Categories),
		Logger:  logger.WithField("component", "dispatcher"),
		Metrics: s.Metrics,
	})

	runner, err := sandbox.NewProcessRunner(cfg.Sandbox.ExecPath, childArgs(opts), os.Environ())
	if err != nil {
		s.Close()
		return nil, err
	}
	var cleanup func(context.Context) error
	if len(cfg.Sandbox.CleanupCommand) > 0 {
		cleanup = sandbox.CommandCleanup(cfg.Sandbox.CleanupCommand)
	}
	s.Sandbox = sandbox.New(sandbox.Deps{
		Runner:         runner,
		Results:        s.Results,
		Time:           s.Time,
		Clock:          s.Clock,
		Version:        s.Engine.Version,
		Cleanup:        cleanup,
		MaxMessageSize: cfg.Sandbox.MaxMessageSize,
		DefaultRunTime: cfg.Sandbox.DefaultRunTime,
		Logger:         logger.WithField("component", "sandbox"),
		Metrics:        s.Metrics,
	})

	s.Synchronizer = synchronizer.New(synchronizer.Deps{
		Jobs:     s.Jobs,
		Locks:    s.Locks,
		Issues:   reporter,
		Queue:    s.Results,
		Clock:    s.Clock,
		NotFound: synchronizer.NotFoundPolicy{MaxDeliveries: cfg.Synchronizer.NotFoundDeliveries},
		Logger:   logger.WithField("component", "synchronizer"),
		Metrics:  s.Metrics,
	})

	return s, nil
}

func (s *Services) openStorage(cfg *config.Config) error {
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.DB = db
	s.closers = append(s.closers, func() { db.Close() })
	s.Jobs = sqlite.NewRepository(db)
	return nil
}

func (s *Services) leaseStore(ctx context.Context, cfg *config.Config) (lock.Store, error) {
	switch cfg.Lock.Backend {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Lock.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open lease store: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		return store, nil
	case "sqlite":
		return sqlite.NewLeaseStore(s.DB), nil
	}
	return nil, errors.New("unknown lock backend " + cfg.Lock.Backend)
}

// WorkListenOptions consume the work queue one part at a time.
func (s *Services) WorkListenOptions() queue.ListenOptions {
	opts := queue.DefaultListenOptions()
	opts.Polling = s.Config.Queue.Polling
	opts.BatchSize = 1
	return opts
}

// ResultListenOptions consume the result queue in configured batches.
// The synchronizer settles every message itself.
func (s *Services) ResultListenOptions() queue.ListenOptions {
	opts := queue.DefaultListenOptions()
	opts.Polling = s.Config.Queue.Polling
	opts.BatchSize = s.Config.Queue.BatchSize
	opts.AutoDelete = false
	return opts
}

// childArgs is the command line of an execution context: the hidden
// exec-part command with the parent's configuration.
func childArgs(opts Options) []string {
	args := []string{}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.EnvFile != "" {
		args = append(args, "--env-file", opts.EnvFile)
	}
	return append(args, "exec-part")
}

// Close releases storage handles in reverse order of creation.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
