package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/cwygoda/scanfarm/internal/adapter/engine"
	httpAdapter "github.com/cwygoda/scanfarm/internal/adapter/http"
	"github.com/cwygoda/scanfarm/internal/app"
	"github.com/cwygoda/scanfarm/internal/config"
	"github.com/cwygoda/scanfarm/internal/ctxlog"
	"github.com/cwygoda/scanfarm/internal/sandbox"
	"github.com/cwygoda/scanfarm/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "scanfarm",
		Usage: "distributed web page audits",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "TOML configuration file",
				Value:   "scanfarm.toml",
				Sources: cli.EnvVars("SCANFARM_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "environment file loaded before SCANFARM_* variables are read",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "dispatcher",
				Usage:  "serve the job HTTP API",
				Action: runDispatcher,
			},
			{
				Name:   "sandbox",
				Usage:  "execute job parts from the work queue",
				Action: runSandbox,
			},
			{
				Name:   "synchronizer",
				Usage:  "merge results into stored jobs",
				Action: runSynchronizer,
			},
			{
				Name:   "all",
				Usage:  "run dispatcher, sandbox and synchronizer in one process",
				Action: runAll,
			},
			{
				Name:   "exec-part",
				Usage:  "execution context spawned by the sandbox",
				Hidden: true,
				Action: runExecPart,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		ctxlog.Root().WithError(err).Error("scanfarm failed")
		os.Exit(1)
	}
}

func options(cmd *cli.Command) app.Options {
	return app.Options{
		ConfigPath: cmd.String("config"),
		EnvFile:    cmd.String("env-file"),
	}
}

func runDispatcher(ctx context.Context, cmd *cli.Command) error {
	return run(ctx, cmd, serve)
}

func runSandbox(ctx context.Context, cmd *cli.Command) error {
	return run(ctx, cmd, consumeWork)
}

func runSynchronizer(ctx context.Context, cmd *cli.Command) error {
	return run(ctx, cmd, consumeResults)
}

func runAll(ctx context.Context, cmd *cli.Command) error {
	return run(ctx, cmd, serve, consumeWork, consumeResults)
}

type service func(ctx context.Context, s *app.Services) error

// run builds the services once and runs every svc until ctx ends or one
// of them fails.
func run(ctx context.Context, cmd *cli.Command, svcs ...service) error {
	s, err := app.New(ctx, options(cmd))
	if err != nil {
		return err
	}
	defer s.Close()

	s.Logger.WithFields(logrus.Fields{
		"Database":    s.Config.Database.Path,
		"LockBackend": s.Config.Lock.Backend,
		"Command":     cmd.Name,
	}).Info("starting scanfarm")

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range svcs {
		g.Go(func() error { return svc(gctx, s) })
	}
	err = g.Wait()
	s.Logger.Info("shutdown complete")
	return err
}

func serve(ctx context.Context, s *app.Services) error {
	addr := fmt.Sprintf(":%d", s.Config.HTTP.Port)
	srv := httpAdapter.NewServer(s.Dispatcher, addr, s.Registry, s.Logger.WithField("component", "http"))

	errCh := make(chan error, 1)
	go func() {
		s.Logger.WithField("Addr", srv.Addr()).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.Logger.WithError(err).Warn("HTTP server shutdown error")
	}
	return nil
}

func consumeWork(ctx context.Context, s *app.Services) error {
	w := worker.New("sandbox", s.Work, s.Sandbox.Handle, s.WorkListenOptions(), s.Logger)
	return w.Run(ctx)
}

func consumeResults(ctx context.Context, s *app.Services) error {
	w := worker.New("synchronizer", s.Results, s.Synchronizer.Handle, s.ResultListenOptions(), s.Logger)
	return w.Run(ctx)
}

// runExecPart is the child side of an execution context. stdout carries
// the result, so logs go to stderr and no storage is opened.
func runExecPart(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"), cmd.String("env-file"))
	if err != nil {
		return err
	}
	// The root logger writes to stderr; stdout carries the result.
	logger := app.ConfigureLogging(cfg)
	eng := engine.NewCommand(cfg.Sandbox.EngineCommand, cfg.Sandbox.EngineArgs, cfg.Sandbox.ToolVersion, logger)
	if code := sandbox.RunChild(ctx, os.Stdin, os.Stdout, eng); code != 0 {
		os.Exit(code)
	}
	return nil
}
