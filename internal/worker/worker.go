// Package worker runs a queue consumer for the lifetime of a context.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/cwygoda/scanfarm/internal/queue"
	"github.com/sirupsen/logrus"
)

// Source is the queue a worker consumes.
type Source interface {
	Name() string
	Listen(ctx context.Context, handler queue.Handler, opts queue.ListenOptions) error
	Stop()
}

// Worker feeds messages from a queue to a handler.
type Worker struct {
	name    string
	source  Source
	handler queue.Handler
	opts    queue.ListenOptions
	logger  logrus.FieldLogger
}

// New creates a new worker.
func New(name string, source Source, handler queue.Handler, opts queue.ListenOptions, logger logrus.FieldLogger) *Worker {
	return &Worker{
		name:    name,
		source:  source,
		handler: handler,
		opts:    opts,
		logger:  logger.WithFields(logrus.Fields{"Worker": name, "Queue": source.Name()}),
	}
}

// Run consumes until ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithField("BatchSize", w.opts.BatchSize).Info("worker started")
	err := w.source.Listen(ctx, w.handle, w.opts)
	if err == nil || ctx.Err() != nil {
		w.logger.Info("worker shutting down")
		return nil
	}
	return fmt.Errorf("worker %s: %w", w.name, err)
}

// Stop ends Run after the batch in progress.
func (w *Worker) Stop() {
	w.source.Stop()
}

// handle turns a panic in the handler into an error, leaving the batch
// for redelivery instead of taking the process down.
func (w *Worker) handle(ctx context.Context, msgs []*queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithFields(logrus.Fields{
				"Panic": r,
				"Stack": string(debug.Stack()),
			}).Error("handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, msgs)
}
