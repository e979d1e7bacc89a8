// Package sandbox executes job parts. Each part runs the audit engine
// in an isolated, killable execution context under a watchdog and
// reports its progress to the result queue.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/cwygoda/scanfarm/internal/clock"
	"github.com/cwygoda/scanfarm/internal/domain"
	"github.com/cwygoda/scanfarm/internal/metrics"
	"github.com/cwygoda/scanfarm/internal/queue"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// DefaultRunTime bounds a part whose job carries no run time.
const DefaultRunTime = 180 * time.Second

// killGrace is how long a killed execution gets to report back.
const killGrace = 5 * time.Second

// Sender enqueues one result message.
type Sender interface {
	Send(ctx context.Context, payload any) error
}

// TimeSource yields consistent timestamps.
type TimeSource interface {
	Time(ctx context.Context, previous *time.Time) time.Time
}

// Deps are the collaborators of a Sandbox.
type Deps struct {
	Runner  Runner
	Results Sender
	Time    TimeSource
	Clock   clock.Clock
	// Version reports the engine version stamped on started messages.
	Version func() string
	// Cleanup kills stray browser processes. It may be nil.
	Cleanup        func(ctx context.Context) error
	MaxMessageSize int
	DefaultRunTime time.Duration
	Logger         logrus.FieldLogger
	Metrics        *metrics.Metrics
}

// Sandbox runs parts taken from the work queue.
type Sandbox struct {
	Deps
}

// New returns a sandbox.
func New(d Deps) *Sandbox {
	if d.MaxMessageSize <= 0 {
		d.MaxMessageSize = DefaultMaxMessageSize
	}
	if d.DefaultRunTime <= 0 {
		d.DefaultRunTime = DefaultRunTime
	}
	if d.Version == nil {
		d.Version = func() string { return "" }
	}
	return &Sandbox{Deps: d}
}

// Handle is the queue handler. Undecodable messages are logged and
// dropped; any other failure leaves the batch for redelivery.
func (s *Sandbox) Handle(ctx context.Context, msgs []*queue.Message) error {
	for _, msg := range msgs {
		var part domain.JobPart
		if err := msg.Decode(&part); err != nil {
			s.Logger.WithError(err).WithField("MessageID", msg.ID).Error("dropping undecodable work message")
			continue
		}
		if err := s.RunPart(ctx, &part); err != nil {
			return err
		}
	}
	return nil
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTimeout
	outcomeCrash
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeTimeout:
		return "timeout"
	}
	return "crash"
}

// RunPart executes one part and sends its started and final result
// messages.
func (s *Sandbox) RunPart(ctx context.Context, part *domain.JobPart) error {
	logger := s.Logger.WithField("JobID", part.ID)
	if part.PartInfo != nil {
		logger = logger.WithField("Part", fmt.Sprintf("%d/%d", part.PartInfo.Part, part.PartInfo.TotalParts))
	}
	if len(part.Config) != 1 {
		logger.WithField("Entries", len(part.Config)).Error("dropping part without exactly one configuration entry")
		return nil
	}

	settings, normErr := part.Config[0].Normalize()
	enabled := map[string]bool{}
	for _, st := range settings {
		if st.Enabled() {
			enabled[st.Name] = true
		}
	}

	msg := restrict(part, enabled)

	previous := part.Started
	if previous == nil {
		previous = part.Queued
	}
	started := s.Time.Time(ctx, previous)
	msg.Status = domain.StatusStarted
	msg.Started = domain.TimePtr(started)
	msg.ToolVersion = s.Version()
	if err := s.send(ctx, logger, msg); err != nil {
		return err
	}
	logger.Info("part started")

	runTime := s.DefaultRunTime
	if part.MaxRunTime > 0 {
		runTime = time.Duration(part.MaxRunTime) * time.Second
	}

	begin := s.Clock.Now()
	var res Result
	var out outcome
	if normErr != nil {
		res = Result{Error: &ExecutionError{Kind: KindEngine, Message: normErr.Error()}}
		out = outcomeCrash
	} else {
		res, out = s.execute(ctx, logger, Request{URL: part.URL, Config: part.Config[0]}, runTime)
		if out == outcomeCrash && res.Error != nil && res.Error.Kind == KindNoTargets {
			logger.Warn("no inspectable targets, cleaning up and retrying")
			s.cleanup(ctx, logger)
			res, out = s.execute(ctx, logger, Request{URL: part.URL, Config: part.Config[0]}, runTime)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Metrics.PartDuration.Observe(s.Clock.Now().Sub(begin).Seconds())
	s.Metrics.PartsExecuted.WithLabelValues(out.String()).Inc()

	finished := s.Time.Time(ctx, msg.Started)
	msg.Finished = domain.TimePtr(finished)
	switch out {
	case outcomeSuccess:
		applyFindings(&msg.Job, enabled, res.Findings)
		msg.Status = domain.StatusFinished
	case outcomeTimeout:
		resolvePending(&msg.Job, enabled, domain.HintWarning)
		msg.Status = domain.StatusFinished
		msg.AppendLog(fmt.Sprintf("Part timed out after %s, pending hints marked as warning.", runTime))
	case outcomeCrash:
		resolvePending(&msg.Job, enabled, domain.HintError)
		msg.Status = domain.StatusError
		msg.Errors = append(msg.Errors, domain.ErrorRecord{
			Kind:    domain.KindExecutionCrash,
			Message: res.Error.Error(),
			Details: res.Error.Details,
			At:      finished,
		})
	}
	if err := s.send(ctx, logger, msg); err != nil {
		return err
	}
	logger.WithField("Outcome", out).Info("part finished")
	return nil
}

// execute runs req under the watchdog.
func (s *Sandbox) execute(ctx context.Context, logger logrus.FieldLogger, req Request, runTime time.Duration) (Result, outcome) {
	exe, err := s.Runner.Start(ctx, req)
	if err != nil {
		return Result{Error: &ExecutionError{Kind: KindCrash, Message: err.Error()}}, outcomeCrash
	}

	watchdog := s.Clock.NewTimer(runTime)
	defer watchdog.Stop()

	select {
	case res := <-exe.Done():
		if res.Error != nil {
			logger.WithField("Kind", res.Error.Kind).WithField("Error", res.Error.Message).Warn("execution failed")
			return res, outcomeCrash
		}
		return res, outcomeSuccess
	case <-watchdog.C():
		logger.WithField("RunTime", runTime).Warn("execution timed out, killing")
		s.kill(exe)
		return Result{}, outcomeTimeout
	case <-ctx.Done():
		s.kill(exe)
		return Result{Error: &ExecutionError{Kind: KindCrash, Message: ctx.Err().Error()}}, outcomeCrash
	}
}

func (s *Sandbox) kill(exe Execution) {
	exe.Kill()
	select {
	case <-exe.Done():
	case <-time.After(killGrace):
		s.Logger.Warn("killed execution did not report back")
	}
}

func (s *Sandbox) cleanup(ctx context.Context, logger logrus.FieldLogger) {
	if s.Cleanup == nil {
		return
	}
	if err := s.Cleanup(ctx); err != nil {
		logger.WithError(err).Warn("cleanup failed")
	}
}

// send fragments msg to fit the transport and sends every fragment.
func (s *Sandbox) send(ctx context.Context, logger logrus.FieldLogger, msg *domain.JobPart) error {
	fragments, err := Fragment(msg, s.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("fragment result of job %s: %w", msg.ID, err)
	}
	if len(fragments) > 1 {
		logger.WithFields(logrus.Fields{
			"Fragments": len(fragments),
			"Limit":     humanize.IBytes(uint64(s.MaxMessageSize)),
		}).Info("result split into fragments")
	}
	for _, f := range fragments {
		if err := s.Results.Send(ctx, f); err != nil {
			return fmt.Errorf("send result of job %s: %w", msg.ID, err)
		}
	}
	return nil
}

// restrict returns a copy of part carrying only the hints it runs.
func restrict(part *domain.JobPart, enabled map[string]bool) *domain.JobPart {
	c := part.Job.Clone()
	hints := make([]domain.Hint, 0, len(enabled))
	for _, h := range c.Hints {
		if enabled[h.Name] {
			hints = append(hints, h)
		}
	}
	c.Hints = hints
	return &domain.JobPart{Job: *c, PartInfo: part.PartInfo}
}

// applyFindings resolves every enabled hint of job from findings.
func applyFindings(job *domain.Job, enabled map[string]bool, findings []domain.Finding) {
	byHint := make(map[string][]domain.Finding)
	for _, f := range findings {
		byHint[f.HintID] = append(byHint[f.HintID], f)
	}
	for i := range job.Hints {
		h := &job.Hints[i]
		if !enabled[h.Name] {
			continue
		}
		found := byHint[h.Name]
		h.Messages = append([]domain.Finding{}, found...)
		h.Status = statusOf(found)
	}
}

func statusOf(findings []domain.Finding) domain.HintStatus {
	if len(findings) == 0 {
		return domain.HintPass
	}
	for _, f := range findings {
		if f.Severity == domain.SeverityError {
			return domain.HintError
		}
	}
	return domain.HintWarning
}

// resolvePending sets every still pending enabled hint to status.
func resolvePending(job *domain.Job, enabled map[string]bool, status domain.HintStatus) {
	for i := range job.Hints {
		h := &job.Hints[i]
		if enabled[h.Name] && h.Status == domain.HintPending {
			h.Status = status
		}
	}
}
