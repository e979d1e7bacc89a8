package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cwygoda/scanfarm/internal/clock"
	"github.com/cwygoda/scanfarm/internal/ctxlog"
	"github.com/cwygoda/scanfarm/internal/domain"
	"github.com/cwygoda/scanfarm/internal/metrics"
	"github.com/cwygoda/scanfarm/internal/queue"
	"github.com/cwygoda/scanfarm/internal/timesync"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecution reports result once, or never if hang is set.
type fakeExecution struct {
	done   chan Result
	killed bool
	mu     sync.Mutex
}

func (e *fakeExecution) Done() <-chan Result { return e.done }

func (e *fakeExecution) Kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.killed {
		e.killed = true
		e.done <- Result{Error: &ExecutionError{Kind: KindCrash, Message: "signal: killed"}}
	}
}

// fakeRunner hands out results in order. A nil entry hangs.
type fakeRunner struct {
	results  []*Result
	requests []Request
	started  []*fakeExecution
}

func (r *fakeRunner) Start(_ context.Context, req Request) (Execution, error) {
	r.requests = append(r.requests, req)
	exe := &fakeExecution{done: make(chan Result, 1)}
	r.started = append(r.started, exe)
	if len(r.results) > 0 {
		res := r.results[0]
		r.results = r.results[1:]
		if res != nil {
			exe.done <- *res
		}
	}
	return exe, nil
}

type recordingSender struct {
	msgs []domain.JobPart
	fail error
}

func (s *recordingSender) Send(_ context.Context, payload any) error {
	if s.fail != nil {
		return s.fail
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var part domain.JobPart
	if err := json.Unmarshal(data, &part); err != nil {
		return err
	}
	s.msgs = append(s.msgs, part)
	return nil
}

var queued = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// testPart is part 1 of 2: it runs a, b and the switched off c; hint x
// belongs to part 2.
func testPart() *domain.JobPart {
	return &domain.JobPart{
		Job: domain.Job{
			ID:     "job-1",
			URL:    "https://example.com/",
			Status: domain.StatusPending,
			Config: []domain.Config{{Hints: map[string]any{"a": "error", "b": "warning", "c": "off"}}},
			Hints: []domain.Hint{
				{Name: "a", Category: "other", Status: domain.HintPending, Messages: []domain.Finding{}},
				{Name: "b", Category: "other", Status: domain.HintPending, Messages: []domain.Finding{}},
				{Name: "x", Category: "other", Status: domain.HintPending, Messages: []domain.Finding{}},
			},
			Queued:     domain.TimePtr(queued),
			MaxRunTime: 60,
		},
		PartInfo: &domain.PartInfo{Part: 1, TotalParts: 2},
	}
}

type fixture struct {
	s        *Sandbox
	runner   *fakeRunner
	results  *recordingSender
	m        *metrics.Metrics
	cleanups int
}

func setup(t *testing.T, clk clock.Clock, results ...*Result) *fixture {
	t.Helper()
	logger := ctxlog.TestLogger(t)
	f := &fixture{
		runner:  &fakeRunner{results: results},
		results: &recordingSender{},
		m:       metrics.NewForTest(),
	}
	f.s = New(Deps{
		Runner:  f.runner,
		Results: f.results,
		Time:    timesync.New(nil, clock.NewManual(queued.Add(time.Second)), logger),
		Clock:   clk,
		Version: func() string { return "7.1.0" },
		Cleanup: func(context.Context) error {
			f.cleanups++
			return nil
		},
		Logger:  logger,
		Metrics: f.m,
	})
	return f
}

func hintStatuses(part domain.JobPart) map[string]domain.HintStatus {
	out := map[string]domain.HintStatus{}
	for _, h := range part.Hints {
		out[h.Name] = h.Status
	}
	return out
}

func TestRunPart_Success(t *testing.T) {
	f := setup(t, clock.Real(), &Result{Findings: []domain.Finding{
		{HintID: "a", Message: "bad", Severity: domain.SeverityError},
		{HintID: "a", Message: "meh", Severity: domain.SeverityWarning},
		{HintID: "unrelated", Message: "ignored", Severity: domain.SeverityError},
	}})

	require.NoError(t, f.s.RunPart(context.Background(), testPart()))
	require.Len(t, f.results.msgs, 2)

	started := f.results.msgs[0]
	assert.Equal(t, domain.StatusStarted, started.Status)
	assert.Equal(t, "7.1.0", started.ToolVersion)
	require.NotNil(t, started.Started)
	assert.True(t, started.Started.Equal(queued.Add(time.Second)))
	assert.Equal(t, map[string]domain.HintStatus{"a": domain.HintPending, "b": domain.HintPending}, hintStatuses(started))

	final := f.results.msgs[1]
	assert.Equal(t, domain.StatusFinished, final.Status)
	require.NotNil(t, final.Finished)
	assert.False(t, final.Finished.Before(*final.Started))
	assert.Equal(t, &domain.PartInfo{Part: 1, TotalParts: 2}, final.PartInfo)
	assert.Equal(t, map[string]domain.HintStatus{"a": domain.HintError, "b": domain.HintPass}, hintStatuses(final),
		"only this part's hints, resolved by highest severity")
	assert.Len(t, final.Hint("a").Messages, 2)
	assert.Empty(t, final.Hint("b").Messages)

	require.Len(t, f.runner.requests, 1)
	assert.Equal(t, "https://example.com/", f.runner.requests[0].URL)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.PartsExecuted.WithLabelValues("success")))
}

func TestRunPart_WarningOnly(t *testing.T) {
	f := setup(t, clock.Real(), &Result{Findings: []domain.Finding{
		{HintID: "b", Message: "hmm", Severity: domain.SeverityInformation},
	}})

	require.NoError(t, f.s.RunPart(context.Background(), testPart()))
	final := f.results.msgs[1]
	assert.Equal(t, domain.HintWarning, final.Hint("b").Status)
	assert.Equal(t, domain.HintPass, final.Hint("a").Status)
}

func TestRunPart_StartedTimeClamped(t *testing.T) {
	// The local clock lags the time the job was queued.
	f := setup(t, clock.Real(), &Result{})
	f.s.Time = timesync.New(nil, clock.NewManual(queued.Add(-time.Minute)), ctxlog.TestLogger(t))

	require.NoError(t, f.s.RunPart(context.Background(), testPart()))
	started, final := f.results.msgs[0], f.results.msgs[1]
	assert.True(t, started.Started.Equal(queued))
	assert.True(t, final.Finished.Equal(queued))
}

// runPastWatchdog runs part on a manual clock and moves the clock past
// the watchdog once it is armed with runTime.
func runPastWatchdog(t *testing.T, f *fixture, clk *clock.Manual, part *domain.JobPart, runTime time.Duration) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- f.s.RunPart(context.Background(), part) }()

	require.Eventually(t, func() bool { return len(clk.Pending()) == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []time.Duration{runTime}, clk.Pending())
	clk.Advance(runTime)
	require.NoError(t, <-errc)
}

func TestRunPart_Timeout(t *testing.T) {
	clk := clock.NewManual(queued)
	f := setup(t, clk, nil)

	runPastWatchdog(t, f, clk, testPart(), 60*time.Second)

	final := f.results.msgs[1]
	assert.Equal(t, domain.StatusFinished, final.Status)
	assert.Equal(t, map[string]domain.HintStatus{"a": domain.HintWarning, "b": domain.HintWarning}, hintStatuses(final))
	assert.Contains(t, final.Log, "timed out")
	assert.Empty(t, final.Errors)
	assert.True(t, f.runner.started[0].killed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.m.PartsExecuted.WithLabelValues("timeout")))
}

func TestRunPart_DefaultRunTime(t *testing.T) {
	clk := clock.NewManual(queued)
	f := setup(t, clk, nil)
	part := testPart()
	part.MaxRunTime = 0

	runPastWatchdog(t, f, clk, part, 180*time.Second)
	assert.Equal(t, domain.StatusFinished, f.results.msgs[1].Status)
}

func TestRunPart_WatchdogStopped(t *testing.T) {
	clk := clock.NewManual(queued)
	f := setup(t, clk, &Result{})

	require.NoError(t, f.s.RunPart(context.Background(), testPart()))
	assert.Equal(t, domain.StatusFinished, f.results.msgs[1].Status)
	assert.Empty(t, clk.Pending(), "the watchdog is cancelled once the execution reports")
}

func TestRunPart_Crash(t *testing.T) {
	f := setup(t, clock.Real(), &Result{Error: &ExecutionError{Kind: KindPanic, Message: "nil map", Details: "goroutine 1"}})

	require.NoError(t, f.s.RunPart(context.Background(), testPart()))

	final := f.results.msgs[1]
	assert.Equal(t, domain.StatusError, final.Status)
	assert.Equal(t, map[string]domain.HintStatus{"a": domain.HintError, "b": domain.HintError}, hintStatuses(final))
	require.Len(t, final.Errors, 1)
	assert.Equal(t, domain.KindExecutionCrash, final.Errors[0].Kind)
	assert.Contains(t, final.Errors[0].Message, "nil map")
	assert.Equal(t, "goroutine 1", final.Errors[0].Details)
	assert.Zero(t, f.cleanups)
}

func TestRunPart_NoInspectableTargetsRetriedOnce(t *testing.T) {
	noTargets := &Result{Error: &ExecutionError{Kind: KindNoTargets, Message: "no inspectable targets"}}

	f := setup(t, clock.Real(), noTargets, &Result{})
	require.NoError(t, f.s.RunPart(context.Background(), testPart()))
	assert.Len(t, f.runner.requests, 2)
	assert.Equal(t, 1, f.cleanups)
	assert.Equal(t, domain.StatusFinished, f.results.msgs[1].Status)

	f = setup(t, clock.Real(), noTargets, noTargets, &Result{})
	require.NoError(t, f.s.RunPart(context.Background(), testPart()))
	assert.Len(t, f.runner.requests, 2, "retried exactly once")
	assert.Equal(t, 1, f.cleanups)
	assert.Equal(t, domain.StatusError, f.results.msgs[1].Status)
}

func TestRunPart_InvalidConfig(t *testing.T) {
	f := setup(t, clock.Real())
	part := testPart()
	part.Config[0].Hints["b"] = "loud"

	require.NoError(t, f.s.RunPart(context.Background(), part))
	assert.Empty(t, f.runner.requests)
	assert.Equal(t, domain.StatusError, f.results.msgs[1].Status)
}

func TestRunPart_SendFailure(t *testing.T) {
	f := setup(t, clock.Real(), &Result{})
	f.results.fail = &queue.DeliveryError{Queue: "results", Attempts: 10, Err: errors.New("down")}

	err := f.s.RunPart(context.Background(), testPart())
	var derr *queue.DeliveryError
	assert.ErrorAs(t, err, &derr)
	assert.Empty(t, f.runner.requests, "nothing runs before the started message is out")
}

func TestRunPart_Canceled(t *testing.T) {
	f := setup(t, clock.Real(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, f.s.RunPart(ctx, testPart()), context.Canceled)
	assert.Len(t, f.results.msgs, 1, "no final message, the part is redelivered")
}

func TestHandle(t *testing.T) {
	f := setup(t, clock.Real(), &Result{})
	body, err := json.Marshal(testPart())
	require.NoError(t, err)

	err = f.s.Handle(context.Background(), []*queue.Message{
		{ID: 1, Body: []byte("{not json")},
		{ID: 2, Body: body},
	})
	require.NoError(t, err)
	assert.Len(t, f.results.msgs, 2)
}
