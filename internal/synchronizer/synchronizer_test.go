package synchronizer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwygoda/scanfarm/internal/adapter/sqlite"
	"github.com/cwygoda/scanfarm/internal/clock"
	"github.com/cwygoda/scanfarm/internal/ctxlog"
	"github.com/cwygoda/scanfarm/internal/domain"
	"github.com/cwygoda/scanfarm/internal/lock"
	"github.com/cwygoda/scanfarm/internal/metrics"
	"github.com/cwygoda/scanfarm/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIssues struct {
	issues []domain.Issue
	err    error
}

func (f *fakeIssues) Report(_ context.Context, issue domain.Issue) error {
	f.issues = append(f.issues, issue)
	return f.err
}

type fakeAcker struct {
	deleted []int64
	dead    []int64
}

func (a *fakeAcker) Delete(_ context.Context, msg *queue.Message) error {
	a.deleted = append(a.deleted, msg.ID)
	return nil
}

func (a *fakeAcker) DeadLetter(_ context.Context, msg *queue.Message) error {
	a.dead = append(a.dead, msg.ID)
	return nil
}

type instantTimer struct{ c chan time.Time }

func (t *instantTimer) Start(time.Duration) { t.c <- time.Time{} }
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	s      *Synchronizer
	repo   *sqlite.Repository
	locks  *lock.Manager
	issues *fakeIssues
	acker  *fakeAcker
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "scanfarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := ctxlog.TestLogger(t)
	clk := clock.NewManual(base)
	m := metrics.NewForTest()
	f := &fixture{
		repo:   sqlite.NewRepository(db),
		locks:  lock.NewManager(sqlite.NewLeaseStore(db), lock.Options{Timer: &instantTimer{c: make(chan time.Time, 1)}}, clk, logger, m),
		issues: &fakeIssues{},
		acker:  &fakeAcker{},
	}
	f.s = New(Deps{
		Jobs:     f.repo,
		Locks:    f.locks,
		Issues:   f.issues,
		Queue:    f.acker,
		Clock:    clk,
		NotFound: NotFoundPolicy{MaxDeliveries: 3},
		Logger:   logger,
		Metrics:  m,
	})
	return f
}

// storedJob has hints a and b in part 1 and c in part 2.
func storedJob(t *testing.T, f *fixture) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:     "job-1",
		URL:    "https://example.com/",
		Status: domain.StatusPending,
		Config: []domain.Config{
			{Hints: map[string]any{"a": "error", "b": "error"}},
			{Hints: map[string]any{"c": "error"}},
		},
		Hints: []domain.Hint{
			{Name: "a", Category: "other", Status: domain.HintPending, Messages: []domain.Finding{}},
			{Name: "b", Category: "other", Status: domain.HintPending, Messages: []domain.Finding{}},
			{Name: "c", Category: "other", Status: domain.HintPending, Messages: []domain.Finding{}},
		},
		Queued:     domain.TimePtr(base),
		MaxRunTime: 180,
	}
	require.NoError(t, f.repo.Create(context.Background(), job))
	return job
}

func partMsg(job *domain.Job, part int, status domain.JobStatus, hints ...domain.Hint) *domain.JobPart {
	c := job.Clone()
	c.Config = c.Config[part-1 : part]
	c.Status = status
	c.Hints = hints
	return &domain.JobPart{Job: *c, PartInfo: &domain.PartInfo{Part: part, TotalParts: 2}}
}

func startedMsg(job *domain.Job, part int, at time.Time) *domain.JobPart {
	m := partMsg(job, part, domain.StatusStarted)
	m.Started = domain.TimePtr(at)
	m.ToolVersion = "7.1.0"
	return m
}

func finalMsg(job *domain.Job, part int, status domain.JobStatus, at time.Time, hints ...domain.Hint) *domain.JobPart {
	m := partMsg(job, part, status, hints...)
	m.Started = domain.TimePtr(at.Add(-time.Second))
	m.Finished = domain.TimePtr(at)
	return m
}

func hint(name string, status domain.HintStatus, messages ...string) domain.Hint {
	h := domain.Hint{Name: name, Category: "other", Status: status, Messages: []domain.Finding{}}
	for _, m := range messages {
		h.Messages = append(h.Messages, domain.Finding{HintID: name, Message: m, Severity: domain.SeverityError})
	}
	return h
}

func (f *fixture) get(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestMerge_StartedEarliestWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := storedJob(t, f)

	require.NoError(t, f.s.Merge(ctx, startedMsg(job, 2, base.Add(5*time.Second)), 1))
	got := f.get(t, job.ID)
	assert.Equal(t, domain.StatusStarted, got.Status)
	assert.Equal(t, "7.1.0", got.ToolVersion)
	assert.True(t, got.Started.Equal(base.Add(5*time.Second)))

	later := startedMsg(job, 1, base.Add(2*time.Second))
	later.ToolVersion = "8.0.0"
	require.NoError(t, f.s.Merge(ctx, later, 1))
	got = f.get(t, job.ID)
	assert.True(t, got.Started.Equal(base.Add(2*time.Second)), "earliest part wins")
	assert.Equal(t, "7.1.0", got.ToolVersion, "version only recorded on the first transition")

	require.NoError(t, f.s.Merge(ctx, startedMsg(job, 1, base.Add(9*time.Second)), 1))
	assert.True(t, f.get(t, job.ID).Started.Equal(base.Add(2*time.Second)))
}

func TestMerge_CompletesWhenAllHintsResolved(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := storedJob(t, f)

	require.NoError(t, f.s.Merge(ctx, startedMsg(job, 1, base), 1))
	require.NoError(t, f.s.Merge(ctx, finalMsg(job, 1, domain.StatusFinished, base.Add(20*time.Second),
		hint("a", domain.HintPass), hint("b", domain.HintError, "bad")), 1))

	got := f.get(t, job.ID)
	assert.Equal(t, domain.StatusStarted, got.Status, "c is still pending")
	assert.Equal(t, domain.HintError, got.Hint("b").Status)
	assert.Len(t, got.Hint("b").Messages, 1)
	assert.Equal(t, domain.HintPending, got.Hint("c").Status)

	require.NoError(t, f.s.Merge(ctx, finalMsg(job, 2, domain.StatusFinished, base.Add(10*time.Second),
		hint("c", domain.HintWarning, "meh")), 1))

	got = f.get(t, job.ID)
	assert.Equal(t, domain.StatusFinished, got.Status)
	assert.True(t, got.Finished.Equal(base.Add(20*time.Second)), "latest part wins")
	require.Len(t, f.issues.issues, 1)
	assert.Equal(t, domain.IssueResolved, f.issues.issues[0].Kind)
}

func TestMerge_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := storedJob(t, f)

	msg := finalMsg(job, 1, domain.StatusError, base.Add(20*time.Second),
		hint("a", domain.HintError), hint("b", domain.HintError))
	msg.Errors = []domain.ErrorRecord{{Kind: domain.KindExecutionCrash, Message: "crashed", At: base.Add(20 * time.Second)}}
	msg.Log = "part 1 crashed"

	require.NoError(t, f.s.Merge(ctx, msg, 1))
	once := f.get(t, job.ID)

	// Redelivered copy with different content for an already resolved hint.
	dup := finalMsg(job, 1, domain.StatusError, base.Add(20*time.Second),
		hint("a", domain.HintPass), hint("b", domain.HintError))
	dup.Errors = msg.Errors
	dup.Log = msg.Log
	require.NoError(t, f.s.Merge(ctx, dup, 2))
	twice := f.get(t, job.ID)

	assert.Equal(t, once, twice)
	assert.Equal(t, domain.HintError, twice.Hint("a").Status)
	assert.Len(t, twice.Errors, 1)
	assert.Equal(t, "part 1 crashed", twice.Log)
	require.Len(t, f.issues.issues, 1, "error reported once")
	assert.Equal(t, domain.IssueError, f.issues.issues[0].Kind)
}

func TestMerge_ErrorWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := storedJob(t, f)

	crashed := finalMsg(job, 1, domain.StatusError, base.Add(20*time.Second),
		hint("a", domain.HintError), hint("b", domain.HintError))
	crashed.Errors = []domain.ErrorRecord{{Kind: domain.KindExecutionCrash, Message: "crashed", At: base}}
	require.NoError(t, f.s.Merge(ctx, crashed, 1))
	require.NoError(t, f.s.Merge(ctx, finalMsg(job, 2, domain.StatusFinished, base.Add(30*time.Second),
		hint("c", domain.HintPass)), 1))

	got := f.get(t, job.ID)
	assert.Equal(t, domain.StatusError, got.Status, "a recorded error makes the job fail")
	for _, issue := range f.issues.issues {
		assert.NotEqual(t, domain.IssueResolved, issue.Kind)
	}
}

func TestMerge_FragmentsAndOrdering(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := storedJob(t, f)

	// Part 2 finishes before part 1 even reports started; part 1 comes
	// in two fragments.
	require.NoError(t, f.s.Merge(ctx, finalMsg(job, 2, domain.StatusFinished, base.Add(5*time.Second), hint("c", domain.HintPass)), 1))
	require.NoError(t, f.s.Merge(ctx, finalMsg(job, 1, domain.StatusFinished, base.Add(9*time.Second), hint("a", domain.HintPass)), 1))
	assert.Equal(t, domain.StatusPending, f.get(t, job.ID).Status)

	require.NoError(t, f.s.Merge(ctx, finalMsg(job, 1, domain.StatusFinished, base.Add(9*time.Second), hint("b", domain.HintPass)), 1))
	assert.Equal(t, domain.StatusFinished, f.get(t, job.ID).Status)

	// A late started message does not reopen the job.
	require.NoError(t, f.s.Merge(ctx, startedMsg(job, 1, base.Add(time.Second)), 1))
	got := f.get(t, job.ID)
	assert.Equal(t, domain.StatusFinished, got.Status)
	assert.True(t, got.Started.Equal(base.Add(time.Second)))
}

func TestMerge_ReleasesLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := storedJob(t, f)

	require.NoError(t, f.s.Merge(ctx, startedMsg(job, 1, base), 1))
	assert.ErrorIs(t, f.s.Merge(ctx, startedMsg(&domain.Job{ID: "missing", Config: job.Config}, 1, base), 1), ErrRedeliver)

	for _, id := range []string{job.ID, "missing"} {
		l, err := f.locks.Acquire(ctx, lock.JobKey(id))
		require.NoError(t, err)
		f.locks.Release(ctx, l)
	}
}

func TestMerge_LockHeld(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := storedJob(t, f)

	held, err := f.locks.Acquire(ctx, lock.JobKey(job.ID))
	require.NoError(t, err)
	defer f.locks.Release(ctx, held)

	var aerr *lock.AcquisitionError
	assert.ErrorAs(t, f.s.Merge(ctx, startedMsg(job, 1, base), 1), &aerr)
	assert.Equal(t, domain.StatusPending, f.get(t, job.ID).Status)
}

func TestMerge_IssueReportFailureIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := storedJob(t, f)
	f.issues.err = errors.New("tracker down")

	msg := finalMsg(job, 1, domain.StatusError, base, hint("a", domain.HintError), hint("b", domain.HintError))
	msg.Errors = []domain.ErrorRecord{{Kind: domain.KindExecutionCrash, Message: "crashed", At: base}}
	require.NoError(t, f.s.Merge(ctx, msg, 1))
	assert.Len(t, f.get(t, job.ID).Errors, 1)
}

func message(t *testing.T, id int64, deliveries int, part *domain.JobPart) *queue.Message {
	body, err := json.Marshal(part)
	require.NoError(t, err)
	return &queue.Message{ID: id, Body: body, Deliveries: deliveries}
}

func TestHandle_Settles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := storedJob(t, f)
	unknown := &domain.Job{ID: "gone", Config: job.Config}

	err := f.s.Handle(ctx, []*queue.Message{
		message(t, 1, 1, startedMsg(job, 1, base)),
		{ID: 2, Body: []byte("garbage")},
		message(t, 3, 1, startedMsg(unknown, 1, base)),
		message(t, 4, 3, startedMsg(unknown, 1, base)),
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, f.acker.deleted)
	assert.Equal(t, []int64{4}, f.acker.dead, "dead-lettered once the policy gives up")
	assert.Equal(t, domain.StatusStarted, f.get(t, job.ID).Status)
}

func TestHandle_FailureLeavesMessage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	job := storedJob(t, f)

	held, err := f.locks.Acquire(ctx, lock.JobKey(job.ID))
	require.NoError(t, err)
	defer f.locks.Release(ctx, held)

	require.NoError(t, f.s.Handle(ctx, []*queue.Message{message(t, 1, 1, startedMsg(job, 1, base))}))
	assert.Empty(t, f.acker.deleted)
	assert.Empty(t, f.acker.dead)
}
