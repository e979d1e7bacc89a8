package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cwygoda/scanfarm/internal/ctxlog"
	"github.com/cwygoda/scanfarm/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource delivers each batch once, records handler results and
// then blocks until ctx ends or Stop is called.
type scriptedSource struct {
	batches [][]*queue.Message
	results []error
	stop    chan struct{}
	err     error
}

func newScriptedSource(batches ...[]*queue.Message) *scriptedSource {
	return &scriptedSource{batches: batches, stop: make(chan struct{})}
}

func (s *scriptedSource) Name() string { return "jobs" }

func (s *scriptedSource) Listen(ctx context.Context, handler queue.Handler, _ queue.ListenOptions) error {
	if s.err != nil {
		return s.err
	}
	for _, b := range s.batches {
		s.results = append(s.results, handler(ctx, b))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return nil
	}
}

func (s *scriptedSource) Stop() { close(s.stop) }

func TestWorker_RunUntilCanceled(t *testing.T) {
	src := newScriptedSource([]*queue.Message{{ID: 1}}, []*queue.Message{{ID: 2}, {ID: 3}})
	var seen []int64
	handler := func(_ context.Context, msgs []*queue.Message) error {
		for _, m := range msgs {
			seen = append(seen, m.ID)
		}
		return nil
	}
	w := New("sandbox", src, handler, queue.DefaultListenOptions(), ctxlog.TestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestWorker_Stop(t *testing.T) {
	src := newScriptedSource()
	w := New("synchronizer", src, func(context.Context, []*queue.Message) error { return nil },
		queue.DefaultListenOptions(), ctxlog.TestLogger(t))

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	w.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_PanicRecovered(t *testing.T) {
	src := newScriptedSource([]*queue.Message{{ID: 1}}, []*queue.Message{{ID: 2}})
	handler := func(_ context.Context, msgs []*queue.Message) error {
		if msgs[0].ID == 1 {
			panic("poisoned message")
		}
		return nil
	}
	w := New("sandbox", src, handler, queue.DefaultListenOptions(), ctxlog.TestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	require.Len(t, src.results, 2)
	assert.ErrorContains(t, src.results[0], "poisoned message")
	assert.NoError(t, src.results[1], "the worker keeps consuming after a panic")
}

func TestWorker_ListenError(t *testing.T) {
	src := newScriptedSource()
	src.err = queue.ErrAlreadyListening
	w := New("sandbox", src, func(context.Context, []*queue.Message) error { return nil },
		queue.DefaultListenOptions(), ctxlog.TestLogger(t))

	err := w.Run(context.Background())
	assert.True(t, errors.Is(err, queue.ErrAlreadyListening))
}
