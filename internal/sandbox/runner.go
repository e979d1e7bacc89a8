package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cwygoda/scanfarm/internal/codec"
	"github.com/cwygoda/scanfarm/internal/domain"
)

// Execution error kinds.
const (
	KindEngine    = "engine"
	KindPanic     = "panic"
	KindNoTargets = "no-inspectable-targets"
	KindCrash     = "crash"
	KindProtocol  = "protocol"
)

// Request is what the execution context receives.
type Request struct {
	URL    string        `json:"url"`
	Config domain.Config `json:"config"`
}

// Result is what the execution context sends back.
type Result struct {
	Findings []domain.Finding `json:"findings,omitempty"`
	Error    *ExecutionError  `json:"error,omitempty"`
}

// ExecutionError is a failure inside the execution context.
type ExecutionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *ExecutionError) Error() string {
	return e.Kind + ": " + e.Message
}

// Runner starts isolated executions of the audit engine.
type Runner interface {
	Start(ctx context.Context, req Request) (Execution, error)
}

// Execution is one running execution context. Done yields exactly one
// Result, also after Kill.
type Execution interface {
	Done() <-chan Result
	Kill()
}

// stderrTail is how much of the child's stderr is kept for crash
// reports.
const stderrTail = 8 << 10

// ProcessRunner runs each execution as a child process in its own
// process group. The request is written to the child's stdin and the
// result read from its stdout, both CBOR encoded.
type ProcessRunner struct {
	path string
	args []string
	env  []string
}

// NewProcessRunner returns a runner spawning path with args. An empty
// path means the running executable.
func NewProcessRunner(path string, args []string, env []string) (*ProcessRunner, error) {
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	return &ProcessRunner{path: path, args: args, env: env}, nil
}

type process struct {
	cancel context.CancelFunc
	done   chan Result
}

func (p *process) Done() <-chan Result { return p.done }

func (p *process) Kill() { p.cancel() }

// Start spawns the child. Canceling ctx or calling Kill on the returned
// execution kills the whole process group.
func (r *ProcessRunner) Start(ctx context.Context, req Request) (Execution, error) {
	input, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, r.path, r.args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), r.env...)
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", r.path, err)
	}

	p := &process{cancel: cancel, done: make(chan Result, 1)}
	go func() {
		defer cancel()
		waitErr := cmd.Wait()
		p.done <- decodeResult(stdout.Bytes(), waitErr, stderr.String())
	}()
	return p, nil
}

func decodeResult(stdout []byte, waitErr error, stderr string) Result {
	var res Result
	decodeErr := codec.NewDecoder(bytes.NewReader(stdout)).Decode(&res)
	if decodeErr == nil && (res.Error != nil || waitErr == nil) {
		return res
	}
	cause := waitErr
	if cause == nil {
		cause = decodeErr
	}
	return Result{Error: &ExecutionError{
		Kind:    KindCrash,
		Message: fmt.Sprintf("execution context exited: %v", cause),
		Details: stderr,
	}}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
