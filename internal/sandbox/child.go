package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/cwygoda/scanfarm/internal/codec"
	"github.com/cwygoda/scanfarm/internal/domain"
)

// RunChild is the execution context side: it reads one Request from in,
// runs engine and writes one Result to out. It returns the process exit
// code, non-zero whenever the result carries an error. Panics in the
// engine are turned into a result.
func RunChild(ctx context.Context, in io.Reader, out io.Writer, engine domain.Engine) int {
	var req Request
	if err := codec.NewDecoder(in).Decode(&req); err != nil {
		codec.NewEncoder(out).Encode(Result{Error: &ExecutionError{
			Kind:    KindProtocol,
			Message: fmt.Sprintf("decode request: %v", err),
		}})
		return 2
	}

	res := runEngine(ctx, engine, req)
	if err := codec.NewEncoder(out).Encode(res); err != nil {
		return 3
	}
	if res.Error != nil {
		return 1
	}
	return 0
}

func runEngine(ctx context.Context, engine domain.Engine, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Error: &ExecutionError{
				Kind:    KindPanic,
				Message: fmt.Sprint(r),
				Details: string(debug.Stack()),
			}}
		}
	}()

	findings, err := engine.Execute(ctx, req.URL, req.Config)
	if err != nil {
		kind := KindEngine
		if errors.Is(err, domain.ErrNoInspectableTargets) {
			kind = KindNoTargets
		}
		return Result{Error: &ExecutionError{Kind: kind, Message: err.Error()}}
	}
	return Result{Findings: findings}
}
