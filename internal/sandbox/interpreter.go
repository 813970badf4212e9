package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.starlark.net/starlark"

	"github.com/reasonance-lab/streamcoder/internal/program"
)

// cancelGrace is how long a cancelled thread may take to observe the
// cancellation before the run is reported without waiting for it. A thread
// only checks between steps, so a slow built-in can overrun.
const cancelGrace = 500 * time.Millisecond

// memoryPoll is how often heap growth is sampled while a run has a memory
// cap.
const memoryPoll = 10 * time.Millisecond

type stopCause int32

const (
	causeNone stopCause = iota
	causeTimeout
	causeCancelled
	causeSteps
	causeMemory
)

// Interpreter runs programs in-process on a fresh Starlark thread per run.
// The only names visible to a program are the universe built-ins and the
// import function bound to the program's own capability table.
type Interpreter struct{}

// NewInterpreter returns an in-process executor.
func NewInterpreter() *Interpreter { return &Interpreter{} }

func (in *Interpreter) Name() string { return "interpreter" }

// Execute runs prog to completion, timeout, or cancellation of ctx.
func (in *Interpreter) Execute(ctx context.Context, prog *program.Rewritten, limits ExecutionLimits) *ExecutionResult {
	out := newCappedBuffer(limits.MaxOutputBytes).observed(ctx)
	res := in.run(ctx, prog, limits, out)
	res.Output = out.String()
	res.Truncated = out.Truncated()
	return res
}

// run executes prog writing printed lines to w. Output and Truncated are
// left for the caller to fill.
func (in *Interpreter) run(ctx context.Context, prog *program.Rewritten, limits ExecutionLimits, w io.Writer) *ExecutionResult {
	res := &ExecutionResult{
		RunID:         uuid.New().String(),
		Isolation:     in.Name(),
		PolicyVersion: prog.PolicyVersion,
		StartedAt:     time.Now().UTC(),
	}

	var cause atomic.Int32
	stop := func(thread *starlark.Thread, c stopCause, reason string) {
		cause.CompareAndSwap(int32(causeNone), int32(c))
		thread.Cancel(reason)
	}

	thread := &starlark.Thread{
		Name: res.RunID,
		Print: func(_ *starlark.Thread, msg string) {
			io.WriteString(w, msg+"\n")
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load not permitted: %s", module)
		},
	}
	if limits.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(limits.MaxSteps)
		thread.OnMaxSteps = func(th *starlark.Thread) {
			stop(th, causeSteps, "too many steps")
		}
	}

	runCtx := ctx
	if limits.MaxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limits.MaxDuration)
		defer cancel()
	}
	if limits.MaxMemoryMB > 0 {
		stopWatch := watchMemory(uint64(limits.MaxMemoryMB)<<20, func() {
			stop(thread, causeMemory, "memory limit exceeded")
		})
		defer stopWatch()
	}

	predeclared := starlark.StringDict{program.ImportFunc: importFunc(prog.Bindings)}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r, stack: debug.Stack()}
			}
		}()
		done <- runProgram(thread, prog, predeclared)
	}()

	var (
		err       error
		abandoned bool
	)
	select {
	case err = <-done:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			stop(thread, causeCancelled, "cancelled")
		} else {
			stop(thread, causeTimeout, "timeout")
		}
		select {
		case err = <-done:
		case <-time.After(cancelGrace):
			abandoned = true
			err = errors.New("thread did not stop after cancellation")
		}
	}

	res.Duration = time.Since(res.StartedAt)
	if !abandoned {
		res.Steps = thread.ExecutionSteps()
	}
	classify(res, err, stopCause(cause.Load()), limits)
	return res
}

// watchMemory calls exceeded once the live heap grows more than limit
// bytes past its size at the call. The heap is re-measured after a forced
// collection before firing so garbage alone does not trip it. The returned
// func stops the watcher.
func watchMemory(limit uint64, exceeded func()) func() {
	base := heapBytes()
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(memoryPoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			if heapBytes() <= base+limit {
				continue
			}
			runtime.GC()
			if heapBytes() > base+limit {
				exceeded()
				return
			}
		}
	}()
	return func() { close(done) }
}

// heapBytes reports the bytes held by heap objects, live or not yet swept.
func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

func runProgram(thread *starlark.Thread, prog *program.Rewritten, predeclared starlark.StringDict) error {
	compiled := prog.Compiled
	if compiled == nil {
		var err error
		_, compiled, err = starlark.SourceProgramOptions(program.FileOptions(), prog.Filename, prog.Text, predeclared.Has)
		if err != nil {
			return &compileError{err: err}
		}
	}
	_, err := compiled.Init(thread, predeclared)
	return err
}

// importFunc serves the capabilities granted at rewrite time by slot.
func importFunc(bindings []program.Binding) *starlark.Builtin {
	return starlark.NewBuiltin(program.ImportFunc, func(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var slot int
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &slot); err != nil {
			return nil, err
		}
		if slot < 0 || slot >= len(bindings) || bindings[slot].Capability == nil {
			return nil, fmt.Errorf("%s: no import bound to slot %d", fn.Name(), slot)
		}
		return bindings[slot].Capability, nil
	})
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("interpreter panic: %v", e.value) }

type compileError struct{ err error }

func (e *compileError) Error() string { return e.err.Error() }
func (e *compileError) Unwrap() error { return e.err }

// classify turns the outcome of a run into a status and error detail.
func classify(res *ExecutionResult, err error, cause stopCause, limits ExecutionLimits) {
	if err == nil {
		res.Status = StatusSucceeded
		return
	}

	switch cause {
	case causeTimeout:
		res.Status = StatusTimedOut
		res.Partial = true
		res.Error = &ErrorDetail{Kind: KindTimedOut, Message: fmt.Sprintf("execution exceeded %s", limits.MaxDuration)}
		return
	case causeCancelled:
		res.Status = StatusFailed
		res.Partial = true
		res.Error = &ErrorDetail{Kind: KindCancelled, Message: "execution cancelled"}
		return
	case causeSteps:
		res.Status = StatusFailed
		res.Partial = true
		res.Error = &ErrorDetail{Kind: KindResourceExceeded, Message: fmt.Sprintf("execution exceeded %d steps", limits.MaxSteps)}
		return
	case causeMemory:
		res.Status = StatusFailed
		res.Partial = true
		res.Error = &ErrorDetail{Kind: KindResourceExceeded, Message: fmt.Sprintf("memory limit of %d MB exceeded", limits.MaxMemoryMB)}
		return
	}

	res.Status = StatusFailed
	var (
		evalErr *starlark.EvalError
		pErr    *panicError
		cErr    *compileError
	)
	switch {
	case errors.As(err, &evalErr):
		d := &ErrorDetail{Kind: KindUncaughtException, Message: evalErr.Msg, Traceback: evalErr.Backtrace()}
		for i := 0; i < len(evalErr.CallStack); i++ {
			fr := evalErr.CallStack.At(i)
			if fr.Pos.Filename() == program.Filename {
				d.Line, d.Col = int(fr.Pos.Line), int(fr.Pos.Col)
				break
			}
		}
		res.Error = d
	case errors.As(err, &pErr):
		res.Error = &ErrorDetail{Kind: KindInternal, Message: pErr.Error(), Traceback: string(pErr.stack)}
	case errors.As(err, &cErr):
		res.Error = &ErrorDetail{Kind: KindParseError, Message: cErr.Error()}
	default:
		res.Error = &ErrorDetail{Kind: KindUncaughtException, Message: err.Error()}
	}
}
