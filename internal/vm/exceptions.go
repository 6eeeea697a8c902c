package vm

import (
	"fmt"
	"io"

	"vela/internal/value"
)

// raiseException unwinds th looking for the innermost handler registered
// by OP_TRY that still covers the current frame depth (spec §4.6
// try/except/finally). Handlers are one-shot: the match is popped before
// jumping, so a throw from inside the except/finally body (including an
// explicit rethrow) propagates to the next OUTER handler rather than
// looping back into the same one. Returns ok=false when no handler
// anywhere on th covers the throw, meaning it must propagate out of
// run() entirely.
func (vm *VM) raiseException(th *value.Thread, v value.Value) bool {
	for len(th.Handlers) > 0 {
		n := len(th.Handlers) - 1
		h := th.Handlers[n]
		th.Handlers = th.Handlers[:n]
		if h.FrameCount > len(th.Frames) {
			continue
		}
		th.Frames = th.Frames[:h.FrameCount]
		th.TruncateTo(h.StackTop)
		frame := th.CurrentFrame()
		if frame == nil {
			continue
		}
		frame.IP = h.CatchIP
		th.Push(v)
		return true
	}
	th.HasException = true
	th.Exception = v
	return false
}

// throwError wraps a Go error as a Vela string value (the simplest
// representation any `except name:` binding can inspect) and routes it
// through raiseException.
func (vm *VM) throwError(th *value.Thread, err error) (handled bool) {
	return vm.raiseException(th, value.NewString(err.Error()))
}

// printTraceback writes a best-effort call-stack dump for an error that
// escaped every handler on the main thread, in the `[line N] in <fn>`
// style spec.md's end-to-end examples show for an uncaught exception.
func (vm *VM) printTraceback(err error) {
	vm.printTracebackTo(vm.Stderr, err)
}

func (vm *VM) printTracebackTo(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %s\n", err.Error())
	th := vm.current
	if th == nil {
		return
	}
	for i := len(th.Frames) - 1; i >= 0; i-- {
		f := th.Frames[i]
		if f.Closure == nil {
			continue
		}
		line := f.Closure.Fn.Chunk.LineAt(f.IP - 1)
		name := f.Closure.Fn.Name
		if name == "" {
			name = "<anonymous>"
		}
		fmt.Fprintf(w, "  [line %d] in %s\n", line, name)
	}
}
