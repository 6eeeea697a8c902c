// Package vm implements Vela's stack-based bytecode interpreter (spec.md
// §4.6): the dispatch loop, call frames, metatable-driven GET/SET_TABLE,
// exception unwinding, coroutines/generators, and a mark/sweep collector
// over the VM's own heap-object registry.
//
// There is exactly one "current thread" at any instant (vm.current); a
// coroutine resume/yield or a generator step swaps it, matching the
// teacher's single-current-thread-pointer design in its own EnhancedVM
// (internal/vm/vm.go), generalized here to drive *value.Thread instead of
// a single flat stack.
package vm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sync/semaphore"

	"vela/internal/bytecode"
	"vela/internal/errors"
	"vela/internal/value"
)

// VM is the interpreter aggregate (spec §9 "confine everything to a VM
// aggregate"). It owns the globals table, the module cache, the set of
// live threads, and the GC registry; vm.current is swapped at coroutine
// resume/yield boundaries.
type VM struct {
	Globals *value.Table

	current *VMThread
	main    *VMThread
	parked  []*VMThread // threads blocked in a native call, kept for GC rooting (spec §4.6/§5)

	Modules ModuleRegistry

	gc gcState

	// GIL is a process-wide VM lock (spec §5 "conceptually a GIL"). A
	// single-goroutine embedder never contends on it; it exists so a
	// native that blocks can park its thread, release the lock, block,
	// and reacquire, per the protocol in spec §5.
	GIL *semaphore.Weighted

	Stdout *os.File
	Stderr *os.File

	interruptRequested bool

	// lastResultCount is how many values the most recently completed call
	// left on the operand stack, consulted by ADJUST_STACK (spec §4.2
	// multi-return normalization) since a Native only ever returns one Go
	// value while a closure's RETURN_N may leave several.
	lastResultCount int
}

// VMThread is an alias of value.Thread; it adds no VM-level fields of its
// own.
type VMThread = value.Thread

// ModuleRegistry is satisfied by internal/module.Registry; declared as an
// interface here so internal/vm and internal/module don't import each
// other (module.Registry calls back into the VM to run a source module's
// top-level closure).
type ModuleRegistry interface {
	Import(vm *VM, name string) (*value.Table, error)
}

func New() *VM {
	vm := &VM{
		Globals: value.NewTable(),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		GIL:     semaphore.NewWeighted(1),
	}
	vm.main = value.NewThread()
	vm.main.Status = value.ThreadRunning
	vm.current = vm.main
	vm.gc = newGCState()
	vm.registerBuiltins()
	return vm
}

// registerBuiltins wires the handful of always-available global functions
// spec.md's worked examples call directly (print, str, type), the way
// the teacher's own VM preloads a small builtin table before any script
// runs, rather than requiring an explicit import.
func (vm *VM) registerBuiltins() {
	vm.Globals.Set(value.NewString("print"), &value.Native{Name: "print", Fn: func(args []value.Value) (value.Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = value.PlainString(a)
		}
		vm.Stdout.WriteString(strings.Join(parts, " ") + "\n")
		return nil, nil
	}})
	vm.Globals.Set(value.NewString("str"), &value.Native{Name: "str", Fn: func(args []value.Value) (value.Value, error) {
		if len(args) == 0 {
			return value.NewString("nil"), nil
		}
		return value.NewString(value.PlainString(args[0])), nil
	}})
	vm.Globals.Set(value.NewString("type"), &value.Native{Name: "type", Fn: func(args []value.Value) (value.Value, error) {
		if len(args) == 0 {
			return value.NewString("nil"), nil
		}
		return value.NewString(value.TypeName(args[0])), nil
	}})
}

// SetModules wires the module registry (internal/module.NewRegistry(vm))
// once the embedder has constructed it; kept separate from New so
// internal/module can depend on internal/vm's exported VM type without a
// cycle back at package-init time.
func (vm *VM) SetModules(reg ModuleRegistry) { vm.Modules = reg }

// Current returns the thread presently driving the dispatch loop.
func (vm *VM) Current() *value.Thread { return vm.current }

// Interpret compiles-independent entry point: given an already-compiled
// top-level Function, wraps it in a closure, pushes it on the main
// thread, and drives it to completion (spec §6 `interpret`).
func (vm *VM) Interpret(fn *value.Function) (value.Value, error) {
	if err := vm.GIL.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	defer vm.GIL.Release(1)

	vm.current = vm.main
	closure := &value.Closure{Fn: fn, Upvalues: make([]*value.Upvalue, fn.UpvalueCount)}
	vm.track(closure)
	base := len(vm.current.Stack)
	vm.current.Push(closure)
	vm.current.Frames = append(vm.current.Frames, value.Frame{Closure: closure, IP: 0, Base: base, ModuleName: "__main__"})

	result, _, err := vm.run(len(vm.current.Frames)-1, false)
	if err != nil {
		vm.printTraceback(err)
		return nil, err
	}
	return result, nil
}

// RunModuleFunction drives a compiled source module's top-level closure
// to completion on the current thread (spec §4.7): `__name`/`__file`/
// `__main` are transiently bound in globals for the duration of the
// module body, restored to whatever they were before on return (nested
// imports need their own enclosing module's context back), and the
// module body's own `return <table>` becomes its exports table.
func (vm *VM) RunModuleFunction(fn *value.Function, name, file string) (*value.Table, error) {
	th := vm.current
	prevName, hadName := vm.Globals.Get(value.NewString("__name"))
	prevFile, hadFile := vm.Globals.Get(value.NewString("__file"))
	prevMain, hadMain := vm.Globals.Get(value.NewString("__main"))
	vm.Globals.Set(value.NewString("__name"), value.NewString(name))
	vm.Globals.Set(value.NewString("__file"), value.NewString(file))
	vm.Globals.Set(value.NewString("__main"), false)
	defer func() {
		restoreGlobal(vm.Globals, "__name", prevName, hadName)
		restoreGlobal(vm.Globals, "__file", prevFile, hadFile)
		restoreGlobal(vm.Globals, "__main", prevMain, hadMain)
	}()

	closure := &value.Closure{Fn: fn, Upvalues: make([]*value.Upvalue, fn.UpvalueCount)}
	vm.track(closure)
	base := len(th.Stack)
	th.Push(closure)
	th.Frames = append(th.Frames, value.Frame{Closure: closure, IP: 0, Base: base, ModuleName: name})

	minFrames := len(th.Frames) - 1
	result, _, err := vm.run(minFrames, false)
	if err != nil {
		return nil, err
	}
	tbl, ok := result.(*value.Table)
	if !ok {
		tbl = value.NewTable()
	}
	tbl.IsModule = true
	return tbl, nil
}

func restoreGlobal(g *value.Table, name string, prev value.Value, had bool) {
	if had {
		g.Set(value.NewString(name), prev)
	} else {
		g.Delete(value.NewString(name))
	}
}

// Interrupt requests that the dispatch loop raise a runtime error at the
// next instruction boundary (spec §5 "no opcode is preemptible").
func (vm *VM) Interrupt() { vm.interruptRequested = true }

// Blocking runs fn (a native module call that may block on I/O -- a db
// query, a socket read, time.sleep) outside the GIL, per spec §5's
// park/release/block/reacquire protocol: the current thread is recorded
// as parked (so GC still roots its stack while no dispatch loop is
// touching it), the GIL is released for the duration of fn, then
// reacquired before returning. Native modules in internal/stdlib call
// this instead of running blocking syscalls while holding the lock.
func (vm *VM) Blocking(fn func() (value.Value, error)) (value.Value, error) {
	th := vm.current
	vm.parked = append(vm.parked, th)
	vm.GIL.Release(1)
	res, err := fn()
	if aerr := vm.GIL.Acquire(context.Background(), 1); aerr != nil {
		return nil, aerr
	}
	for i, t := range vm.parked {
		if t == th {
			vm.parked = append(vm.parked[:i], vm.parked[i+1:]...)
			break
		}
	}
	return res, err
}

func (vm *VM) runtimeErrorf(frame *value.Frame, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	line, file := 0, ""
	if frame != nil && frame.Closure != nil {
		dbg := frame.Closure.Fn.Chunk.GetDebugInfo(frame.IP)
		line, file = dbg.Line, dbg.File
	}
	return errors.NewRuntimeError(msg, file, line, 0)
}

// frameDebug returns the DebugInfo recorded for byte offset at in frame's
// chunk; callers pass the offset they want (it is not derived from IP).
func frameDebug(frame *value.Frame, at int) bytecode.DebugInfo {
	return frame.Closure.Fn.Chunk.GetDebugInfo(at)
}
