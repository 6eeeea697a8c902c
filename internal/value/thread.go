package value

import "github.com/google/uuid"

// Frame is one activation of a Closure: its instruction pointer and the
// base slot into the owning thread's operand stack. Frames are created by
// CALL* and destroyed by RETURN* (spec §3 Lifecycles).
type Frame struct {
	Closure *Closure
	IP      int
	Base    int

	// ModuleName is non-empty when this frame is a module's top-level
	// closure; on RETURN the module loader caches the returned value
	// under this name into vm.modules (spec §4.7).
	ModuleName string
}

// ExceptionHandler records one try/except/finally region registered by
// OP_TRY. The compiler already flattens except/finally/implicit-rethrow
// into one linear landing sequence at CatchIP (see internal/compiler's
// tryStatement), so the VM only needs to know where to jump and that the
// handler is one-shot: it's popped the moment it's used, so a throw from
// inside the except/finally body propagates to the next OUTER handler
// instead of looping back on itself.
type ExceptionHandler struct {
	FrameCount int
	StackTop   int
	CatchIP    int
}

// PendingSetLocal is the side-stack a metamethod invocation uses to
// simulate a compound assignment (`t.x += 1` desugars to a GET_TABLE,
// ADD, SET_TABLE triplet where the final SET_TABLE must still target the
// original receiver/key even though a __index metamethod ran in between).
type PendingSetLocal struct {
	Receiver Value
	Key      Value
}

// ThreadStatus mirrors a coroutine's lifecycle.
type ThreadStatus int

const (
	ThreadSuspended ThreadStatus = iota
	ThreadRunning
	ThreadDead
)

// Thread is an execution context: its own operand stack, call frames,
// open-upvalue list and exception-handler stack. The VM's "current
// thread" pointer is swapped at resume/yield boundaries; no OS thread or
// stackful coroutine primitive is required (spec §9).
type Thread struct {
	ID string

	Stack    []Value
	Frames   []Frame
	OpenUpvalues *Upvalue

	Handlers []ExceptionHandler

	HasException bool
	Exception    Value

	Caller *Thread

	IsGenerator    bool
	GeneratorIndex int

	PendingSetLocal []PendingSetLocal

	Status ThreadStatus
}

const defaultStackSize = 4096

func NewThread() *Thread {
	return &Thread{
		ID:     uuid.NewString(),
		Stack:  make([]Value, 0, defaultStackSize),
		Frames: make([]Frame, 0, 64),
		Status: ThreadSuspended,
	}
}

func (t *Thread) CurrentFrame() *Frame {
	if len(t.Frames) == 0 {
		return nil
	}
	return &t.Frames[len(t.Frames)-1]
}

func (t *Thread) Push(v Value) {
	t.Stack = append(t.Stack, v)
}

func (t *Thread) Pop() Value {
	n := len(t.Stack) - 1
	v := t.Stack[n]
	t.Stack = t.Stack[:n]
	return v
}

func (t *Thread) Peek(distance int) Value {
	return t.Stack[len(t.Stack)-1-distance]
}

func (t *Thread) Top() int { return len(t.Stack) }

// TruncateTo drops the stack down to size n, closing any open upvalues
// that pointed at or above the discarded slots.
func (t *Thread) TruncateTo(n int) {
	t.CloseUpvaluesFrom(n)
	t.Stack = t.Stack[:n]
}

// CloseUpvaluesFrom closes every open upvalue whose backing slot is >= from.
func (t *Thread) CloseUpvaluesFrom(from int) {
	for t.OpenUpvalues != nil && t.OpenUpvalues.Slot >= from {
		uv := t.OpenUpvalues
		uv.Close()
		t.OpenUpvalues = uv.NextOpen
		uv.NextOpen = nil
	}
}

// CaptureUpvalue returns the open upvalue for slot, reusing an existing
// one if the thread's open-upvalue list (sorted by descending slot)
// already has it, or inserting a new one in sorted position otherwise.
func (t *Thread) CaptureUpvalue(slot int) *Upvalue {
	var prev *Upvalue
	cur := t.OpenUpvalues
	for cur != nil && cur.Slot > slot {
		prev = cur
		cur = cur.NextOpen
	}
	if cur != nil && cur.Slot == slot {
		return cur
	}
	uv := &Upvalue{Open: true, Thread: t, Slot: slot}
	uv.NextOpen = cur
	if prev == nil {
		t.OpenUpvalues = uv
	} else {
		prev.NextOpen = uv
	}
	return uv
}
