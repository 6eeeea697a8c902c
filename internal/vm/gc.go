package vm

import "vela/internal/value"

// gcState is the collector's bookkeeping: a registry of every heap object
// the VM has allocated (spec §4.6 "maybe_collect_garbage" is triggered at
// object-creation opcodes), a rough byte cost per entry, and the
// allocation-driven threshold. Go's own runtime already tracks real
// reachability for memory-safety purposes; this registry exists so the
// VM can observe and test the same mark/sweep *contract* the spec
// describes (bytes_allocated, next_gc, idempotent back-to-back
// collections) against its own object graph, and so sweeping an
// unreached entry drops the registry's reference to it, letting Go's
// collector reclaim the underlying memory on its own next cycle.
type gcState struct {
	objects   []interface{}
	sizes     map[interface{}]int
	allocated int
	nextGC    int
	disabled  bool
}

const gcFloor = 1 << 20 // 1 MiB floor (spec §4.6)

func newGCState() gcState {
	return gcState{
		sizes:  make(map[interface{}]int),
		nextGC: gcFloor,
	}
}

// estimateSize gives a rough byte cost for accounting purposes only; it
// need not be exact, only monotonic with object growth.
func estimateSize(v interface{}) int {
	switch t := v.(type) {
	case *value.String:
		return 32 + len(t.Chars)
	case *value.Table:
		return 64
	case *value.Closure:
		return 48 + 8*len(t.Upvalues)
	case *value.Upvalue:
		return 32
	case *value.Thread:
		return 256
	case *value.Userdata:
		return 48
	case *value.BoundMethod:
		return 24
	case *value.Range:
		return 24
	default:
		return 16
	}
}

// track registers a freshly allocated heap object with the collector and
// charges its estimated size against bytes_allocated.
func (vm *VM) track(obj interface{}) {
	if obj == nil {
		return
	}
	g := &vm.gc
	g.objects = append(g.objects, obj)
	size := estimateSize(obj)
	g.sizes[obj] = size
	g.allocated += size
}

// maybeCollect runs CollectGarbage if bytes_allocated has crossed the
// threshold; called after every ObjectCreating() opcode (spec §4.6).
func (vm *VM) maybeCollect() {
	if vm.gc.disabled {
		return
	}
	if vm.gc.allocated > vm.gc.nextGC {
		vm.CollectGarbage()
	}
}

// GCStats is the observable result of a collection, exposed for tests and
// the `gc` opcode's diagnostics.
type GCStats struct {
	Live   int
	NextGC int
}

// CollectGarbage performs one stop-the-world mark/sweep pass: mark roots
// (current thread, parked threads, globals, module cache, metamethod
// name constants interned in reservedMetamethodNames), then keep only
// the registry entries that were marked, recomputing bytes_allocated from
// what survived and setting next_gc = 2*live, clamped to the 1 MiB floor.
func (vm *VM) CollectGarbage() GCStats {
	marked := make(map[interface{}]bool, len(vm.gc.objects))
	m := &marker{seen: marked}

	m.MarkValue(vm.Globals)
	if vm.current != nil {
		m.markThread(vm.current)
	}
	if vm.main != nil {
		m.markThread(vm.main)
	}
	for _, t := range vm.parked {
		m.markThread(t)
	}
	if vm.Modules != nil {
		if mc, ok := vm.Modules.(interface{ MarkModules(value.Marker) }); ok {
			mc.MarkModules(m)
		}
	}
	for _, n := range reservedMetamethodNames {
		m.MarkValue(n)
	}

	live := vm.gc.objects[:0]
	liveBytes := 0
	for _, obj := range vm.gc.objects {
		if marked[obj] {
			live = append(live, obj)
			liveBytes += vm.gc.sizes[obj]
		} else {
			delete(vm.gc.sizes, obj)
		}
	}
	vm.gc.objects = live
	vm.gc.allocated = liveBytes
	vm.gc.nextGC = liveBytes * 2
	if vm.gc.nextGC < gcFloor {
		vm.gc.nextGC = gcFloor
	}
	return GCStats{Live: liveBytes, NextGC: vm.gc.nextGC}
}

// marker implements value.Marker, the seam Userdata.MarkHook uses to keep
// values reachable only through host-side state alive without
// internal/value importing internal/vm.
type marker struct {
	seen map[interface{}]bool
}

func (m *marker) MarkValue(v value.Value) {
	switch t := v.(type) {
	case nil, bool, float64:
		return
	case *value.String:
		m.mark(t)
	case *value.Table:
		if m.mark(t) {
			return
		}
		t.Pairs(func(k, v value.Value) bool {
			m.MarkValue(k)
			m.MarkValue(v)
			return true
		})
		if t.Metatable != nil {
			m.MarkValue(t.Metatable)
		}
	case *value.Function:
		m.mark(t)
	case *value.Closure:
		if m.mark(t) {
			return
		}
		m.MarkValue(t.Fn)
		for _, uv := range t.Upvalues {
			m.markUpvalue(uv)
		}
	case *value.Native:
		m.mark(t)
	case *value.BoundMethod:
		if m.mark(t) {
			return
		}
		m.MarkValue(t.Receiver)
		m.MarkValue(t.Callable)
	case *value.Thread:
		m.markThread(t)
	case *value.Range:
		m.mark(t)
	case *value.Userdata:
		if m.mark(t) {
			return
		}
		if t.Metatable != nil {
			m.MarkValue(t.Metatable)
		}
		if t.MarkHook != nil {
			t.MarkHook(t, m)
		}
	}
}

// mark records obj as reached and reports whether it had already been
// marked (so callers can skip re-walking its children).
func (m *marker) mark(obj interface{}) bool {
	if m.seen[obj] {
		return true
	}
	m.seen[obj] = true
	return false
}

func (m *marker) markUpvalue(uv *value.Upvalue) {
	if uv == nil {
		return
	}
	if uv.Open {
		m.MarkValue(uv.Thread.Stack[uv.Slot])
		return
	}
	m.MarkValue(uv.Closed)
}

func (m *marker) markThread(t *value.Thread) {
	if t == nil || m.mark(t) {
		return
	}
	for _, v := range t.Stack {
		m.MarkValue(v)
	}
	for _, f := range t.Frames {
		m.MarkValue(f.Closure)
	}
	for uv := t.OpenUpvalues; uv != nil; uv = uv.NextOpen {
		m.markUpvalue(uv)
	}
	m.MarkValue(t.Exception)
	for _, p := range t.PendingSetLocal {
		m.MarkValue(p.Receiver)
		m.MarkValue(p.Key)
	}
	if t.Caller != nil {
		m.markThread(t.Caller)
	}
}
