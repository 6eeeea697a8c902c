package vm

import "vela/internal/value"

// Only generators (a function containing `yield`, spec §8 example 2) are
// implemented; there is no general-purpose coroutine.create/resume/yield
// stdlib surface, since none of spec.md's tested scenarios need a
// coroutine that isn't driven by the generic for-in protocol. Calling a
// generator function returns a freshly created, not-yet-run *value.Thread
// (see invoke() in calls.go); iterating it drives it through
// resumeGenerator below.

// newGeneratorThread binds args onto a fresh thread and pushes its entry
// frame without running it -- calling a generator function only ever
// constructs the coroutine; the for-in loop that iterates it does the
// actual stepping.
func (vm *VM) newGeneratorThread(cl *value.Closure, args []value.Value) (*value.Thread, error) {
	gt := value.NewThread()
	gt.IsGenerator = true
	if err := vm.pushClosureFrame(gt, cl, args); err != nil {
		return nil, err
	}
	vm.track(gt)
	return gt, nil
}

// resumeGenerator drives th forward to its next yield or completion,
// temporarily swapping vm.current (spec §9: exactly one current thread).
// It returns the auto-incrementing generator index spec §9 describes
// ("an auto-incrementing float64 otherwise"), the yielded/returned value,
// and whether the generator produced a value at all (false once dead).
func (vm *VM) resumeGenerator(th *value.Thread, resumeArgs []value.Value) (float64, value.Value, bool, error) {
	if th.Status == value.ThreadDead {
		return 0, nil, false, nil
	}
	if th.GeneratorIndex > 0 {
		// Paused at a yield: the yield expression evaluates to the value
		// passed back in (nil when none is).
		var resumed value.Value
		if len(resumeArgs) > 0 {
			resumed = resumeArgs[0]
		}
		th.Push(resumed)
	}
	prev := vm.current
	th.Status = value.ThreadRunning
	vm.current = th

	result, yielded, err := vm.run(0, true)

	vm.current = prev
	if err != nil {
		th.Status = value.ThreadDead
		return 0, nil, false, err
	}
	if yielded {
		th.Status = value.ThreadSuspended
		th.GeneratorIndex++
		return float64(th.GeneratorIndex), result, true, nil
	}
	th.Status = value.ThreadDead
	return 0, nil, false, nil
}

// genNext is the native iterator function ITER_PREP binds to a generator
// thread: each step resumes it and hands back (index, value) so the
// generic for-in protocol's "stop when the first result is falsy" rule
// naturally ends the loop when the generator completes (index becomes
// `false`, per spec §9).
func (vm *VM) genNext(args []value.Value) (value.Value, error) {
	th, ok := args[0].(*value.Thread)
	if !ok {
		return false, nil
	}
	idx, val, more, err := vm.resumeGenerator(th, nil)
	if err != nil {
		return nil, err
	}
	if !more {
		return false, nil
	}
	return multiValue{idx, val}, nil
}
