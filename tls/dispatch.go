package tls

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-tls/errors"
	"github.com/wippyai/wasm-tls/target"
)

// DtorState is a thread's position in the destruct phase.
type DtorState uint8

const (
	NotDestructing DtorState = iota
	Destructing
	Finished
)

func (s DtorState) String() string {
	switch s {
	case NotDestructing:
		return "not-destructing"
	case Destructing:
		return "destructing"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

type detachCallback struct {
	fn     Callable
	reason Scalar
}

// Dispatcher schedules TLS destructors for terminated threads, one call per
// step, using the strategy of the target platform.
type Dispatcher struct {
	data     *Data
	machine  Machine
	detach   *detachCallback
	finished map[ThreadID]struct{}
	strategy target.Strategy
}

// NewDispatcher binds data to the interpreter m under strategy.
func NewDispatcher(data *Data, strategy target.Strategy, m Machine) *Dispatcher {
	return &Dispatcher{
		data:     data,
		machine:  m,
		strategy: strategy,
		finished: make(map[ThreadID]struct{}),
	}
}

// Strategy returns the destructor strategy in use.
func (d *Dispatcher) Strategy() target.Strategy {
	return d.strategy
}

// DtorState reports where thread is in the destruct phase.
func (d *Dispatcher) DtorState(thread ThreadID) DtorState {
	if _, ok := d.finished[thread]; ok {
		return Finished
	}
	if d.data.DtorsRunning(thread) {
		return Destructing
	}
	return NotDestructing
}

// ScheduleNextDtorStep performs the next destructor step for a terminated
// thread. It schedules at most one call and re-arms the thread; done is true
// once no destructor remains, in which case nothing was scheduled.
//
// Calling it for a thread that has not terminated is an interpreter bug and
// panics.
func (d *Dispatcher) ScheduleNextDtorStep(ctx context.Context, thread ThreadID) (done bool, err error) {
	if _, ok := d.finished[thread]; ok {
		return true, nil
	}
	d.assertTerminated(thread)

	if d.strategy == target.StrategyProcessDetach {
		if d.data.DtorsRunning(thread) {
			d.finish(thread)
			return true, nil
		}
		if err := d.runProcessDetachCallback(ctx, thread); err != nil {
			return false, err
		}
		return false, nil
	}

	d.data.markRunning(thread)

	// The thread-wide destructor runs before any keyed value is destructed.
	// Only the macOS shims register one.
	scheduled, err := d.runThreadWideDtor(ctx, thread)
	if err != nil {
		return false, err
	}
	if scheduled {
		return false, nil
	}

	scheduled, err = d.drainPthreadDtors(ctx, thread)
	if err != nil {
		return false, err
	}
	if !scheduled {
		d.finish(thread)
		return true, nil
	}
	return false, nil
}

func (d *Dispatcher) finish(thread ThreadID) {
	d.finished[thread] = struct{}{}
	Logger().Debug("TLS dtors finished", zap.Uint32("thread", uint32(thread)))
}

func (d *Dispatcher) assertTerminated(thread ThreadID) {
	if !d.machine.HasTerminated(thread) {
		panic(errors.Assertion(errors.PhaseDispatch, "running TLS dtors for non-terminated thread %d", thread))
	}
}

// drainPthreadDtors schedules the next keyed destructor. It scans from the
// resume cursor, then once more from the first key, before reporting the
// round exhausted.
func (d *Dispatcher) drainPthreadDtors(ctx context.Context, thread ThreadID) (bool, error) {
	d.assertTerminated(thread)

	last := d.data.lastDtorKey[thread]
	next, ok := d.data.FetchNextDtor(last, thread)
	if !ok {
		// Every destructor ran once; start over to catch values stored meanwhile.
		next, ok = d.data.FetchNextDtor(0, thread)
	}
	if !ok {
		delete(d.data.lastDtorKey, thread)
		return false, nil
	}

	d.data.lastDtorKey[thread] = next.Key
	if next.Arg == Null {
		panic(errors.Assertion(errors.PhaseDestructor, "data can't be NULL when dtor is called (key %d)", next.Key))
	}
	Logger().Debug("running TLS dtor",
		zap.String("dtor", next.Dtor.Name()),
		zap.Uint64("key", uint64(next.Key)),
		zap.Uint64("arg", uint64(next.Arg)),
		zap.Uint32("thread", uint32(thread)))

	if err := d.machine.CallFunction(ctx, next.Dtor, []Scalar{next.Arg}, CleanupDiscard); err != nil {
		return false, err
	}
	if err := d.machine.EnableThread(thread); err != nil {
		return false, err
	}
	return true, nil
}

// runThreadWideDtor schedules the thread-wide destructor if one is pending.
// It is removed before the call, so it runs at most once.
func (d *Dispatcher) runThreadWideDtor(ctx context.Context, thread ThreadID) (bool, error) {
	td, ok := d.data.takeThreadDtor(thread)
	if !ok {
		return false, nil
	}
	Logger().Debug("running thread dtor",
		zap.String("dtor", td.dtor.Name()),
		zap.Uint64("data", uint64(td.data)),
		zap.Uint32("thread", uint32(thread)))

	if err := d.machine.CallFunction(ctx, td.dtor, []Scalar{td.data}, CleanupDiscard); err != nil {
		return false, err
	}
	if err := d.machine.EnableThread(thread); err != nil {
		return false, err
	}
	return true, nil
}

// runProcessDetachCallback invokes the runtime library's TLS callback with
// (NULL, DLL_PROCESS_DETACH, NULL). The library does its own key cleanup.
// Only a single simulated thread is supported on this target.
func (d *Dispatcher) runProcessDetachCallback(ctx context.Context, thread ThreadID) error {
	if n := d.machine.ThreadCount(); n != 1 {
		panic(errors.Assertion(errors.PhaseDispatch, "concurrency on Windows not supported: %d threads alive", n))
	}

	cb, err := d.resolveDetachCallback()
	if err != nil {
		return err
	}
	Logger().Debug("running process detach callback",
		zap.String("callback", cb.fn.Name()),
		zap.Uint32("thread", uint32(thread)))

	args := []Scalar{Null, cb.reason, Null}
	if err := d.machine.CallFunction(ctx, cb.fn, args, CleanupDiscard); err != nil {
		return err
	}
	// Running is recorded only once the callback is scheduled, so a failed
	// resolution does not finish the thread on the next step.
	d.data.markRunning(thread)
	return d.machine.EnableThread(thread)
}

func (d *Dispatcher) resolveDetachCallback() (*detachCallback, error) {
	if d.detach != nil {
		return d.detach, nil
	}

	ptr, err := d.machine.EvalPath(target.ThreadCallbackPath)
	if err != nil {
		return nil, err
	}
	fn, err := d.machine.Func(ptr)
	if err != nil {
		return nil, err
	}
	reason, err := d.machine.EvalPath(target.ProcessDetachPath)
	if err != nil {
		return nil, err
	}

	d.detach = &detachCallback{fn: fn, reason: reason}
	return d.detach, nil
}
