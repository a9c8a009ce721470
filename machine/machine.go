package machine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-tls/errors"
	"github.com/wippyai/wasm-tls/target"
	"github.com/wippyai/wasm-tls/tls"
)

// ThreadState is the lifecycle state of a simulated thread.
type ThreadState uint8

const (
	// ThreadRunning: the entry function has not returned yet.
	ThreadRunning ThreadState = iota
	// ThreadTerminated: normal execution is over, TLS destructors may run.
	ThreadTerminated
	// ThreadExited: the destructor drain is complete.
	ThreadExited
)

func (s ThreadState) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadTerminated:
		return "terminated"
	case ThreadExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Config holds configuration for machine creation
type Config struct {
	// Target selects the platform contracts (key widths, destructor strategy).
	Target target.Config

	// MaxSteps aborts Run after this many steps. 0 means unlimited.
	MaxSteps int
}

type frame struct {
	fn      Func
	args    []tls.Scalar
	cleanup tls.Cleanup
}

type thread struct {
	frames  []frame
	id      tls.ThreadID
	state   ThreadState
	enabled bool
}

// Machine is a cooperative interpreter core. It simulates many logical
// threads but executes one frame at a time, so nothing in it is locked.
//
// Machine owns the program's TLS state and implements tls.Machine.
type Machine struct {
	data       *tls.Data
	dispatcher *tls.Dispatcher
	funcs      *funcTable
	symbols    map[string]tls.Scalar
	observers  []Observer
	threads    []*thread
	cfg        Config
	cursor     int
	steps      int
	active     tls.ThreadID
}

var _ tls.Machine = (*Machine)(nil)

// New creates a machine. A nil cfg means a 64-bit Linux target without a
// step limit.
func New(cfg *Config) *Machine {
	c := Config{Target: target.Default()}
	if cfg != nil {
		c = *cfg
	}
	m := &Machine{
		cfg:     c,
		data:    tls.NewData(),
		funcs:   newFuncTable(),
		symbols: make(map[string]tls.Scalar),
	}
	m.dispatcher = tls.NewDispatcher(m.data, c.Target.Strategy(), m)
	return m
}

// Target returns the target configuration.
func (m *Machine) Target() target.Config {
	return m.cfg.Target
}

// TLS returns the program's TLS state.
func (m *Machine) TLS() *tls.Data {
	return m.data
}

// Dispatcher returns the destructor dispatcher.
func (m *Machine) Dispatcher() *tls.Dispatcher {
	return m.dispatcher
}

// Steps returns the number of steps executed so far.
func (m *Machine) Steps() int {
	return m.steps
}

// Subscribe adds an observer for machine events.
func (m *Machine) Subscribe(o Observer) {
	m.observers = append(m.observers, o)
}

func (m *Machine) notify(e Event) {
	e.Step = m.steps
	for _, o := range m.observers {
		o.OnMachineEvent(e)
	}
}

// Trace emits an EventTrace for the active thread.
func (m *Machine) Trace(values ...tls.Scalar) {
	m.notify(Event{Type: EventTrace, Thread: m.active, Args: values})
}

// RegisterFunc makes fn callable through a function pointer.
func (m *Machine) RegisterFunc(fn Func) tls.Scalar {
	return m.funcs.insert(fn)
}

// FuncAddr returns the pointer of the first function registered under name.
func (m *Machine) FuncAddr(name string) (tls.Scalar, error) {
	ptr, ok := m.funcs.lookup(name)
	if !ok {
		return tls.Null, errors.NotFound(errors.PhaseRuntime, "function", name)
	}
	return ptr, nil
}

// Func resolves a function pointer.
func (m *Machine) Func(ptr tls.Scalar) (tls.Callable, error) {
	return m.funcs.get(ptr)
}

// DefineSymbol stores value at a well-known path.
func (m *Machine) DefineSymbol(path []string, value tls.Scalar) {
	m.symbols[strings.Join(path, "::")] = value
}

// EvalPath reads the value stored at path.
func (m *Machine) EvalPath(path []string) (tls.Scalar, error) {
	v, ok := m.symbols[strings.Join(path, "::")]
	if !ok {
		return tls.Null, errors.New(errors.PhaseRuntime, errors.KindNotFound).
			Path(path...).
			Detail("symbol not defined").
			Build()
	}
	return v, nil
}

// Spawn creates a thread that starts by calling entry(arg).
func (m *Machine) Spawn(entry Func, arg tls.Scalar) tls.ThreadID {
	id := tls.ThreadID(len(m.threads))
	m.threads = append(m.threads, &thread{
		id:      id,
		state:   ThreadRunning,
		enabled: true,
		frames:  []frame{{fn: entry, args: []tls.Scalar{arg}, cleanup: tls.CleanupDiscard}},
	})
	Logger().Debug("thread spawned", zap.Uint32("thread", uint32(id)), zap.String("entry", entry.Name()))
	m.notify(Event{Type: EventSpawned, Thread: id, Func: entry.Name(), Args: []tls.Scalar{arg}})
	return id
}

func (m *Machine) lookupThread(id tls.ThreadID) (*thread, error) {
	if int(id) >= len(m.threads) {
		return nil, errors.NotFound(errors.PhaseThread, "thread", fmt.Sprint(id))
	}
	return m.threads[id], nil
}

// ThreadState returns the state of a thread.
func (m *Machine) ThreadState(id tls.ThreadID) (ThreadState, error) {
	t, err := m.lookupThread(id)
	if err != nil {
		return 0, err
	}
	return t.state, nil
}

// ActiveThread returns the thread executing the current step.
func (m *Machine) ActiveThread() tls.ThreadID {
	return m.active
}

// HasTerminated reports whether the thread's normal execution is over.
func (m *Machine) HasTerminated(id tls.ThreadID) bool {
	t, err := m.lookupThread(id)
	if err != nil {
		return false
	}
	return t.state != ThreadRunning
}

// EnableThread re-arms a thread so the scheduler picks it again.
func (m *Machine) EnableThread(id tls.ThreadID) error {
	t, err := m.lookupThread(id)
	if err != nil {
		return err
	}
	t.enabled = true
	return nil
}

// ThreadCount returns the number of threads that have not exited.
func (m *Machine) ThreadCount() int {
	n := 0
	for _, t := range m.threads {
		if t.state != ThreadExited {
			n++
		}
	}
	return n
}

// Threads returns the ids of every thread ever spawned, in spawn order.
func (m *Machine) Threads() []tls.ThreadID {
	ids := make([]tls.ThreadID, len(m.threads))
	for i, t := range m.threads {
		ids[i] = t.id
	}
	return ids
}

// CallFunction pushes a call on the active thread. It runs on a later step,
// before any frame pushed earlier.
func (m *Machine) CallFunction(_ context.Context, fn tls.Callable, args []tls.Scalar, cleanup tls.Cleanup) error {
	f, ok := fn.(Func)
	if !ok {
		return errors.InvalidInput(errors.PhaseRuntime, fmt.Sprintf("callable %q is not executable by this machine", fn.Name()))
	}
	t, err := m.lookupThread(m.active)
	if err != nil {
		return err
	}
	t.frames = append(t.frames, frame{fn: f, args: append([]tls.Scalar(nil), args...), cleanup: cleanup})
	return nil
}

func (m *Machine) pick() *thread {
	n := len(m.threads)
	for i := 0; i < n; i++ {
		idx := (m.cursor + i) % n
		t := m.threads[idx]
		if t.enabled && t.state != ThreadExited {
			m.cursor = idx + 1
			return t
		}
	}
	return nil
}

// Step runs one frame of one thread, or one destructor step of a terminated
// thread. It returns false when no thread is runnable.
func (m *Machine) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	t := m.pick()
	if t == nil {
		return false, nil
	}
	if m.cfg.MaxSteps > 0 && m.steps >= m.cfg.MaxSteps {
		return false, errors.Unsupported(errors.PhaseRuntime, "step limit of %d exceeded", m.cfg.MaxSteps)
	}
	m.steps++
	m.active = t.id

	if n := len(t.frames); n > 0 {
		f := t.frames[n-1]
		t.frames = t.frames[:n-1]
		Logger().Debug("call",
			zap.Uint32("thread", uint32(t.id)),
			zap.String("func", f.fn.Name()),
			zap.Int("step", m.steps))
		m.notify(Event{Type: EventCall, Thread: t.id, Func: f.fn.Name(), Args: f.args})
		if err := f.fn.Invoke(ctx, m, f.args); err != nil {
			return false, err
		}
		if len(t.frames) == 0 && t.state == ThreadRunning {
			t.state = ThreadTerminated
			m.notify(Event{Type: EventTerminated, Thread: t.id})
		}
		return true, nil
	}

	if t.state == ThreadRunning {
		t.state = ThreadTerminated
		m.notify(Event{Type: EventTerminated, Thread: t.id})
	}

	// The dispatcher re-arms the thread if it scheduled a destructor.
	t.enabled = false
	done, err := m.dispatcher.ScheduleNextDtorStep(ctx, t.id)
	if err != nil {
		return false, err
	}
	if done {
		t.state = ThreadExited
		Logger().Debug("thread exited", zap.Uint32("thread", uint32(t.id)))
		m.notify(Event{Type: EventExited, Thread: t.id})
		return true, nil
	}
	m.notify(Event{Type: EventDtorStep, Thread: t.id})
	return true, nil
}

// Run steps until every thread has exited.
func (m *Machine) Run(ctx context.Context) error {
	for {
		progressed, err := m.Step(ctx)
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}
