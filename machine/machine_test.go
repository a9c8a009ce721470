package machine

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/wippyai/wasm-tls/errors"
	"github.com/wippyai/wasm-tls/target"
	"github.com/wippyai/wasm-tls/tls"
)

type recorder struct {
	calls []string
}

func (r *recorder) fn(name string) *GoFunc {
	return NewGoFunc(name, func(_ context.Context, m *Machine, args []tls.Scalar) error {
		r.calls = append(r.calls, fmt.Sprintf("%s@t%d:%#x", name, m.ActiveThread(), args[0]))
		return nil
	})
}

func (r *recorder) String() string {
	return strings.Join(r.calls, " ")
}

func machineFor(os target.OS) *Machine {
	return New(&Config{Target: target.Config{OS: os, PointerBits: 64}})
}

func TestMachine_PthreadDrainPerThread(t *testing.T) {
	m := New(nil)
	rec := &recorder{}
	dtor := rec.fn("dtor")

	var key tls.Key
	worker := NewGoFunc("worker", func(_ context.Context, m *Machine, args []tls.Scalar) error {
		return m.TLS().Store(key, m.ActiveThread(), args[0])
	})
	main := NewGoFunc("main", func(_ context.Context, m *Machine, _ []tls.Scalar) error {
		k, err := m.TLS().CreateKey(dtor, m.Target().PthreadKeyBits())
		if err != nil {
			return err
		}
		key = k
		m.Spawn(worker, 0xBB)
		return m.TLS().Store(k, m.ActiveThread(), 0xAA)
	})
	m.Spawn(main, 0)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got, want := rec.String(), "dtor@t0:0xaa dtor@t1:0xbb"; got != want {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	for _, id := range []tls.ThreadID{0, 1} {
		state, err := m.ThreadState(id)
		if err != nil {
			t.Fatalf("ThreadState(%d): %v", id, err)
		}
		if state != ThreadExited {
			t.Errorf("thread %d state = %v, want exited", id, state)
		}
		if m.Dispatcher().DtorState(id) != tls.Finished {
			t.Errorf("thread %d dtor state = %v", id, m.Dispatcher().DtorState(id))
		}
	}
	if m.ThreadCount() != 0 {
		t.Errorf("ThreadCount() = %d, want 0", m.ThreadCount())
	}
}

func TestMachine_ThreadWideBeforeKeyed(t *testing.T) {
	m := machineFor(target.MacOS)
	rec := &recorder{}
	wide := rec.fn("wide")
	keyed := rec.fn("keyed")

	main := NewGoFunc("main", func(_ context.Context, m *Machine, _ []tls.Scalar) error {
		k, err := m.TLS().CreateKey(keyed, m.Target().PthreadKeyBits())
		if err != nil {
			return err
		}
		if err := m.TLS().Store(k, m.ActiveThread(), 0x10); err != nil {
			return err
		}
		return m.TLS().SetThreadDtor(m.ActiveThread(), wide, 0x55)
	})
	m.Spawn(main, 0)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got, want := rec.String(), "wide@t0:0x55 keyed@t0:0x10"; got != want {
		t.Fatalf("calls = %q, want %q", got, want)
	}
}

func TestMachine_ThreadDtorDuringDestructUB(t *testing.T) {
	m := machineFor(target.MacOS)
	var late *GoFunc
	late = NewGoFunc("late", func(_ context.Context, m *Machine, _ []tls.Scalar) error {
		return m.TLS().SetThreadDtor(m.ActiveThread(), late, 1)
	})
	main := NewGoFunc("main", func(_ context.Context, m *Machine, _ []tls.Scalar) error {
		return m.TLS().SetThreadDtor(m.ActiveThread(), late, 1)
	})
	m.Spawn(main, 0)

	err := m.Run(context.Background())
	if !errors.IsUndefinedBehavior(err) {
		t.Fatalf("expected undefined behavior, got %v", err)
	}
}

func TestMachine_ProcessDetach(t *testing.T) {
	m := machineFor(target.Windows)
	var got []tls.Scalar
	cb := NewGoFunc("p_thread_callback", func(_ context.Context, _ *Machine, args []tls.Scalar) error {
		got = append(got, args...)
		return nil
	})
	m.DefineSymbol(target.ThreadCallbackPath, m.RegisterFunc(cb))
	m.DefineSymbol(target.ProcessDetachPath, 0)

	main := NewGoFunc("main", func(context.Context, *Machine, []tls.Scalar) error { return nil })
	m.Spawn(main, 0)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(got) != 3 || got[0] != tls.Null || got[1] != 0 || got[2] != tls.Null {
		t.Fatalf("callback args = %v, want [0 0 0]", got)
	}
	if state, _ := m.ThreadState(0); state != ThreadExited {
		t.Fatalf("main state = %v", state)
	}
}

func TestMachine_ProcessDetachRejectsConcurrency(t *testing.T) {
	m := machineFor(target.Windows)
	idle := NewGoFunc("idle", func(context.Context, *Machine, []tls.Scalar) error { return nil })
	main := NewGoFunc("main", func(_ context.Context, m *Machine, _ []tls.Scalar) error {
		m.Spawn(idle, 0)
		return nil
	})
	m.Spawn(main, 0)

	defer func() {
		if recover() == nil {
			t.Fatal("expected assertion panic with two live threads")
		}
	}()
	_ = m.Run(context.Background())
}

func TestMachine_MaxSteps(t *testing.T) {
	m := New(&Config{Target: target.Default(), MaxSteps: 50})

	var key tls.Key
	// Re-stores its value forever; the drain never completes on its own.
	sticky := NewGoFunc("sticky", func(_ context.Context, m *Machine, args []tls.Scalar) error {
		return m.TLS().Store(key, m.ActiveThread(), args[0])
	})
	main := NewGoFunc("main", func(_ context.Context, m *Machine, _ []tls.Scalar) error {
		k, err := m.TLS().CreateKey(sticky, 32)
		key = k
		if err != nil {
			return err
		}
		return m.TLS().Store(k, m.ActiveThread(), 1)
	})
	m.Spawn(main, 0)

	err := m.Run(context.Background())
	if !errors.IsUnsupported(err) {
		t.Fatalf("expected step limit error, got %v", err)
	}
	if m.Steps() != 50 {
		t.Fatalf("Steps() = %d, want 50", m.Steps())
	}
}

func TestMachine_NestedCallRunsBeforeNextDtor(t *testing.T) {
	m := New(nil)
	rec := &recorder{}
	helper := rec.fn("helper")
	second := rec.fn("second")
	first := NewGoFunc("first", func(ctx context.Context, m *Machine, args []tls.Scalar) error {
		rec.calls = append(rec.calls, fmt.Sprintf("first@t%d:%#x", m.ActiveThread(), args[0]))
		return m.CallFunction(ctx, helper, []tls.Scalar{0x7}, tls.CleanupDiscard)
	})

	main := NewGoFunc("main", func(_ context.Context, m *Machine, _ []tls.Scalar) error {
		k1, _ := m.TLS().CreateKey(first, 32)
		k2, _ := m.TLS().CreateKey(second, 32)
		_ = m.TLS().Store(k1, m.ActiveThread(), 1)
		return m.TLS().Store(k2, m.ActiveThread(), 2)
	})
	m.Spawn(main, 0)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got, want := rec.String(), "first@t0:0x1 helper@t0:0x7 second@t0:0x2"; got != want {
		t.Fatalf("calls = %q, want %q", got, want)
	}
}

func TestMachine_Events(t *testing.T) {
	m := New(nil)
	var types []string
	m.Subscribe(ObserverFunc(func(e Event) {
		types = append(types, e.Type.String())
	}))

	dtor := NewGoFunc("dtor", func(context.Context, *Machine, []tls.Scalar) error { return nil })
	main := NewGoFunc("main", func(_ context.Context, m *Machine, _ []tls.Scalar) error {
		k, _ := m.TLS().CreateKey(dtor, 32)
		m.Trace(tls.Scalar(k))
		return m.TLS().Store(k, m.ActiveThread(), 0xAA)
	})
	m.Spawn(main, 0)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := "spawn call trace terminated dtor-step call exited"
	if got := strings.Join(types, " "); got != want {
		t.Fatalf("events = %q, want %q", got, want)
	}
}

func TestMachine_ContextCancelled(t *testing.T) {
	m := New(nil)
	m.Spawn(NewGoFunc("main", func(context.Context, *Machine, []tls.Scalar) error { return nil }), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); err != context.Canceled {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestMachine_FunctionPointers(t *testing.T) {
	m := New(nil)
	f := NewGoFunc("f", func(context.Context, *Machine, []tls.Scalar) error { return nil })

	ptr := m.RegisterFunc(f)
	if ptr == tls.Null {
		t.Fatal("function pointer must not be null")
	}
	if again := m.RegisterFunc(f); again != ptr {
		t.Fatalf("re-registering returned %#x, want %#x", again, ptr)
	}
	fn, err := m.Func(ptr)
	if err != nil || fn.Name() != "f" {
		t.Fatalf("Func(%#x) = %v, %v", ptr, fn, err)
	}
	if addr, err := m.FuncAddr("f"); err != nil || addr != ptr {
		t.Fatalf("FuncAddr = %#x, %v", addr, err)
	}
	if _, err := m.FuncAddr("missing"); errors.KindOf(err) != errors.KindNotFound {
		t.Fatalf("FuncAddr(missing) = %v", err)
	}

	for _, bad := range []tls.Scalar{tls.Null, ptr + 100} {
		if _, err := m.Func(bad); !errors.IsUndefinedBehavior(err) {
			t.Errorf("Func(%#x): expected undefined behavior, got %v", bad, err)
		}
	}
}

func TestMachine_Symbols(t *testing.T) {
	m := New(nil)
	m.DefineSymbol([]string{"std", "c", "X"}, 42)

	v, err := m.EvalPath([]string{"std", "c", "X"})
	if err != nil || v != 42 {
		t.Fatalf("EvalPath = %d, %v", v, err)
	}
	_, err = m.EvalPath([]string{"std", "c", "Y"})
	if errors.KindOf(err) != errors.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
	if !strings.Contains(err.Error(), "std::c::Y") {
		t.Errorf("error should name the path: %v", err)
	}
}

func TestMachine_UnknownThread(t *testing.T) {
	m := New(nil)
	if err := m.EnableThread(9); errors.KindOf(err) != errors.KindNotFound {
		t.Fatalf("EnableThread(9) = %v", err)
	}
	if m.HasTerminated(9) {
		t.Fatal("unknown thread reported terminated")
	}
}

func TestMachine_Threads(t *testing.T) {
	m := New(nil)
	noop := NewGoFunc("noop", func(context.Context, *Machine, []tls.Scalar) error { return nil })
	m.Spawn(noop, 0)
	m.Spawn(noop, 0)

	if got := m.Threads(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("Threads = %v", got)
	}
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(m.Threads()) != 2 || m.ThreadCount() != 0 {
		t.Fatalf("Threads = %v, ThreadCount = %d", m.Threads(), m.ThreadCount())
	}
}
