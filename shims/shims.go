// Package shims exposes the platform TLS primitives to interpreted programs.
//
// Every shim takes and returns pointer-sized scalars. Which shims exist
// depends on the target:
//
//	linux   pthread_key_create pthread_key_delete pthread_getspecific
//	        pthread_setspecific pthread_self
//	macos   the linux set plus _tlv_atexit
//	windows TlsAlloc TlsFree TlsGetValue TlsSetValue GetCurrentThreadId
//
// pthread_key_create returns the new key directly instead of writing it
// through a pointer.
package shims

import (
	"context"
	"fmt"
	"sort"

	"github.com/wippyai/wasm-tls/errors"
	"github.com/wippyai/wasm-tls/machine"
	"github.com/wippyai/wasm-tls/target"
	"github.com/wippyai/wasm-tls/tls"
)

// Handler implements a shim on the machine's active thread.
type Handler func(ctx context.Context, m *machine.Machine, args []tls.Scalar) (tls.Scalar, error)

// Shim is a named primitive with a fixed number of arguments.
type Shim struct {
	Handler Handler
	Name    string
	Arity   int
}

// Registry holds the shims available on one target.
type Registry struct {
	shims map[string]Shim
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{shims: make(map[string]Shim)}
}

// For returns the shims of the target's platform.
func For(cfg target.Config) *Registry {
	r := NewRegistry()
	switch cfg.OS {
	case target.Windows:
		r.Register("TlsAlloc", 0, tlsAlloc)
		r.Register("TlsFree", 1, tlsFree)
		r.Register("TlsGetValue", 1, tlsGetValue)
		r.Register("TlsSetValue", 2, tlsSetValue)
		r.Register("GetCurrentThreadId", 0, threadSelf)
	default:
		r.Register("pthread_key_create", 1, pthreadKeyCreate)
		r.Register("pthread_key_delete", 1, pthreadKeyDelete)
		r.Register("pthread_getspecific", 1, pthreadGetspecific)
		r.Register("pthread_setspecific", 2, pthreadSetspecific)
		r.Register("pthread_self", 0, threadSelf)
		if cfg.OS == target.MacOS {
			r.Register("_tlv_atexit", 2, tlvAtexit)
		}
	}
	return r
}

// Register adds or replaces a shim.
func (r *Registry) Register(name string, arity int, h Handler) {
	r.shims[name] = Shim{Name: name, Arity: arity, Handler: h}
}

// Lookup returns the shim registered under name.
func (r *Registry) Lookup(name string) (Shim, bool) {
	s, ok := r.shims[name]
	return s, ok
}

// Names returns all shim names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.shims))
	for name := range r.shims {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes the named shim.
func (r *Registry) Call(ctx context.Context, m *machine.Machine, name string, args ...tls.Scalar) (tls.Scalar, error) {
	s, ok := r.shims[name]
	if !ok {
		return tls.Null, errors.NotFound(errors.PhaseShim, "shim", name)
	}
	if len(args) != s.Arity {
		return tls.Null, errors.New(errors.PhaseShim, errors.KindInvalidInput).
			Value(len(args)).
			Detail("%s expects %d arguments, got %d", name, s.Arity, len(args)).
			Build()
	}
	return s.Handler(ctx, m, args)
}

func resolveDtor(m *machine.Machine, ptr tls.Scalar) (tls.Callable, error) {
	if ptr == tls.Null {
		return nil, nil
	}
	fn, err := m.Func(ptr)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseShim, errors.KindUndefinedBehavior, err, fmt.Sprintf("destructor pointer %#x", uint64(ptr)))
	}
	return fn, nil
}

func pthreadKeyCreate(_ context.Context, m *machine.Machine, args []tls.Scalar) (tls.Scalar, error) {
	dtor, err := resolveDtor(m, args[0])
	if err != nil {
		return tls.Null, err
	}
	key, err := m.TLS().CreateKey(dtor, m.Target().PthreadKeyBits())
	if err != nil {
		return tls.Null, err
	}
	return tls.Scalar(key), nil
}

func pthreadKeyDelete(_ context.Context, m *machine.Machine, args []tls.Scalar) (tls.Scalar, error) {
	if err := m.TLS().DeleteKey(tls.Key(args[0])); err != nil {
		return tls.Null, err
	}
	return 0, nil
}

func pthreadGetspecific(_ context.Context, m *machine.Machine, args []tls.Scalar) (tls.Scalar, error) {
	return m.TLS().Load(tls.Key(args[0]), m.ActiveThread())
}

func pthreadSetspecific(_ context.Context, m *machine.Machine, args []tls.Scalar) (tls.Scalar, error) {
	if err := m.TLS().Store(tls.Key(args[0]), m.ActiveThread(), args[1]); err != nil {
		return tls.Null, err
	}
	return 0, nil
}

func tlvAtexit(_ context.Context, m *machine.Machine, args []tls.Scalar) (tls.Scalar, error) {
	if args[0] == tls.Null {
		return tls.Null, errors.UndefinedBehavior(errors.PhaseShim, "_tlv_atexit with a null destructor")
	}
	dtor, err := resolveDtor(m, args[0])
	if err != nil {
		return tls.Null, err
	}
	if err := m.TLS().SetThreadDtor(m.ActiveThread(), dtor, args[1]); err != nil {
		return tls.Null, err
	}
	return 0, nil
}

func tlsAlloc(_ context.Context, m *machine.Machine, _ []tls.Scalar) (tls.Scalar, error) {
	key, err := m.TLS().CreateKey(nil, m.Target().TlsAllocBits())
	if err != nil {
		return tls.Null, err
	}
	return tls.Scalar(key), nil
}

func tlsFree(_ context.Context, m *machine.Machine, args []tls.Scalar) (tls.Scalar, error) {
	if err := m.TLS().DeleteKey(tls.Key(args[0])); err != nil {
		return tls.Null, err
	}
	return 1, nil
}

func tlsGetValue(_ context.Context, m *machine.Machine, args []tls.Scalar) (tls.Scalar, error) {
	return m.TLS().Load(tls.Key(args[0]), m.ActiveThread())
}

func tlsSetValue(_ context.Context, m *machine.Machine, args []tls.Scalar) (tls.Scalar, error) {
	if err := m.TLS().Store(tls.Key(args[0]), m.ActiveThread(), args[1]); err != nil {
		return tls.Null, err
	}
	return 1, nil
}

func threadSelf(_ context.Context, m *machine.Machine, _ []tls.Scalar) (tls.Scalar, error) {
	return tls.Scalar(m.ActiveThread()), nil
}
