package machine

import (
	"context"

	"github.com/wippyai/wasm-tls/tls"
)

// Func is a callable the machine can execute. Implementations must be
// comparable (pointer types).
type Func interface {
	tls.Callable
	// Invoke runs the function on the machine's active thread.
	Invoke(ctx context.Context, m *Machine, args []tls.Scalar) error
}

// GoFunc is a Func implemented in Go. Interpreted programs in tests and
// examples are written as GoFuncs.
type GoFunc struct {
	fn   func(ctx context.Context, m *Machine, args []tls.Scalar) error
	name string
}

// NewGoFunc wraps fn as a named Func.
func NewGoFunc(name string, fn func(ctx context.Context, m *Machine, args []tls.Scalar) error) *GoFunc {
	return &GoFunc{name: name, fn: fn}
}

// Name returns the function name.
func (f *GoFunc) Name() string {
	return f.name
}

// Invoke calls the wrapped function.
func (f *GoFunc) Invoke(ctx context.Context, m *Machine, args []tls.Scalar) error {
	return f.fn(ctx, m, args)
}
