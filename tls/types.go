package tls

import (
	"context"
)

// Key identifies a TLS slot. Keys start at 1 and are never reused;
// 0 is reserved and doubles as "no key".
type Key uint64

// ThreadID identifies a simulated thread.
type ThreadID uint32

// Scalar is a pointer-sized value stored in a TLS slot.
type Scalar uint64

// Null is the null pointer. A slot holding Null is indistinguishable from
// an empty slot.
const Null Scalar = 0

// Callable is a function descriptor resolved by the interpreter.
type Callable interface {
	Name() string
}

// Cleanup tells the interpreter what to do when a scheduled call returns.
type Cleanup uint8

const (
	// CleanupDiscard pops the frame and discards the return value.
	CleanupDiscard Cleanup = iota
)

// Threads exposes the interpreter's thread state.
type Threads interface {
	ActiveThread() ThreadID
	HasTerminated(thread ThreadID) bool
	// EnableThread re-arms a thread so the scheduler steps it again.
	EnableThread(thread ThreadID) error
	// ThreadCount returns the number of threads that have not exited.
	ThreadCount() int
}

// Caller schedules interpreted execution of a callable on the active thread.
// The call does not run before CallFunction returns.
type Caller interface {
	CallFunction(ctx context.Context, fn Callable, args []Scalar, cleanup Cleanup) error
}

// Resolver performs symbolic lookups in the interpreted program.
type Resolver interface {
	// EvalPath reads the scalar stored at a well-known path.
	EvalPath(path []string) (Scalar, error)
	// Func resolves a function pointer to a callable.
	Func(ptr Scalar) (Callable, error)
}

// Machine is everything the Dispatcher needs from the interpreter.
type Machine interface {
	Threads
	Caller
	Resolver
}
