package machine

import (
	"github.com/wippyai/wasm-tls/errors"
	"github.com/wippyai/wasm-tls/tls"
)

// funcTable maps function pointers to callables.
// Pointer 0 is reserved and always invalid.
type funcTable struct {
	entries []Func
	byName  map[string]tls.Scalar
}

func newFuncTable() *funcTable {
	return &funcTable{
		entries: make([]Func, 0, 16),
		byName:  make(map[string]tls.Scalar),
	}
}

// insert registers fn and returns its pointer. Registering the same Func
// twice returns the pointer handed out first.
func (t *funcTable) insert(fn Func) tls.Scalar {
	for i, e := range t.entries {
		if e == fn {
			return tls.Scalar(i + 1)
		}
	}
	t.entries = append(t.entries, fn)
	ptr := tls.Scalar(len(t.entries))
	if _, exists := t.byName[fn.Name()]; !exists {
		t.byName[fn.Name()] = ptr
	}
	return ptr
}

func (t *funcTable) get(ptr tls.Scalar) (Func, error) {
	if ptr == tls.Null {
		return nil, errors.UndefinedBehavior(errors.PhaseRuntime, "calling a null function pointer")
	}
	idx := uint64(ptr) - 1
	if idx >= uint64(len(t.entries)) {
		return nil, errors.New(errors.PhaseRuntime, errors.KindUndefinedBehavior).
			Value(uint64(ptr)).
			Detail("using a dangling function pointer %#x", uint64(ptr)).
			Build()
	}
	return t.entries[idx], nil
}

func (t *funcTable) lookup(name string) (tls.Scalar, bool) {
	ptr, ok := t.byName[name]
	return ptr, ok
}

func (t *funcTable) len() int {
	return len(t.entries)
}
