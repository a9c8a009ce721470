package tls

import (
	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-tls/errors"
)

const btreeDegree = 16

type entry struct {
	// data holds only non-null values; a missing thread means Null.
	data map[ThreadID]Scalar
	dtor Callable
	key  Key
}

func entryLess(a, b *entry) bool {
	return a.key < b.key
}

type threadDtor struct {
	dtor Callable
	data Scalar
}

// Data is the process-wide TLS state of one interpreted program.
type Data struct {
	keys *btree.BTreeG[*entry]

	// threadDtors holds the single thread-wide destructor per thread (macOS).
	threadDtors map[ThreadID]threadDtor

	// dtorsRunning marks threads in the destruct phase, during which
	// registering a thread-wide destructor is UB.
	dtorsRunning map[ThreadID]struct{}

	// lastDtorKey is the resume cursor of an in-progress keyed drain.
	lastDtorKey map[ThreadID]Key

	nextKey Key
}

// NewData creates empty TLS state. The first key handed out is 1.
func NewData() *Data {
	return &Data{
		keys:         btree.NewG[*entry](btreeDegree, entryLess),
		threadDtors:  make(map[ThreadID]threadDtor),
		dtorsRunning: make(map[ThreadID]struct{}),
		lastDtorKey:  make(map[ThreadID]Key),
		nextKey:      1,
	}
}

// CreateKey allocates a new key with an optional destructor.
// maxBits is the width of the integer the key must fit in.
func (d *Data) CreateKey(dtor Callable, maxBits uint) (Key, error) {
	newKey := d.nextKey
	// nextKey wraps to 0 once the 64-bit space is used up.
	if newKey == 0 || (maxBits < 64 && uint64(newKey) >= uint64(1)<<maxBits) {
		return 0, errors.New(errors.PhaseRegistry, errors.KindUnsupported).
			Value(uint64(newKey)).
			Detail("we ran out of TLS key space (%d-bit keys)", maxBits).
			Build()
	}
	d.nextKey++
	d.keys.ReplaceOrInsert(&entry{
		key:  newKey,
		data: make(map[ThreadID]Scalar),
		dtor: dtor,
	})
	Logger().Debug("TLS key allocated", zap.Uint64("key", uint64(newKey)), zap.String("dtor", callableName(dtor)))
	return newKey, nil
}

// DeleteKey removes a key. Stored values are dropped without running the
// destructor.
func (d *Data) DeleteKey(key Key) error {
	if _, ok := d.keys.Delete(&entry{key: key}); !ok {
		return errors.New(errors.PhaseRegistry, errors.KindUndefinedBehavior).
			Value(uint64(key)).
			Detail("removing a non-existing TLS key: %d", key).
			Build()
	}
	Logger().Debug("TLS key removed", zap.Uint64("key", uint64(key)))
	return nil
}

// Load returns the thread's value for key, or Null if none is stored.
func (d *Data) Load(key Key, thread ThreadID) (Scalar, error) {
	e, ok := d.keys.Get(&entry{key: key})
	if !ok {
		return Null, errors.New(errors.PhaseRegistry, errors.KindUndefinedBehavior).
			Value(uint64(key)).
			Detail("loading from a non-existing TLS key: %d", key).
			Build()
	}
	value := e.data[thread]
	Logger().Debug("TLS key loaded",
		zap.Uint64("key", uint64(key)),
		zap.Uint32("thread", uint32(thread)),
		zap.Uint64("value", uint64(value)))
	return value, nil
}

// Store sets the thread's value for key. Storing Null removes the entry.
func (d *Data) Store(key Key, thread ThreadID, value Scalar) error {
	e, ok := d.keys.Get(&entry{key: key})
	if !ok {
		return errors.New(errors.PhaseRegistry, errors.KindUndefinedBehavior).
			Value(uint64(key)).
			Detail("storing to a non-existing TLS key: %d", key).
			Build()
	}
	if value == Null {
		delete(e.data, thread)
		Logger().Debug("TLS key cleared", zap.Uint64("key", uint64(key)), zap.Uint32("thread", uint32(thread)))
		return nil
	}
	e.data[thread] = value
	Logger().Debug("TLS key stored",
		zap.Uint64("key", uint64(key)),
		zap.Uint32("thread", uint32(thread)),
		zap.Uint64("value", uint64(value)))
	return nil
}

// SetThreadDtor registers the single thread-wide destructor for thread.
// This backs _tlv_atexit on macOS.
func (d *Data) SetThreadDtor(thread ThreadID, dtor Callable, data Scalar) error {
	if _, running := d.dtorsRunning[thread]; running {
		return errors.UndefinedBehavior(errors.PhaseRegistry,
			"setting thread's local storage destructor while destructors are already running")
	}
	if _, exists := d.threadDtors[thread]; exists {
		return errors.Unsupported(errors.PhaseRegistry,
			"setting more than one thread local storage destructor for the same thread is not supported")
	}
	d.threadDtors[thread] = threadDtor{dtor: dtor, data: data}
	Logger().Debug("thread dtor registered",
		zap.Uint32("thread", uint32(thread)),
		zap.String("dtor", callableName(dtor)),
		zap.Uint64("data", uint64(data)))
	return nil
}

// Len returns the number of live keys.
func (d *Data) Len() int {
	return d.keys.Len()
}

// DtorsRunning reports whether thread has entered the destruct phase.
func (d *Data) DtorsRunning(thread ThreadID) bool {
	_, ok := d.dtorsRunning[thread]
	return ok
}

// LastDtorKey returns the resume cursor of thread's keyed drain.
// ok is false when no drain is in progress.
func (d *Data) LastDtorKey(thread ThreadID) (Key, bool) {
	k, ok := d.lastDtorKey[thread]
	return k, ok
}

// HasThreadDtor reports whether thread has a pending thread-wide destructor.
func (d *Data) HasThreadDtor(thread ThreadID) bool {
	_, ok := d.threadDtors[thread]
	return ok
}

// KeyInfo is a read-only view of one key.
type KeyInfo struct {
	Values map[ThreadID]Scalar
	Dtor   string
	Key    Key
}

// Snapshot returns every live key in ascending order.
func (d *Data) Snapshot() []KeyInfo {
	out := make([]KeyInfo, 0, d.keys.Len())
	d.keys.Ascend(func(e *entry) bool {
		values := make(map[ThreadID]Scalar, len(e.data))
		for t, v := range e.data {
			values[t] = v
		}
		out = append(out, KeyInfo{Key: e.key, Dtor: callableName(e.dtor), Values: values})
		return true
	})
	return out
}

func (d *Data) markRunning(thread ThreadID) {
	d.dtorsRunning[thread] = struct{}{}
}

func (d *Data) takeThreadDtor(thread ThreadID) (threadDtor, bool) {
	td, ok := d.threadDtors[thread]
	if ok {
		delete(d.threadDtors, thread)
	}
	return td, ok
}

func callableName(c Callable) string {
	if c == nil {
		return ""
	}
	return c.Name()
}
