package tls

// PendingDtor is a keyed destructor ready to be invoked.
type PendingDtor struct {
	Dtor Callable
	Arg  Scalar
	Key  Key
}

// FetchNextDtor scans keys strictly greater than after (0 scans from the
// start) in ascending order. Every value the thread holds along the way is
// consumed; the scan stops at the first consumed value whose key has a
// destructor.
//
// Keys without a destructor lose their value without stopping the scan.
func (d *Data) FetchNextDtor(after Key, thread ThreadID) (PendingDtor, bool) {
	if after == ^Key(0) {
		return PendingDtor{}, false
	}

	var (
		next  PendingDtor
		found bool
	)
	d.keys.AscendGreaterOrEqual(&entry{key: after + 1}, func(e *entry) bool {
		value, ok := e.data[thread]
		if !ok {
			return true
		}
		delete(e.data, thread)
		if e.dtor == nil {
			return true
		}
		next = PendingDtor{Dtor: e.dtor, Arg: value, Key: e.key}
		found = true
		return false
	})
	return next, found
}
