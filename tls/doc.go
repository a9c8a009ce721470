// Package tls emulates OS-level thread-local storage for programs running on
// a cooperative interpreter that simulates many logical threads on a single
// execution engine.
//
// The package owns three things:
//
//	Data          - key lifecycle and per-key, per-thread value storage
//	FetchNextDtor - the resumable scan that picks the next keyed destructor
//	Dispatcher    - the per-step destructor schedule for a terminated thread
//
// Everything else (executing calls, thread state, symbol lookup) belongs to
// the interpreter and is consumed through the Machine interface.
//
// # Destructor Strategies
//
// The strategy is chosen once from the target configuration:
//
//	target.StrategyPthread        keyed destructors, drained in ascending key order
//	target.StrategyThreadWide     one thread-wide destructor, then the keyed drain
//	target.StrategyProcessDetach  one library callback with DLL_PROCESS_DETACH
//
// # Stepping
//
// ScheduleNextDtorStep schedules at most one call per invocation and re-arms
// the thread so the interpreter steps it again once the call has run:
//
//	for {
//	    done, err := d.ScheduleNextDtorStep(ctx, thread)
//	    if err != nil || done {
//	        break
//	    }
//	    // interpreter executes the scheduled destructor here
//	}
//
// A keyed drain repeats while destructors keep storing new non-null values.
// When a scan from the resume cursor finds nothing, it restarts once from the
// smallest key before reporting the drain complete.
//
// # Thread Safety
//
// None. Data is owned by the interpreter and mutated only by the active
// logical thread.
package tls
