// Package wasmtls models platform thread-local storage for an interpreter of
// multi-threaded programs.
//
// Interpreted programs create TLS keys, store per-thread values under them,
// and register destructors. When a simulated thread finishes, the
// interpreter runs those destructors one scheduling step at a time, the way
// the target platform would:
//
//   - linux:   every key destructor with a non-null value, in key order,
//     repeated until no values remain
//   - macos:   the single _tlv_atexit destructor first, then the key drain
//   - windows: one call to the runtime library's TLS callback with
//     DLL_PROCESS_DETACH
//
// # Architecture Overview
//
//	wasmtls/
//	├── tls/         Key registry, destructor fetch and per-step dispatch
//	├── target/      Target OS, pointer width and destructor strategy
//	├── machine/     Cooperative thread scheduler implementing tls.Machine
//	├── shims/       pthread_*, _tlv_atexit and Tls* primitives
//	├── guest/       WebAssembly guests on wazero with the shims as imports
//	├── errors/      Structured error types (undefined behavior, unsupported)
//	└── cmd/tlsrun/  Command line runner and interactive stepper
//
// # Quick Start
//
// Run a guest module to completion:
//
//	m := machine.New(&machine.Config{Target: target.Config{OS: target.MacOS}})
//	p, err := guest.Load(ctx, m, wasmBytes, nil)
//	if err != nil {
//		return err
//	}
//	defer p.Close(ctx)
//
//	if _, err := p.Spawn("main", 0); err != nil {
//		return err
//	}
//	if err := m.Run(ctx); err != nil {
//		return err // undefined behavior, unsupported operation, trap
//	}
//
// # Logging
//
// tls, machine and guest each log through a package-level zap logger that
// defaults to a no-op. Install one with SetLogger before use.
package wasmtls
