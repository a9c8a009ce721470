// Package guest runs WebAssembly programs on a machine.Machine.
//
// A guest is a core WASM module executed by wazero. Its exported functions
// become machine callables (usable as thread entries and TLS destructors),
// and the target's TLS shims are provided as the host module "tls":
//
//	(import "tls" "pthread_key_create"  (func (param i64) (result i64)))
//	(import "tls" "pthread_setspecific" (func (param i64 i64) (result i64)))
//	(import "tls" "func_addr"           (func (param i32 i32) (result i64)))
//	(import "tls" "spawn"               (func (param i64 i64) (result i64)))
//	(import "tls" "trace"               (func (param i64)))
//
// func_addr reads an export name from the caller's memory and returns its
// function pointer. A guest registers a destructor with:
//
//	(call $pthread_key_create (call $func_addr (i32.const 0) (i32.const 4)))
//
// Exported functions whose names contain "::" are also reachable by symbol
// path, which is how the process-detach callback is found on Windows
// targets.
//
// # Errors
//
// A shim error raised inside a host call aborts the guest call; Invoke
// returns the shim error itself so its Kind survives.
package guest
