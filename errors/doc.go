// Package errors provides structured error types for the TLS emulator.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Two kinds carry the contract violations of interpreted programs:
//
//	KindUndefinedBehavior - the program broke a rule (non-existent key, ...)
//	KindUnsupported       - the program is legal but this model declines it
//
// KindAssertion is reserved for interpreter logic errors and is raised via panic.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRegistry, errors.KindUndefinedBehavior).
//		Value(key).
//		Detail("loading from a non-existing TLS key: %d", key).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.UndefinedBehavior(errors.PhaseRegistry, "removing a non-existing TLS key: %d", key)
//	err := errors.Unsupported(errors.PhaseRegistry, "we ran out of TLS key space")
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
