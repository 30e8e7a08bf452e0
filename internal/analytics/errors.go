package analytics

import "fmt"

// The query layer surfaces four error kinds. Callers are expected to
// inspect them with errors.As and map them to transport-level responses:
// bad caller input (ValidationError), a programmer error in the
// field/operator wiring (CompilationError), a store round-trip failure
// (StoreError), and store/schema drift (SchemaMismatchError).

// ValidationError reports invalid caller input. It is always returned
// before any store I/O happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: field %q: %s", e.Field, e.Reason)
}

// CompilationError reports an unknown field/operator combination reaching
// the filter compiler. This is a configuration bug, not runtime data; the
// operator whitelists should make it impossible for validated requests.
type CompilationError struct {
	Field    string
	Operator string
	Reason   string
}

func (e *CompilationError) Error() string {
	if e.Operator == "" {
		return fmt.Sprintf("filter compile error: field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("filter compile error: field %q does not support operator %q", e.Field, e.Operator)
}

// StoreError wraps a failure from the store round-trip. It is propagated
// unmodified; this layer performs no retries.
type StoreError struct {
	Query string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error in %s: %v", e.Query, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// SchemaMismatchError reports a row returned by the store that does not
// match the declared result shape. It aborts the whole response: schema
// drift must never be papered over by dropping rows.
type SchemaMismatchError struct {
	Query  string
	Row    int
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch in %s (row %d): %s", e.Query, e.Row, e.Reason)
}
