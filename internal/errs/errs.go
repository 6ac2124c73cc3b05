// Package errs defines the error taxonomy shared by the historical sync
// scheduler and the indexing store façade (spec.md §7). These are typed
// struct errors rather than sentinels so callers can carry task/table
// context, matching the teacher's style of wrapping errors with
// fmt.Errorf("...: %w", err) rather than pulling in a stack-trace
// library.
package errs

import "fmt"

// TransientRPC covers block-not-found, tx-not-found, receipt-not-found,
// "returned no data", and range-too-large responses. The caller's
// retry policy (range-split or exponential backoff) handles these;
// they should never surface past a task's on_error hook unless the
// retry budget is exhausted.
type TransientRPC struct {
	Method string
	Err    error
}

func (e *TransientRPC) Error() string {
	return fmt.Sprintf("transient rpc error calling %s: %v", e.Method, e.Err)
}

func (e *TransientRPC) Unwrap() error { return e.Err }

// FatalRPC is a malformed response that survived retries.
type FatalRPC struct {
	Method string
	Err    error
}

func (e *FatalRPC) Error() string {
	return fmt.Sprintf("fatal rpc error calling %s: %v", e.Method, e.Err)
}

func (e *FatalRPC) Unwrap() error { return e.Err }

// UniqueConstraint is raised when an insert targets a primary key that
// already exists — synchronously in the strict insert variant, or
// deferred to FlushError at flush time in the optimistic variant.
type UniqueConstraint struct {
	Table string
	Key   string
}

func (e *UniqueConstraint) Error() string {
	return fmt.Sprintf("unique constraint violation on %s key %s", e.Table, e.Key)
}

// RecordNotFound is raised by update/delete against an absent key in
// strict mode.
type RecordNotFound struct {
	Table string
	Key   string
}

func (e *RecordNotFound) Error() string {
	return fmt.Sprintf("record not found in %s for key %s", e.Table, e.Key)
}

// NotNullConstraint is raised by row normalization when a column has no
// value and no default and is declared NOT NULL.
type NotNullConstraint struct {
	Table  string
	Column string
}

func (e *NotNullConstraint) Error() string {
	return fmt.Sprintf("column %s.%s is NOT NULL but no value or default was supplied", e.Table, e.Column)
}

// BigIntSerialization is raised when a column's big-integer value fails
// to round-trip through JSON encoding.
type BigIntSerialization struct {
	Table  string
	Column string
	Hint   string
}

func (e *BigIntSerialization) Error() string {
	return fmt.Sprintf("column %s.%s failed bigint serialization: %s", e.Table, e.Column, e.Hint)
}

// InvalidStoreMethod is raised when a caller targets an off-chain table
// with an on-chain-only store method.
type InvalidStoreMethod struct {
	Table  string
	Method string
}

func (e *InvalidStoreMethod) Error() string {
	return fmt.Sprintf("method %s is not valid against off-chain table %s", e.Method, e.Table)
}

// UndefinedTable is raised when a caller references a table that was
// never declared by the schema module.
type UndefinedTable struct {
	Table string
}

func (e *UndefinedTable) Error() string {
	return fmt.Sprintf("undefined table %s", e.Table)
}

// FlushError is a fatal internal DB write failure during the row
// cache's batched flush. Fatal to the indexing run.
type FlushError struct {
	Table string
	Err   error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush failed for table %s, indexing run aborted: %v", e.Table, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// Shutdown indicates the operation was cancelled by kill(); callers
// should absorb it silently rather than treat it as a task failure.
type Shutdown struct{}

func (e *Shutdown) Error() string { return "shutting down" }
