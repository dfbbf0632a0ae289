package types

import "github.com/pkg/errors"

// The error kinds below are behavioral, matching spec.md §7. Each is a
// distinct Go type so callers can distinguish them with errors.As,
// rather than string-matching, following the LeaseBusyError pattern
// used throughout the teacher's internal/types package.

// AnalysisError is returned when a CV body fails one of the analyzer's
// validation rules (spec.md §4.3). It carries the rejected rule so
// that a DDL-issuing client can be told exactly why.
type AnalysisError struct {
	Rule   string
	Detail string
}

func (e *AnalysisError) Error() string {
	return "continuous view rejected (" + e.Rule + "): " + e.Detail
}

// NewAnalysisError constructs an AnalysisError.
func NewAnalysisError(rule, detail string) error {
	return errors.WithStack(&AnalysisError{Rule: rule, Detail: detail})
}

// RewriteError indicates an internal invariant was violated by the
// rewriter — e.g. a non-SELECT CV body reached it. Fatal to the DDL
// statement that triggered it, never to the process.
type RewriteError struct {
	Detail string
}

func (e *RewriteError) Error() string { return "rewrite invariant violated: " + e.Detail }

// NewRewriteError constructs a RewriteError.
func NewRewriteError(detail string) error {
	return errors.WithStack(&RewriteError{Detail: detail})
}

// LookupMissError indicates the combine-aggregate resolver (C5) could
// not locate a combine aggregate for a user query.
type LookupMissError struct {
	Target string
}

func (e *LookupMissError) Error() string {
	return "could not resolve combine aggregate for " + e.Target
}

// NewLookupMissError constructs a LookupMissError.
func NewLookupMissError(target string) error {
	return errors.WithStack(&LookupMissError{Target: target})
}

// QueueOverflowError is returned by the ring buffer when a push
// exceeds the buffer's slot size limit (spec.md §4.2, §7).
type QueueOverflowError struct {
	Requested, Capacity int
}

func (e *QueueOverflowError) Error() string {
	return "push exceeds ring buffer capacity"
}

// NewQueueOverflowError constructs a QueueOverflowError.
func NewQueueOverflowError(requested, capacity int) error {
	return errors.WithStack(&QueueOverflowError{Requested: requested, Capacity: capacity})
}

// IsQueueOverflow unwraps err as a QueueOverflowError, following the
// IsLockBusy shape in internal/pgxstore.
func IsQueueOverflow(err error) (overflow *QueueOverflowError, ok bool) {
	ok = errors.As(err, &overflow)
	return
}

// CombinerError wraps a failure that aborts the current microbatch; the
// worker charges the batch's stats to Errors and restarts its loop
// (spec.md §4.8 Error policy, §7 "Combiner failure").
type CombinerError struct {
	CV    CVID
	Cause error
}

func (e *CombinerError) Error() string { return "combiner batch failed: " + e.Cause.Error() }
func (e *CombinerError) Unwrap() error { return e.Cause }

// NewCombinerError constructs a CombinerError.
func NewCombinerError(cv CVID, cause error) error {
	return &CombinerError{CV: cv, Cause: cause}
}

// DroppedReferenceError indicates a stream-table join targeted a
// relation that no longer exists (spec.md §7 "Dropped-reference").
// No component in this module constructs it, and the worker has no
// handling specific to it.
type DroppedReferenceError struct {
	Relation string
}

func (e *DroppedReferenceError) Error() string {
	return "joined relation no longer exists: " + e.Relation
}

// NewDroppedReferenceError constructs a DroppedReferenceError.
func NewDroppedReferenceError(relation string) error {
	return &DroppedReferenceError{Relation: relation}
}

// FatalError marks a corruption condition (bad ring-buffer magic,
// negative size) or the loss of a required peer: the owning process
// should exit rather than continue (spec.md §7 "Fatal").
type FatalError struct {
	Detail string
}

func (e *FatalError) Error() string { return "fatal: " + e.Detail }

// NewFatalError constructs a FatalError.
func NewFatalError(detail string) error {
	return &FatalError{Detail: detail}
}

// IsFatal unwraps err as a FatalError.
func IsFatal(err error) (fatal *FatalError, ok bool) {
	ok = errors.As(err, &fatal)
	return
}
