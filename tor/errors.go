package tor

import (
	"fmt"
	"sync"

	goerrors "github.com/go-errors/errors"
)

// ErrIllegalState is returned when an operation is attempted on a
// Controller or Job that is not in a state that permits it, e.g.
// enqueuing a command after the Controller has been destroyed.
type ErrIllegalState struct {
	Reason string
}

func (e *ErrIllegalState) Error() string {
	return fmt.Sprintf("illegal state: %s", e.Reason)
}

// ErrInterrupted is returned when a Job is terminated because the
// control stream ended or because a SIGNAL SHUTDOWN/HALT preempted the
// pending execute stack.
type ErrInterrupted struct {
	Reason string
}

func (e *ErrInterrupted) Error() string {
	return fmt.Sprintf("interrupted: %s", e.Reason)
}

// ErrCancelled is the cause handed to Job.cancel. A job cancelled while
// still Enqueued (e.g. by TempCommandQueue.Destroy) passes it to its
// failure callback and is skipped by the queue. Cancelling a job that
// has already started executing has no effect, and no ErrCancelled is
// delivered for it.
type ErrCancelled struct {
	Reason string
}

func (e *ErrCancelled) Error() string {
	return fmt.Sprintf("cancelled: %s", e.Reason)
}

// ErrReply wraps a non-success Reply batch.
type ErrReply struct {
	Batch ReplyBatch
}

func (e *ErrReply) Error() string {
	if len(e.Batch) == 0 {
		return "reply error: empty batch"
	}
	last := e.Batch[len(e.Batch)-1]
	return fmt.Sprintf("reply error: %d %s", last.Code, last.Message)
}

// ErrProtocol is returned when a reply or event line could not be
// parsed according to the control-port wire grammar.
type ErrProtocol struct {
	Line   string
	Reason string
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("protocol error: %s (line: %q)", e.Reason, e.Line)
}

// ErrNotImplemented is returned by a command's response parser when the
// reply's shape is recognized by the wire protocol but this
// implementation does not yet decode its payload. It is always a
// failure, never a silently successful no-op.
type ErrNotImplemented struct {
	Command string
}

func (e *ErrNotImplemented) Error() string {
	return fmt.Sprintf("not implemented: parsing reply for %s", e.Command)
}

// UncaughtException wraps a fault raised from an observer callback, a
// job completion callback, or any other user-supplied closure invoked
// by the runtime, tagging it with the subsystem/context that invoked
// it. It always carries a captured stack trace via go-errors so that a
// fault surfacing on the ERROR event stream is still debuggable even
// though it crossed a goroutine boundary.
type UncaughtException struct {
	// Context names the observer, job, or subsystem that raised the
	// fault, e.g. "observer(NOTICE)" or "job(GETINFO-1a2b3c4d).onSuccess".
	Context string
	Cause   error
}

func (e *UncaughtException) Error() string {
	return fmt.Sprintf("uncaught exception in %s: %v", e.Context, e.Cause)
}

func (e *UncaughtException) Unwrap() error {
	return e.Cause
}

// wrapUncaught captures a stack trace for cause and tags it with
// context, producing the canonical UncaughtException wrapper.
func wrapUncaught(context string, cause error) *UncaughtException {
	return &UncaughtException{
		Context: context,
		Cause:   goerrors.Wrap(cause, 1),
	}
}

// ErrorHandler is the suppression-aware sink every subsystem reports
// faults to. Outside of a scope, Handle forwards cause directly to the
// attached callback (if any) and otherwise just logs it. Inside a
// scope (see Suppress), faults are collected instead of forwarded
// immediately so that teardown code performing several fallible steps
// doesn't lose all but the last error.
type ErrorHandler struct {
	mu       sync.Mutex
	onError  func(*UncaughtException)
	scopes   []*suppressionScope
}

// suppressionScope accumulates secondary faults raised while a primary
// operation (e.g. Controller.destroy) is in flight, so that the
// aggregate can be reported as one UncaughtException with the rest
// attached as suppressed causes.
type suppressionScope struct {
	primary    error
	suppressed []error
}

// NewErrorHandler returns a handler that forwards uncaught faults to
// onError. onError may be nil, in which case faults are dropped after
// being logged at debug level.
func NewErrorHandler(onError func(*UncaughtException)) *ErrorHandler {
	return &ErrorHandler{onError: onError}
}

// Handle reports cause, tagged with context. If a suppression scope is
// open on this handler (opened from any goroutine), the fault is queued
// on the innermost scope instead of being forwarded immediately.
func (h *ErrorHandler) Handle(context string, cause error) {
	if cause == nil {
		return
	}

	h.mu.Lock()
	if n := len(h.scopes); n > 0 {
		scope := h.scopes[n-1]
		if scope.primary == nil {
			scope.primary = wrapUncaught(context, cause)
		} else {
			scope.suppressed = append(scope.suppressed, wrapUncaught(context, cause))
		}
		h.mu.Unlock()
		return
	}
	onError := h.onError
	h.mu.Unlock()

	exc := wrapUncaught(context, cause)
	log.Debugf("uncaught exception: %v", exc)
	if onError != nil {
		onError(exc)
	}
}

// Suppress opens a suppression scope, runs fn, and on exit reports the
// aggregate of every fault collected during fn as a single
// UncaughtException (with the rest attached as suppressed causes),
// exactly once, through Handle. Suppress is reentrant: nested scopes on
// the same handler each aggregate independently.
func (h *ErrorHandler) Suppress(context string, fn func()) {
	scope := &suppressionScope{}

	h.mu.Lock()
	h.scopes = append(h.scopes, scope)
	h.mu.Unlock()

	fn()

	h.mu.Lock()
	h.scopes = h.scopes[:len(h.scopes)-1]
	h.mu.Unlock()

	if scope.primary == nil {
		return
	}

	agg := &AggregateError{Primary: scope.primary, Suppressed: scope.suppressed}
	h.Handle(context, agg)
}

// AggregateError is the primary fault raised inside a suppression
// scope together with every secondary fault that occurred while the
// scope was open. Its Error string lists all of them; callers that
// care about a specific kind should walk Suppressed with errors.As.
type AggregateError struct {
	Primary    error
	Suppressed []error
}

func (e *AggregateError) Error() string {
	if len(e.Suppressed) == 0 {
		return e.Primary.Error()
	}
	return fmt.Sprintf("%v (+%d suppressed)", e.Primary, len(e.Suppressed))
}

func (e *AggregateError) Unwrap() error {
	return e.Primary
}
