package tor

import (
	"errors"
	"testing"

	goerrors "github.com/go-errors/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorHandlerForwardsOutsideScope(t *testing.T) {
	var caught *UncaughtException
	h := NewErrorHandler(func(exc *UncaughtException) { caught = exc })

	h.Handle("some.context", errors.New("boom"))

	require.NotNil(t, caught)
	require.Equal(t, "some.context", caught.Context)
}

func TestErrorHandlerHandleNilIsNoop(t *testing.T) {
	called := false
	h := NewErrorHandler(func(*UncaughtException) { called = true })
	h.Handle("ctx", nil)
	require.False(t, called)
}

func TestErrorHandlerSuppressAggregatesFaults(t *testing.T) {
	var caught *UncaughtException
	h := NewErrorHandler(func(exc *UncaughtException) { caught = exc })

	h.Suppress("teardown", func() {
		h.Handle("step1", errors.New("first failure"))
		h.Handle("step2", errors.New("second failure"))
		h.Handle("step3", errors.New("third failure"))
	})

	require.NotNil(t, caught)
	wrapped, ok := caught.Cause.(*goerrors.Error)
	require.True(t, ok)
	agg, ok := wrapped.Err.(*AggregateError)
	require.True(t, ok)
	require.Len(t, agg.Suppressed, 2)
	require.Contains(t, agg.Primary.Error(), "first failure")
}

func TestErrorHandlerSuppressNoFaultsIsSilent(t *testing.T) {
	called := false
	h := NewErrorHandler(func(*UncaughtException) { called = true })

	h.Suppress("teardown", func() {})

	require.False(t, called)
}

func TestErrorHandlerSuppressSingleFaultHasNoSuppressedList(t *testing.T) {
	var caught *UncaughtException
	h := NewErrorHandler(func(exc *UncaughtException) { caught = exc })

	h.Suppress("teardown", func() {
		h.Handle("step1", errors.New("only failure"))
	})

	require.NotNil(t, caught)
	wrapped, ok := caught.Cause.(*goerrors.Error)
	require.True(t, ok)
	agg, ok := wrapped.Err.(*AggregateError)
	require.True(t, ok)
	require.Empty(t, agg.Suppressed)
	require.Equal(t, agg.Primary.Error(), agg.Error())
}

func TestErrorHandlerSuppressReentrant(t *testing.T) {
	var reported []*UncaughtException
	h := NewErrorHandler(func(exc *UncaughtException) { reported = append(reported, exc) })

	h.Suppress("outer", func() {
		h.Suppress("inner", func() {
			h.Handle("inner.step", errors.New("inner failure"))
		})
		h.Handle("outer.step", errors.New("outer failure"))
	})

	// The inner scope closes first, but the outer scope is still open,
	// so the inner aggregate is captured as the outer scope's primary
	// fault instead of being reported immediately; only the outer
	// scope's own close produces a top-level report, with the outer
	// fault folded in as a suppressed cause.
	require.Len(t, reported, 1)
	require.Contains(t, reported[0].Error(), "inner failure")
	require.Contains(t, reported[0].Error(), "+1 suppressed")
}

func TestAggregateErrorUnwrapReturnsPrimary(t *testing.T) {
	primary := errors.New("primary cause")
	agg := &AggregateError{Primary: primary}
	require.Equal(t, primary, errors.Unwrap(agg))
}

func TestUncaughtExceptionUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("root cause")
	exc := &UncaughtException{Context: "ctx", Cause: cause}
	require.Equal(t, cause, errors.Unwrap(exc))
}

func TestErrIllegalStateMessage(t *testing.T) {
	err := &ErrIllegalState{Reason: "isDestroyed"}
	require.Contains(t, err.Error(), "isDestroyed")
}

func TestErrReplyMessageUsesLastLine(t *testing.T) {
	err := &ErrReply{Batch: ReplyBatch{
		{Code: 250, Message: "ServiceID=abc"},
		{Code: 552, Message: "Unrecognized option"},
	}}
	require.Contains(t, err.Error(), "552")
	require.Contains(t, err.Error(), "Unrecognized option")
}

func TestErrReplyMessageEmptyBatch(t *testing.T) {
	err := &ErrReply{}
	require.Contains(t, err.Error(), "empty batch")
}
