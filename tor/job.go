package tor

import (
	"sync"

	"github.com/google/uuid"
)

// JobState is one of the five states a Job passes through. Transitions form a DAG with exactly one terminal state.
type JobState int

const (
	JobEnqueued JobState = iota
	JobExecuting
	JobSuccess
	JobError
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobEnqueued:
		return "Enqueued"
	case JobExecuting:
		return "Executing"
	case JobSuccess:
		return "Success"
	case JobError:
		return "Error"
	case JobCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func (s JobState) isTerminal() bool {
	return s == JobSuccess || s == JobError || s == JobCancelled
}

// Job is the handle returned by CommandQueue.Enqueue.
// Its callbacks fire exactly once, on the transition into whichever
// terminal state is reached first; the success-callback reference is
// released immediately afterwards so that any key material it closes
// over does not outlive the job.
type Job struct {
	// Name is a stable, human-readable identifier, backed by a random
	// UUID suffix so concurrent jobs for the same command never
	// collide in logs.
	Name string

	Command Command

	mu    sync.Mutex
	state JobState

	onSuccess func(interface{})
	onFailure func(error)

	result interface{}
	err    error

	completionCallbacks []func(JobState)

	errors *ErrorHandler
}

// newJob constructs a Job in state Enqueued.
func newJob(cmd Command, onSuccess func(interface{}), onFailure func(error), errHandler *ErrorHandler) *Job {
	return &Job{
		Name:      cmd.commandKeyword() + "-" + uuid.New().String()[:8],
		Command:   cmd,
		state:     JobEnqueued,
		onSuccess: onSuccess,
		onFailure: onFailure,
		errors:    errHandler,
	}
}

// newFailedJob constructs a Job that is already in a terminal Error
// state, for synchronous failure paths such as enqueueing after
// destroy.
func newFailedJob(cmd Command, onFailure func(error), errHandler *ErrorHandler, cause error) *Job {
	j := &Job{
		Name:      cmd.commandKeyword() + "-failed",
		Command:   cmd,
		state:     JobError,
		onFailure: onFailure,
		err:       cause,
		errors:    errHandler,
	}
	j.invokeFailure(cause)
	return j
}

// State returns the job's current state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// executing transitions Enqueued -> Executing. It returns
// ErrIllegalState if the job is not Enqueued (e.g. it was already
// cancelled), which the CommandQueue dispatcher uses to discard
// cancelled jobs.
func (j *Job) executing() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != JobEnqueued {
		return &ErrIllegalState{Reason: "job is not Enqueued"}
	}
	j.state = JobExecuting
	return nil
}

// complete transitions Executing -> Success, invoking the success
// callback exactly once.
func (j *Job) complete(result interface{}) {
	successCB, _, callbacks, ok := j.transitionTerminal(JobSuccess, result, nil)
	if !ok {
		return
	}
	if successCB != nil {
		j.safeInvoke("job("+j.Name+").onSuccess", func() { successCB(result) })
	}
	j.runCompletionCallbacks(callbacks, JobSuccess)
}

// error transitions any non-terminal state to Error, invoking the
// failure callback exactly once. cause may be ErrInterrupted,
// ErrCancelled, ErrReply, or an arbitrary error.
func (j *Job) error(cause error) {
	_, failureCB, callbacks, ok := j.transitionTerminal(JobError, nil, cause)
	if !ok {
		return
	}
	j.invokeFailureCallback(failureCB, cause)
	j.runCompletionCallbacks(callbacks, JobError)
}

func (j *Job) invokeFailure(cause error) {
	j.mu.Lock()
	cb := j.onFailure
	j.onSuccess = nil
	j.onFailure = nil
	j.mu.Unlock()
	j.invokeFailureCallback(cb, cause)
}

func (j *Job) invokeFailureCallback(cb func(error), cause error) {
	if cb != nil {
		j.safeInvoke("job("+j.Name+").onFailure", func() { cb(cause) })
	}
}

// cancel transitions Enqueued -> Cancelled. It is a silent no-op if
// the job has already started executing or reached a terminal state.
func (j *Job) cancel(cause error) {
	j.mu.Lock()
	if j.state != JobEnqueued {
		j.mu.Unlock()
		return
	}
	j.state = JobCancelled
	j.onSuccess = nil
	cb := j.onFailure
	j.onFailure = nil
	callbacks := j.completionCallbacks
	j.completionCallbacks = nil
	j.mu.Unlock()

	j.invokeFailureCallback(cb, cause)
	j.runCompletionCallbacks(callbacks, JobCancelled)
}

// transitionTerminal moves the job into the given terminal state
// (unless it is already terminal, in which case it is a no-op),
// releasing the callback references and returning whichever one
// applies to state plus the completion-callbacks, all to invoke
// outside the lock.
func (j *Job) transitionTerminal(state JobState, result interface{}, cause error) (successCB func(interface{}), failureCB func(error), callbacks []func(JobState), ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.isTerminal() {
		return nil, nil, nil, false
	}
	j.state = state
	j.result = result
	j.err = cause

	callbacks = j.completionCallbacks
	j.completionCallbacks = nil

	switch state {
	case JobSuccess:
		successCB = j.onSuccess
	case JobError:
		failureCB = j.onFailure
	}
	j.onSuccess = nil
	j.onFailure = nil

	return successCB, failureCB, callbacks, true
}

// InvokeOnCompletion registers fn to run once, when the job reaches
// any terminal state. If the job is already terminal,
// fn runs synchronously before InvokeOnCompletion returns.
func (j *Job) InvokeOnCompletion(fn func(JobState)) {
	j.mu.Lock()
	if j.state.isTerminal() {
		state := j.state
		j.mu.Unlock()
		fn(state)
		return
	}
	j.completionCallbacks = append(j.completionCallbacks, fn)
	j.mu.Unlock()
}

func (j *Job) runCompletionCallbacks(callbacks []func(JobState), state JobState) {
	for _, cb := range callbacks {
		cb := cb
		j.safeInvoke("job("+j.Name+").onCompletion", func() { cb(state) })
	}
}

// safeInvoke runs fn, funneling any panic into the job's error
// handler as an UncaughtException rather than letting it escape onto
// the dispatcher goroutine.
func (j *Job) safeInvoke(context string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			if j.errors != nil {
				j.errors.Handle(context, errRecovered{rec})
			}
		}
	}()
	fn()
}

// respond is invoked by the Dispatcher once a reply batch has been
// delivered to this job's Waiter.
func (j *Job) respond(batch ReplyBatch, cause error) {
	if cause != nil {
		j.error(cause)
		return
	}
	if len(batch) == 0 {
		j.error(&ErrInterrupted{Reason: "Stream Ended"})
		return
	}
	if !batch.IsSuccess() {
		j.error(&ErrReply{Batch: batch})
		return
	}
	result, err := decodeSuccess(j.Command, batch)
	if err != nil {
		j.error(err)
		return
	}
	j.complete(result)
}
