package tor

import "sync"

// tempJob is a pending enqueue request recorded before a real
// Controller exists.
type tempJob struct {
	cmd       Command
	onSuccess func(interface{})
	onFailure func(error)
	job       *Job
}

// TempCommandQueue buffers user requests before a Controller has been
// constructed, e.g. while a host is still launching the tor process.
// Once Attach is called, accumulated unprivileged jobs transfer to the
// real Controller and Enqueue starts delegating directly.
type TempCommandQueue struct {
	mu         sync.Mutex
	pending    []*tempJob
	attached   *Controller
	destroyed  bool
	errors     *ErrorHandler
}

// NewTempCommandQueue returns an empty, unattached queue.
func NewTempCommandQueue(errHandler *ErrorHandler) *TempCommandQueue {
	return &TempCommandQueue{errors: errHandler}
}

// Enqueue accepts an unprivileged command. Before Attach, the job
// accumulates locally in Enqueued state; after Attach, it delegates
// directly to the real Controller's queue.
func (q *TempCommandQueue) Enqueue(cmd Command, onSuccess func(interface{}), onFailure func(error)) *Job {
	if cmd.Privileged() {
		return newFailedJob(cmd, onFailure, q.errors,
			&ErrIllegalState{Reason: "privileged commands are not accepted by the temp queue"})
	}

	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return newFailedJob(cmd, onFailure, q.errors, &ErrIllegalState{Reason: "isDestroyed"})
	}
	if q.attached != nil {
		ctrl := q.attached
		q.mu.Unlock()
		return ctrl.queue.Enqueue(cmd, onSuccess, onFailure)
	}

	job := newJob(cmd, onSuccess, onFailure, q.errors)
	q.pending = append(q.pending, &tempJob{cmd: cmd, onSuccess: onSuccess, onFailure: onFailure, job: job})
	q.mu.Unlock()
	return job
}

// Attach transfers every accumulated job (filtering out any that
// somehow became privileged, which Enqueue already prevents, but the
// filter is kept here as the single source of truth) onto ctrl's
// execute stack, brings ctrl up (read loop plus dispatcher) if it
// isn't already running, and registers a destroy callback that drains
// the temp queue. Attach can be used as the sole bring-up path in
// place of a separate Controller.Start call, or after one: ctrl.start
// is idempotent either way.
func (q *TempCommandQueue) Attach(ctrl *Controller) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.attached = ctrl
	q.mu.Unlock()

	jobs := make([]*Job, 0, len(pending))
	for _, tj := range pending {
		if tj.cmd.Privileged() {
			continue
		}
		jobs = append(jobs, tj.job)
	}
	ctrl.queue.transferJobs(jobs)

	ctrl.start()
	ctrl.onDestroy(func() {
		q.Destroy()
	})
}

// Destroy cancels every job that was never transferred to a real
// Controller.
func (q *TempCommandQueue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, tj := range pending {
		tj.job.cancel(&ErrCancelled{Reason: "temp queue destroyed before attach"})
	}
}
