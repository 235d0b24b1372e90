package tor

import "sync"

// CommandQueue holds every pending Job for one Controller, enforcing
// a signal-preemption policy: enqueueing SIGNAL SHUTDOWN/HALT snapshots
// and discards whatever was pending before it, erroring each of those
// jobs with ErrInterrupted, rather than letting them race the shutdown
// onto the wire.
type CommandQueue struct {
	mu sync.Mutex

	// execute is appended at the tail and drained head-first by
	// dequeueNext via index 0, so jobs leave in FIFO order; a plain
	// slice stands in for a dedicated deque container.
	execute []*Job

	// interrupt holds closures queued by a shutdown/halt preemption, to
	// be run by dequeueNext (or Destroy) outside the main lock.
	interrupt []func()

	destroyed bool

	dispatcher *Dispatcher
	errors     *ErrorHandler
}

// NewCommandQueue returns an empty, live queue. SetDispatcher must be
// called once the Controller has constructed its Dispatcher, since the
// two are mutually referential (the queue wakes the dispatcher; the
// dispatcher drains the queue).
func NewCommandQueue(errHandler *ErrorHandler) *CommandQueue {
	return &CommandQueue{errors: errHandler}
}

// SetDispatcher wires the Dispatcher this queue wakes on Enqueue.
func (q *CommandQueue) SetDispatcher(d *Dispatcher) {
	q.mu.Lock()
	q.dispatcher = d
	q.mu.Unlock()
}

// Enqueue appends a new Job for cmd, applying the signal-preemption
// policy, and returns its handle. If the queue is destroyed, the
// returned Job is already in the Error state with ErrIllegalState.
func (q *CommandQueue) Enqueue(cmd Command, onSuccess func(interface{}), onFailure func(error)) *Job {
	q.mu.Lock()

	if q.destroyed {
		q.mu.Unlock()
		return newFailedJob(cmd, onFailure, q.errors, &ErrIllegalState{Reason: "isDestroyed"})
	}

	job := newJob(cmd, onSuccess, onFailure, q.errors)

	if isShutdownSignal(cmd) && len(q.execute) > 0 {
		snapshot := q.execute
		q.execute = nil
		keyword := cmd.commandKeyword()
		sigName := string(cmd.(CmdSignal).Signal)
		q.interrupt = append(q.interrupt, func() {
			reason := keyword + " " + sigName
			for _, j := range snapshot {
				j.error(&ErrInterrupted{Reason: reason})
			}
		})
	}

	q.execute = append(q.execute, job)
	dispatcher := q.dispatcher
	q.mu.Unlock()

	if dispatcher != nil {
		dispatcher.Wake()
	}
	return job
}

// transferJobs appends already-constructed jobs (e.g. from
// TempCommandQueue.Attach) directly onto the execute stack and wakes
// the dispatcher, preserving the original Job handles instead of
// re-creating them.
func (q *CommandQueue) transferJobs(jobs []*Job) {
	if len(jobs) == 0 {
		return
	}
	q.mu.Lock()
	q.execute = append(q.execute, jobs...)
	dispatcher := q.dispatcher
	q.mu.Unlock()

	if dispatcher != nil {
		dispatcher.Wake()
	}
}

// dequeueNext is invoked by the Dispatcher. It first drains the
// interrupt stack outside the main lock, then repeatedly pops the head
// of execute and attempts Job.executing(), discarding any job that was
// concurrently cancelled, until one succeeds or the queue is empty.
func (q *CommandQueue) dequeueNext() *Job {
	q.drainInterruptStack()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.execute) > 0 {
		job := q.execute[0]
		q.execute = q.execute[1:]

		if err := job.executing(); err != nil {
			continue
		}
		return job
	}
	return nil
}

func (q *CommandQueue) drainInterruptStack() {
	q.mu.Lock()
	closures := q.interrupt
	q.interrupt = nil
	q.mu.Unlock()

	for _, fn := range closures {
		fn := fn
		q.errors.Suppress("commandQueue.interrupt", fn)
	}
}

// Destroy drains the interrupt stack, then snapshots and clears the
// execute stack, erroring every remaining job with
// ErrInterrupted("onDestroy").
func (q *CommandQueue) Destroy() {
	q.drainInterruptStack()

	q.mu.Lock()
	q.destroyed = true
	snapshot := q.execute
	q.execute = nil
	q.mu.Unlock()

	q.errors.Suppress("commandQueue.destroy", func() {
		for _, j := range snapshot {
			j.error(&ErrInterrupted{Reason: "onDestroy"})
		}
	})
}

// IsDestroyed reports whether Destroy has been called.
func (q *CommandQueue) IsDestroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}
