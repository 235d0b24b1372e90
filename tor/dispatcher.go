package tor

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// decodeSuccess turns a fully-successful ReplyBatch into the
// command-specific typed result.
func decodeSuccess(cmd Command, batch ReplyBatch) (interface{}, error) {
	switch cmd.(type) {
	case CmdInfoGet:
		return parseInfoGetReply(batch)
	case CmdConfigGet:
		return parseConfigGetReply(batch)
	case CmdOnionServiceAdd:
		return parseOnionServiceAddReply(batch)
	case CmdOnionClientAuthView:
		return parseOnionClientAuthViewReply(batch)
	case rawProtocolInfoCommand, authChallengeCommand:
		_, values := parseKeyValueLines(batch)
		return &rawKeyValueResult{values: values}, nil
	default:
		// Every other command's success is just "250 OK" with no
		// structured payload worth decoding.
		return nil, nil
	}
}

// Dispatcher is the single cooperative loop that drains the
// CommandQueue, encodes each Job's command, writes it to the
// Transport inside the Waiter registry's critical section, and parks
// an await task for its reply.
type Dispatcher struct {
	queue     *CommandQueue
	codec     *Codec
	transport Transport
	waiters   *WaiterRegistry
	errors    *ErrorHandler

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	wake chan struct{}
}

// NewDispatcher constructs a Dispatcher bound to parent; cancelling
// parent (or calling Stop) tears down the loop and every in-flight
// await task without touching the caller's own goroutine.
func NewDispatcher(parent context.Context, queue *CommandQueue, codec *Codec, transport Transport, waiters *WaiterRegistry, errHandler *ErrorHandler) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)

	d := &Dispatcher{
		queue:     queue,
		codec:     codec,
		transport: transport,
		waiters:   waiters,
		errors:    errHandler,
		group:     group,
		ctx:       gctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
	}
	return d
}

// Start launches the dispatch loop as the root task of the
// Dispatcher's task group.
func (d *Dispatcher) Start() {
	d.group.Go(d.run)
}

// Wake signals the dispatch loop that a new job may be available,
// starting it if it was parked.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the dispatcher's task tree and waits for the loop and
// every outstanding await task to exit.
func (d *Dispatcher) Stop() {
	d.cancel()
	_ = d.group.Wait()
}

func (d *Dispatcher) run() error {
	for {
		job := d.queue.dequeueNext()
		if job == nil {
			select {
			case <-d.ctx.Done():
				return nil
			case <-d.wake:
				continue
			}
		}

		if err := d.dispatchOne(job); err != nil {
			// A write/encode fault on one job does not tear down the
			// loop; it only fails that job. Transport-level I/O errors are
			// the exception: they imply the connection is no longer
			// usable, so the loop exits and the caller's destroy path
			// takes over.
			if isTransportFatal(err) {
				return err
			}
		}

		select {
		case <-d.ctx.Done():
			return nil
		default:
		}
	}
}

func (d *Dispatcher) dispatchOne(job *Job) error {
	buf, err := d.codec.Encode(job.Command)
	if err != nil {
		job.error(fmt.Errorf("tor: encode failed: %w", err))
		return nil
	}

	var waiter *Waiter
	waiter, err = d.waiters.Create(func() error {
		if werr := d.transport.Write(buf); werr != nil {
			return &ioFault{err: werr}
		}
		return nil
	})
	Scrub(buf)
	if err != nil {
		job.error(err)
		if _, ok := err.(*ioFault); ok {
			return err
		}
		return nil
	}

	d.group.Go(func() error {
		batch := waiter.Await(d.ctx)
		job.respond(batch, nil)
		return nil
	})

	return nil
}

// ioFault marks an error returned by Transport.Write as fatal to the
// whole connection, distinguishing it from a per-job encode failure.
type ioFault struct{ err error }

func (e *ioFault) Error() string { return e.err.Error() }
func (e *ioFault) Unwrap() error { return e.err }

func isTransportFatal(err error) bool {
	_, ok := err.(*ioFault)
	return ok
}
