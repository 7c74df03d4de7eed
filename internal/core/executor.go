package core

import (
	"context"
	"errors"
)

var ErrExecutorStopped = errors.New("core: executor stopped")

// Executor serialises every call onto one goroutine so the Ledger, which is
// not thread-safe, can be shared by the gRPC server and the NATS subscriber.
//
// Adapter callbacks run on the executor goroutine; they must call the Ledger
// directly, never back through the Executor.
type Executor struct {
	ledger *Ledger
	reqs   chan func()
	done   chan struct{}
}

func NewExecutor(ledger *Ledger, queue int) *Executor {
	if queue < 0 {
		queue = 0
	}
	return &Executor{
		ledger: ledger,
		reqs:   make(chan func(), queue),
		done:   make(chan struct{}),
	}
}

// Run processes calls until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.reqs:
			fn()
		}
	}
}

// Done is closed once Run has returned. After that the ledger emits no
// further outputs.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Do runs fn against the ledger on the executor goroutine and waits for it.
func (e *Executor) Do(ctx context.Context, fn func(l *Ledger) error) error {
	_, err := Call(ctx, e, func(l *Ledger) (struct{}, error) {
		return struct{}{}, fn(l)
	})
	return err
}

// Call is Do with a result.
func Call[T any](ctx context.Context, e *Executor, fn func(l *Ledger) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	resCh := make(chan result, 1)
	job := func() {
		v, err := fn(e.ledger)
		resCh <- result{v, err}
	}

	select {
	case e.reqs <- job:
	case <-e.done:
		return zero, ErrExecutorStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	// Once queued the job will run; wait for it even if ctx ends so the
	// caller learns the real outcome of a mutating call.
	select {
	case r := <-resCh:
		return r.v, r.err
	case <-e.done:
		select {
		case r := <-resCh:
			return r.v, r.err
		default:
			return zero, ErrExecutorStopped
		}
	}
}
