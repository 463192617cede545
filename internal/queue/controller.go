package queue

import "context"

// Controller gates how many jobs of one queue run at once. Acquire blocks
// until a slot is free or ctx is done; every successful Acquire must be paired
// with exactly one Release. Goroutines blocked on a slot are admitted in
// arrival order.
type Controller interface {
	Acquire(ctx context.Context) error
	Release()
}

// Unbounded admits every job immediately.
type Unbounded struct{}

func (Unbounded) Acquire(ctx context.Context) error { return ctx.Err() }
func (Unbounded) Release()                          {}

// Limited is a counting semaphore of fixed size.
type Limited struct {
	slots chan struct{}
}

func NewLimited(n int) *Limited {
	if n < 1 {
		n = 1
	}
	return &Limited{slots: make(chan struct{}, n)}
}

func (l *Limited) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limited) Release() {
	select {
	case <-l.slots:
	default:
	}
}

// Sequential is an explicit critical section admitting one job at a time,
// regardless of provider mix on the queue.
type Sequential struct {
	mu chan struct{}
}

func NewSequential() *Sequential {
	return &Sequential{mu: make(chan struct{}, 1)}
}

func (s *Sequential) Acquire(ctx context.Context) error {
	select {
	case s.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sequential) Release() {
	select {
	case <-s.mu:
	default:
	}
}

// ControllerFor builds a controller from a concurrency setting: negative or
// zero means unbounded, one means sequential, anything above is a semaphore.
func ControllerFor(limit int) Controller {
	switch {
	case limit <= 0:
		return Unbounded{}
	case limit == 1:
		return NewSequential()
	default:
		return NewLimited(limit)
	}
}
