package bridge

import (
	"context"
	"sync"
)

// Action is a native surface instruction waiting for acknowledgement.
type Action interface {
	Fulfill()
	Fail()
}

// Result is a single-shot Action. The first Fulfill or Fail wins.
type Result struct {
	once sync.Once
	done chan struct{}
	ok   bool
}

// NewResult creates an unresolved Result.
func NewResult() *Result {
	return &Result{done: make(chan struct{})}
}

func (r *Result) Fulfill() { r.resolve(true) }
func (r *Result) Fail()    { r.resolve(false) }

func (r *Result) resolve(ok bool) {
	r.once.Do(func() {
		r.ok = ok
		close(r.done)
	})
}

// Wait blocks until the action is resolved and reports whether it was fulfilled.
func (r *Result) Wait(ctx context.Context) (bool, error) {
	select {
	case <-r.done:
		return r.ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
