package engine

import (
	"context"
	"sync"
)

// future carries the eventual outcome of a submitted command or
// strict read. It completes exactly once, after every internal state
// transition the outcome depends on.
type future struct {
	once  sync.Once
	done  chan struct{}
	value []byte
	err   error
}

func makeFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) complete(value []byte, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// wait block until the future completes or ctx expires.
func (f *future) wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
