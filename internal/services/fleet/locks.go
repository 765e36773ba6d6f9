package fleet

import (
	"context"
	"sync"
)

// deviceLocks hands out one in-flight slot per address.
type deviceLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{slots: map[string]chan struct{}{}}
}

// acquire blocks until address is free or ctx ends. An already ended ctx
// never takes the slot.
func (l *deviceLocks) acquire(ctx context.Context, address string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	slot, ok := l.slots[address]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[address] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
