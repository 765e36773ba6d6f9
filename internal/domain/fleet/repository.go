package fleet

import (
	"context"
	"time"
)

// Store is the single source of truth for device records. Implementations
// serialize writes; callers never touch the persisted document directly.
type Store interface {
	Get(ctx context.Context, address string) (Record, bool, error)
	GetAll(ctx context.Context) (map[string]Record, error)
	GetMany(ctx context.Context, addresses []string) (map[string]Record, error)
	Write(ctx context.Context, address string, w WriteRequest) error
	Close() error
}

// Clock returns the current time. Stores and workflows accept one for tests.
type Clock func() time.Time

// SystemClock is the default Clock.
func SystemClock() time.Time {
	return time.Now()
}
