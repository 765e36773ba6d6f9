package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/storage"
)

// FleetRepository is sqlite implementation of fleet.Store.
type FleetRepository struct {
	db    *DB
	clock fleet.Clock

	mu sync.Mutex
}

// NewFleetRepository creates sqlite-backed fleet store.
func NewFleetRepository(db *DB, clock fleet.Clock) *FleetRepository {
	if clock == nil {
		clock = fleet.SystemClock
	}
	return &FleetRepository{db: db, clock: clock}
}

// Get returns one device record.
func (r *FleetRepository) Get(ctx context.Context, address string) (fleet.Record, bool, error) {
	record, err := r.db.storage.LoadDevice(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return fleet.Record{}, false, nil
	}
	if err != nil {
		return fleet.Record{}, false, fmt.Errorf("%w: load %s: %v", fleet.ErrPersistence, address, err)
	}
	return record, true, nil
}

// GetAll returns every device record by address.
func (r *FleetRepository) GetAll(ctx context.Context) (map[string]fleet.Record, error) {
	records, err := r.db.storage.LoadAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load all: %v", fleet.ErrPersistence, err)
	}
	return records, nil
}

// GetMany returns records for the known addresses among the requested ones.
func (r *FleetRepository) GetMany(ctx context.Context, addresses []string) (map[string]fleet.Record, error) {
	records, err := r.db.storage.LoadDevices(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("%w: load many: %v", fleet.ErrPersistence, err)
	}
	return records, nil
}

// Write merges w into the device record, creating it when absent.
func (r *FleetRepository) Write(ctx context.Context, address string, w fleet.WriteRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	_, err := r.db.storage.MergeDevice(ctx, address, func(current fleet.Record, _ bool) fleet.Record {
		return fleet.Apply(current, w, now)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", fleet.ErrPersistence, address, err)
	}
	return nil
}

// Close releases the database.
func (r *FleetRepository) Close() error {
	return r.db.Close()
}
