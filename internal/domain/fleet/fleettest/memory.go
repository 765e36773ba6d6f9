package fleettest

import (
	"context"
	"fmt"
	"sync"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
)

// Write is one committed or rejected write seen by MemoryStore.
type Write struct {
	Address string
	Request fleet.WriteRequest
}

// MemoryStore is an in-memory fleet.Store for workflow tests. FailWrite and
// FailRead inject persistence failures. Like the real stores, Write rejects a
// cancelled context.
type MemoryStore struct {
	mu      sync.Mutex
	clock   fleet.Clock
	records map[string]fleet.Record
	writes  []Write

	FailWrite func(address string, w fleet.WriteRequest) bool
	FailRead  func() error
}

var _ fleet.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store stamping writes with clock.
func NewMemoryStore(clock fleet.Clock) *MemoryStore {
	if clock == nil {
		clock = fleet.SystemClock
	}
	return &MemoryStore{clock: clock, records: map[string]fleet.Record{}}
}

// Seed stores rec under address without going through Write.
func (m *MemoryStore) Seed(address string, rec fleet.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Address = address
	m.records[address] = rec
}

func (m *MemoryStore) Get(ctx context.Context, address string) (fleet.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readErr(); err != nil {
		return fleet.Record{}, false, err
	}
	rec, ok := m.records[address]
	return rec, ok, nil
}

func (m *MemoryStore) GetAll(ctx context.Context) (map[string]fleet.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readErr(); err != nil {
		return nil, err
	}
	out := make(map[string]fleet.Record, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) GetMany(ctx context.Context, addresses []string) (map[string]fleet.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readErr(); err != nil {
		return nil, err
	}
	out := make(map[string]fleet.Record, len(addresses))
	for _, address := range addresses {
		if rec, ok := m.records[address]; ok {
			out[address] = rec
		}
	}
	return out, nil
}

func (m *MemoryStore) Write(ctx context.Context, address string, w fleet.WriteRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, Write{Address: address, Request: w})
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: write %s: %v", fleet.ErrPersistence, address, err)
	}
	if m.FailWrite != nil && m.FailWrite(address, w) {
		return fmt.Errorf("%w: injected failure for %s", fleet.ErrPersistence, address)
	}
	rec := m.records[address]
	rec.Address = address
	m.records[address] = fleet.Apply(rec, w, m.clock())
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Writes returns every write attempted so far, in order.
func (m *MemoryStore) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

// Record returns the stored record for address, zero if absent.
func (m *MemoryStore) Record(address string) fleet.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[address]
}

func (m *MemoryStore) readErr() error {
	if m.FailRead == nil {
		return nil
	}
	return m.FailRead()
}
