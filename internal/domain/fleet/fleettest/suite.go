// Package fleettest holds behaviour tests shared by every fleet.Store backend.
package fleettest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
)

// Clock is a settable clock for store tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock.
func (c *Clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Factory opens a store backed by dir using clock.
type Factory func(t *testing.T, dir string, clock fleet.Clock) fleet.Store

// Run exercises the store contract against a backend.
func Run(t *testing.T, open Factory) {
	t.Run("CreatesRecordOnFirstWrite", func(t *testing.T) { testCreatesRecord(t, open) })
	t.Run("CameraFieldsMergeWithoutClearing", func(t *testing.T) { testMerge(t, open) })
	t.Run("LastUpdateOnlyOnConfirm", func(t *testing.T) { testConfirm(t, open) })
	t.Run("GetMany", func(t *testing.T) { testGetMany(t, open) })
	t.Run("SurvivesReopen", func(t *testing.T) { testReopen(t, open) })
	t.Run("ConcurrentWritesAreSerialized", func(t *testing.T) { testConcurrent(t, open) })
	t.Run("CancelledWriteIsPersistenceError", func(t *testing.T) { testCancelledWrite(t, open) })
}

func testCancelledWrite(t *testing.T, open Factory) {
	clock := NewClock(day)
	store := open(t, t.TempDir(), clock.Now)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Write(ctx, "10.0.0.9", fleet.StatusWrite(fleet.Error(), true))
	if !errors.Is(err, fleet.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if _, ok, err := store.Get(context.Background(), "10.0.0.9"); err != nil || ok {
		t.Fatalf("rejected write must not create a record, ok=%v err=%v", ok, err)
	}
}

var day = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testCreatesRecord(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock(day)
	store := open(t, t.TempDir(), clock.Now)
	defer store.Close()

	if _, ok, err := store.Get(ctx, "10.0.0.5"); err != nil || ok {
		t.Fatalf("expected missing record, ok=%v err=%v", ok, err)
	}
	if err := store.Write(ctx, "10.0.0.5", fleet.StatusWrite(fleet.Imaging(), false)); err != nil {
		t.Fatalf("write: %v", err)
	}
	record, ok, err := store.Get(ctx, "10.0.0.5")
	if err != nil || !ok {
		t.Fatalf("expected record, ok=%v err=%v", ok, err)
	}
	if record.Status != fleet.Imaging() {
		t.Fatalf("expected imaging status, got %q", record.Status)
	}
	if !record.LastAccessed.Equal(day) {
		t.Fatalf("expected last_accessed %v, got %v", day, record.LastAccessed)
	}
	if record.LastUpdate != "" {
		t.Fatalf("expected empty last_update, got %q", record.LastUpdate)
	}
	if record.Camera1.HasPosition() || record.Camera2.HasPosition() {
		t.Fatalf("expected empty camera records")
	}
}

func testMerge(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock(day)
	store := open(t, t.TempDir(), clock.Now)
	defer store.Close()

	seed := fleet.StatusWrite(fleet.Online(), true).
		WithPositions("X1Y1", "X1Y2").
		WithCameraStatuses(fleet.CameraStatusReady, fleet.CameraStatusReady)
	if err := store.Write(ctx, "10.0.0.7", seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	clock.Set(day.Add(26 * time.Hour))
	failed := fleet.CameraStatusFailed
	if err := store.Write(ctx, "10.0.0.7", fleet.WriteRequest{Status: fleet.Error(), Camera1Status: &failed}); err != nil {
		t.Fatalf("write cam1 status: %v", err)
	}

	record, _, err := store.Get(ctx, "10.0.0.7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Camera1.Status != fleet.CameraStatusFailed {
		t.Fatalf("expected cam1 failed, got %q", record.Camera1.Status)
	}
	if record.Camera2.Status != fleet.CameraStatusReady {
		t.Fatalf("expected cam2 status untouched, got %q", record.Camera2.Status)
	}
	if record.Camera1.Position != "X1Y1" || record.Camera2.Position != "X1Y2" {
		t.Fatalf("expected positions untouched, got %q/%q", record.Camera1.Position, record.Camera2.Position)
	}
	if record.LastUpdate != "2026-03-14" {
		t.Fatalf("expected last_update untouched, got %q", record.LastUpdate)
	}
	if record.Camera2.LastCaptured == nil || !record.Camera2.LastCaptured.Equal(day) {
		t.Fatalf("expected cam2 last_captured untouched, got %v", record.Camera2.LastCaptured)
	}
	if record.Camera1.LastCaptured == nil || !record.Camera1.LastCaptured.Equal(day.Add(26*time.Hour)) {
		t.Fatalf("expected cam1 last_captured refreshed, got %v", record.Camera1.LastCaptured)
	}
}

func testConfirm(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock(day)
	store := open(t, t.TempDir(), clock.Now)
	defer store.Close()

	if err := store.Write(ctx, "10.0.0.8", fleet.StatusWrite(fleet.Online(), true)); err != nil {
		t.Fatalf("confirm write: %v", err)
	}
	clock.Set(day.Add(48 * time.Hour))
	if err := store.Write(ctx, "10.0.0.8", fleet.StatusWrite(fleet.FailedAtStage(fleet.StageCore), false)); err != nil {
		t.Fatalf("failed write: %v", err)
	}
	record, _, _ := store.Get(ctx, "10.0.0.8")
	if record.LastUpdate != "2026-03-14" {
		t.Fatalf("expected last_update to stay on confirm day, got %q", record.LastUpdate)
	}
	if record.Status != fleet.FailedAtStage(fleet.StageCore) {
		t.Fatalf("expected failed_core, got %q", record.Status)
	}
	if !record.LastAccessed.Equal(day.Add(48 * time.Hour)) {
		t.Fatalf("expected last_accessed refreshed, got %v", record.LastAccessed)
	}

	if err := store.Write(ctx, "10.0.0.8", fleet.StatusWrite(fleet.Online(), true)); err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	record, _, _ = store.Get(ctx, "10.0.0.8")
	if record.LastUpdate != "2026-03-16" {
		t.Fatalf("expected last_update advanced, got %q", record.LastUpdate)
	}
}

func testGetMany(t *testing.T, open Factory) {
	ctx := context.Background()
	store := open(t, t.TempDir(), NewClock(day).Now)
	defer store.Close()

	for _, address := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if err := store.Write(ctx, address, fleet.StatusWrite(fleet.Online(), false)); err != nil {
			t.Fatalf("write %s: %v", address, err)
		}
	}
	got, err := store.GetMany(ctx, []string{"10.0.0.1", "10.0.0.3", "10.0.0.9"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if _, ok := got["10.0.0.9"]; ok {
		t.Fatalf("unexpected record for unknown address")
	}
	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
}

func testReopen(t *testing.T, open Factory) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := NewClock(day)
	store := open(t, dir, clock.Now)
	write := fleet.StatusWrite(fleet.PartialFailure([]string{"Camera 2 (timeout)"}), true).WithPositions("X3Y4", "X3Y5")
	if err := store.Write(ctx, "10.0.0.5", write); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := open(t, dir, clock.Now)
	defer reopened.Close()
	record, ok, err := reopened.Get(ctx, "10.0.0.5")
	if err != nil || !ok {
		t.Fatalf("expected record after reopen, ok=%v err=%v", ok, err)
	}
	if record.Status.Kind != fleet.KindPartialFailure || record.Status.Detail != "Camera 2 (timeout)" {
		t.Fatalf("unexpected status after reopen: %+v", record.Status)
	}
	if record.Camera2.Position != "X3Y5" {
		t.Fatalf("expected camera2 position, got %q", record.Camera2.Position)
	}
	if record.LastUpdate != "2026-03-14" {
		t.Fatalf("expected last_update, got %q", record.LastUpdate)
	}
}

func testConcurrent(t *testing.T, open Factory) {
	ctx := context.Background()
	store := open(t, t.TempDir(), NewClock(day).Now)
	defer store.Close()

	addresses := []string{"10.0.1.1", "10.0.1.2", "10.0.1.3", "10.0.1.4", "10.0.1.5", "10.0.1.6"}
	var wg sync.WaitGroup
	for _, address := range addresses {
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			if err := store.Write(ctx, address, fleet.StatusWrite(fleet.Imaging(), false)); err != nil {
				t.Errorf("write %s: %v", address, err)
			}
			if err := store.Write(ctx, address, fleet.StatusWrite(fleet.Ready(), true)); err != nil {
				t.Errorf("write %s: %v", address, err)
			}
		}(address)
	}
	wg.Wait()

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != len(addresses) {
		t.Fatalf("expected %d records, got %d", len(addresses), len(all))
	}
	for _, address := range addresses {
		if all[address].Status != fleet.Ready() {
			t.Fatalf("expected %s ready, got %q", address, all[address].Status)
		}
	}
}
