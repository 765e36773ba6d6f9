package positioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/config"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet/fleettest"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote/mock"
	"github.com/micro-ha/minion-fleet/controller/internal/logging"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testConfig(t *testing.T) config.PositioningConfig {
	return config.PositioningConfig{
		Marker:       "requestLocation.file",
		PollInterval: 2 * time.Second,
		ErrorBackoff: 5 * time.Second,
		StateDir:     t.TempDir(),
	}
}

func newService(t *testing.T, store fleet.Store, exec remote.Executor) (*Service, *[]time.Duration) {
	var sleeps []time.Duration
	svc := New(store, exec, testConfig(t), logging.Discard())
	svc.sleepFn = func(ctx context.Context, wait time.Duration) error {
		sleeps = append(sleeps, wait)
		return ctx.Err()
	}
	return svc, &sleeps
}

func signaling(addresses ...string) func(ctx context.Context, target remote.Endpoint, remotePath, localPath string) (remote.Result, error) {
	set := map[string]bool{}
	for _, a := range addresses {
		set[a] = true
	}
	return func(ctx context.Context, target remote.Endpoint, remotePath, localPath string) (remote.Result, error) {
		if set[target.Address] {
			return remote.Result{Success: true}, nil
		}
		return remote.Result{Stderr: "No such file"}, nil
	}
}

func TestMonitorSingleAssignmentClearsAllMarkers(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.6", fleet.Record{Status: fleet.Online()})
	store.Seed("10.0.0.5", fleet.Record{Status: fleet.Online()})
	exec := &mock.Executor{PullFunc: signaling("10.0.0.5", "10.0.0.6")}
	svc, _ := newService(t, store, exec)

	got, err := svc.Monitor(context.Background(), 3, 4)
	if err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	if got != (Assignment{Address: "10.0.0.5", Camera1: "X3Y4", Camera2: "X3Y5"}) {
		t.Fatalf("unexpected assignment %+v", got)
	}

	winner := store.Record("10.0.0.5")
	if winner.Camera1.Position != "X3Y4" || winner.Camera2.Position != "X3Y5" {
		t.Fatalf("positions not committed: %+v", winner)
	}
	if winner.Status.Kind != fleet.KindOnline || winner.LastUpdate != "2026-03-14" {
		t.Fatalf("expected confirmed online, got %+v", winner)
	}
	if other := store.Record("10.0.0.6"); other.Camera1.HasPosition() || other.Camera2.HasPosition() {
		t.Fatalf("second device must stay unpositioned: %+v", other)
	}

	for _, address := range []string{"10.0.0.5", "10.0.0.6"} {
		cleared := false
		for _, call := range exec.CallsFor(address) {
			if call.Op == mock.OpRun && call.Command == "rm -f requestLocation.file" {
				cleared = true
			}
		}
		if !cleared {
			t.Fatalf("marker not cleared on %s", address)
		}
	}
}

func TestMonitorSkipsPositionedDevices(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", fleet.Record{Camera1: fleet.Camera{Position: "X1Y1"}, Camera2: fleet.Camera{Position: "X1Y2"}})
	store.Seed("10.0.0.9", fleet.Record{Camera1: fleet.Camera{Position: "X2Y1"}})
	exec := &mock.Executor{PullFunc: signaling("10.0.0.5", "10.0.0.9")}
	svc, _ := newService(t, store, exec)

	got, err := svc.Monitor(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	if got.Address != "10.0.0.9" {
		t.Fatalf("expected half-positioned device to win, got %+v", got)
	}
	if calls := exec.CallsFor("10.0.0.5"); len(calls) != 0 {
		t.Fatalf("positioned device must not be contacted: %+v", calls)
	}
}

func TestMonitorPollsUntilRequest(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", fleet.Record{})
	polls := 0
	exec := &mock.Executor{
		PullFunc: func(ctx context.Context, target remote.Endpoint, remotePath, localPath string) (remote.Result, error) {
			polls++
			if polls < 3 {
				return remote.Result{Stderr: "connection refused"}, nil
			}
			return remote.Result{Success: true}, nil
		},
	}
	svc, sleeps := newService(t, store, exec)

	if _, err := svc.Monitor(context.Background(), 1, 1); err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	if len(*sleeps) != 2 || (*sleeps)[0] != 2*time.Second {
		t.Fatalf("expected two poll sleeps of 2s, got %v", *sleeps)
	}
}

func TestMonitorBacksOffOnStoreFailure(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", fleet.Record{})
	reads := 0
	store.FailRead = func() error {
		reads++
		if reads == 1 {
			return fleet.ErrPersistence
		}
		return nil
	}
	exec := &mock.Executor{PullFunc: signaling("10.0.0.5")}
	svc, sleeps := newService(t, store, exec)

	if _, err := svc.Monitor(context.Background(), 1, 1); err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != 5*time.Second {
		t.Fatalf("expected one 5s backoff, got %v", *sleeps)
	}
}

func TestMonitorContinuesAfterCommitFailure(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", fleet.Record{})
	store.Seed("10.0.0.6", fleet.Record{})
	store.FailWrite = func(address string, w fleet.WriteRequest) bool { return address == "10.0.0.5" }
	exec := &mock.Executor{PullFunc: signaling("10.0.0.5", "10.0.0.6")}
	svc, _ := newService(t, store, exec)

	got, err := svc.Monitor(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	if got.Address != "10.0.0.6" {
		t.Fatalf("expected fallback to next device, got %+v", got)
	}
}

func TestMonitorHonoursDeadline(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", fleet.Record{})
	exec := &mock.Executor{PullFunc: signaling()}
	svc, _ := newService(t, store, exec)

	ctx, cancel := context.WithCancel(context.Background())
	svc.sleepFn = func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := svc.Monitor(ctx, 1, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rec := store.Record("10.0.0.5"); rec.Camera1.HasPosition() {
		t.Fatalf("nothing should be committed: %+v", rec)
	}
}

func TestCoordinates(t *testing.T) {
	cam1, cam2 := Coordinates(12, 0)
	if cam1 != "X12Y0" || cam2 != "X12Y1" {
		t.Fatalf("Coordinates(12, 0) = %s, %s", cam1, cam2)
	}
}
