package imaging

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/config"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet/fleettest"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote/mock"
	"github.com/micro-ha/minion-fleet/controller/internal/logging"
	"github.com/micro-ha/minion-fleet/controller/internal/repository/yamlfile"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testConfig() config.ImagingConfig {
	return config.ImagingConfig{System: "lilo", Command: "./minion-capture", Timeout: 5 * time.Minute}
}

func positioned() fleet.Record {
	return fleet.Record{
		Status:  fleet.Online(),
		Camera1: fleet.Camera{Position: "X1Y1"},
		Camera2: fleet.Camera{Position: "X1Y2"},
	}
}

func replying(stdout string) func(ctx context.Context, cmd remote.Command) (remote.Result, error) {
	return func(ctx context.Context, cmd remote.Command) (remote.Result, error) {
		return remote.Result{Success: true, Stdout: stdout}, nil
	}
}

func TestImageDevicePartialFailureEndToEnd(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", positioned())
	exec := &mock.Executor{RunFunc: replying("Partial success: Images captured from Camera 1\nFailed cameras: 2")}
	svc := New(store, exec, testConfig(), logging.Discard())

	rep := svc.ImageDevice(context.Background(), "10.0.0.5")
	if rep.Succeeded {
		t.Fatalf("partial capture must not report success")
	}
	if rep.Status.Kind != fleet.KindPartialFailure || rep.Status.Detail != "2" {
		t.Fatalf("unexpected status %+v", rep.Status)
	}
	rec := store.Record("10.0.0.5")
	if rec.Status.String() != "partial - 2" {
		t.Fatalf("committed status = %q", rec.Status.String())
	}
	if rec.Camera1.Status != fleet.CameraStatusReady || rec.Camera2.Status != fleet.CameraStatusFailed {
		t.Fatalf("camera statuses = %q/%q", rec.Camera1.Status, rec.Camera2.Status)
	}
	if rec.LastUpdate != "2026-03-14" {
		t.Fatalf("partial result should be confirmed, last_update = %q", rec.LastUpdate)
	}
}

func TestImageDeviceCommitsImagingBeforeCommand(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", positioned())
	var seenDuringRun fleet.Status
	exec := &mock.Executor{RunFunc: func(ctx context.Context, cmd remote.Command) (remote.Result, error) {
		seenDuringRun = store.Record("10.0.0.5").Status
		if cmd.Timeout != 5*time.Minute {
			t.Errorf("timeout = %v", cmd.Timeout)
		}
		want := "./minion-capture --system 'lilo' --module '10.0.0.5' --coordinates_cam1 'X1Y1' --coordinates_cam2 'X1Y2'"
		if cmd.Command != want {
			t.Errorf("command = %q", cmd.Command)
		}
		return remote.Result{Success: true, Stdout: "Success: Images captured from Camera 1 and Camera 2"}, nil
	}}
	svc := New(store, exec, testConfig(), logging.Discard())

	rep := svc.ImageDevice(context.Background(), "10.0.0.5")
	if !rep.Succeeded || rep.Status.Kind != fleet.KindReady {
		t.Fatalf("unexpected report %+v", rep)
	}
	if seenDuringRun.Kind != fleet.KindImaging {
		t.Fatalf("status during capture = %v, want imaging", seenDuringRun)
	}
	writes := store.Writes()
	if len(writes) != 2 || writes[0].Request.ConfirmUpdate {
		t.Fatalf("imaging status must be written unconfirmed first: %+v", writes)
	}
	rec := store.Record("10.0.0.5")
	if rec.Camera1.Status != fleet.CameraStatusReady || rec.Camera2.Status != fleet.CameraStatusReady {
		t.Fatalf("camera statuses = %q/%q", rec.Camera1.Status, rec.Camera2.Status)
	}
}

func TestImageDeviceWithoutPositionNeverContactsDevice(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	rec := positioned()
	rec.Camera2.Position = ""
	store.Seed("10.0.0.5", rec)
	exec := &mock.Executor{}
	svc := New(store, exec, testConfig(), logging.Discard())

	rep := svc.ImageDevice(context.Background(), "10.0.0.5")
	if rep.Succeeded || rep.Status.Kind != fleet.KindNeedsPosition {
		t.Fatalf("unexpected report %+v", rep)
	}
	if calls := exec.CallsSnapshot(); len(calls) != 0 {
		t.Fatalf("expected no remote calls, got %+v", calls)
	}
	if got := store.Record("10.0.0.5").Status.String(); got != "position needed" {
		t.Fatalf("committed status = %q", got)
	}
}

func TestImageDeviceUnknownAddressNeedsPosition(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	exec := &mock.Executor{}
	svc := New(store, exec, testConfig(), logging.Discard())

	rep := svc.ImageDevice(context.Background(), "10.0.0.77")
	if rep.Status.Kind != fleet.KindNeedsPosition || len(exec.CallsSnapshot()) != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestImageDeviceTransportFailure(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", positioned())
	exec := &mock.Executor{RunFunc: func(ctx context.Context, cmd remote.Command) (remote.Result, error) {
		return remote.Result{Stderr: "ssh connect to 10.0.0.5: i/o timeout"}, nil
	}}
	svc := New(store, exec, testConfig(), logging.Discard())

	rep := svc.ImageDevice(context.Background(), "10.0.0.5")
	if rep.Succeeded || rep.Status.Kind != fleet.KindError {
		t.Fatalf("unexpected report %+v", rep)
	}
	rec := store.Record("10.0.0.5")
	if rec.Camera1.Status != fleet.CameraStatusUnset {
		t.Fatalf("transport failure must not touch camera statuses: %+v", rec.Camera1)
	}
}

func TestImageDeviceNoImages(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", positioned())
	exec := &mock.Executor{RunFunc: replying("Error: No images captured from either camera")}
	svc := New(store, exec, testConfig(), logging.Discard())

	rep := svc.ImageDevice(context.Background(), "10.0.0.5")
	if rep.Succeeded || rep.Status.Kind != fleet.KindError {
		t.Fatalf("unexpected report %+v", rep)
	}
	rec := store.Record("10.0.0.5")
	if rec.Camera1.Status != fleet.CameraStatusFailed || rec.Camera2.Status != fleet.CameraStatusFailed {
		t.Fatalf("camera statuses = %q/%q", rec.Camera1.Status, rec.Camera2.Status)
	}
}

func TestImageDeviceAmbiguousOutput(t *testing.T) {
	for _, strict := range []bool{false, true} {
		store := fleettest.NewMemoryStore(func() time.Time { return now })
		store.Seed("10.0.0.5", positioned())
		exec := &mock.Executor{RunFunc: replying("Traceback (most recent call last):")}
		cfg := testConfig()
		cfg.StrictOutput = strict
		svc := New(store, exec, cfg, logging.Discard())

		rep := svc.ImageDevice(context.Background(), "10.0.0.5")
		if strict {
			if rep.Succeeded || rep.Status.Kind != fleet.KindUnverified {
				t.Fatalf("strict mode: unexpected report %+v", rep)
			}
			continue
		}
		if !rep.Succeeded || rep.Status.Kind != fleet.KindReady {
			t.Fatalf("default mode: unexpected report %+v", rep)
		}
	}
}

func TestImageDeviceStoreFailureStillReports(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", positioned())
	store.FailWrite = func(string, fleet.WriteRequest) bool { return true }
	exec := &mock.Executor{RunFunc: replying("Success: Images captured from Camera 1 and Camera 2")}
	svc := New(store, exec, testConfig(), logging.Discard())

	rep := svc.ImageDevice(context.Background(), "10.0.0.5")
	if !rep.Succeeded || rep.Status.Kind != fleet.KindReady {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestQuoteEscapesSingleQuotes(t *testing.T) {
	if got := quote("X1'Y1"); !strings.Contains(got, `'"'"'`) {
		t.Fatalf("quote = %s", got)
	}
}

func TestImageDeviceCommitsOutcomeAfterCancel(t *testing.T) {
	store, err := yamlfile.Open(filepath.Join(t.TempDir(), "minions.yaml"), func() time.Time { return now }, logging.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	seed := fleet.StatusWrite(fleet.Online(), false).WithPositions("X1Y1", "X1Y2")
	if err := store.Write(context.Background(), "10.0.0.5", seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &mock.Executor{RunFunc: func(ctx context.Context, cmd remote.Command) (remote.Result, error) {
		cancel()
		return remote.Result{Success: false, Stderr: "context canceled"}, nil
	}}
	svc := New(store, exec, testConfig(), logging.Discard())

	rep := svc.ImageDevice(ctx, "10.0.0.5")
	if rep.Status.Kind != fleet.KindError {
		t.Fatalf("expected error report, got %+v", rep)
	}
	rec, _, err := store.Get(context.Background(), "10.0.0.5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status.String() != "error" {
		t.Fatalf("terminal status not persisted, store says %q", rec.Status.String())
	}
}
