package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/classify"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
)

type fakeCamera struct {
	fail  map[int]error
	paths []string
}

func (f *fakeCamera) Still(_ context.Context, index int, path string) error {
	if err := f.fail[index]; err != nil {
		return err
	}
	f.paths = append(f.paths, path)
	return os.WriteFile(path, []byte("png"), 0o644)
}

func newCapturer(t *testing.T, cam camera) *capturer {
	t.Helper()
	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return &capturer{camera: cam, baseDir: t.TempDir(), now: func() time.Time { return fixed }}
}

var req = request{System: "rig", Module: "10.0.0.5", Coordinates: [2]string{"X1Y2", "X1Y3"}}

func TestCaptureBothCameras(t *testing.T) {
	cam := &fakeCamera{}
	c := newCapturer(t, cam)

	shots := c.Capture(context.Background(), req)
	if len(shots) != 2 || !shots[0].ok() || !shots[1].ok() {
		t.Fatalf("unexpected shots: %+v", shots)
	}
	wantName := "rig_10.0.0.5_cam2_" + "1773480600" + "_X1Y3.png"
	if filepath.Base(shots[1].Path) != wantName {
		t.Fatalf("cam2 file = %s, want %s", filepath.Base(shots[1].Path), wantName)
	}
	if filepath.Base(filepath.Dir(shots[0].Path)) != "14032026" {
		t.Fatalf("image dir = %s", filepath.Dir(shots[0].Path))
	}

	var out bytes.Buffer
	report(&out, shots)
	if got := out.String(); got != "Success: Images captured from Camera 1 and Camera 2\n" {
		t.Fatalf("report = %q", got)
	}
	outcome := classify.Capture(remote.Result{Success: true, Stdout: out.String()})
	if outcome.Category != classify.FullSuccess || outcome.Ambiguous {
		t.Fatalf("controller classification = %+v", outcome)
	}
}

func TestCapturePartial(t *testing.T) {
	c := newCapturer(t, &fakeCamera{fail: map[int]error{1: errors.New("sensor timeout")}})

	var out bytes.Buffer
	report(&out, c.Capture(context.Background(), req))
	want := "Partial success: Images captured from Camera 1\nFailed cameras: Camera 2 (sensor timeout)\n"
	if out.String() != want {
		t.Fatalf("report = %q", out.String())
	}

	outcome := classify.Capture(remote.Result{Success: true, Stdout: out.String()})
	if outcome.Category != classify.PartialSuccess {
		t.Fatalf("category = %v", outcome.Category)
	}
	cam1, cam2, ok := classify.FailedCameraIndexes(outcome.FailedCameras)
	if !ok || cam1 || !cam2 {
		t.Fatalf("failed indexes = %v %v %v", cam1, cam2, ok)
	}
}

func TestCaptureNothing(t *testing.T) {
	boom := errors.New("no cameras available")
	c := newCapturer(t, &fakeCamera{fail: map[int]error{0: boom, 1: boom}})

	var out bytes.Buffer
	report(&out, c.Capture(context.Background(), req))
	if out.String() != "Error: No images captured from either camera\n" {
		t.Fatalf("report = %q", out.String())
	}
	if got := classify.Capture(remote.Result{Success: true, Stdout: out.String()}).Category; got != classify.NoImages {
		t.Fatalf("category = %v", got)
	}
}

func TestAppendLogWritesHeaderOnce(t *testing.T) {
	c := newCapturer(t, &fakeCamera{fail: map[int]error{0: errors.New("busy")}})

	for i := 0; i < 2; i++ {
		if err := c.AppendLog(c.Capture(context.Background(), req)); err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
	}

	f, err := os.Open(filepath.Join(c.baseDir, logFileName))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != "timestamp,status,cam1_path,cam1_error,cam2_path,cam2_error" {
		t.Fatalf("header = %v", rows[0])
	}
	row := rows[1]
	if row[0] != "2026-03-14 09:30:00" || row[1] != "PARTIAL" || row[2] != "" || row[3] != "busy" || row[4] == "" || row[5] != "" {
		t.Fatalf("row = %v", row)
	}
}

func TestRunRequiresFlags(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"--system", "rig", "--module", "m1", "--coordinates_cam1", "X0Y0"}, &out)
	if err == nil || !strings.Contains(err.Error(), "coordinates_cam2") {
		t.Fatalf("expected missing flag error, got %v", err)
	}
}
