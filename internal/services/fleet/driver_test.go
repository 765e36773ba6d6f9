package fleet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/config"
	fleetdomain "github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet/fleettest"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote/mock"
	"github.com/micro-ha/minion-fleet/controller/internal/events"
	"github.com/micro-ha/minion-fleet/controller/internal/logging"
	"github.com/micro-ha/minion-fleet/controller/internal/services/discovery"
	"github.com/micro-ha/minion-fleet/controller/internal/services/imaging"
	"github.com/micro-ha/minion-fleet/controller/internal/services/update"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fixedDiscoverer struct {
	addresses []string
	err       error
	filters   []discovery.Filter
}

func (f *fixedDiscoverer) Addresses(ctx context.Context, filter discovery.Filter) ([]string, error) {
	f.filters = append(f.filters, filter)
	return f.addresses, f.err
}

func newDriver(store *fleettest.MemoryStore, disc Discoverer, exec remote.Executor, workers int) *Driver {
	clock := func() time.Time { return now }
	upd := update.New(store, exec, config.UpdateConfig{FilesDir: "files", Stages: config.DefaultStages()}, logging.Discard())
	img := imaging.New(store, exec, config.ImagingConfig{System: "lilo", Command: "./minion-capture", Timeout: time.Minute}, logging.Discard())
	return New(store, disc, upd, img, nil, Options{Workers: workers, Clock: clock}, logging.Discard())
}

func TestUpdateTwiceSameDaySkipsSecondPass(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	exec := &mock.Executor{}
	disc := &fixedDiscoverer{addresses: []string{"10.0.0.5"}}
	driver := newDriver(store, disc, exec, 1)

	first := driver.UpdateFleet(context.Background(), UpdateOptions{Hostname: "minion"})
	if first.Total != 1 || first.Updated != 1 || first.Skipped != 0 || first.Failed != 0 {
		t.Fatalf("unexpected first summary %+v", first)
	}
	contacted := len(exec.CallsSnapshot())
	if contacted == 0 {
		t.Fatalf("first pass must contact the device")
	}

	second := driver.UpdateFleet(context.Background(), UpdateOptions{Hostname: "minion"})
	if second.Total != 1 || second.Skipped != 1 || second.Updated != 0 {
		t.Fatalf("unexpected second summary %+v", second)
	}
	if got := len(exec.CallsSnapshot()); got != contacted {
		t.Fatalf("second pass made %d remote operations", got-contacted)
	}
	if first.RunID == "" || first.RunID == second.RunID {
		t.Fatalf("each pass needs its own run id: %q %q", first.RunID, second.RunID)
	}
	if disc.filters[0].Hostname != "minion" {
		t.Fatalf("hostname filter not passed to discovery: %+v", disc.filters)
	}
}

func TestUpdateForceBypassesGate(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", fleetdomain.Record{Status: fleetdomain.Online(), LastUpdate: "2026-03-14"})
	exec := &mock.Executor{}
	driver := newDriver(store, &fixedDiscoverer{addresses: []string{"10.0.0.5"}}, exec, 1)

	summary := driver.UpdateFleet(context.Background(), UpdateOptions{Force: true})
	if summary.Updated != 1 || summary.Skipped != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestUpdateYesterdayIsNotSkipped(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", fleetdomain.Record{LastUpdate: "2026-03-13"})
	driver := newDriver(store, &fixedDiscoverer{addresses: []string{"10.0.0.5"}}, &mock.Executor{}, 1)

	if summary := driver.UpdateFleet(context.Background(), UpdateOptions{}); summary.Updated != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestUpdateCountsFailuresWithoutAborting(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	exec := &mock.Executor{PushFunc: func(ctx context.Context, target remote.Endpoint, localPath, remotePath string) (remote.Result, error) {
		if target.Address == "10.0.0.5" {
			return remote.Result{Stderr: "no route to host"}, nil
		}
		return remote.Result{Success: true}, nil
	}}
	driver := newDriver(store, &fixedDiscoverer{addresses: []string{"10.0.0.5", "10.0.0.6", "10.0.0.5"}}, exec, 1)

	summary := driver.UpdateFleet(context.Background(), UpdateOptions{})
	if summary.Total != 2 || summary.Updated != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Reports) != 2 || summary.Reports[0].Address != "10.0.0.5" || summary.Reports[0].FailedStage != fleetdomain.StageConfig {
		t.Fatalf("unexpected reports %+v", summary.Reports)
	}
}

func TestUpdateDiscoveryFailureIsEmptyPass(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	exec := &mock.Executor{}
	driver := newDriver(store, &fixedDiscoverer{err: errors.New("router down")}, exec, 1)

	summary := driver.UpdateFleet(context.Background(), UpdateOptions{})
	if summary.Total != 0 || len(exec.CallsSnapshot()) != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestImageFleetAggregatesPerDevice(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	positioned := fleetdomain.Record{Camera1: fleetdomain.Camera{Position: "X1Y1"}, Camera2: fleetdomain.Camera{Position: "X1Y2"}}
	store.Seed("10.0.0.5", positioned)
	store.Seed("10.0.0.6", positioned)
	store.Seed("10.0.0.7", fleetdomain.Record{})
	exec := &mock.Executor{RunFunc: func(ctx context.Context, cmd remote.Command) (remote.Result, error) {
		if cmd.Endpoint.Address == "10.0.0.6" {
			return remote.Result{Stderr: "timeout"}, nil
		}
		return remote.Result{Success: true, Stdout: "Success: Images captured from Camera 1 and Camera 2"}, nil
	}}
	driver := newDriver(store, &fixedDiscoverer{}, exec, 1)

	summary := driver.ImageFleet(context.Background())
	want := map[string]bool{"10.0.0.5": true, "10.0.0.6": false, "10.0.0.7": false}
	if len(summary.Results) != len(want) {
		t.Fatalf("unexpected results %v", summary.Results)
	}
	for address, ok := range want {
		if summary.Results[address] != ok {
			t.Fatalf("result for %s = %v, want %v", address, summary.Results[address], ok)
		}
	}
	if summary.Succeeded != 1 || summary.Failed != 2 {
		t.Fatalf("unexpected counters %+v", summary)
	}
	if got := store.Record("10.0.0.7").Status.Kind; got != fleetdomain.KindNeedsPosition {
		t.Fatalf("unpositioned device status = %v", got)
	}
}

type countingUpdater struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	seen     []string
}

func (c *countingUpdater) UpdateDevice(ctx context.Context, address string) update.Report {
	n := c.inFlight.Add(1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	c.inFlight.Add(-1)
	c.mu.Lock()
	c.seen = append(c.seen, address)
	c.mu.Unlock()
	return update.Report{Address: address, Succeeded: true}
}

func TestUpdateAddressesRespectsWorkerLimit(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	upd := &countingUpdater{}
	driver := New(store, &fixedDiscoverer{}, upd, nil, nil, Options{Workers: 2, Clock: func() time.Time { return now }}, logging.Discard())

	summary := driver.UpdateAddresses(context.Background(), []string{"a", "b", "c", "d", "e"}, false)
	if summary.Updated != 5 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if peak := upd.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency %d exceeds worker limit", peak)
	}
	for i, rep := range summary.Reports {
		if rep.Address != []string{"a", "b", "c", "d", "e"}[i] {
			t.Fatalf("reports must keep input order: %+v", summary.Reports)
		}
	}
}

func TestRunEventsArePublished(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	hub := events.NewHub()
	ch, cancel := hub.Subscribe(8)
	defer cancel()
	driver := New(store, &fixedDiscoverer{}, &countingUpdater{}, nil, hub, Options{Clock: func() time.Time { return now }}, logging.Discard())

	summary := driver.UpdateAddresses(context.Background(), []string{"10.0.0.5"}, false)

	started := <-ch
	finished := <-ch
	if started.Type != events.TypeRunStarted || finished.Type != events.TypeRunFinished {
		t.Fatalf("unexpected events %q %q", started.Type, finished.Type)
	}
	if started.RunID != summary.RunID || finished.RunID != summary.RunID {
		t.Fatalf("events must carry the run id")
	}
}

func TestOverlappingUpdatesRebootOnce(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	exec := &mock.Executor{RunFunc: func(ctx context.Context, cmd remote.Command) (remote.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return remote.Result{Success: true}, nil
	}}
	driver := newDriver(store, &fixedDiscoverer{}, exec, 1)

	var wg sync.WaitGroup
	summaries := make([]UpdateSummary, 2)
	for i := range summaries {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			summaries[i] = driver.UpdateAddresses(context.Background(), []string{"10.0.0.5"}, false)
		}()
	}
	wg.Wait()

	reboots := 0
	for _, call := range exec.CallsSnapshot() {
		if call.Command == "reboot" {
			reboots++
		}
	}
	if reboots != 1 {
		t.Fatalf("device rebooted %d times on one day", reboots)
	}
	if summaries[0].Updated+summaries[1].Updated != 1 || summaries[0].Skipped+summaries[1].Skipped != 1 {
		t.Fatalf("expected one update and one skip, got %+v and %+v", summaries[0], summaries[1])
	}
}

type cancellingUpdater struct {
	cancel context.CancelFunc
	seen   []string
}

func (c *cancellingUpdater) UpdateDevice(ctx context.Context, address string) update.Report {
	c.seen = append(c.seen, address)
	c.cancel()
	return update.Report{Address: address, Succeeded: true}
}

func TestCancelledPassCountsUnstartedDevices(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	upd := &cancellingUpdater{cancel: cancel}
	driver := New(store, &fixedDiscoverer{}, upd, nil, nil, Options{Workers: 1, Clock: func() time.Time { return now }}, logging.Discard())

	summary := driver.UpdateAddresses(ctx, []string{"a", "b", "c"}, false)
	if len(upd.seen) != 1 {
		t.Fatalf("pass kept going after cancel: %v", upd.seen)
	}
	if summary.Total != 3 || summary.Updated != 1 || summary.Failed != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Updated+summary.Skipped+summary.Failed != summary.Total {
		t.Fatalf("counters do not add up: %+v", summary)
	}
	if len(summary.Reports) != 1 {
		t.Fatalf("only started devices get reports: %+v", summary.Reports)
	}
}

type cancellingImager struct {
	cancel context.CancelFunc
}

func (c cancellingImager) ImageDevice(ctx context.Context, address string) imaging.Report {
	c.cancel()
	return imaging.Report{Address: address, Status: fleetdomain.Ready(), Succeeded: true}
}

func TestCancelledImagingPassHasNoEmptyReports(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", fleetdomain.Record{})
	store.Seed("10.0.0.6", fleetdomain.Record{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	driver := New(store, &fixedDiscoverer{}, nil, cancellingImager{cancel: cancel}, nil, Options{Workers: 1, Clock: func() time.Time { return now }}, logging.Discard())

	summary := driver.ImageFleet(ctx)
	if summary.Total != 2 || summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Reports) != 1 || summary.Reports[0].Address != "10.0.0.5" {
		t.Fatalf("unexpected reports %+v", summary.Reports)
	}
	if ok, present := summary.Results["10.0.0.6"]; !present || ok {
		t.Fatalf("unstarted device must be reported as failed: %v", summary.Results)
	}
}

type blockingImager struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingImager) ImageDevice(ctx context.Context, address string) imaging.Report {
	b.entered <- struct{}{}
	<-b.release
	return imaging.Report{Address: address, Succeeded: true}
}

func TestImageDeviceWaitsForRunningPass(t *testing.T) {
	store := fleettest.NewMemoryStore(func() time.Time { return now })
	store.Seed("10.0.0.5", fleetdomain.Record{})
	img := blockingImager{entered: make(chan struct{}, 2), release: make(chan struct{})}
	driver := New(store, &fixedDiscoverer{}, nil, img, nil, Options{Clock: func() time.Time { return now }}, logging.Discard())

	done := make(chan ImagingSummary)
	go func() { done <- driver.ImageFleet(context.Background()) }()
	<-img.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := driver.ImageDevice(ctx, "10.0.0.5"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected to wait for the pass, got %v", err)
	}

	close(img.release)
	<-done
	rep, err := driver.ImageDevice(context.Background(), "10.0.0.5")
	if err != nil || !rep.Succeeded {
		t.Fatalf("ImageDevice() = %+v, %v", rep, err)
	}
}
