// Package fleet runs the update and imaging workflows across many devices
// and keeps the run counters.
package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	fleetdomain "github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/events"
	"github.com/micro-ha/minion-fleet/controller/internal/services/discovery"
	"github.com/micro-ha/minion-fleet/controller/internal/services/imaging"
	"github.com/micro-ha/minion-fleet/controller/internal/services/update"
)

// Discoverer lists candidate device addresses.
type Discoverer interface {
	Addresses(ctx context.Context, filter discovery.Filter) ([]string, error)
}

// Updater runs the update workflow on one device.
type Updater interface {
	UpdateDevice(ctx context.Context, address string) update.Report
}

// Imager runs the imaging workflow on one device.
type Imager interface {
	ImageDevice(ctx context.Context, address string) imaging.Report
}

// UpdateOptions narrows and forces an update pass.
type UpdateOptions struct {
	Hostname string
	// Force bypasses the once-per-day gate.
	Force bool
}

// UpdateSummary holds the counters of one update pass.
type UpdateSummary struct {
	RunID      string          `json:"run_id"`
	Total      int             `json:"total"`
	Updated    int             `json:"updated"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Reports    []update.Report `json:"reports"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// ImagingSummary holds the counters of one imaging pass.
type ImagingSummary struct {
	RunID      string           `json:"run_id"`
	Total      int              `json:"total"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Results    map[string]bool  `json:"results"`
	Reports    []imaging.Report `json:"reports"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Options tunes a Driver.
type Options struct {
	// Workers bounds concurrent devices. One keeps the pass sequential.
	Workers int
	Clock   fleetdomain.Clock
}

// Driver runs fleet passes. Every pass and single-device action on one
// Driver shares its per-device locks, so one device is never worked on twice
// at the same time.
type Driver struct {
	store      fleetdomain.Store
	discoverer Discoverer
	updater    Updater
	imager     Imager
	hub        *events.Hub
	workers    int
	clock      fleetdomain.Clock
	logger     *slog.Logger
	locks      *deviceLocks
}

// New builds a driver. hub may be nil.
func New(store fleetdomain.Store, discoverer Discoverer, updater Updater, imager Imager, hub *events.Hub, opts Options, logger *slog.Logger) *Driver {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = fleetdomain.SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		store:      store,
		discoverer: discoverer,
		updater:    updater,
		imager:     imager,
		hub:        hub,
		workers:    opts.Workers,
		clock:      opts.Clock,
		logger:     logger,
		locks:      newDeviceLocks(),
	}
}

// UpdateFleet discovers devices and updates each one that was not already
// updated today. A discovery failure is logged and yields an empty pass.
func (d *Driver) UpdateFleet(ctx context.Context, opts UpdateOptions) UpdateSummary {
	addresses, err := d.discoverer.Addresses(ctx, discovery.Filter{Hostname: opts.Hostname})
	if err != nil {
		d.logger.Error("discovery failed, nothing to update", "err", err)
		addresses = nil
	}
	if len(addresses) == 0 {
		d.logger.Warn("no minions found")
	}
	return d.UpdateAddresses(ctx, addresses, opts.Force)
}

// UpdateAddresses runs the update pass over an explicit address list. Devices
// the pass never reached because ctx ended count as failed.
func (d *Driver) UpdateAddresses(ctx context.Context, addresses []string, force bool) UpdateSummary {
	addresses = dedupe(addresses)
	summary := UpdateSummary{RunID: uuid.NewString(), Total: len(addresses), StartedAt: d.clock().UTC()}
	d.publish(events.Event{Type: events.TypeRunStarted, RunID: summary.RunID, Summary: map[string]any{"kind": "update", "total": summary.Total}})
	logger := d.logger.With("run_id", summary.RunID)
	logger.Info("update pass started", "devices", summary.Total, "force", force)

	reports := make([]*update.Report, len(addresses))
	var mu sync.Mutex
	missed := d.forEach(ctx, addresses, func(ctx context.Context, i int, address string) {
		// The gate is read under the device lock so overlapping passes
		// cannot both see a stale last_update.
		if !force && d.updatedToday(ctx, address, logger) {
			logger.Info("skipping minion, already updated today", "address", address)
			mu.Lock()
			summary.Skipped++
			mu.Unlock()
			return
		}
		rep := d.updater.UpdateDevice(ctx, address)
		mu.Lock()
		defer mu.Unlock()
		reports[i] = &rep
		if rep.Succeeded {
			summary.Updated++
		} else {
			summary.Failed++
		}
	})
	if len(missed) > 0 {
		logger.Warn("update pass interrupted", "not_started", missed)
		summary.Failed += len(missed)
	}

	summary.Reports = make([]update.Report, 0, len(reports))
	for _, rep := range reports {
		if rep != nil {
			summary.Reports = append(summary.Reports, *rep)
		}
	}
	summary.FinishedAt = d.clock().UTC()
	logger.Info("update pass finished",
		"total", summary.Total, "updated", summary.Updated, "skipped", summary.Skipped, "failed", summary.Failed)
	d.publish(events.Event{Type: events.TypeRunFinished, RunID: summary.RunID, Summary: summary})
	return summary
}

// ImageFleet images every device in the store. One device failing never
// stops the pass.
func (d *Driver) ImageFleet(ctx context.Context) ImagingSummary {
	summary := ImagingSummary{RunID: uuid.NewString(), Results: map[string]bool{}, StartedAt: d.clock().UTC()}
	logger := d.logger.With("run_id", summary.RunID)

	records, err := d.store.GetAll(ctx)
	if err != nil {
		logger.Error("load fleet failed, nothing to image", "err", err)
		summary.FinishedAt = d.clock().UTC()
		return summary
	}
	addresses := fleetdomain.SortedAddresses(records)
	summary.Total = len(addresses)
	d.publish(events.Event{Type: events.TypeRunStarted, RunID: summary.RunID, Summary: map[string]any{"kind": "imaging", "total": summary.Total}})
	logger.Info("imaging pass started", "devices", summary.Total)

	reports := make([]*imaging.Report, len(addresses))
	var mu sync.Mutex
	missed := d.forEach(ctx, addresses, func(ctx context.Context, i int, address string) {
		logger.Info("imaging minion", "address", address)
		rep := d.imager.ImageDevice(ctx, address)
		logger.Info("imaging finished", "address", address, "success", rep.Succeeded, "status", rep.Status.String())
		mu.Lock()
		defer mu.Unlock()
		reports[i] = &rep
		summary.Results[address] = rep.Succeeded
		if rep.Succeeded {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	})
	if len(missed) > 0 {
		logger.Warn("imaging pass interrupted", "not_started", missed)
		for _, address := range missed {
			summary.Results[address] = false
		}
		summary.Failed += len(missed)
	}

	summary.Reports = make([]imaging.Report, 0, len(reports))
	for _, rep := range reports {
		if rep != nil {
			summary.Reports = append(summary.Reports, *rep)
		}
	}
	summary.FinishedAt = d.clock().UTC()
	logger.Info("imaging pass finished", "total", summary.Total, "succeeded", summary.Succeeded, "failed", summary.Failed)
	d.publish(events.Event{Type: events.TypeRunFinished, RunID: summary.RunID, Summary: summary})
	return summary
}

// ImageDevice images one device, waiting for any pass that currently holds it.
func (d *Driver) ImageDevice(ctx context.Context, address string) (imaging.Report, error) {
	release, err := d.locks.acquire(ctx, address)
	if err != nil {
		return imaging.Report{Address: address}, err
	}
	defer release()
	return d.imager.ImageDevice(ctx, address), nil
}

func (d *Driver) updatedToday(ctx context.Context, address string, logger *slog.Logger) bool {
	rec, ok, err := d.store.Get(ctx, address)
	if err != nil {
		logger.Warn("load device failed, not gating update", "address", address, "err", err)
		return false
	}
	return ok && rec.UpdatedOn(d.clock())
}

// forEach calls fn for every address with at most d.workers in flight, holding
// the device lock around each call. It returns the addresses fn never ran for
// because ctx ended first.
func (d *Driver) forEach(ctx context.Context, addresses []string, fn func(ctx context.Context, i int, address string)) []string {
	started := make([]bool, len(addresses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, address := range addresses {
		if gctx.Err() != nil {
			break
		}
		i, address := i, address
		g.Go(func() error {
			release, err := d.locks.acquire(gctx, address)
			if err != nil {
				return nil
			}
			defer release()
			started[i] = true
			fn(gctx, i, address)
			return nil
		})
	}
	_ = g.Wait()

	var missed []string
	for i, address := range addresses {
		if !started[i] {
			missed = append(missed, address)
		}
	}
	return missed
}

func (d *Driver) publish(ev events.Event) {
	if d.hub == nil {
		return
	}
	ev.At = d.clock().UTC()
	d.hub.Publish(ev)
}

func dedupe(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if _, ok := seen[address]; ok || address == "" {
			continue
		}
		seen[address] = struct{}{}
		out = append(out, address)
	}
	return out
}
