package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/events"
	httpapi "github.com/micro-ha/minion-fleet/controller/internal/http"
	"github.com/micro-ha/minion-fleet/controller/internal/http/handlers"
	"github.com/micro-ha/minion-fleet/controller/internal/logging"
	"github.com/micro-ha/minion-fleet/controller/internal/poller"
	"github.com/micro-ha/minion-fleet/controller/internal/services/discovery"
	fleetsvc "github.com/micro-ha/minion-fleet/controller/internal/services/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/services/imaging"
)

func runDiscover(ctx context.Context, args []string, out io.Writer) error {
	var configPath, hostname, vendor string
	fs := newFlagSet("discover", &configPath)
	fs.StringVar(&hostname, "hostname", "", "keep leases whose hostname contains this text (case-insensitive)")
	fs.StringVar(&vendor, "vendor", "", "keep leases whose MAC vendor contains this text")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	leases, err := a.discovery.Discover(ctx, discovery.Filter{Hostname: hostname, Vendor: vendor})
	if err != nil {
		return err
	}
	return printJSON(out, leases)
}

func runUpdate(ctx context.Context, args []string, out io.Writer) error {
	var configPath, hostname string
	var force bool
	var addresses []string
	fs := newFlagSet("update", &configPath)
	fs.StringVar(&hostname, "hostname", "", "only update minions whose hostname contains this text")
	fs.BoolVarP(&force, "force", "f", false, "update even if already updated today")
	fs.StringSliceVarP(&addresses, "address", "a", nil, "update these addresses instead of discovering")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	var summary fleetsvc.UpdateSummary
	if list := splitAddresses(addresses); len(list) > 0 {
		summary = a.driver.UpdateAddresses(ctx, list, force)
	} else {
		summary = a.driver.UpdateFleet(ctx, fleetsvc.UpdateOptions{Hostname: hostname, Force: force})
	}
	if err := printJSON(out, summary); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d minions failed to update", summary.Failed, summary.Total)
	}
	return nil
}

func runImage(ctx context.Context, args []string, out io.Writer) error {
	var configPath string
	var addresses []string
	fs := newFlagSet("image", &configPath)
	fs.StringSliceVarP(&addresses, "address", "a", nil, "image these addresses instead of every known minion")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	list := splitAddresses(addresses)
	if len(list) == 0 {
		return printJSON(out, a.driver.ImageFleet(ctx))
	}
	reports := make([]imaging.Report, 0, len(list))
	for _, address := range list {
		rep, err := a.driver.ImageDevice(ctx, address)
		if err != nil {
			return err
		}
		reports = append(reports, rep)
	}
	return printJSON(out, reports)
}

func runPosition(ctx context.Context, args []string, out io.Writer) error {
	var configPath string
	var x, y int
	var timeout time.Duration
	fs := newFlagSet("position", &configPath)
	fs.IntVar(&x, "x", 0, "grid column")
	fs.IntVar(&y, "y", 0, "grid row of camera 1; camera 2 gets y+1")
	fs.DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !fs.Changed("x") || !fs.Changed("y") {
		return errors.New("--x and --y are required")
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	a.logger.Info("waiting for a position request", "x", x, "y", y)
	assignment, err := a.positioning.Monitor(ctx, x, y)
	if err != nil {
		return fmt.Errorf("no position assigned: %w", err)
	}
	return printJSON(out, assignment)
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	var configPath string
	fs := newFlagSet("status", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.GetAll(ctx)
	if err != nil {
		return err
	}
	items := make([]fleet.Record, 0, len(records))
	for _, address := range fleet.SortedAddresses(records) {
		items = append(items, records[address])
	}
	return printJSON(out, items)
}

func runServe(ctx context.Context, args []string, _ io.Writer) error {
	var configPath, addr string
	fs := newFlagSet("serve", &configPath)
	fs.StringVar(&addr, "addr", "", "listen address (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if addr == "" {
		addr = a.cfg.HTTP.Addr
	}

	scheduler := poller.New(a.driver, a.cfg.Fleet.UpdateInterval, a.cfg.Discovery.Hostname, a.logger)
	go scheduler.Run(ctx)

	api := handlers.New(handlers.Deps{
		Store:      a.store,
		Fleet:      a.driver,
		Imager:     a.driver,
		Positioner: a.positioning,
		Discoverer: a.discovery,
		Poller:     scheduler,
		Hub:        a.hub,
		Logger:     a.logger,
		Background: ctx,
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewRouter(api),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("server starting", "addr", httpServer.Addr, "store", a.cfg.Store.Path, "discovery", a.cfg.Discovery.Source)
	if err := httpapi.RunServer(ctx, httpServer, a.logger); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

func runWatch(ctx context.Context, args []string, out io.Writer) error {
	var url string
	fs := newFlagSet("watch", nil)
	fs.StringVar(&url, "url", "http://localhost:8099", "controller base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	watcher := events.NewWatcher(url, logging.New(slog.LevelInfo))
	watcher.Run(ctx, func(ev events.Event) {
		_ = printJSON(out, ev)
	})
	return nil
}
