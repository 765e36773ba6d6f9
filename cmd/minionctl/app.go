package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/micro-ha/minion-fleet/controller/internal/adapters/dnsmasq"
	"github.com/micro-ha/minion-fleet/controller/internal/adapters/ssh"
	"github.com/micro-ha/minion-fleet/controller/internal/config"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
	"github.com/micro-ha/minion-fleet/controller/internal/events"
	"github.com/micro-ha/minion-fleet/controller/internal/logging"
	"github.com/micro-ha/minion-fleet/controller/internal/oui"
	"github.com/micro-ha/minion-fleet/controller/internal/repository/sqlite"
	"github.com/micro-ha/minion-fleet/controller/internal/repository/yamlfile"
	"github.com/micro-ha/minion-fleet/controller/internal/routeros"
	"github.com/micro-ha/minion-fleet/controller/internal/services/discovery"
	fleetsvc "github.com/micro-ha/minion-fleet/controller/internal/services/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/services/imaging"
	"github.com/micro-ha/minion-fleet/controller/internal/services/positioning"
	"github.com/micro-ha/minion-fleet/controller/internal/services/update"
)

// app holds every wired collaborator for one process.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	hub         *events.Hub
	store       fleet.Store
	exec        remote.Executor
	discovery   *discovery.Service
	imaging     *imaging.Service
	update      *update.Service
	positioning *positioning.Service
	driver      *fleetsvc.Driver

	closers []io.Closer
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.Open(cfg.Log.SlogLevel(), cfg.Log.File)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, hub: events.NewHub(), closers: []io.Closer{logCloser}}

	inner, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, inner)
	a.store = events.NewStore(inner, a.hub, logger)
	a.exec = ssh.New(cfg.Minion, cfg.Router, logger)

	var source discovery.LeaseSource
	switch cfg.Discovery.Source {
	case config.SourceRouterOS:
		source = routeros.NewLeaseSource(cfg.Discovery.RouterOS, logger)
	default:
		source = dnsmasq.NewLeaseSource(a.exec, cfg.Discovery.LeasesPath, cfg.Discovery.CachePath, logger)
	}
	vendors, err := oui.LoadEmbedded()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load vendor table: %w", err)
	}
	a.discovery, err = discovery.New(source, discovery.Options{
		Subnets:     cfg.Discovery.Subnets,
		IncludeSelf: cfg.Discovery.IncludeSelf,
		Hostname:    cfg.Discovery.Hostname,
		Vendor:      cfg.Discovery.Vendor,
		Vendors:     vendors,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.imaging = imaging.New(a.store, a.exec, cfg.Imaging, logger)
	a.update = update.New(a.store, a.exec, cfg.Update, logger)
	a.positioning = positioning.New(a.store, a.exec, cfg.Positioning, logger)
	a.driver = fleetsvc.New(a.store, a.discovery, a.update, a.imaging, a.hub, fleetsvc.Options{Workers: cfg.Fleet.Workers}, logger)
	return a, nil
}

// openStore picks the YAML document backend for .yaml/.yml paths and sqlite
// for anything else.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (fleet.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if cfg.IsYAML() {
		return yamlfile.Open(cfg.Path, fleet.SystemClock, logger)
	}
	db, err := sqlite.Open(ctx, cfg.Path, logger)
	if err != nil {
		return nil, err
	}
	return sqlite.NewFleetRepository(db, fleet.SystemClock), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}
