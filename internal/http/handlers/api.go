package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/events"
	"github.com/micro-ha/minion-fleet/controller/internal/model"
	"github.com/micro-ha/minion-fleet/controller/internal/services/discovery"
	fleetsvc "github.com/micro-ha/minion-fleet/controller/internal/services/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/services/imaging"
	"github.com/micro-ha/minion-fleet/controller/internal/services/positioning"
)

// Poller triggers asynchronous update passes.
type Poller interface {
	TriggerRefresh()
	Last() (fleetsvc.UpdateSummary, bool)
}

// FleetRunner runs fleet-wide passes.
type FleetRunner interface {
	UpdateFleet(ctx context.Context, opts fleetsvc.UpdateOptions) fleetsvc.UpdateSummary
	UpdateAddresses(ctx context.Context, addresses []string, force bool) fleetsvc.UpdateSummary
	ImageFleet(ctx context.Context) fleetsvc.ImagingSummary
}

// Imager images one device. The error is set only when ctx ended before
// the device became free.
type Imager interface {
	ImageDevice(ctx context.Context, address string) (imaging.Report, error)
}

// Positioner services one positioning request.
type Positioner interface {
	Monitor(ctx context.Context, x, y int) (positioning.Assignment, error)
}

// Discoverer lists leases that look like minions.
type Discoverer interface {
	Discover(ctx context.Context, filter discovery.Filter) ([]model.Lease, error)
}

// Deps lists the collaborators of the HTTP handlers.
type Deps struct {
	Store      fleet.Store
	Fleet      FleetRunner
	Imager     Imager
	Positioner Positioner
	Discoverer Discoverer
	Poller     Poller
	Hub        *events.Hub
	Logger     *slog.Logger
	// Background bounds fleet passes started over HTTP; they outlive the
	// request that started them.
	Background context.Context
}

// API groups HTTP handlers and dependencies.
type API struct {
	store      fleet.Store
	fleet      FleetRunner
	imager     Imager
	positioner Positioner
	discoverer Discoverer
	poller     Poller
	hub        *events.Hub
	logger     *slog.Logger
	background context.Context
	running    atomic.Bool
}

// New creates HTTP handlers with explicit dependencies.
func New(deps Deps) *API {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Background == nil {
		deps.Background = context.Background()
	}
	return &API{
		store:      deps.Store,
		fleet:      deps.Fleet,
		imager:     deps.Imager,
		positioner: deps.Positioner,
		discoverer: deps.Discoverer,
		poller:     deps.Poller,
		hub:        deps.Hub,
		logger:     deps.Logger,
		background: deps.Background,
	}
}

// Logger returns request logger used by HTTP middleware.
func (a *API) Logger() *slog.Logger {
	return a.logger
}

// Health reports service liveness.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"status": "ok", "pass_running": a.running.Load()}
	if a.hub != nil {
		payload["subscribers"] = a.hub.Subscribers()
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
