package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/services/discovery"
	fleetsvc "github.com/micro-ha/minion-fleet/controller/internal/services/fleet"
)

const defaultPositioningWait = 2 * time.Minute

// ImageFleet starts an imaging pass over every known device. Progress is
// reported on the event stream.
func (a *API) ImageFleet(w http.ResponseWriter, _ *http.Request) {
	a.startPass(w, "imaging", func(ctx context.Context) {
		a.fleet.ImageFleet(ctx)
	})
}

// UpdateFleet starts an update pass over the discovered devices.
func (a *API) UpdateFleet(w http.ResponseWriter, r *http.Request) {
	force, ok := parseForce(w, r)
	if !ok {
		return
	}
	opts := fleetsvc.UpdateOptions{Hostname: r.URL.Query().Get("hostname"), Force: force}
	a.startPass(w, "update", func(ctx context.Context) {
		a.fleet.UpdateFleet(ctx, opts)
	})
}

func (a *API) startPass(w http.ResponseWriter, kind string, run func(ctx context.Context)) {
	if !a.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "pass_running", "A fleet pass is already running")
		return
	}
	go func() {
		defer a.running.Store(false)
		run(a.background)
	}()
	a.logger.Info("fleet pass accepted", "kind", kind)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "kind": kind})
}

// Refresh asks the scheduler for an immediate update pass.
func (a *API) Refresh(w http.ResponseWriter, _ *http.Request) {
	a.poller.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// LastRun returns the summary of the last scheduled update pass.
func (a *API) LastRun(w http.ResponseWriter, _ *http.Request) {
	summary, ok := a.poller.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no_runs", "No scheduled pass has finished yet")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Discover lists the leases that pass the discovery filters.
func (a *API) Discover(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	leases, err := a.discoverer.Discover(r.Context(), discovery.Filter{
		Hostname: query.Get("hostname"),
		Vendor:   query.Get("vendor"),
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "discovery_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": leases})
}

type positioningRequest struct {
	X       *int   `json:"x"`
	Y       *int   `json:"y"`
	Timeout string `json:"timeout"`
}

// Position waits for one device to request a position and assigns (x, y).
func (a *API) Position(w http.ResponseWriter, r *http.Request) {
	var payload positioningRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if payload.X == nil || payload.Y == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "x and y are required")
		return
	}
	wait := defaultPositioningWait
	if raw := strings.TrimSpace(payload.Timeout); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_timeout", "timeout must be a positive duration")
			return
		}
		wait = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	assignment, err := a.positioner.Monitor(ctx, *payload.X, *payload.Y)
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusRequestTimeout, "no_request", "No device requested a position in time")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "positioning_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}
