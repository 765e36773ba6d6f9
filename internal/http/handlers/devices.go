package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
)

// ListDevices returns every device record ordered by address. An optional
// status query keeps records whose display status starts with it.
func (a *API) ListDevices(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.GetAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))

	items := make([]fleet.Record, 0, len(records))
	for _, address := range fleet.SortedAddresses(records) {
		rec := records[address]
		if status != "" && !strings.HasPrefix(rec.Status.String(), status) {
			continue
		}
		items = append(items, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetDevice returns one device by address.
func (a *API) GetDevice(w http.ResponseWriter, r *http.Request, address string) {
	rec, ok, err := a.store.Get(r.Context(), address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ImageDevice runs a capture on one device and waits for the outcome.
func (a *API) ImageDevice(w http.ResponseWriter, r *http.Request, address string) {
	rep, err := a.imager.ImageDevice(r.Context(), address)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "device_busy", "Device is busy with another run")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// UpdateDevice updates one device, honouring the once-per-day gate unless
// force=true.
func (a *API) UpdateDevice(w http.ResponseWriter, r *http.Request, address string) {
	force, ok := parseForce(w, r)
	if !ok {
		return
	}
	summary := a.fleet.UpdateAddresses(r.Context(), []string{address}, force)
	writeJSON(w, http.StatusOK, summary)
}

func parseForce(w http.ResponseWriter, r *http.Request) (bool, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("force"))
	if raw == "" {
		return false, true
	}
	force, err := strconv.ParseBool(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_force", "force must be true or false")
		return false, false
	}
	return force, true
}
