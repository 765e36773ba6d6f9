package fleet

import (
	"sort"
	"time"
)

// DateLayout is the persisted form of Record.LastUpdate.
const DateLayout = "2006-01-02"

// CameraStatus is the per-camera outcome of the latest capture.
type CameraStatus string

const (
	CameraStatusUnset  CameraStatus = ""
	CameraStatusReady  CameraStatus = "ready"
	CameraStatusFailed CameraStatus = "failed"
)

// Camera is one of the two camera sub-records of a device.
type Camera struct {
	Position     string       `json:"position,omitempty"`
	Status       CameraStatus `json:"status,omitempty"`
	LastCaptured *time.Time   `json:"last_captured,omitempty"`
}

// HasPosition reports whether positioning assigned coordinates to the camera.
func (c Camera) HasPosition() bool {
	return c.Position != ""
}

// Record is the durable state of one device, keyed by network address.
type Record struct {
	Address      string    `json:"address"`
	Status       Status    `json:"status"`
	LastAccessed time.Time `json:"last_accessed"`
	LastUpdate   string    `json:"last_update,omitempty"`
	Camera1      Camera    `json:"camera1"`
	Camera2      Camera    `json:"camera2"`
}

// Positioned reports whether both cameras carry coordinates.
func (r Record) Positioned() bool {
	return r.Camera1.HasPosition() && r.Camera2.HasPosition()
}

// UpdatedOn reports whether the last confirmed update happened on day.
func (r Record) UpdatedOn(day time.Time) bool {
	return r.LastUpdate != "" && r.LastUpdate == day.Format(DateLayout)
}

// WriteRequest describes one merge into a device record. Nil pointer fields
// are left untouched.
type WriteRequest struct {
	Status          Status
	Camera1Status   *CameraStatus
	Camera2Status   *CameraStatus
	Camera1Position *string
	Camera2Position *string
	ConfirmUpdate   bool
}

// StatusWrite builds a request that only changes the device status.
func StatusWrite(status Status, confirm bool) WriteRequest {
	return WriteRequest{Status: status, ConfirmUpdate: confirm}
}

// WithCameraStatuses sets both camera statuses on the request.
func (w WriteRequest) WithCameraStatuses(cam1, cam2 CameraStatus) WriteRequest {
	w.Camera1Status = &cam1
	w.Camera2Status = &cam2
	return w
}

// WithPositions sets both camera positions on the request.
func (w WriteRequest) WithPositions(cam1, cam2 string) WriteRequest {
	w.Camera1Position = &cam1
	w.Camera2Position = &cam2
	return w
}

// Apply merges w into r at now. It is shared by every store backend so the
// merge rules stay identical.
func Apply(r Record, w WriteRequest, now time.Time) Record {
	r.Status = w.Status
	r.LastAccessed = now
	if w.ConfirmUpdate {
		today := now.Format(DateLayout)
		if today > r.LastUpdate {
			r.LastUpdate = today
		}
	}
	if w.Camera1Status != nil {
		captured := now
		r.Camera1.Status = *w.Camera1Status
		r.Camera1.LastCaptured = &captured
	}
	if w.Camera2Status != nil {
		captured := now
		r.Camera2.Status = *w.Camera2Status
		r.Camera2.LastCaptured = &captured
	}
	if w.Camera1Position != nil && *w.Camera1Position != "" {
		r.Camera1.Position = *w.Camera1Position
	}
	if w.Camera2Position != nil && *w.Camera2Position != "" {
		r.Camera2.Position = *w.Camera2Position
	}
	return r
}

// SortedAddresses returns the keys of records in ascending order, the
// iteration order workflows use over a fleet snapshot.
func SortedAddresses(records map[string]Record) []string {
	out := make([]string, 0, len(records))
	for address := range records {
		out = append(out, address)
	}
	sort.Strings(out)
	return out
}
