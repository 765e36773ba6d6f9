// Package classify turns the free-form output of the capture command into a
// fixed set of outcomes. Everything here is pure so it can be tested against
// literal strings.
package classify

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
)

// Markers printed by the capture leaf on the device.
const (
	MarkerPartial       = "Partial success"
	MarkerFailedCameras = "Failed cameras:"
	MarkerNoImages      = "Error: No images"
	MarkerSuccess       = "Success:"
)

// Category is the classified capture outcome.
type Category int

const (
	FullSuccess Category = iota
	PartialSuccess
	NoImages
	TransportFailure
)

func (c Category) String() string {
	switch c {
	case FullSuccess:
		return "full_success"
	case PartialSuccess:
		return "partial_success"
	case NoImages:
		return "no_images"
	case TransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Outcome is the result of classifying one capture command.
type Outcome struct {
	Category Category
	// FailedCameras is set for PartialSuccess, in emitted order.
	FailedCameras []string
	// ErrorText is set for TransportFailure.
	ErrorText string
	// Ambiguous marks a FullSuccess reached only because no marker matched.
	Ambiguous bool
}

// Capture classifies a capture command result. Marker precedence is fixed:
// partial success, then no images, then success.
func Capture(res remote.Result) Outcome {
	if !res.Success {
		return Outcome{Category: TransportFailure, ErrorText: strings.TrimSpace(res.Stderr)}
	}
	out := res.Stdout
	switch {
	case strings.Contains(out, MarkerPartial):
		return Outcome{Category: PartialSuccess, FailedCameras: FailedCameras(out)}
	case strings.Contains(out, MarkerNoImages):
		return Outcome{Category: NoImages}
	default:
		return Outcome{Category: FullSuccess, Ambiguous: !strings.Contains(out, MarkerSuccess)}
	}
}

// FailedCameras parses the camera list from the last "Failed cameras:" line.
// Segments are split on ';' and trimmed; order and duplicates are kept. A
// missing or empty list yields an empty slice.
func FailedCameras(output string) []string {
	failed := []string{}
	for _, line := range strings.Split(output, "\n") {
		idx := strings.Index(line, MarkerFailedCameras)
		if idx < 0 {
			continue
		}
		info := strings.TrimSpace(line[idx+len(MarkerFailedCameras):])
		failed = []string{}
		if info == "" {
			continue
		}
		for _, segment := range strings.Split(info, ";") {
			failed = append(failed, strings.TrimSpace(segment))
		}
	}
	return failed
}

// FailedCameraIndexes maps failed camera entries such as "Camera 2 (timeout)"
// or "2" to camera indexes. ok is false when any entry names no camera 1 or 2,
// in which case callers should not guess per-camera statuses.
func FailedCameraIndexes(failed []string) (cam1, cam2, ok bool) {
	if len(failed) == 0 {
		return false, false, false
	}
	for _, entry := range failed {
		switch firstNumber(entry) {
		case 1:
			cam1 = true
		case 2:
			cam2 = true
		default:
			return false, false, false
		}
	}
	return cam1, cam2, true
}

func firstNumber(s string) int {
	start := strings.IndexFunc(s, unicode.IsDigit)
	if start < 0 {
		return 0
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return 0
	}
	return n
}
