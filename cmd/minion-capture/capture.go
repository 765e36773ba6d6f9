package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const logFileName = "ImagingLog.csv"

type request struct {
	System      string
	Module      string
	Coordinates [2]string
}

// camera takes one still with the sensor at index (0-based) and writes it to path.
type camera interface {
	Still(ctx context.Context, index int, path string) error
}

// rpicam shells out to rpicam-still from the Raspberry Pi camera apps.
type rpicam struct {
	warmup time.Duration
}

func (r rpicam) Still(ctx context.Context, index int, path string) error {
	ms := r.warmup.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	cmd := exec.CommandContext(ctx, "rpicam-still",
		"--camera", strconv.Itoa(index),
		"--nopreview",
		"--immediate",
		"--timeout", strconv.FormatInt(ms, 10),
		"--encoding", "png",
		"--output", path,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if text := lastLine(string(output)); text != "" {
			return fmt.Errorf("%w: %s", err, text)
		}
		return err
	}
	return nil
}

type shot struct {
	Camera int
	Path   string
	Err    error
}

func (s shot) ok() bool { return s.Err == nil }

type capturer struct {
	camera  camera
	baseDir string
	now     func() time.Time
}

// Capture tries both cameras independently.
func (c *capturer) Capture(ctx context.Context, req request) []shot {
	now := c.now()
	dir := filepath.Join(c.baseDir, "images", now.Format("02012006"))
	mkdirErr := os.MkdirAll(dir, 0o755)

	shots := make([]shot, 0, len(req.Coordinates))
	for i, coords := range req.Coordinates {
		s := shot{Camera: i + 1}
		name := fmt.Sprintf("%s_%s_cam%d_%d_%s.png", req.System, req.Module, i+1, now.Unix(), coords)
		path := filepath.Join(dir, name)
		switch {
		case mkdirErr != nil:
			s.Err = mkdirErr
		default:
			if err := c.camera.Still(ctx, i, path); err != nil {
				s.Err = err
			} else {
				s.Path = path
			}
		}
		shots = append(shots, s)
	}
	return shots
}

// AppendLog writes one CSV row for the run, adding a header to a new file.
func (c *capturer) AppendLog(shots []shot) error {
	if err := os.MkdirAll(c.baseDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(c.baseDir, logFileName)
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		header := []string{"timestamp", "status"}
		for _, s := range shots {
			header = append(header, fmt.Sprintf("cam%d_path", s.Camera), fmt.Sprintf("cam%d_error", s.Camera))
		}
		if err := w.Write(header); err != nil {
			return err
		}
	}
	row := []string{c.now().Format("2006-01-02 15:04:05"), runStatus(shots)}
	for _, s := range shots {
		errText := ""
		if s.Err != nil {
			errText = s.Err.Error()
		}
		row = append(row, s.Path, errText)
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func runStatus(shots []shot) string {
	succeeded := 0
	for _, s := range shots {
		if s.ok() {
			succeeded++
		}
	}
	switch succeeded {
	case len(shots):
		return "SUCCESS"
	case 0:
		return "FAILED"
	default:
		return "PARTIAL"
	}
}

// report prints the lines the controller classifies.
func report(w io.Writer, shots []shot) {
	var good, bad []string
	for _, s := range shots {
		if s.ok() {
			good = append(good, fmt.Sprintf("Camera %d", s.Camera))
		} else {
			bad = append(bad, fmt.Sprintf("Camera %d (%v)", s.Camera, s.Err))
		}
	}
	switch {
	case len(good) == 0:
		fmt.Fprintln(w, "Error: No images captured from either camera")
	case len(bad) == 0:
		fmt.Fprintf(w, "Success: Images captured from %s\n", strings.Join(good, " and "))
	default:
		fmt.Fprintf(w, "Partial success: Images captured from %s\n", strings.Join(good, " and "))
		fmt.Fprintf(w, "Failed cameras: %s\n", strings.Join(bad, "; "))
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
