// minion-capture runs on a minion and grabs one still from each camera. The
// controller reads its stdout, so failures are reported as text and the exit
// code stays 0 once the flags parse.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var req request
	var baseDir string
	var warmup time.Duration
	fs := pflag.NewFlagSet("minion-capture", pflag.ContinueOnError)
	fs.StringVar(&req.System, "system", "", "system identifier")
	fs.StringVar(&req.Module, "module", "", "minion identifier")
	fs.StringVar(&req.Coordinates[0], "coordinates_cam1", "", "position of camera 1")
	fs.StringVar(&req.Coordinates[1], "coordinates_cam2", "", "position of camera 2")
	fs.StringVar(&baseDir, "base-dir", "", "image and log root (default ~/Documents)")
	fs.DurationVar(&warmup, "warmup", 500*time.Millisecond, "sensor settle time before each still")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, name := range []string{"system", "module", "coordinates_cam1", "coordinates_cam2"} {
		if !fs.Changed(name) {
			return fmt.Errorf("--%s is required", name)
		}
	}

	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, "Documents")
	}

	c := &capturer{
		camera:  rpicam{warmup: warmup},
		baseDir: baseDir,
		now:     time.Now,
	}
	results := c.Capture(ctx, req)
	if err := c.AppendLog(results); err != nil {
		fmt.Fprintf(out, "Log write failed: %v\n", err)
	}
	report(out, results)
	return nil
}
