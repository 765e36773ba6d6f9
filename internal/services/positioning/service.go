// Package positioning services one positioning handshake per call: the first
// unpositioned device that raises its request marker gets the coordinates.
package positioning

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/config"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
)

// Assignment is the coordinate pair committed to one device.
type Assignment struct {
	Address string `json:"address"`
	Camera1 string `json:"camera1"`
	Camera2 string `json:"camera2"`
}

// Service hands out grid positions to devices that ask for one.
type Service struct {
	store   fleet.Store
	exec    remote.Executor
	cfg     config.PositioningConfig
	logger  *slog.Logger
	sleepFn func(ctx context.Context, wait time.Duration) error
}

// New returns a positioning workflow polling markers through exec.
func New(store fleet.Store, exec remote.Executor, cfg config.PositioningConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, exec: exec, cfg: cfg, logger: logger, sleepFn: sleepContext}
}

// Coordinates returns the camera positions for grid cell (x, y). The second
// camera sits one row above the first on the baseplate.
func Coordinates(x, y int) (string, string) {
	return fmt.Sprintf("X%dY%d", x, y), fmt.Sprintf("X%dY%d", x, y+1)
}

// Monitor blocks until one device requests a position and commits (x, y) to
// it. It returns ctx.Err() when ctx ends first.
func (s *Service) Monitor(ctx context.Context, x, y int) (Assignment, error) {
	cam1, cam2 := Coordinates(x, y)
	for {
		if err := ctx.Err(); err != nil {
			return Assignment{}, err
		}

		records, err := s.store.GetAll(ctx)
		if err != nil {
			s.logger.Error("positioning snapshot failed", "err", err)
			if err := s.sleepFn(ctx, s.cfg.ErrorBackoff); err != nil {
				return Assignment{}, err
			}
			continue
		}

		pending := unpositioned(records)
		for _, address := range pending {
			if err := ctx.Err(); err != nil {
				return Assignment{}, err
			}
			if !s.requested(ctx, address) {
				continue
			}
			s.logger.Info("position request", "address", address, "camera1", cam1, "camera2", cam2)

			req := fleet.StatusWrite(fleet.Online(), true).WithPositions(cam1, cam2)
			if err := s.store.Write(context.WithoutCancel(ctx), address, req); err != nil {
				s.logger.Error("commit position failed", "address", address, "err", err)
				continue
			}
			s.clearMarkers(ctx, pending)
			return Assignment{Address: address, Camera1: cam1, Camera2: cam2}, nil
		}

		if err := s.sleepFn(ctx, s.cfg.PollInterval); err != nil {
			return Assignment{}, err
		}
	}
}

// requested pulls the marker from the device. Any failure counts as no
// request.
func (s *Service) requested(ctx context.Context, address string) bool {
	local := filepath.Join(s.cfg.StateDir, strings.NewReplacer(":", "_", "/", "_").Replace(address)+"-"+filepath.Base(s.cfg.Marker))
	res, err := s.exec.PullFile(ctx, remote.Device(address), s.cfg.Marker, local)
	if err != nil {
		s.logger.Warn("marker poll failed", "address", address, "err", err)
		return false
	}
	if !res.Success {
		s.logger.Debug("no position request", "address", address)
		return false
	}
	_ = os.Remove(local)
	return true
}

// clearMarkers removes the marker from every device of the round, winner
// included, so stale requests do not leak into the next call.
func (s *Service) clearMarkers(ctx context.Context, addresses []string) {
	ctx = context.WithoutCancel(ctx)
	for _, address := range addresses {
		res, err := s.exec.RunCommand(ctx, remote.Command{
			Endpoint: remote.Device(address),
			Command:  "rm -f " + s.cfg.Marker,
		})
		if err != nil || !res.Success {
			s.logger.Warn("clear position marker failed", "address", address, "err", err, "stderr", res.Stderr)
		}
	}
}

func unpositioned(records map[string]fleet.Record) []string {
	out := make([]string, 0, len(records))
	for _, address := range fleet.SortedAddresses(records) {
		if !records[address].Positioned() {
			out = append(out, address)
		}
	}
	return out
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
