package imaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/micro-ha/minion-fleet/controller/internal/classify"
	"github.com/micro-ha/minion-fleet/controller/internal/config"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
)

// Report is the outcome of one imaging run. Status is what was committed;
// Succeeded is true only for a verified full capture.
type Report struct {
	Address   string       `json:"address"`
	Status    fleet.Status `json:"status"`
	Succeeded bool         `json:"succeeded"`
}

// Service runs the capture workflow against one device at a time.
type Service struct {
	store  fleet.Store
	exec   remote.Executor
	cfg    config.ImagingConfig
	logger *slog.Logger
}

// New returns an imaging workflow writing through store and capturing via exec.
func New(store fleet.Store, exec remote.Executor, cfg config.ImagingConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, exec: exec, cfg: cfg, logger: logger}
}

// ImageDevice triggers a capture on the device at address and commits the
// classified outcome.
func (s *Service) ImageDevice(ctx context.Context, address string) Report {
	rec, ok, err := s.store.Get(ctx, address)
	if err != nil {
		s.logger.Error("load device failed", "address", address, "err", err)
		return s.commit(ctx, address, fleet.StatusWrite(fleet.ErrorWithMessage(err.Error()), false), false)
	}
	if !ok || !rec.Positioned() {
		s.logger.Error("camera positions missing, run positioning first", "address", address, "err", fleet.ErrPositionMissing)
		return s.commit(ctx, address, fleet.StatusWrite(fleet.NeedsPosition(), true), false)
	}

	s.logger.Debug("initiating imaging", "address", address)
	if err := s.store.Write(ctx, address, fleet.StatusWrite(fleet.Imaging(), false)); err != nil {
		s.logger.Warn("commit imaging status failed", "address", address, "err", err)
	}

	res, err := s.exec.RunCommand(ctx, remote.Command{
		Endpoint: remote.Device(address),
		Command:  s.command(address, rec),
		Timeout:  s.cfg.Timeout,
	})
	if err != nil {
		res = remote.Failed(err)
	}

	outcome := classify.Capture(res)
	switch outcome.Category {
	case classify.TransportFailure:
		s.logger.Error("imaging failed", "address", address, "err", outcome.ErrorText)
		return s.commit(ctx, address, fleet.StatusWrite(fleet.Error(), true), false)
	case classify.NoImages:
		s.logger.Error("no images captured", "address", address)
		req := fleet.StatusWrite(fleet.Error(), true).WithCameraStatuses(fleet.CameraStatusFailed, fleet.CameraStatusFailed)
		return s.commit(ctx, address, req, false)
	case classify.PartialSuccess:
		s.logger.Warn("partial imaging success", "address", address, "failed", strings.Join(outcome.FailedCameras, ", "))
		req := fleet.StatusWrite(fleet.PartialFailure(outcome.FailedCameras), true)
		if cam1Failed, cam2Failed, ok := classify.FailedCameraIndexes(outcome.FailedCameras); ok {
			req = req.WithCameraStatuses(cameraStatus(cam1Failed), cameraStatus(cam2Failed))
		}
		return s.commit(ctx, address, req, false)
	}

	if outcome.Ambiguous {
		s.logger.Warn("capture output carried no recognised marker", "address", address, "strict", s.cfg.StrictOutput)
		if s.cfg.StrictOutput {
			return s.commit(ctx, address, fleet.StatusWrite(fleet.Unverified(), true), false)
		}
	}
	s.logger.Info("imaging completed", "address", address)
	req := fleet.StatusWrite(fleet.Ready(), true).WithCameraStatuses(fleet.CameraStatusReady, fleet.CameraStatusReady)
	return s.commit(ctx, address, req, true)
}

// commit persists a terminal status even when ctx was cancelled mid-run, so a
// device never stays in the transient imaging state.
func (s *Service) commit(ctx context.Context, address string, req fleet.WriteRequest, succeeded bool) Report {
	if err := s.store.Write(context.WithoutCancel(ctx), address, req); err != nil {
		s.logger.Error("commit imaging result failed", "address", address, "status", req.Status.String(), "err", err)
	}
	return Report{Address: address, Status: req.Status, Succeeded: succeeded}
}

func (s *Service) command(address string, rec fleet.Record) string {
	return fmt.Sprintf("%s --system %s --module %s --coordinates_cam1 %s --coordinates_cam2 %s",
		s.cfg.Command, quote(s.cfg.System), quote(address), quote(rec.Camera1.Position), quote(rec.Camera2.Position))
}

func cameraStatus(failed bool) fleet.CameraStatus {
	if failed {
		return fleet.CameraStatusFailed
	}
	return fleet.CameraStatusReady
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
