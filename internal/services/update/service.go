// Package update pushes configuration and software to one device in fixed
// stages. The first failing step ends the run.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/micro-ha/minion-fleet/controller/internal/config"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/fleet"
	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
)

// Report is the outcome of one update run.
type Report struct {
	Address   string       `json:"address"`
	Status    fleet.Status `json:"status"`
	Succeeded bool         `json:"succeeded"`
	// FailedStage names the stage that stopped the run.
	FailedStage string `json:"failed_stage,omitempty"`
}

var errEmptyStep = errors.New("step has neither push nor run")

// Service applies the configured stage plan to devices.
type Service struct {
	store  fleet.Store
	exec   remote.Executor
	cfg    config.UpdateConfig
	logger *slog.Logger
}

// New returns an update workflow. An empty stage plan falls back to
// config.DefaultStages.
func New(store fleet.Store, exec remote.Executor, cfg config.UpdateConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = config.DefaultStages()
	}
	return &Service{store: store, exec: exec, cfg: cfg, logger: logger}
}

// UpdateDevice runs every stage against address and commits the outcome. It
// never panics; unexpected faults are committed as an error status.
func (s *Service) UpdateDevice(ctx context.Context, address string) (rep Report) {
	rep.Address = address
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("update aborted", "address", address, "panic", r)
			rep.Status = fleet.ErrorWithMessage(fmt.Sprint(r))
			rep.Succeeded = false
			rep.FailedStage = ""
			s.commit(ctx, address, fleet.StatusWrite(rep.Status, false))
		}
	}()

	for _, stage := range s.cfg.Stages {
		ok, err := s.runStage(ctx, address, stage)
		if err != nil {
			s.logger.Error("update aborted", "address", address, "stage", stage.Name, "err", err)
			rep.Status = fleet.ErrorWithMessage(err.Error())
			s.commit(ctx, address, fleet.StatusWrite(rep.Status, false))
			return rep
		}
		if !ok {
			s.logger.Error("update stage failed", "address", address, "stage", stage.Name)
			rep.Status = fleet.FailedAtStage(stage.Name)
			rep.FailedStage = stage.Name
			s.commit(ctx, address, fleet.StatusWrite(rep.Status, false))
			return rep
		}
		s.logger.Debug("update stage completed", "address", address, "stage", stage.Name)
	}

	s.logger.Info("update completed", "address", address)
	rep.Status = fleet.Online()
	rep.Succeeded = true
	s.commit(ctx, address, fleet.StatusWrite(rep.Status, true))
	return rep
}

// runStage reports false on the first step that ran and failed. A non-nil
// error means a step could not be attempted at all.
func (s *Service) runStage(ctx context.Context, address string, stage config.StageConfig) (bool, error) {
	for i, step := range stage.Steps {
		res, err := s.runStep(ctx, address, step)
		if err != nil {
			return false, fmt.Errorf("%s step %d: %w", stage.Name, i+1, err)
		}
		if !res.Success {
			s.logger.Warn("update step failed", "address", address, "stage", stage.Name, "step", i+1, "stderr", strings.TrimSpace(res.Stderr))
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) runStep(ctx context.Context, address string, step config.StepConfig) (remote.Result, error) {
	target := remote.Device(address)
	switch {
	case step.Push != "":
		local := step.Push
		if !filepath.IsAbs(local) {
			local = filepath.Join(s.cfg.FilesDir, local)
		}
		return s.exec.PushFile(ctx, target, local, step.To)
	case step.Run != "":
		return s.exec.RunCommand(ctx, remote.Command{Endpoint: target, Command: step.Run, Elevate: step.Sudo})
	default:
		return remote.Result{}, errEmptyStep
	}
}

// commit writes the outcome detached from ctx cancellation; an aborted run
// still leaves its status behind.
func (s *Service) commit(ctx context.Context, address string, req fleet.WriteRequest) {
	if err := s.store.Write(context.WithoutCancel(ctx), address, req); err != nil {
		s.logger.Error("commit update result failed", "address", address, "status", req.Status.String(), "err", err)
	}
}
