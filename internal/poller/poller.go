// Package poller runs fleet update passes on an interval in serve mode.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/services/fleet"
)

// UpdateRunner is the part of the fleet driver the poller needs.
type UpdateRunner interface {
	UpdateFleet(ctx context.Context, opts fleet.UpdateOptions) fleet.UpdateSummary
}

type Poller struct {
	runner    UpdateRunner
	interval  time.Duration
	hostname  string
	refreshCh chan struct{}
	logger    *slog.Logger

	mu   sync.Mutex
	last *fleet.UpdateSummary
}

func New(runner UpdateRunner, interval time.Duration, hostname string, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		runner:    runner,
		interval:  interval,
		hostname:  hostname,
		refreshCh: make(chan struct{}, 1),
		logger:    logger,
	}
}

// TriggerRefresh requests an immediate pass. Requests made while one is
// already pending collapse into it.
func (p *Poller) TriggerRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

// Last returns the summary of the most recent pass.
func (p *Poller) Last() (fleet.UpdateSummary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return fleet.UpdateSummary{}, false
	}
	return *p.last, true
}

// Run blocks until ctx ends. The once-per-day gate in the driver keeps
// frequent passes cheap.
func (p *Poller) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.refreshCh:
			timer.Stop()
		case <-timer.C:
		}
		summary := p.runner.UpdateFleet(ctx, fleet.UpdateOptions{Hostname: p.hostname})
		p.logger.Info("scheduled update pass finished", "run_id", summary.RunID, "updated", summary.Updated, "failed", summary.Failed)

		p.mu.Lock()
		p.last = &summary
		p.mu.Unlock()
	}
}
