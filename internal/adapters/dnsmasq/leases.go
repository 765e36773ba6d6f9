// Package dnsmasq reads the router's dnsmasq lease file through the remote
// executor.
package dnsmasq

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
	"github.com/micro-ha/minion-fleet/controller/internal/model"
)

type LeaseSource struct {
	exec       remote.Executor
	remotePath string
	cachePath  string
	logger     *slog.Logger
}

// NewLeaseSource pulls remotePath from the router into cachePath on every
// call and parses the local copy.
func NewLeaseSource(exec remote.Executor, remotePath, cachePath string, logger *slog.Logger) *LeaseSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseSource{exec: exec, remotePath: remotePath, cachePath: cachePath, logger: logger}
}

func (s *LeaseSource) Leases(ctx context.Context) ([]model.Lease, error) {
	res, err := s.exec.PullFile(ctx, remote.Router(), s.remotePath, s.cachePath)
	if err != nil {
		return nil, fmt.Errorf("pull leases: %w", err)
	}
	if !res.Success {
		return nil, fmt.Errorf("pull leases from router: %s", strings.TrimSpace(res.Stderr))
	}

	f, err := os.Open(s.cachePath)
	if err != nil {
		return nil, fmt.Errorf("open lease cache: %w", err)
	}
	defer f.Close()

	leases, err := Parse(f)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("dnsmasq leases read", "count", len(leases))
	return leases, nil
}

// Parse reads dnsmasq lease rows: expiry mac address hostname client-id.
// Rows with fewer than three fields are skipped; a "*" hostname is empty.
func Parse(r io.Reader) ([]model.Lease, error) {
	var leases []model.Lease
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		lease := model.Lease{
			MAC:     strings.ToUpper(fields[1]),
			Address: fields[2],
			Source:  model.SourceDnsmasq,
		}
		if len(fields) > 3 && fields[3] != "*" {
			lease.Hostname = fields[3]
		}
		if len(fields) > 4 && fields[4] != "*" {
			lease.ClientID = fields[4]
		}
		// 0 means an infinite lease.
		if ts, err := strconv.ParseInt(fields[0], 10, 64); err == nil && ts > 0 {
			expires := time.Unix(ts, 0).UTC()
			lease.Expires = &expires
		}
		leases = append(leases, lease)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read leases: %w", err)
	}
	return leases, nil
}
