// Package discovery turns router leases into the list of candidate minions.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/micro-ha/minion-fleet/controller/internal/model"
	"github.com/micro-ha/minion-fleet/controller/internal/subnet"
)

// LeaseSource supplies the router's current DHCP leases.
type LeaseSource interface {
	Leases(ctx context.Context) ([]model.Lease, error)
}

// VendorLookup resolves a MAC address to a hardware vendor name.
type VendorLookup interface {
	Lookup(mac string) string
}

// Filter narrows a discovery pass. Hostname and Vendor match as
// case-insensitive substrings; empty matches every lease.
type Filter struct {
	Hostname string
	Vendor   string
}

// Options configures the filters applied on every pass.
type Options struct {
	// Subnets restricts results to these networks when non-empty.
	Subnets []string
	// IncludeSelf keeps leases that belong to this host.
	IncludeSelf bool
	// Hostname is the default filter when a call passes none.
	Hostname string
	// Vendor is the default vendor filter. It needs Vendors to be set.
	Vendor string
	// Vendors annotates each lease with its vendor when set.
	Vendors VendorLookup
}

// Service filters router leases down to candidate minions.
type Service struct {
	source      LeaseSource
	subnets     *subnet.Matcher
	includeSelf bool
	hostname    string
	vendor      string
	vendors     VendorLookup
	logger      *slog.Logger
	selfAddrs   func() ([]net.Addr, error)
}

// New validates opts.Subnets and returns a discovery service over source.
func New(source LeaseSource, opts Options, logger *slog.Logger) (*Service, error) {
	matcher, err := subnet.Parse(opts.Subnets)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		source:      source,
		subnets:     matcher,
		includeSelf: opts.IncludeSelf,
		hostname:    opts.Hostname,
		vendor:      opts.Vendor,
		vendors:     opts.Vendors,
		logger:      logger,
		selfAddrs:   net.InterfaceAddrs,
	}, nil
}

// Discover returns the leases that survive every filter, in source order.
// No leases is an empty slice, not an error.
func (s *Service) Discover(ctx context.Context, filter Filter) ([]model.Lease, error) {
	leases, err := s.source.Leases(ctx)
	if err != nil {
		return nil, fmt.Errorf("read leases: %w", err)
	}

	self := map[string]struct{}{}
	if !s.includeSelf {
		self = s.ownAddresses()
	}
	hostname := strings.ToLower(strings.TrimSpace(filter.Hostname))
	if hostname == "" {
		hostname = strings.ToLower(strings.TrimSpace(s.hostname))
	}
	vendor := strings.ToLower(strings.TrimSpace(filter.Vendor))
	if vendor == "" {
		vendor = strings.ToLower(strings.TrimSpace(s.vendor))
	}

	out := make([]model.Lease, 0, len(leases))
	for _, lease := range leases {
		if _, mine := self[lease.Address]; mine {
			continue
		}
		if !s.subnets.Empty() && !s.subnets.Contains(lease.Address) {
			continue
		}
		if hostname != "" && !strings.Contains(strings.ToLower(lease.Hostname), hostname) {
			continue
		}
		if s.vendors != nil {
			lease.Vendor = s.vendors.Lookup(lease.MAC)
		}
		if vendor != "" && !strings.Contains(strings.ToLower(lease.Vendor), vendor) {
			continue
		}
		out = append(out, lease)
	}
	s.logger.Info("discovery finished", "leases", len(leases), "devices", len(out))
	return out, nil
}

// Addresses is Discover reduced to lease addresses.
func (s *Service) Addresses(ctx context.Context, filter Filter) ([]string, error) {
	leases, err := s.Discover(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(leases))
	for _, lease := range leases {
		out = append(out, lease.Address)
	}
	return out, nil
}

func (s *Service) ownAddresses() map[string]struct{} {
	out := map[string]struct{}{}
	addrs, err := s.selfAddrs()
	if err != nil {
		s.logger.Warn("list local addresses failed", "err", err)
		return out
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			ip = net.ParseIP(addr.String())
		}
		if ip != nil {
			out[ip.String()] = struct{}{}
		}
	}
	return out
}
