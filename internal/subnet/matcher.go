// Package subnet matches addresses against a set of CIDR networks.
package subnet

import (
	"fmt"
	"net"
	"strings"
)

type network struct {
	cidr   string
	prefix int
	net    *net.IPNet
}

type Matcher struct {
	networks []network
}

func New() *Matcher {
	return &Matcher{}
}

// Parse builds a matcher from CIDR strings. A bare address is treated as a
// single-host network.
func Parse(cidrs []string) (*Matcher, error) {
	nets := make([]network, 0, len(cidrs))
	for _, raw := range cidrs {
		cidr := strings.TrimSpace(raw)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, fmt.Errorf("invalid subnet %q", raw)
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid subnet %q: %w", raw, err)
		}
		prefix, _ := ipNet.Mask.Size()
		nets = append(nets, network{cidr: cidr, prefix: prefix, net: ipNet})
	}
	return &Matcher{networks: nets}, nil
}

// Empty reports whether no networks were configured.
func (m *Matcher) Empty() bool {
	return m == nil || len(m.networks) == 0
}

// Contains reports whether ipStr falls in any configured network.
func (m *Matcher) Contains(ipStr string) bool {
	return m.Match(ipStr) != ""
}

// Match returns the most specific network containing ipStr, or "".
func (m *Matcher) Match(ipStr string) string {
	if m == nil {
		return ""
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return ""
	}
	bestPrefix := -1
	best := ""
	for _, network := range m.networks {
		if network.net.Contains(ip) && network.prefix > bestPrefix {
			bestPrefix = network.prefix
			best = network.cidr
		}
	}
	return best
}
