package model

import "time"

// Lease is one DHCP lease row as reported by the router.
type Lease struct {
	Address  string     `json:"address"`
	MAC      string     `json:"mac"`
	Hostname string     `json:"hostname"`
	ClientID string     `json:"client_id,omitempty"`
	Vendor   string     `json:"vendor,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	Source   string     `json:"source"`
}

const (
	SourceDnsmasq  = "dnsmasq"
	SourceRouterOS = "routeros"
)
