// Package oui maps MAC address prefixes to hardware vendors so discovery can
// tell minion boards apart from other clients on the same lease table.
package oui

import (
	_ "embed"
	"encoding/json"
	"strings"
)

// Unknown is reported for prefixes missing from the table.
const Unknown = "Unknown"

//go:embed data/vendors.json
var embeddedTable []byte

type Table struct {
	vendors map[string]string
}

// LoadEmbedded returns the built-in table of single-board and router vendors.
func LoadEmbedded() (*Table, error) {
	return Load(embeddedTable)
}

// Load reads a JSON object of "AABBCC": "Vendor" pairs. Prefix separators and
// case are ignored.
func Load(data []byte) (*Table, error) {
	raw := map[string]string{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	vendors := make(map[string]string, len(raw))
	for prefix, vendor := range raw {
		vendors[normalizePrefix(prefix)] = strings.TrimSpace(vendor)
	}
	return &Table{vendors: vendors}, nil
}

// Lookup returns the vendor for mac, or Unknown.
func (t *Table) Lookup(mac string) string {
	if t == nil {
		return Unknown
	}
	if vendor, ok := t.vendors[normalizePrefix(mac)]; ok && vendor != "" {
		return vendor
	}
	return Unknown
}

// Matches reports whether the vendor of mac contains want, ignoring case. An
// empty want matches everything.
func (t *Table) Matches(mac, want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return true
	}
	return strings.Contains(strings.ToLower(t.Lookup(mac)), want)
}

func normalizePrefix(v string) string {
	replacer := strings.NewReplacer(":", "", "-", "", ".", "")
	v = strings.ToUpper(strings.TrimSpace(replacer.Replace(v)))
	if len(v) > 6 {
		return v[:6]
	}
	return v
}
