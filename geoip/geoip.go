// Package geoip provides the country-lookup seam the nodelist's family
// resolver and readiness estimator use to group relays by /16 and by
// country, without pulling in a specific GeoIP database format.
package geoip

import "net"

// CountryLookup maps an IP address to a two-letter country code, or "??"
// if unknown. Callers (nodelist's family resolver) only need grouping
// consistency, not geographic accuracy, so any implementation that is
// stable across calls is sufficient.
type CountryLookup interface {
	CountryCode(ip net.IP) string
}

// StaticLookup is a CountryLookup backed by an in-memory table, suitable
// for tests or for a database loaded once at startup from a geoip file.
type StaticLookup struct {
	table map[string]string
}

// NewStaticLookup builds a StaticLookup from an IP-string-to-country table.
func NewStaticLookup(entries map[string]string) *StaticLookup {
	table := make(map[string]string, len(entries))
	for ip, cc := range entries {
		table[ip] = cc
	}
	return &StaticLookup{table: table}
}

// CountryCode implements CountryLookup.
func (s *StaticLookup) CountryCode(ip net.IP) string {
	if s == nil || ip == nil {
		return "??"
	}
	if cc, ok := s.table[ip.String()]; ok {
		return cc
	}
	return "??"
}

// UnknownLookup is a CountryLookup that always reports "??", used when no
// GeoIP database is configured. Address-proximity family matching still
// works without it; only country-based bucketing degrades.
type UnknownLookup struct{}

// CountryCode implements CountryLookup.
func (UnknownLookup) CountryCode(net.IP) string { return "??" }
