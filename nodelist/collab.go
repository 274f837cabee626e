package nodelist

import (
	"net"

	"github.com/cvsouth/tor-nodelist-go/geoip"
	"github.com/cvsouth/tor-nodelist-go/microdesc"
	"github.com/cvsouth/tor-nodelist-go/routerinfo"
)

// RouterListSource is the router-list collaborator the consistency checker
// cross-validates against.
type RouterListSource interface {
	Routers() []*routerinfo.RouterInfo
	ByDescriptorDigest(digest [20]byte) *routerinfo.RouterInfo
}

// MicrodescSource looks up a cached microdescriptor by its sha256 digest.
// microdesc.Cache offers the same lookup under the name Get, so it does not
// implement this interface directly.
type MicrodescSource interface {
	LookupByDigest256(digest [32]byte) *microdesc.Microdescriptor
}

// CountryLookup resolves an address to a numeric country id, mirroring
// GeoIP's get_country_by_addr. -1 means unknown.
type CountryLookup interface {
	CountryByAddr(addr net.IP) int16
}

// GuardInfo reports whether the entry-guard subsystem has what it needs to
// build circuits, independent of the nodelist's own bandwidth counts.
type GuardInfo interface {
	HaveEnoughDirInfoToBuildCircuits() bool
}

// ControllerEvents emits the bootstrap/status events a controller
// connection would be told about. A nil ControllerEvents is a valid no-op
// configuration.
type ControllerEvents interface {
	BootstrapEvent(status int, progress int)
	ClientStatusEvent(msg string)
}

// GeoIPLookup adapts a geoip.CountryLookup (two-letter ISO code) to the
// CountryLookup this package consults. The encoding only needs to be
// stable across calls within a process, not globally meaningful, since
// it only fills the cached Node.Country id.
type GeoIPLookup struct {
	geoip.CountryLookup
}

// CountryByAddr implements CountryLookup by folding the two-letter code
// into a 16-bit id: 26*first-letter + second-letter. "??" and any
// non-two-letter-uppercase code map to -1, matching the "unknown" sentinel
// used everywhere else Node.Country is read.
func (g GeoIPLookup) CountryByAddr(addr net.IP) int16 {
	if g.CountryLookup == nil {
		return -1
	}
	cc := g.CountryLookup.CountryCode(addr)
	if len(cc) != 2 || cc[0] < 'A' || cc[0] > 'Z' || cc[1] < 'A' || cc[1] > 'Z' {
		return -1
	}
	return int16(cc[0]-'A')*26 + int16(cc[1]-'A')
}
