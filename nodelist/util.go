package nodelist

import (
	"encoding/base64"
	"time"
)

var zeroTime time.Time

func base64RawStd(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

func decodeDigest32(b64 string) ([32]byte, bool) {
	var out [32]byte
	raw, err := base64.RawStdEncoding.DecodeString(b64)
	if err != nil || len(raw) != 32 {
		return out, false
	}
	copy(out[:], raw)
	return out, true
}

// lookupCountry resolves a node's cached country id via the injected
// CountryLookup. Returns -1 ("not yet computed"/unknown) when no lookup
// is configured or the node has no usable address yet.
func (nl *NodeList) lookupCountry(n *Node) int16 {
	if nl.countryLookup == nil {
		return -1
	}
	addr, ok := nl.primIPv4(n)
	if !ok {
		return -1
	}
	return countryCodeToID(nl.countryLookup.CountryByAddr(addr))
}

// countryCodeToID is a placeholder identity mapping: CountryLookup already
// returns an int16 id per the collab.go interface contract, so there is
// nothing further to translate here. Kept as a named step so a future
// country-code-to-id table lookup has an obvious seam.
func countryCodeToID(id int16) int16 {
	return id
}
