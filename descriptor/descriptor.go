// Package descriptor exposes the narrow view of a relay's server
// descriptor that the ntor handshake and circuit-extension code need:
// identity, address, and onion key, without the rest of the fields
// routerinfo.RouterInfo now carries for the nodelist.
package descriptor

import (
	"fmt"

	"github.com/cvsouth/tor-nodelist-go/routerinfo"
)

// RelayInfo contains the parsed relay descriptor fields needed for ntor handshake.
type RelayInfo struct {
	NodeID       [20]byte // SHA-1 of relay's RSA identity key
	NtorOnionKey [32]byte // Curve25519 public key
	Address      string   // IP address
	ORPort       uint16   // OR port
	Fingerprint  string   // Hex fingerprint string (uppercase, no spaces)
}

// FetchDescriptor fetches a relay's server descriptor from a Tor directory authority
// and parses the fields needed for ntor handshake.
//
// TODO SECURITY: Descriptors are fetched over plaintext HTTP and not signature-verified.
// The Tor spec requires verifying the router-signature (RSA) before trusting descriptor fields.
// Currently, a MITM on the HTTP connection could substitute ntor keys, but this would cause
// the ntor AUTH check to fail (the real relay won't produce valid AUTH for substituted keys).
func FetchDescriptor(dirAddr string, fingerprint string) (*RelayInfo, error) {
	ri, err := routerinfo.Fetch(dirAddr, fingerprint)
	if err != nil {
		return nil, err
	}
	return narrow(ri)
}

// ParseDescriptor parses a relay server descriptor text and extracts RelayInfo.
func ParseDescriptor(text string) (*RelayInfo, error) {
	ri, err := routerinfo.Parse(text)
	if err != nil {
		return nil, err
	}
	return narrow(ri)
}

func narrow(ri *routerinfo.RouterInfo) (*RelayInfo, error) {
	if !ri.HasNtorKey {
		return nil, fmt.Errorf("missing ntor-onion-key line")
	}
	if ri.Address == nil {
		return nil, fmt.Errorf("missing router line")
	}
	return &RelayInfo{
		NodeID:       ri.Identity,
		NtorOnionKey: ri.OnionKeyCurve25519,
		Address:      ri.Address.String(),
		ORPort:       ri.ORPort,
		Fingerprint:  fmt.Sprintf("%X", ri.Identity[:]),
	}, nil
}
