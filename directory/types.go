package directory

import "time"

// Consensus represents a parsed Tor microdescriptor consensus.
type Consensus struct {
	ValidAfter              time.Time
	FreshUntil              time.Time
	ValidUntil              time.Time
	SharedRandCurrentValue  []byte
	SharedRandPreviousValue []byte
	RouterStatuses          []RouterStatus
	BandwidthWeights        map[string]int64 // Wgg, Wgm, Wmg, Wmm, etc.
	Params                  map[string]int64 // consensus network parameters, e.g. min_paths_for_circs_pct
}

// RouterStatus represents one router entry in the consensus ("rs").
type RouterStatus struct {
	Nickname    string
	Identity    [20]byte // SHA-1 of RSA identity key (base64-decoded from "r" line)
	Address     string   // IPv4 address
	ORPort      uint16
	DirPort     uint16
	IPv6Address string
	IPv6ORPort  uint16
	Flags       RelayFlags
	Bandwidth   int64  // From "w Bandwidth=" line
	IsUnmeasured bool  // "w ... Unmeasured=1"
	MicrodescDigest string // Base64 microdesc digest from "m" line

	SupportsEd25519LinkHandshake bool // ed25519 link-handshake hint; ParseConsensus does not set it

	// Populated after microdescriptor fetch, kept for backward-compatible
	// direct consumers; the nodelist package tracks these via its own
	// microdesc.Microdescriptor association instead.
	NtorOnionKey [32]byte
	Ed25519ID    [32]byte
	HasNtorKey   bool
	HasEd25519   bool
}

// RelayFlags represents the flags assigned to a relay in the consensus.
type RelayFlags struct {
	Authority bool
	BadExit   bool
	Exit      bool
	Fast      bool
	Guard     bool
	HSDir     bool
	Named     bool
	Running   bool
	Stable    bool
	Unnamed   bool
	V2Dir     bool
	Valid     bool
}
