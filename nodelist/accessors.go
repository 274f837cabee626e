package nodelist

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"filippo.io/edwards25519"

	"github.com/cvsouth/tor-nodelist-go/descriptor"
	"github.com/cvsouth/tor-nodelist-go/policy"
)

// Nickname returns rs.nickname if present, else ri.nickname, else "".
func Nickname(n *Node) string {
	if n.RS != nil && n.RS.Nickname != "" {
		return n.RS.Nickname
	}
	if n.RI != nil {
		return n.RI.Nickname
	}
	return ""
}

// Ed25519ID returns the node's Ed25519 identity key and whether one is
// present. A zero key is treated as absent, mirroring node_get_ed25519_id's
// "is this cert actually signed" expansion: the candidate bytes must be the
// canonical encoding of a valid point on the curve, not merely be non-zero.
// Takes nl (rather
// than being a free function like the other accessors) because a malformed
// key logs a one-shot warning through nl.logger.
func (nl *NodeList) Ed25519ID(n *Node) ([32]byte, bool) {
	var zero [32]byte
	if n.RI != nil && n.RI.SigningKeyCert != nil && n.RI.SigningKeyCert.SigningKey != zero {
		if validEd25519Point(n.RI.SigningKeyCert.SigningKey) {
			return n.RI.SigningKeyCert.SigningKey, true
		}
		nl.warnBadEdKey(n)
	}
	if n.MD != nil && n.MD.HasEd25519 && n.MD.Ed25519Identity != zero {
		if validEd25519Point(n.MD.Ed25519Identity) {
			return n.MD.Ed25519Identity, true
		}
		nl.warnBadEdKey(n)
	}
	return zero, false
}

func validEd25519Point(key [32]byte) bool {
	p, err := new(edwards25519.Point).SetBytes(key[:])
	// SetBytes also accepts non-canonical encodings; re-encoding rejects them.
	return err == nil && bytes.Equal(p.Bytes(), key[:])
}

// warnBadEdKey logs once per node so a single malformed descriptor doesn't
// spam the log on every accessor call; node_get_ed25519_id does the same.
func (nl *NodeList) warnBadEdKey(n *Node) {
	if n.edKeyWarned {
		return
	}
	n.edKeyWarned = true
	if nl.logger != nil {
		nl.logger.Warn("malformed ed25519 identity key", "node", VerboseNickname(nl, n))
	}
}

// Curve25519OnionKey returns the node's ntor onion key and whether one is
// present, from ri else md.
func Curve25519OnionKey(n *Node) ([32]byte, bool) {
	if n.RI != nil && n.RI.HasNtorKey {
		return n.RI.OnionKeyCurve25519, true
	}
	if n.MD != nil && n.MD.HasNtorKey {
		return n.MD.OnionKeyCurve25519, true
	}
	return [32]byte{}, false
}

// Bandwidth returns the node's consensus-advertised bandwidth, 0 if unknown.
func Bandwidth(n *Node) int64 {
	if n.RS != nil {
		return n.RS.Bandwidth
	}
	return 0
}

// RSAIDDigest returns the node's RSA identity digest, the key every node is
// indexed by.
func RSAIDDigest(n *Node) [20]byte {
	return n.Identity
}

// IsDir reports whether the node offers a directory service.
func IsDir(n *Node) bool {
	if n.RS != nil {
		return n.RS.Flags.V2Dir
	}
	if n.RI != nil {
		return n.RI.SupportsTunnelledDirRequests
	}
	return false
}

// HasDescriptor reports whether the node has either a full descriptor or a
// consensus entry backed by a microdescriptor.
func HasDescriptor(n *Node) bool {
	return n.RI != nil || (n.RS != nil && n.MD != nil)
}

// ExitPolicyRejectsAll reports whether the node's exit policy is
// effectively reject-everything. Absence of any policy information is
// treated as rejection, not permission.
func ExitPolicyRejectsAll(n *Node) bool {
	if n.RejectsAll {
		return true
	}
	if n.RI != nil {
		return policy.IsRejectStar(n.RI.Policy)
	}
	if n.MD != nil && n.MD.HasPolicy {
		return policy.ShortPolicyIsRejectStar(n.MD.Policy)
	}
	return true
}

// ExitPolicyIsExact reports whether the node's exit-policy information is
// precise enough to answer per-port queries with confidence, rather than a
// coarse accept/reject-all summary. AF_INET6 destinations are never exact:
// the short policy carried by a microdescriptor has no notion of address
// family, only ports, the same incompleteness node_exit_policy_is_exact has
// for IPv6 destinations.
func ExitPolicyIsExact(n *Node, family int) bool {
	if family == familyInet6 {
		return false
	}
	if n.RI != nil {
		return true
	}
	if n.MD != nil && n.MD.HasPolicy {
		return true
	}
	return false
}

const (
	familyInet  = 4
	familyInet6 = 6
)

// PrimORPort returns the node's primary (IPv4) OR address and port, from ri
// else rs.
func PrimORPort(n *Node) (net.IP, uint16, bool) {
	if n.RI != nil && n.RI.Address != nil && n.RI.ORPort != 0 {
		return n.RI.Address, n.RI.ORPort, true
	}
	if n.RS != nil && n.RS.Address != "" && n.RS.ORPort != 0 {
		if ip := net.ParseIP(n.RS.Address); ip != nil {
			return ip, n.RS.ORPort, true
		}
	}
	return nil, 0, false
}

func (nl *NodeList) primIPv4(n *Node) (net.IP, bool) {
	ip, _, ok := PrimORPort(n)
	return ip, ok
}

// PrefIPv6ORPort returns the node's IPv6 OR address and port, checked in
// order ri, rs, md.
func PrefIPv6ORPort(n *Node) (net.IP, uint16, bool) {
	if n.RI != nil && n.RI.IPv6Address != nil && n.RI.IPv6ORPort != 0 {
		return n.RI.IPv6Address, n.RI.IPv6ORPort, true
	}
	if n.RS != nil && n.RS.IPv6Address != "" && n.RS.IPv6ORPort != 0 {
		if ip := net.ParseIP(n.RS.IPv6Address); ip != nil {
			return ip, n.RS.IPv6ORPort, true
		}
	}
	if n.MD != nil && n.MD.IPv6Address != nil && n.MD.IPv6ORPort != 0 {
		return n.MD.IPv6Address, n.MD.IPv6ORPort, true
	}
	return nil, 0, false
}

// PrefORPort returns the OR address and port the node should be contacted
// on: IPv6 when IPv6 use is requested and either the node prefers IPv6 or
// has no usable IPv4 address; IPv4 otherwise.
func PrefORPort(n *Node, useIPv6 bool) (net.IP, uint16, bool) {
	_, _, haveIPv4 := PrimORPort(n)
	if useIPv6 && (n.IPv6Preferred || !haveIPv4) {
		if ip, port, ok := PrefIPv6ORPort(n); ok {
			return ip, port, true
		}
	}
	return PrimORPort(n)
}

// ORPort is one resolved OR address/port pair, as returned by AllORPorts.
type ORPort struct {
	Addr net.IP
	Port uint16
}

// AllORPorts returns up to two OR address/port pairs: the first valid IPv4
// found, then the first valid IPv6 found.
func AllORPorts(n *Node) []ORPort {
	var out []ORPort
	if ip, port, ok := PrimORPort(n); ok {
		out = append(out, ORPort{ip, port})
	}
	if ip, port, ok := PrefIPv6ORPort(n); ok {
		out = append(out, ORPort{ip, port})
	}
	return out
}

// DeclaredFamily returns the node's self-declared family tokens, from ri
// else md.
func DeclaredFamily(n *Node) []string {
	if n.RI != nil && len(n.RI.DeclaredFamily) > 0 {
		return n.RI.DeclaredFamily
	}
	if n.MD != nil && len(n.MD.Family) > 0 {
		return n.MD.Family
	}
	return nil
}

// SupportsEd25519LinkAuth reports whether the node both has an Ed25519
// identity and has advertised (via ri's protocol list or rs's consensus
// flag) that it speaks the Ed25519 link handshake.
func (nl *NodeList) SupportsEd25519LinkAuth(n *Node) bool {
	if _, ok := nl.Ed25519ID(n); !ok {
		return false
	}
	if n.RI != nil && protocolListHasLinkAuthV3(n.RI.ProtocolList) {
		return true
	}
	if n.RS != nil && n.RS.SupportsEd25519LinkHandshake {
		return true
	}
	return false
}

func protocolListHasLinkAuthV3(protocolList string) bool {
	for _, entry := range strings.Fields(protocolList) {
		name, versions, ok := strings.Cut(entry, "=")
		if !ok || name != "LinkAuth" {
			continue
		}
		if protocolVersionsCover(versions, 3) {
			return true
		}
	}
	return false
}

func protocolVersionsCover(versions string, want int) bool {
	for _, part := range strings.Split(versions, ",") {
		lo, hi, ok := strings.Cut(part, "-")
		loN, err := strconv.Atoi(lo)
		if err != nil {
			continue
		}
		hiN := loN
		if ok {
			if hiN, err = strconv.Atoi(hi); err != nil {
				continue
			}
		}
		if want >= loN && want <= hiN {
			return true
		}
	}
	return false
}

const maxVerboseNicknameLen = 1 + 40 + 1 + 19 // '$' + hex + separator + MAX_NICKNAME_LEN

// VerboseNickname formats a node as "$<hex-identity>" optionally suffixed
// with "=nickname" (Named) or "~nickname" (otherwise), the form used in
// log messages and torrc RouterSet entries.
func VerboseNickname(nl *NodeList, n *Node) string {
	hexID := fmt.Sprintf("%X", n.Identity[:])
	nick := Nickname(n)
	if nick == "" {
		return "$" + hexID
	}
	sep := "~"
	if nl != nil && nl.names.isNamed(nick, n.Identity) {
		sep = "="
	}
	s := "$" + hexID + sep + nick
	if len(s) > maxVerboseNicknameLen {
		s = s[:maxVerboseNicknameLen]
	}
	return s
}

// IsNamed reports whether the node's nickname is bound to it in the
// consensus.
func (nl *NodeList) IsNamed(n *Node) bool {
	return nl.names.isNamed(Nickname(n), n.Identity)
}

// Purpose returns the descriptor's declared purpose ("general" if unset).
func Purpose(n *Node) string {
	if n.RI != nil && n.RI.Purpose != "" {
		return n.RI.Purpose
	}
	return "general"
}

// AllowsSingleHopExits reports whether the relay has opted in to single-hop
// (tor2web-style) exit use.
func AllowsSingleHopExits(n *Node) bool {
	return n.RI != nil && n.RI.AllowSingleHopExits
}

// HasCurve25519OnionKey reports whether the node has a usable ntor onion
// key, from ri else md.
func HasCurve25519OnionKey(n *Node) bool {
	_, ok := Curve25519OnionKey(n)
	return ok
}

// ToRelayInfo narrows a node down to the fields circuit extension needs:
// identity, ntor onion key, and primary OR address. Returns false if either
// is missing, the same precondition path selection already checks via
// HasCurve25519OnionKey and PrimORPort.
func ToRelayInfo(n *Node) (*descriptor.RelayInfo, bool) {
	key, ok := Curve25519OnionKey(n)
	if !ok {
		return nil, false
	}
	ip, port, ok := PrimORPort(n)
	if !ok {
		return nil, false
	}
	return &descriptor.RelayInfo{
		NodeID:       n.Identity,
		NtorOnionKey: key,
		Address:      ip.String(),
		ORPort:       port,
		Fingerprint:  fmt.Sprintf("%X", n.Identity[:]),
	}, true
}

// SetCountry overrides the node's cached GeoIP country id, e.g. after a
// GeoIP database reload.
func SetCountry(n *Node, country int16) {
	n.Country = country
}

// IsMe reports whether the node's identity matches the client's own,
// comparing against the identity passed in (the client's own relay
// identity, when it runs in relay mode; always false for a pure client).
func IsMe(n *Node, self [20]byte) bool {
	return n.Identity == self
}

// lookupByHexDigits returns the node whose identity hex-decodes from
// hexID (40 hex digits, no "$"), or nil.
func (nl *NodeList) lookupByHexDigits(hexID string) *Node {
	if len(hexID) != 40 {
		return nil
	}
	var id [20]byte
	for i := 0; i < 20; i++ {
		b, err := strconv.ParseUint(hexID[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil
		}
		id[i] = byte(b)
	}
	return nl.index.get(id)
}

// GetByHexID resolves a lookup token of the form "name", "$hex",
// "$hex=name", or "$hex~name". The hex form selects by identity; the "="
// form additionally requires the consensus to bind that nickname to that
// identity; the "~" form only requires the node's own nickname to match.
func (nl *NodeList) GetByHexID(token string) *Node {
	if !strings.HasPrefix(token, "$") {
		return nl.GetByNickname(token, false)
	}
	body := token[1:]
	hexPart := body
	var wantName string
	var requireBound bool
	if idx := strings.IndexAny(body, "=~"); idx >= 0 {
		hexPart = body[:idx]
		wantName = body[idx+1:]
		requireBound = body[idx] == '='
	}
	n := nl.lookupByHexDigits(hexPart)
	if n == nil || wantName == "" {
		return n
	}
	if requireBound {
		if !nl.names.isNamed(wantName, n.Identity) {
			return nil
		}
		return n
	}
	if !strings.EqualFold(Nickname(n), wantName) {
		return nil
	}
	return n
}

// GetByNickname resolves a bare nickname: the consensus-bound ("Named")
// identity first, then, if warnIfUnnamed and the name is claimed by some
// other relay ("Unnamed"), a failed lookup; otherwise a case-insensitive
// linear scan, warning once if more than one node matches and returning
// the first.
func (nl *NodeList) GetByNickname(name string, warnIfUnnamed bool) *Node {
	if id, ok := nl.names.boundIdentity(name); ok {
		return nl.index.get(id)
	}
	if warnIfUnnamed && nl.names.isUnnamed(name) {
		return nil
	}
	return nl.names.linearScan(nl, name)
}

// nicknameIndex tracks the consensus-bound Named/Unnamed nickname bindings
// and a linear-scan fallback for nicknames the consensus doesn't bind. Like
// NodeList itself, it is single-threaded cooperative and carries no lock.
type nicknameIndex struct {
	named   map[string][20]byte
	unnamed map[string]bool

	warned map[string]bool
}

func newNicknameIndex() *nicknameIndex {
	return &nicknameIndex{
		named:   make(map[string][20]byte),
		unnamed: make(map[string]bool),
		warned:  make(map[string]bool),
	}
}

// reset clears the consensus-derived bindings, called at the start of
// SetConsensus before the new routerstatuses are walked.
func (idx *nicknameIndex) reset() {
	idx.named = make(map[string][20]byte)
	idx.unnamed = make(map[string]bool)
}

// update records (or re-records) the Named/Unnamed binding implied by a
// node's current rs, called once per node during SetConsensus/SetRouterInfo.
func (idx *nicknameIndex) update(n *Node) {
	if n.RS == nil {
		return
	}
	lower := strings.ToLower(n.RS.Nickname)
	if n.RS.Flags.Named {
		idx.named[lower] = n.Identity
	}
	if n.RS.Flags.Unnamed {
		idx.unnamed[lower] = true
	}
}

func (idx *nicknameIndex) remove(n *Node) {
	lower := strings.ToLower(Nickname(n))
	if id, ok := idx.named[lower]; ok && id == n.Identity {
		delete(idx.named, lower)
	}
}

func (idx *nicknameIndex) isNamed(nickname string, id [20]byte) bool {
	bound, ok := idx.named[strings.ToLower(nickname)]
	return ok && bound == id
}

func (idx *nicknameIndex) isUnnamed(nickname string) bool {
	return idx.unnamed[strings.ToLower(nickname)]
}

func (idx *nicknameIndex) boundIdentity(nickname string) ([20]byte, bool) {
	id, ok := idx.named[strings.ToLower(nickname)]
	return id, ok
}

// linearScan searches every node by case-insensitive nickname, warning once
// per nickname if more than one node matches, and returning the first.
func (idx *nicknameIndex) linearScan(nl *NodeList, name string) *Node {
	var found *Node
	count := 0
	for _, n := range nl.index.all() {
		if strings.EqualFold(Nickname(n), name) {
			if found == nil {
				found = n
			}
			count++
		}
	}
	if count > 1 {
		lower := strings.ToLower(name)
		if !idx.warned[lower] {
			idx.warned[lower] = true
			if nl.logger != nil {
				nl.logger.Warn("ambiguous nickname lookup", "nickname", name, "matches", count)
			}
		}
	}
	return found
}
