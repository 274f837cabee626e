package nodelist

import (
	"net"

	"github.com/cvsouth/tor-nodelist-go/directory"
	"github.com/cvsouth/tor-nodelist-go/microdesc"
	"github.com/cvsouth/tor-nodelist-go/routerinfo"
)

// SetRouterInfo attaches a newly-arrived router descriptor to its node,
// creating the node if this is the first reference to its identity.
// Returns the node and the previous ri, if any, so the caller's router
// list can dispose of it.
func (nl *NodeList) SetRouterInfo(ri *routerinfo.RouterInfo) (*Node, *routerinfo.RouterInfo) {
	n := nl.index.getOrCreate(ri.Identity)
	oldRI := n.RI

	if oldRI != nil && !addrEqual(oldRI.Address, oldRI.ORPort, ri.Address, ri.ORPort) {
		n.LastReachable = zeroTime
		n.LastReachable6 = zeroTime
		n.Country = -1
	}

	n.RI = ri
	nl.names.update(n)

	if n.Country == -1 {
		n.Country = nl.lookupCountry(n)
	}

	if nl.isV3Authority && oldRI == nil {
		nl.applyAuthorityFlags(n)
	}

	return n, oldRI
}

// AddMicrodesc finds the routerstatus in the current microdesc-flavored
// consensus whose descriptor digest matches md, finds that routerstatus's
// node, and attaches md to it, detaching and releasing any md the node
// previously held.
func (nl *NodeList) AddMicrodesc(md *microdesc.Microdescriptor) *Node {
	rs := nl.findRouterStatusByDigest(md.Digest)
	if rs == nil {
		return nil
	}
	n := nl.index.get(rs.Identity)
	if n == nil {
		return nil
	}
	nl.attachMicrodesc(n, md)
	return n
}

// RemoveRouterInfo detaches ri from its node. If the node then has neither
// ri nor rs, it is dropped.
func (nl *NodeList) RemoveRouterInfo(ri *routerinfo.RouterInfo) {
	n := nl.index.get(ri.Identity)
	if n == nil || n.RI != ri {
		return
	}
	n.RI = nil
	nl.names.update(n)
	if n.RI == nil && n.RS == nil {
		nl.dropNode(n)
	}
}

// RemoveMicrodesc detaches md from the node for id, iff that node's
// current md is exactly this instance.
func (nl *NodeList) RemoveMicrodesc(id [20]byte, md *microdesc.Microdescriptor) {
	n := nl.index.get(id)
	if n == nil || n.MD != md {
		return
	}
	n.MD = nil
	nl.mdCache.Release(md.Digest)
}

// SetConsensus installs a new consensus, reconciling every node against
// it: attaching routerstatuses and (for microdesc consensuses) attached
// microdescriptors, mirroring consensus flags, and finally purging nodes
// that no longer have any backing.
func (nl *NodeList) SetConsensus(ns *directory.Consensus) {
	// Step 1: null out rs on every existing node so survivors can be told
	// apart from nodes the new consensus no longer lists.
	for _, n := range nl.index.all() {
		n.RS = nil
	}

	nl.consensus = ns
	nl.names.reset()

	for i := range ns.RouterStatuses {
		rs := &ns.RouterStatuses[i]
		n := nl.index.getOrCreate(rs.Identity)
		n.RS = rs

		if n.MD != nil && !digestB64Matches(n.MD.Digest, rs.MicrodescDigest) {
			nl.mdCache.Release(n.MD.Digest)
			n.MD = nil
		}
		if n.MD == nil && rs.MicrodescDigest != "" {
			if md := nl.lookupMicrodescByDigestB64(rs.MicrodescDigest); md != nil {
				nl.attachMicrodesc(n, md)
			}
		}

		n.Country = nl.lookupCountry(n)

		if !nl.isV3Authority {
			mirrorConsensusFlags(n, rs)
			n.IPv6Preferred = nl.options.PreferIPv6ORPort && hasIPv6(n)
		}

		nl.names.update(n)
	}

	nl.purgeLocked()

	if !nl.isV3Authority {
		for _, n := range nl.index.all() {
			if n.RI != nil && n.RS == nil && n.RI.Purpose == "general" {
				clearMirroredFlags(n)
			}
		}
	}

	nl.markDirInfoDirty()
}

// Purge drops every node with neither ri nor rs, and detaches any md on a
// node that no longer has an rs (an md without a backing rs is
// meaningless). Idempotent.
func (nl *NodeList) Purge() {
	nl.purgeLocked()
}

func (nl *NodeList) purgeLocked() {
	for _, n := range append([]*Node(nil), nl.index.all()...) {
		if n.MD != nil && n.RS == nil {
			nl.mdCache.Release(n.MD.Digest)
			n.MD = nil
		}
		if n.RI == nil && n.RS == nil {
			nl.dropNode(n)
		}
	}
}

func (nl *NodeList) attachMicrodesc(n *Node, md *microdesc.Microdescriptor) {
	if n.MD == md {
		return
	}
	if n.MD != nil {
		nl.mdCache.Release(n.MD.Digest)
	}
	n.MD = nl.mdCache.Put(md)
	n.MD.HeldByNodes++
}

func (nl *NodeList) findRouterStatusByDigest(digest [32]byte) *directory.RouterStatus {
	if nl.consensus == nil {
		return nil
	}
	target := base64RawStd(digest[:])
	for i := range nl.consensus.RouterStatuses {
		if nl.consensus.RouterStatuses[i].MicrodescDigest == target {
			return &nl.consensus.RouterStatuses[i]
		}
	}
	return nil
}

func (nl *NodeList) lookupMicrodescByDigestB64(digestB64 string) *microdesc.Microdescriptor {
	digest, ok := decodeDigest32(digestB64)
	if !ok {
		return nil
	}
	return nl.mdCache.Get(digest)
}

func digestB64Matches(digest [32]byte, digestB64 string) bool {
	want, ok := decodeDigest32(digestB64)
	return ok && want == digest
}

func mirrorConsensusFlags(n *Node, rs *directory.RouterStatus) {
	n.IsValid = rs.Flags.Valid
	n.IsRunning = rs.Flags.Running
	n.IsFast = rs.Flags.Fast
	n.IsStable = rs.Flags.Stable
	n.IsPossibleGuard = rs.Flags.Guard
	n.IsExit = rs.Flags.Exit
	n.IsBadExit = rs.Flags.BadExit
	n.IsHSDir = rs.Flags.HSDir
}

func clearMirroredFlags(n *Node) {
	n.IsValid = false
	n.IsRunning = false
	n.IsFast = false
	n.IsStable = false
	n.IsPossibleGuard = false
	n.IsExit = false
	n.IsBadExit = false
	n.IsHSDir = false
	n.IPv6Preferred = false
}

func hasIPv6(n *Node) bool {
	if n.RS != nil && n.RS.IPv6Address != "" {
		return true
	}
	if n.MD != nil && n.MD.IPv6Address != nil {
		return true
	}
	return false
}

func addrEqual(a net.IP, aPort uint16, b net.IP, bPort uint16) bool {
	if aPort != bPort {
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

func (nl *NodeList) applyAuthorityFlags(n *Node) {
	// Directory authorities derive their own status flags for a relay's
	// first descriptor rather than mirroring consensus flags (there is no
	// consensus to mirror yet on first sight). This repository runs as a
	// client only, so there is no authority-side policy to apply; the hook
	// exists so SetRouterInfo's control flow matches the original.
}
