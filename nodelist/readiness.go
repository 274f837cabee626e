package nodelist

import (
	"fmt"
	"time"

	"github.com/cvsouth/tor-nodelist-go/routerset"
)

// ConsensusPathType mirrors consensus_path_type_t.
type ConsensusPathType int

const (
	ConsensusPathUnknown ConsensusPathType = iota
	ConsensusPathExit
	ConsensusPathInternal
)

// Options is the Go-native stand-in for or_options_t: the handful of
// torrc-level settings the readiness estimator and family resolver need,
// injected by cmd/tor-client rather than read from a global.
type Options struct {
	EntryNodes routerset.RouterSet
	ExitNodes  routerset.RouterSet

	// PathsNeededToBuildCircuits overrides the consensus's
	// min_paths_for_circs_pct when >= 0.
	PathsNeededToBuildCircuits float64

	PreferIPv6ORPort bool

	EnforceDistinctSubnets bool
	NodeFamilySets         []routerset.RouterSet

	// IsV3DirAuthority mirrors authdir_mode_v3(options); this repository
	// only runs as a client, so it defaults false.
	IsV3DirAuthority bool

	// DelayDirectoryFetches, when true, forces HaveMinimumDirInfo false
	// regardless of bandwidth fractions, with DelayReason reported in the
	// status string.
	DelayDirectoryFetches bool
	DelayReason           string
}

func defaultOptions() Options {
	return Options{PathsNeededToBuildCircuits: -1}
}

// Estimator holds the readiness estimator's sticky state: the dirty bit
// and the last computed have_min_dir_info / have_consensus_path values,
// so repeated calls without an intervening DirInfoChanged are no-ops.
type Estimator struct {
	dirty             bool
	haveMinDirInfo    bool
	haveConsensusPath ConsensusPathType
	statusString      string
}

// reasonablyLiveBound mirrors the ~1 day default for a "reasonably live"
// consensus.
const reasonablyLiveBound = 24 * time.Hour

// DirInfoChanged marks the readiness estimate dirty, the way
// router_dir_info_changed does. Call after any reconciliation that could
// move the bandwidth fractions.
func (nl *NodeList) DirInfoChanged() {
	nl.estimator.dirty = true
}

func (nl *NodeList) markDirInfoDirty() {
	nl.estimator.dirty = true
}

// HaveMinimumDirInfo recomputes (if dirty) and returns whether the client
// has learned enough of the network, by bandwidth-weighted presence, to
// build circuits.
func (nl *NodeList) HaveMinimumDirInfo() bool {
	if nl.estimator.dirty {
		nl.recomputeDirInfo()
	}
	return nl.estimator.haveMinDirInfo
}

// HaveConsensusPath reports whether the last readiness computation found
// exits in the consensus.
func (nl *NodeList) HaveConsensusPath() ConsensusPathType {
	return nl.estimator.haveConsensusPath
}

// DirInfoStatusString returns the human-readable explanation of the last
// readiness computation, the text shown during bootstrap.
func (nl *NodeList) DirInfoStatusString() string {
	return nl.estimator.statusString
}

func (nl *NodeList) recomputeDirInfo() {
	nl.estimator.dirty = false
	was := nl.estimator.haveMinDirInfo

	if nl.options.DelayDirectoryFetches {
		nl.estimator.haveMinDirInfo = false
		nl.estimator.statusString = nl.options.DelayReason
		nl.afterRecompute(was)
		return
	}

	if nl.consensus == nil {
		nl.estimator.haveMinDirInfo = false
		nl.estimator.statusString = "We have no usable consensus."
		nl.afterRecompute(was)
		return
	}
	if nl.isReasonablyLiveConsensusStale() {
		nl.estimator.haveMinDirInfo = false
		nl.estimator.statusString = "We have no recent usable consensus."
		nl.afterRecompute(was)
		return
	}

	if nl.guardInfo != nil && !nl.guardInfo.HaveEnoughDirInfoToBuildCircuits() {
		nl.estimator.haveMinDirInfo = false
		nl.estimator.statusString = "We're missing descriptors for some of our primary entry guards"
		nl.afterRecompute(was)
		return
	}

	numPresent, numUsable, fPath, status := nl.computeFracPathsAvailable()
	needed := nl.fracPathsNeeded()

	if fPath < needed {
		nl.estimator.haveMinDirInfo = false
		nl.estimator.statusString = fmt.Sprintf(
			"We need more descriptors: we have %d/%d, and can only build %d%% of likely paths. (We have %s.)",
			numPresent, numUsable, int(fPath*100), status)
	} else {
		nl.estimator.haveMinDirInfo = true
		nl.estimator.statusString = status
	}

	nl.afterRecompute(was)
}

func (nl *NodeList) afterRecompute(was bool) {
	if nl.estimator.haveMinDirInfo && !was && nl.events != nil {
		nl.events.BootstrapEvent(bootstrapStatusConnOR, 0)
		nl.events.ClientStatusEvent("ENOUGH_DIR_INFO")
	}
	if !nl.estimator.haveMinDirInfo && was {
		nl.estimator.haveConsensusPath = ConsensusPathUnknown
		if nl.events != nil {
			nl.events.ClientStatusEvent("NOT_ENOUGH_DIR_INFO")
		}
	}
}

const bootstrapStatusConnOR = 80

func (nl *NodeList) isReasonablyLiveConsensusStale() bool {
	return time.Since(nl.consensus.ValidAfter) > reasonablyLiveBound
}

func (nl *NodeList) fracPathsNeeded() float64 {
	if nl.options.PathsNeededToBuildCircuits >= 0.0 {
		return nl.options.PathsNeededToBuildCircuits
	}
	pct, ok := nl.consensus.Params["min_paths_for_circs_pct"]
	if !ok {
		pct = 60
	}
	if pct < 25 {
		pct = 25
	}
	if pct > 95 {
		pct = 95
	}
	return float64(pct) / 100.0
}

// clientWouldUseRouter approximates client_would_use_router: the node has a
// routerstatus flagged Running and Valid. Onion keys are not checked here.
func clientWouldUseRouter(n *Node) bool {
	if n.RS == nil {
		return false
	}
	if !n.RS.Flags.Running || !n.RS.Flags.Valid {
		return false
	}
	return true
}

func hasDescriptorFor(n *Node, usingMD bool) bool {
	if usingMD {
		return n.MD != nil
	}
	return n.RI != nil
}

// computeFracPathsAvailable mirrors compute_frac_paths_available: three
// disjoint buckets (guard/mid/exit), each weighted by consensus bandwidth
// weights, producing f_path = f_guard * f_mid * f_exit.
func (nl *NodeList) computeFracPathsAvailable() (numPresent, numUsable int, fPath float64, status string) {
	usingMD := nl.consensusIsMicrodesc()

	var mid, guards, exits []*Node
	for _, n := range nl.index.all() {
		if !clientWouldUseRouter(n) {
			continue
		}
		numUsable++
		if hasDescriptorFor(n, usingMD) {
			numPresent++
		}
		mid = append(mid, n)
		if n.IsExit {
			exits = append(exits, n)
		}
	}

	if !nl.options.EntryNodes.Empty() {
		guards = filterInSet(mid, nl.options.EntryNodes)
	} else {
		for _, n := range mid {
			if n.IsPossibleGuard {
				guards = append(guards, n)
			}
		}
	}

	if len(exits) > 0 {
		nl.estimator.haveConsensusPath = ConsensusPathExit
	} else {
		nl.estimator.haveConsensusPath = ConsensusPathInternal
	}

	fGuard := fracNodesWithDescriptors(nl, guards, roleGuard, usingMD)
	fMid := fracNodesWithDescriptors(nl, mid, roleMid, usingMD)
	fExit := fracNodesWithDescriptors(nl, exits, roleExit, usingMD)

	if !nl.options.ExitNodes.Empty() {
		fExit = nl.restrictExitFraction(fExit, usingMD)
	}

	if nl.estimator.haveConsensusPath != ConsensusPathExit {
		fExit = 1.0
	}

	fPath = fGuard * fMid * fExit

	noExitsNote := ""
	if nl.estimator.haveConsensusPath != ConsensusPathExit {
		noExitsNote = " (no exits in consensus)"
	}
	status = fmt.Sprintf("%d%% of guards bw, %d%% of midpoint bw, and %d%% of exit bw%s = %d%% of path bw",
		int(fGuard*100), int(fMid*100), int(fExit*100), noExitsNote, int(fPath*100))

	return numPresent, numUsable, fPath, status
}

func (nl *NodeList) restrictExitFraction(fExit float64, usingMD bool) float64 {
	var myexits, myexitsUnflagged []*Node
	for _, n := range nl.index.all() {
		if !clientWouldUseRouter(n) || !nl.options.ExitNodes.ContainsIdentity(n.Identity) {
			continue
		}
		myexitsUnflagged = append(myexitsUnflagged, n)
		if n.IsExit {
			myexits = append(myexits, n)
		}
	}

	// Drop nodes we know reject everything from the unflagged bucket.
	filtered := myexitsUnflagged[:0:0]
	for _, n := range myexitsUnflagged {
		if hasDescriptorFor(n, usingMD) && ExitPolicyRejectsAll(n) {
			continue
		}
		filtered = append(filtered, n)
	}

	fMyExit := fracNodesWithDescriptors(nl, myexits, roleExit, usingMD)
	fMyExitUnflagged := fracNodesWithDescriptors(nl, filtered, roleExit, usingMD)

	if len(myexits) == 0 && len(filtered) > 0 {
		fMyExit = fMyExitUnflagged
	}

	if fMyExit < fExit {
		return fMyExit
	}
	return fExit
}

func filterInSet(nodes []*Node, set routerset.RouterSet) []*Node {
	var out []*Node
	for _, n := range nodes {
		if set.ContainsIdentity(n.Identity) {
			out = append(out, n)
		}
	}
	return out
}

// consensusIsMicrodesc reports whether the installed consensus is
// microdesc-flavored: it carries "m" digest lines pointing at a
// microdescriptor rather than relying on full router descriptors alone.
// This repository's Consensus has no explicit flavor field (every
// consensus directory.ParseConsensus produces is microdesc-flavored), but
// the predicate is kept distinct from nl.consensus != nil so a caller that
// populates routerstatuses without microdesc digests (e.g. a client
// running off full descriptors only, or a test fixture) still has its
// presence fraction measured against ri rather than an md that will never
// arrive.
func (nl *NodeList) consensusIsMicrodesc() bool {
	if nl.consensus == nil {
		return false
	}
	for i := range nl.consensus.RouterStatuses {
		if nl.consensus.RouterStatuses[i].MicrodescDigest != "" {
			return true
		}
	}
	return false
}

type position int

const (
	roleGuard position = iota
	roleMid
	roleExit
)

// fracNodesWithDescriptors computes the bandwidth-weighted fraction of
// nodes in the set for which we have a usable descriptor (or
// microdescriptor, under a microdesc consensus), weighted by the
// consensus's position-specific Wxx bandwidth-weight parameters.
func fracNodesWithDescriptors(nl *NodeList, nodes []*Node, role position, usingMD bool) float64 {
	if len(nodes) == 0 {
		return 1.0
	}
	var totalWeighted, presentWeighted float64
	for _, n := range nodes {
		w := float64(weightForRole(nl.consensus.BandwidthWeights, role, n))
		bw := float64(0)
		if n.RS != nil {
			bw = float64(n.RS.Bandwidth)
		}
		weighted := bw * w
		totalWeighted += weighted
		if hasDescriptorFor(n, usingMD) {
			presentWeighted += weighted
		}
	}
	if totalWeighted <= 0 {
		// No bandwidth information at all: fall back to a plain count so a
		// small bootstrap test network with all-zero Bandwidth lines still
		// reports reasonable progress instead of always reading 0%.
		count := 0
		for _, n := range nodes {
			if hasDescriptorFor(n, usingMD) {
				count++
			}
		}
		return float64(count) / float64(len(nodes))
	}
	return presentWeighted / totalWeighted
}

// Role identifies a node's position in a circuit for bandwidth-weight
// lookups, the same three-way split computeFracPathsAvailable uses.
type Role int

const (
	RoleGuard Role = iota
	RoleMid
	RoleExit
)

// BandwidthWeight returns the consensus Wxx parameter applying to n in the
// given circuit position, the same weights HaveMinimumDirInfo's
// fraction-of-paths computation consults.
func (nl *NodeList) BandwidthWeight(n *Node, role Role) int64 {
	var weights map[string]int64
	if nl.consensus != nil {
		weights = nl.consensus.BandwidthWeights
	}
	return weightForRole(weights, position(role), n)
}

func weightForRole(weights map[string]int64, role position, n *Node) int64 {
	get := func(key string, def int64) int64 {
		if v, ok := weights[key]; ok {
			return v
		}
		return def
	}
	switch role {
	case roleGuard:
		if n.IsExit {
			return get("Wgd", 10000)
		}
		return get("Wgg", 10000)
	case roleExit:
		if n.IsPossibleGuard {
			return get("Wed", 10000)
		}
		return get("Wee", 10000)
	default: // roleMid
		switch {
		case n.IsPossibleGuard && n.IsExit:
			return get("Wmd", 10000)
		case n.IsPossibleGuard:
			return get("Wmg", 10000)
		case n.IsExit:
			return get("Wme", 10000)
		default:
			return get("Wmm", 10000)
		}
	}
}
