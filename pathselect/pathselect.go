package pathselect

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/cvsouth/tor-nodelist-go/nodelist"
)

// Path represents a selected guard → middle → exit path, each hop a node
// drawn from the nodelist rather than a raw consensus routerstatus.
type Path struct {
	Guard  *nodelist.Node
	Middle *nodelist.Node
	Exit   *nodelist.Node
}

// SelectPath selects a 3-hop path from the nodelist.
func SelectPath(nl *nodelist.NodeList) (*Path, error) {
	exit, err := SelectExit(nl)
	if err != nil {
		return nil, fmt.Errorf("select exit: %w", err)
	}

	guard, err := SelectGuard(nl, exit)
	if err != nil {
		return nil, fmt.Errorf("select guard: %w", err)
	}

	middle, err := SelectMiddle(nl, guard, exit)
	if err != nil {
		return nil, fmt.Errorf("select middle: %w", err)
	}

	return &Path{Guard: guard, Middle: middle, Exit: exit}, nil
}

// SelectExit selects an exit relay with the Exit flag and no BadExit. Every
// selection flow calls this first, so it also carries the readiness gate:
// weighting candidates against an under-described nodelist produces
// meaningless fractions, the same reason bootstrap withholds ENOUGH_DIR_INFO
// until HaveMinimumDirInfo is true.
func SelectExit(nl *nodelist.NodeList) (*nodelist.Node, error) {
	if !nl.HaveMinimumDirInfo() {
		return nil, fmt.Errorf("not enough directory information to select a path: %s", nl.DirInfoStatusString())
	}

	var candidates []*nodelist.Node
	var weights []int64

	for _, n := range nl.GetList() {
		if !n.IsExit || n.IsBadExit || !n.IsRunning || !n.IsValid || !nodelist.HasCurve25519OnionKey(n) {
			continue
		}
		candidates = append(candidates, n)
		weights = append(weights, nodelist.Bandwidth(n)*nl.BandwidthWeight(n, nodelist.RoleExit)/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable exit relays found")
	}
	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// SelectGuard selects a guard relay with Guard+Fast+Running flags, excluding
// the exit and anything the family resolver considers family with it.
func SelectGuard(nl *nodelist.NodeList, exit *nodelist.Node) (*nodelist.Node, error) {
	var candidates []*nodelist.Node
	var weights []int64

	for _, n := range nl.GetList() {
		if !n.IsPossibleGuard || !n.IsFast || !n.IsRunning || !n.IsValid || !nodelist.HasCurve25519OnionKey(n) {
			continue
		}
		if n.Identity == exit.Identity || nl.NodesInSameFamily(n, exit) {
			continue
		}
		candidates = append(candidates, n)
		weights = append(weights, nodelist.Bandwidth(n)*nl.BandwidthWeight(n, nodelist.RoleGuard)/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable guard relays found")
	}
	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// SelectMiddle selects a middle relay with Fast+Running flags, excluding the
// guard, the exit, and anything family with either.
func SelectMiddle(nl *nodelist.NodeList, guard, exit *nodelist.Node) (*nodelist.Node, error) {
	var candidates []*nodelist.Node
	var weights []int64

	for _, n := range nl.GetList() {
		if !n.IsFast || !n.IsRunning || !n.IsValid || !nodelist.HasCurve25519OnionKey(n) {
			continue
		}
		if n.Identity == guard.Identity || n.Identity == exit.Identity {
			continue
		}
		if nl.NodesInSameFamily(n, guard) || nl.NodesInSameFamily(n, exit) {
			continue
		}
		candidates = append(candidates, n)
		weights = append(weights, nodelist.Bandwidth(n)*nl.BandwidthWeight(n, nodelist.RoleMid)/10000)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no suitable middle relays found")
	}
	idx, err := weightedRandom(weights)
	if err != nil {
		return nil, err
	}
	return candidates[idx], nil
}

// weightedRandom selects an index proportional to the given weights using crypto/rand.
func weightedRandom(weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("empty weights")
	}

	var total int64
	for _, w := range weights {
		if w < 0 {
			w = 0
		}
		total += w
	}

	if total <= 0 {
		// All zero weights — uniform random (unbiased)
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(weights))))
		if err != nil {
			return 0, fmt.Errorf("crypto/rand: %w", err)
		}
		return int(n.Int64()), nil
	}

	// Generate random value in [0, total) without modulo bias
	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	r := n.Int64()

	var cumulative int64
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		cumulative += w
		if r < cumulative {
			return i, nil
		}
	}

	return len(weights) - 1, nil
}
