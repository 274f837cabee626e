package nodelist

import (
	"fmt"

	"github.com/cvsouth/tor-nodelist-go/directory"
	"github.com/cvsouth/tor-nodelist-go/microdesc"
	"github.com/cvsouth/tor-nodelist-go/routerinfo"
)

// AssertOK cross-checks the nodelist's internal bookkeeping against the
// router list and consensus it was built from. Intended for debug/test
// builds; callers that want C-assert-like behavior should panic on a
// non-nil result, tests should t.Fatal on one.
func (nl *NodeList) AssertOK(routers []*routerinfo.RouterInfo, ns *directory.Consensus, mdCache *microdesc.Cache) error {
	if err := nl.checkSequenceConsistency(); err != nil {
		return err
	}
	if err := nl.checkRouterListConsistency(routers); err != nil {
		return err
	}
	if err := nl.checkConsensusConsistency(ns); err != nil {
		return err
	}
	if err := nl.checkMicrodescConsistency(mdCache); err != nil {
		return err
	}
	return nil
}

func (nl *NodeList) checkSequenceConsistency() error {
	all := nl.index.seq
	if len(all) != nl.index.len() {
		return fmt.Errorf("nodelist: sequence length %d does not match index size %d", len(all), nl.index.len())
	}
	for i, n := range all {
		if n.idx != i {
			return fmt.Errorf("nodelist: node %x has idx %d, expected %d", n.Identity, n.idx, i)
		}
		if got := nl.index.byID[n.Identity]; got != n {
			return fmt.Errorf("nodelist: node %x not reachable from identity index", n.Identity)
		}
		if n.RI == nil && n.RS == nil {
			return fmt.Errorf("nodelist: node %x has neither ri nor rs", n.Identity)
		}
	}
	return nil
}

func (nl *NodeList) checkRouterListConsistency(routers []*routerinfo.RouterInfo) error {
	seen := make(map[[20]byte]bool, len(routers))
	for _, ri := range routers {
		seen[ri.Identity] = true
		n := nl.index.get(ri.Identity)
		if n == nil || n.RI != ri {
			return fmt.Errorf("nodelist: router list entry %x not referenced by its node", ri.Identity)
		}
	}
	for _, n := range nl.index.all() {
		if n.RI != nil && !seen[n.Identity] {
			return fmt.Errorf("nodelist: node %x references a ri not in the router list", n.Identity)
		}
	}
	return nil
}

func (nl *NodeList) checkConsensusConsistency(ns *directory.Consensus) error {
	if ns == nil {
		return nil
	}
	byID := make(map[[20]byte]*directory.RouterStatus, len(ns.RouterStatuses))
	for i := range ns.RouterStatuses {
		byID[ns.RouterStatuses[i].Identity] = &ns.RouterStatuses[i]
	}
	for _, n := range nl.index.all() {
		if n.RS == nil {
			continue
		}
		rs, ok := byID[n.Identity]
		if !ok || n.RS != rs {
			return fmt.Errorf("nodelist: node %x's rs is not in the installed consensus", n.Identity)
		}
	}
	return nil
}

func (nl *NodeList) checkMicrodescConsistency(mdCache *microdesc.Cache) error {
	counts := make(map[[32]byte]int)
	for _, n := range nl.index.all() {
		if n.MD == nil {
			continue
		}
		counts[n.MD.Digest]++

		if n.RS != nil && n.RS.MicrodescDigest != "" {
			want, ok := decodeDigest32(n.RS.MicrodescDigest)
			if ok && want != n.MD.Digest {
				return fmt.Errorf("nodelist: node %x has md digest mismatched against its rs", n.Identity)
			}
		}
	}
	if mdCache == nil {
		return nil
	}
	for digest, count := range counts {
		md := mdCache.Get(digest)
		if md == nil {
			return fmt.Errorf("nodelist: md %x referenced by a node is absent from the cache", digest)
		}
		if md.HeldByNodes != count {
			return fmt.Errorf("nodelist: md %x held_by_nodes is %d, expected %d", digest, md.HeldByNodes, count)
		}
	}
	return nil
}
