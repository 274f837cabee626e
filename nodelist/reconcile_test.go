package nodelist

import (
	"net"
	"testing"

	"github.com/cvsouth/tor-nodelist-go/directory"
	"github.com/cvsouth/tor-nodelist-go/microdesc"
	"github.com/cvsouth/tor-nodelist-go/routerinfo"
)

func consensusWith(rs ...directory.RouterStatus) *directory.Consensus {
	return &directory.Consensus{
		RouterStatuses:   rs,
		BandwidthWeights: make(map[string]int64),
		Params:           make(map[string]int64),
	}
}

func TestConsensusAttachMirrorsFlags(t *testing.T) {
	nl := NewNodeList(nil)
	ri := riAlpha()
	nl.SetRouterInfo(ri)

	ns := consensusWith(directory.RouterStatus{
		Nickname: "Alpha",
		Identity: ri.Identity,
		Address:  "10.0.0.1",
		ORPort:   9001,
		Flags:    directory.RelayFlags{Running: true, Fast: true, Exit: true, Valid: true},
	})
	nl.SetConsensus(ns)

	n := nl.GetByID(ri.Identity)
	if n == nil {
		t.Fatal("node dropped after consensus install")
	}
	if !n.IsRunning || !n.IsFast || !n.IsExit {
		t.Fatalf("flags not mirrored: running=%v fast=%v exit=%v", n.IsRunning, n.IsFast, n.IsExit)
	}
	if n.RS == nil {
		t.Fatal("rs not attached")
	}
	if n.RI != ri {
		t.Fatal("ri detached by consensus install")
	}
}

func microdescDigestB64(md *microdesc.Microdescriptor) string {
	return base64RawStd(md.Digest[:])
}

func TestMicrodescFlavorAttachAndReplace(t *testing.T) {
	cache := microdesc.NewCache()
	nl := NewNodeList(cache)

	idB := idFor(0xB2)
	mdD1 := &microdesc.Microdescriptor{Digest: [32]byte{1}, HasNtorKey: true}
	cache.Put(mdD1)

	ns1 := consensusWith(directory.RouterStatus{
		Nickname:        "Beta",
		Identity:        idB,
		Address:         "10.0.0.2",
		ORPort:          9001,
		MicrodescDigest: microdescDigestB64(mdD1),
	})
	nl.SetConsensus(ns1)

	n := nl.GetByID(idB)
	if n == nil || n.MD != mdD1 {
		t.Fatalf("md D1 not attached to B")
	}
	if mdD1.HeldByNodes != 1 {
		t.Fatalf("held_by_nodes = %d, want 1", mdD1.HeldByNodes)
	}

	mdD2 := &microdesc.Microdescriptor{Digest: [32]byte{2}, HasNtorKey: true}
	cache.Put(mdD2)
	ns2 := consensusWith(directory.RouterStatus{
		Nickname:        "Beta",
		Identity:        idB,
		Address:         "10.0.0.2",
		ORPort:          9001,
		MicrodescDigest: microdescDigestB64(mdD2),
	})
	nl.SetConsensus(ns2)

	if mdD1.HeldByNodes != 0 {
		t.Fatalf("D1 held_by_nodes after replace = %d, want 0", mdD1.HeldByNodes)
	}
	if n.MD != mdD2 || mdD2.HeldByNodes != 1 {
		t.Fatalf("D2 not attached after replace: md=%v held=%d", n.MD, mdD2.HeldByNodes)
	}
}

func TestPurgeOnDemotion(t *testing.T) {
	cache := microdesc.NewCache()
	nl := NewNodeList(cache)

	idC := idFor(0xC3)
	md := &microdesc.Microdescriptor{Digest: [32]byte{9}, HasNtorKey: true}
	cache.Put(md)

	ns1 := consensusWith(directory.RouterStatus{
		Nickname:        "Gamma",
		Identity:        idC,
		Address:         "10.0.0.3",
		ORPort:          9001,
		MicrodescDigest: microdescDigestB64(md),
	})
	nl.SetConsensus(ns1)
	if nl.GetByID(idC) == nil {
		t.Fatal("node not created on first consensus")
	}

	ns2 := consensusWith() // empty: C no longer listed
	nl.SetConsensus(ns2)

	if nl.GetByID(idC) != nil {
		t.Fatal("demoted node not purged")
	}
	if md.HeldByNodes != 0 {
		t.Fatalf("md held_by_nodes after purge = %d, want 0", md.HeldByNodes)
	}
}

func TestAddMicrodescAndRemoveMicrodesc(t *testing.T) {
	cache := microdesc.NewCache()
	nl := NewNodeList(cache)
	idD := idFor(0xD4)

	ns := consensusWith(directory.RouterStatus{
		Nickname:        "Delta",
		Identity:        idD,
		Address:         "10.0.0.4",
		ORPort:          9001,
		MicrodescDigest: "",
	})
	nl.SetConsensus(ns)

	md := &microdesc.Microdescriptor{Digest: [32]byte{7}, HasNtorKey: true}
	ns.RouterStatuses[0].MicrodescDigest = base64RawStd(md.Digest[:])
	n := nl.AddMicrodesc(md)
	if n == nil || n.MD != md {
		t.Fatalf("add_microdesc did not attach md to D")
	}
	if md.HeldByNodes != 1 {
		t.Fatalf("held_by_nodes = %d, want 1", md.HeldByNodes)
	}

	nl.RemoveMicrodesc(idD, md)
	if n.MD != nil {
		t.Fatal("md still attached after remove_microdesc")
	}
	if md.HeldByNodes != 0 {
		t.Fatalf("held_by_nodes after remove = %d, want 0", md.HeldByNodes)
	}
}

func TestSetConsensusPreservesNonAuthorityRINode(t *testing.T) {
	nl := NewNodeList(nil)
	ri := &routerinfo.RouterInfo{
		Identity: idFor(0xE5),
		Nickname: "Epsilon",
		Address:  net.ParseIP("10.0.0.5"),
		ORPort:   9001,
		Purpose:  "general",
	}
	nl.SetRouterInfo(ri)
	nl.SetConsensus(consensusWith())

	n := nl.GetByID(ri.Identity)
	if n == nil {
		t.Fatal("ri-only node dropped by consensus with no matching rs")
	}
	if n.IsRunning {
		t.Fatal("flags not cleared on an rs-less general-purpose node")
	}
}
