package nodelist

import (
	"net"
	"testing"

	"github.com/cvsouth/tor-nodelist-go/routerinfo"
)

func idFor(b byte) [20]byte {
	var id [20]byte
	id[0] = b
	return id
}

func riAlpha() *routerinfo.RouterInfo {
	return &routerinfo.RouterInfo{
		Identity: idFor(0xA1),
		Nickname: "Alpha",
		Address:  net.ParseIP("10.0.0.1"),
		ORPort:   9001,
	}
}

func TestSetRouterInfoCreatesNode(t *testing.T) {
	nl := NewNodeList(nil)
	ri := riAlpha()

	n, old := nl.SetRouterInfo(ri)
	if old != nil {
		t.Fatalf("expected no previous ri, got %v", old)
	}
	if got := nl.GetByID(ri.Identity); got != n {
		t.Fatalf("get_by_id did not return the created node")
	}
	if Nickname(n) != "Alpha" {
		t.Fatalf("nickname = %q, want Alpha", Nickname(n))
	}
	ip, port, ok := PrimORPort(n)
	if !ok || !ip.Equal(net.ParseIP("10.0.0.1")) || port != 9001 {
		t.Fatalf("prim_orport = %v:%d,%v, want 10.0.0.1:9001,true", ip, port, ok)
	}
	if _, ok := nl.Ed25519ID(n); ok {
		t.Fatalf("expected no ed25519 id on a bare ri")
	}
}

func TestSetRouterInfoRemoveRouterInfoRoundTrip(t *testing.T) {
	nl := NewNodeList(nil)
	ri := riAlpha()
	nl.SetRouterInfo(ri)
	nl.RemoveRouterInfo(ri)

	if nl.Len() != 0 {
		t.Fatalf("nodelist not empty after set+remove round trip: len = %d", nl.Len())
	}
	if nl.GetByID(ri.Identity) != nil {
		t.Fatalf("node still reachable after removal")
	}
}

func TestAddressChangeResetsReachabilityAndCountry(t *testing.T) {
	nl := NewNodeList(nil)
	ri := riAlpha()
	n, _ := nl.SetRouterInfo(ri)
	n.LastReachable = zeroTime.Add(1)
	n.Country = 7

	moved := &routerinfo.RouterInfo{
		Identity: ri.Identity,
		Nickname: "Alpha",
		Address:  net.ParseIP("10.0.0.2"),
		ORPort:   9001,
	}
	nl.SetRouterInfo(moved)

	if !n.LastReachable.IsZero() {
		t.Fatalf("last_reachable not reset after address change")
	}
	if n.Country != -1 {
		t.Fatalf("country not reset after address change, got %d", n.Country)
	}
}

func TestIdentityIndexInvariantAfterChurn(t *testing.T) {
	nl := NewNodeList(nil)
	for i := byte(1); i <= 5; i++ {
		nl.SetRouterInfo(&routerinfo.RouterInfo{
			Identity: idFor(i),
			Nickname: "node",
			Address:  net.ParseIP("10.0.0.1"),
			ORPort:   9001,
		})
	}
	mid := nl.GetByID(idFor(3))
	nl.RemoveRouterInfo(mid.RI)

	all := nl.GetList()
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	for i, n := range all {
		if n.idx != i {
			t.Fatalf("node %x has idx %d, want %d", n.Identity, n.idx, i)
		}
	}
	if nl.GetByID(idFor(3)) != nil {
		t.Fatalf("removed node still reachable")
	}
}
