package nodelist

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/cvsouth/tor-nodelist-go/directory"
	"github.com/cvsouth/tor-nodelist-go/routerinfo"
)

func namedConsensus(nick string, id [20]byte, named bool) *directory.Consensus {
	flags := directory.RelayFlags{Running: true, Valid: true}
	if named {
		flags.Named = true
	} else {
		flags.Unnamed = true
	}
	return consensusWith(directory.RouterStatus{
		Nickname: nick,
		Identity: id,
		Address:  "10.0.0.9",
		ORPort:   9001,
		Flags:    flags,
	})
}

func TestVerboseNicknameNamedVsUnnamed(t *testing.T) {
	nl := NewNodeList(nil)
	id := idFor(0xF1)
	nl.SetConsensus(namedConsensus("Zeta", id, true))
	n := nl.GetByID(id)

	got := VerboseNickname(nl, n)
	want := "$" + hexUpper(id) + "=Zeta"
	if got != want {
		t.Fatalf("verbose nickname = %q, want %q", got, want)
	}

	nl2 := NewNodeList(nil)
	nl2.SetConsensus(namedConsensus("Zeta", id, false))
	n2 := nl2.GetByID(id)
	got2 := VerboseNickname(nl2, n2)
	want2 := "$" + hexUpper(id) + "~Zeta"
	if got2 != want2 {
		t.Fatalf("verbose nickname = %q, want %q", got2, want2)
	}
}

func hexUpper(id [20]byte) string {
	const hexDigits = "0123456789ABCDEF"
	b := make([]byte, 40)
	for i, c := range id {
		b[i*2] = hexDigits[c>>4]
		b[i*2+1] = hexDigits[c&0xf]
	}
	return string(b)
}

func TestGetByHexIDRoundTripsVerboseNickname(t *testing.T) {
	nl := NewNodeList(nil)
	id := idFor(0xF2)
	nl.SetConsensus(namedConsensus("Eta", id, true))
	n := nl.GetByID(id)

	token := VerboseNickname(nl, n)
	got := nl.GetByHexID(token)
	if got != n {
		t.Fatalf("get_by_hex_id(%q) did not round trip to the original node", token)
	}
}

func TestGetByNicknameBareNameLookup(t *testing.T) {
	nl := NewNodeList(nil)
	id := idFor(0xF3)
	nl.SetConsensus(namedConsensus("Theta", id, true))

	got := nl.GetByNickname("theta", true)
	if got == nil || got.Identity != id {
		t.Fatalf("case-insensitive bare nickname lookup failed")
	}
}

func TestGetByNicknameUnnamedBareNameFails(t *testing.T) {
	nl := NewNodeList(nil)
	id := idFor(0xF4)
	nl.SetConsensus(namedConsensus("Iota", id, false))

	if got := nl.GetByNickname("Iota", true); got != nil {
		t.Fatalf("bare lookup of an Unnamed nickname should fail, got %v", got)
	}
	// The tilde form only requires the node's own nickname to match.
	token := "$" + hexUpper(id) + "~Iota"
	if got := nl.GetByHexID(token); got == nil {
		t.Fatalf("tilde-form lookup of an Unnamed nickname should still succeed")
	}
}

func TestExitPolicyRejectsAllDefaultsTrueWithNoInformation(t *testing.T) {
	nl := NewNodeList(nil)
	id := idFor(0xF5)
	nl.SetConsensus(consensusWith(directory.RouterStatus{
		Nickname: "Kappa",
		Identity: id,
		Address:  "10.0.0.10",
		ORPort:   9001,
	}))
	n := nl.GetByID(id)

	if !ExitPolicyRejectsAll(n) {
		t.Fatal("a node with no policy information at all must default to rejecting everything")
	}
}

func TestWarnBadEdKeyLogsOncePerNode(t *testing.T) {
	var buf bytes.Buffer
	nl := NewNodeList(nil)
	nl.SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	id := idFor(0xF7)
	nl.SetConsensus(consensusWith(directory.RouterStatus{
		Nickname: "Mu",
		Identity: id,
		Address:  "10.0.0.12",
		ORPort:   9001,
	}))
	n := nl.GetByID(id)

	var badKey [32]byte
	for i := range badKey {
		badKey[i] = 0xFF // non-canonical: exceeds the field prime, not a valid point
	}
	n.RI = &routerinfo.RouterInfo{SigningKeyCert: &routerinfo.Ed25519Cert{SigningKey: badKey}}

	for i := 0; i < 3; i++ {
		if _, ok := nl.Ed25519ID(n); ok {
			t.Fatal("malformed ed25519 key reported as present")
		}
	}

	if got := strings.Count(buf.String(), "malformed ed25519 identity key"); got != 1 {
		t.Fatalf("warning logged %d times across 3 calls, want exactly 1", got)
	}
}

func TestHasDescriptorRequiresRIOrRSPlusMD(t *testing.T) {
	nl := NewNodeList(nil)
	id := idFor(0xF6)
	nl.SetConsensus(consensusWith(directory.RouterStatus{
		Nickname: "Lambda",
		Identity: id,
		Address:  "10.0.0.11",
		ORPort:   9001,
	}))
	n := nl.GetByID(id)
	if HasDescriptor(n) {
		t.Fatal("rs without ri or md should not count as having a descriptor")
	}
}
