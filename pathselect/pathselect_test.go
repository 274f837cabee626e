package pathselect

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cvsouth/tor-nodelist-go/directory"
	"github.com/cvsouth/tor-nodelist-go/microdesc"
	"github.com/cvsouth/tor-nodelist-go/nodelist"
)

// testNodeList builds a nodelist over five relays — a guard+exit, a
// guard-only, a middle-only, an exit-only, and a bad-exit — each carrying a
// microdescriptor so HasCurve25519OnionKey and the bandwidth-weighted
// readiness estimator both see them as fully described.
func testNodeList(t *testing.T) *nodelist.NodeList {
	t.Helper()

	c := &directory.Consensus{
		BandwidthWeights: map[string]int64{
			"Wgg": 5869, "Wgd": 5869, "Wgm": 5869,
			"Wmg": 4131, "Wmm": 10000, "Wme": 10000, "Wmd": 4131,
			"Wee": 10000, "Web": 10000, "Wed": 10000, "Wem": 10000,
		},
		Params:     map[string]int64{"min_paths_for_circs_pct": 60},
		ValidAfter: time.Now(),
	}

	mdCache := microdesc.NewCache()
	addMD := func(rs *directory.RouterStatus, digestByte byte) {
		var digest [32]byte
		digest[0] = digestByte
		rs.MicrodescDigest = base64.RawStdEncoding.EncodeToString(digest[:])
		mdCache.Put(&microdesc.Microdescriptor{Digest: digest, HasNtorKey: true})
	}

	r1 := directory.RouterStatus{Nickname: "GuardExit1", Address: "1.2.3.4", ORPort: 9001, Bandwidth: 5000}
	r1.Identity = [20]byte{1}
	r1.Flags.Guard, r1.Flags.Exit, r1.Flags.Fast, r1.Flags.Running, r1.Flags.Valid = true, true, true, true, true
	addMD(&r1, 1)

	r2 := directory.RouterStatus{Nickname: "Guard2", Address: "5.6.7.8", ORPort: 443, Bandwidth: 3000}
	r2.Identity = [20]byte{2}
	r2.Flags.Guard, r2.Flags.Fast, r2.Flags.Running, r2.Flags.Valid = true, true, true, true
	addMD(&r2, 2)

	r3 := directory.RouterStatus{Nickname: "Middle3", Address: "10.20.30.40", ORPort: 9001, Bandwidth: 2000}
	r3.Identity = [20]byte{3}
	r3.Flags.Fast, r3.Flags.Running, r3.Flags.Valid = true, true, true
	addMD(&r3, 3)

	r4 := directory.RouterStatus{Nickname: "Exit4", Address: "20.30.40.50", ORPort: 443, Bandwidth: 4000}
	r4.Identity = [20]byte{4}
	r4.Flags.Exit, r4.Flags.Fast, r4.Flags.Running, r4.Flags.Valid = true, true, true, true
	addMD(&r4, 4)

	r5 := directory.RouterStatus{Nickname: "BadExit5", Address: "30.40.50.60", ORPort: 9001, Bandwidth: 10000}
	r5.Identity = [20]byte{5}
	r5.Flags.Exit, r5.Flags.BadExit, r5.Flags.Fast, r5.Flags.Running, r5.Flags.Valid = true, true, true, true, true
	addMD(&r5, 5)

	c.RouterStatuses = []directory.RouterStatus{r1, r2, r3, r4, r5}

	nl := nodelist.NewNodeList(mdCache)
	nl.SetOptions(nodelist.Options{PathsNeededToBuildCircuits: -1, EnforceDistinctSubnets: true})
	nl.SetConsensus(c)
	return nl
}

func byID(nl *nodelist.NodeList, b byte) *nodelist.Node {
	return nl.GetByID([20]byte{b})
}

func TestSelectExit(t *testing.T) {
	nl := testNodeList(t)

	for i := 0; i < 100; i++ {
		exit, err := SelectExit(nl)
		if err != nil {
			t.Fatalf("SelectExit: %v", err)
		}
		if exit.IsBadExit {
			t.Fatal("selected BadExit relay")
		}
		if !exit.IsExit {
			t.Fatal("selected non-Exit relay")
		}
	}
}

func TestSelectExitGatedOnMinimumDirInfo(t *testing.T) {
	nl := testNodeList(t)
	nl.SetOptions(nodelist.Options{PathsNeededToBuildCircuits: -1, DelayDirectoryFetches: true, DelayReason: "test delay"})

	if _, err := SelectExit(nl); err == nil {
		t.Fatal("expected SelectExit to refuse when HaveMinimumDirInfo is false")
	}
}

func TestSelectGuard(t *testing.T) {
	nl := testNodeList(t)
	exit := byID(nl, 4) // Exit4

	for i := 0; i < 100; i++ {
		guard, err := SelectGuard(nl, exit)
		if err != nil {
			t.Fatalf("SelectGuard: %v", err)
		}
		if !guard.IsPossibleGuard {
			t.Fatal("selected non-Guard relay")
		}
		if guard.Identity == exit.Identity {
			t.Fatal("guard is same as exit")
		}
	}
}

func TestSelectMiddle(t *testing.T) {
	nl := testNodeList(t)
	guard := byID(nl, 2) // Guard2
	exit := byID(nl, 4)  // Exit4

	for i := 0; i < 100; i++ {
		middle, err := SelectMiddle(nl, guard, exit)
		if err != nil {
			t.Fatalf("SelectMiddle: %v", err)
		}
		if middle.Identity == guard.Identity {
			t.Fatal("middle is same as guard")
		}
		if middle.Identity == exit.Identity {
			t.Fatal("middle is same as exit")
		}
	}
}

func TestSelectPath(t *testing.T) {
	nl := testNodeList(t)

	for i := 0; i < 50; i++ {
		path, err := SelectPath(nl)
		if err != nil {
			t.Fatalf("SelectPath: %v", err)
		}
		if path.Guard.Identity == path.Middle.Identity {
			t.Fatal("guard == middle")
		}
		if path.Guard.Identity == path.Exit.Identity {
			t.Fatal("guard == exit")
		}
		if path.Middle.Identity == path.Exit.Identity {
			t.Fatal("middle == exit")
		}
		if !path.Exit.IsExit {
			t.Fatal("exit not Exit")
		}
		if !path.Guard.IsPossibleGuard {
			t.Fatal("guard not Guard")
		}
	}
}

func TestWeightedRandom(t *testing.T) {
	// With very skewed weights, the heavy one should be selected most of the time
	weights := []int64{1, 1000000}
	counts := [2]int{}
	for i := 0; i < 1000; i++ {
		idx, err := weightedRandom(weights)
		if err != nil {
			t.Fatal(err)
		}
		counts[idx]++
	}
	// Heavy weight should be selected >95% of the time
	if counts[1] < 950 {
		t.Fatalf("heavy weight selected %d/1000 times, expected >950", counts[1])
	}
}
