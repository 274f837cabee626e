package nodelist

import (
	"log/slog"
	"time"

	"github.com/cvsouth/tor-nodelist-go/directory"
	"github.com/cvsouth/tor-nodelist-go/microdesc"
	"github.com/cvsouth/tor-nodelist-go/routerinfo"
)

// Node is the in-memory unification of a relay's self-published descriptor
// (ri), its current consensus entry (rs), and its microdescriptor (md).
// Every field the accessors and readiness estimator need is either one of
// these three non-owning references or a value cached directly on Node.
type Node struct {
	Identity [20]byte

	RI *routerinfo.RouterInfo
	RS *directory.RouterStatus
	MD *microdesc.Microdescriptor

	idx int // position in the owning NodeList's sequence, -1 when detached

	Country int16 // cached GeoIP country id, -1 means "not yet computed"

	// Cached flags, mirrored from RS when the node is not a directory
	// authority. Cleared to zero values on demotion.
	IsValid         bool
	IsRunning       bool
	IsFast          bool
	IsStable        bool
	IsPossibleGuard bool
	IsExit          bool
	IsBadExit       bool
	IsHSDir         bool
	IPv6Preferred   bool
	RejectsAll      bool

	LastReachable  time.Time
	LastReachable6 time.Time

	// edKeyWarned is the one-shot bit for warnBadEdKey: a malformed
	// Ed25519 identity key is logged once per node, not once per lookup.
	// The analogous ambiguous-nickname one-shot lives on nicknameIndex
	// instead, keyed by nickname rather than by node, since the ambiguity
	// is a property of the name, not of either node that claims it.
	edKeyWarned bool
}

// NodeList is the nodelist: the owning collection of every Node the client
// currently knows about, plus the consensus and bookkeeping needed by the
// reconciler and readiness estimator.
//
// NodeList is single-threaded cooperative, deliberately uncontended: unlike
// circuit.Circuit's rmu/wmu (which protect genuinely concurrent link I/O),
// the directory client drives every nodelist mutation from one loop, so no
// sync.Mutex is carried here.
type NodeList struct {
	index *identityIndex

	consensus *directory.Consensus
	mdCache   *microdesc.Cache

	isV3Authority bool

	estimator Estimator
	options   Options

	names *nicknameIndex

	countryLookup CountryLookup
	guardInfo     GuardInfo
	events        ControllerEvents
	routerList    RouterListSource

	logger *slog.Logger
}

// NewNodeList returns an empty nodelist backed by the given microdescriptor
// cache. mdCache may be nil if the deployment never runs a microdesc
// consensus.
func NewNodeList(mdCache *microdesc.Cache) *NodeList {
	if mdCache == nil {
		mdCache = microdesc.NewCache()
	}
	nl := &NodeList{
		index:   newIdentityIndex(),
		mdCache: mdCache,
		names:   newNicknameIndex(),
		options: defaultOptions(),
		logger:  slog.Default(),
	}
	// Start dirty so the first HaveMinimumDirInfo call computes a status.
	nl.markDirInfoDirty()
	return nl
}

// SetLogger installs the logger used for the nodelist's one-shot warnings
// (ambiguous nicknames, malformed Ed25519 keys). A nil logger is replaced
// with slog.Default().
func (nl *NodeList) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	nl.logger = logger
}

// SetOptions installs the torrc-derived options the readiness estimator and
// family resolver consult. Marks the readiness estimate dirty, since
// EntryNodes/ExitNodes/PathsNeededToBuildCircuits can change the bandwidth
// fractions.
func (nl *NodeList) SetOptions(opts Options) {
	nl.options = opts
	nl.markDirInfoDirty()
}

// SetCountryLookup installs the GeoIP collaborator used to resolve a node's
// country on attach.
func (nl *NodeList) SetCountryLookup(c CountryLookup) {
	nl.countryLookup = c
}

// SetGuardInfo installs the entry-guard collaborator consulted by
// HaveMinimumDirInfo.
func (nl *NodeList) SetGuardInfo(g GuardInfo) {
	nl.guardInfo = g
}

// SetControllerEvents installs the collaborator notified of bootstrap and
// client-status transitions. A nil value (the default) is a valid no-op.
func (nl *NodeList) SetControllerEvents(e ControllerEvents) {
	nl.events = e
}

// SetRouterListSource installs the collaborator the consistency checker
// cross-validates descriptors against.
func (nl *NodeList) SetRouterListSource(r RouterListSource) {
	nl.routerList = r
}

// GetByID returns the node with the given identity digest, or nil.
func (nl *NodeList) GetByID(id [20]byte) *Node {
	return nl.index.get(id)
}

// GetList returns every node currently in the nodelist, in index order.
func (nl *NodeList) GetList() []*Node {
	return nl.index.all()
}

// Len reports how many nodes are currently tracked.
func (nl *NodeList) Len() int {
	return nl.index.len()
}

// Consensus returns the consensus currently installed via SetConsensus, or
// nil if none has been installed yet.
func (nl *NodeList) Consensus() *directory.Consensus {
	return nl.consensus
}

// FreeAll drops every node and detaches every held microdescriptor,
// decrementing their refcounts back to the cache.
func (nl *NodeList) FreeAll() {
	for _, n := range append([]*Node(nil), nl.index.all()...) {
		nl.dropNode(n)
	}
	nl.consensus = nil
}

// dropNode removes a node from the index and, if it still held a
// microdescriptor, releases it back to the cache.
func (nl *NodeList) dropNode(n *Node) {
	if n.MD != nil {
		nl.mdCache.Release(n.MD.Digest)
		n.MD = nil
	}
	nl.names.remove(n)
	nl.index.drop(n)
}
