package nodelist

import (
	"fmt"
	"strings"
)

// NodesInSameFamily reports whether n1 and n2 are family by address
// proximity, mutual declared family, or a shared operator-configured
// family set.
func (nl *NodeList) NodesInSameFamily(n1, n2 *Node) bool {
	if nl.options.EnforceDistinctSubnets && addrProximate(n1, n2) {
		return true
	}
	if mutualFamily(nl, n1, n2) {
		return true
	}
	for _, set := range nl.options.NodeFamilySets {
		if set.ContainsIdentity(n1.Identity) && set.ContainsIdentity(n2.Identity) {
			return true
		}
	}
	return false
}

func addrProximate(n1, n2 *Node) bool {
	ip1, ok1 := primIPv4Bytes(n1)
	ip2, ok2 := primIPv4Bytes(n2)
	if !ok1 || !ok2 {
		return false
	}
	return ip1[0] == ip2[0] && ip1[1] == ip2[1]
}

func primIPv4Bytes(n *Node) ([4]byte, bool) {
	ip, _, ok := PrimORPort(n)
	if !ok {
		return [4]byte{}, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return [4]byte{}, false
	}
	return [4]byte{v4[0], v4[1], v4[2], v4[3]}, true
}

// mutualFamily reports whether each node's declared family lists a token
// matching the other, by $hex identity prefix or by Named nickname.
func mutualFamily(nl *NodeList, n1, n2 *Node) bool {
	return familyListsNode(nl, n1, n2) && familyListsNode(nl, n2, n1)
}

func familyListsNode(nl *NodeList, declarer, target *Node) bool {
	hexID := fmt.Sprintf("%X", target.Identity[:])
	for _, tok := range DeclaredFamily(declarer) {
		tok = strings.TrimPrefix(tok, "$")
		if strings.EqualFold(tok, hexID) {
			return true
		}
		if nick := Nickname(target); nick != "" && nl.IsNamed(target) && strings.EqualFold(tok, nick) {
			return true
		}
	}
	return false
}

// AddNodeAndFamily appends node, then every node in the same family by
// address proximity, then every node reachable via mutual declared family,
// then every node sharing an operator family set with it. Duplicates are
// permitted; callers that need a set should deduplicate.
func (nl *NodeList) AddNodeAndFamily(sink *[]*Node, node *Node) {
	*sink = append(*sink, node)

	if nl.options.EnforceDistinctSubnets {
		for _, n := range nl.index.all() {
			if n != node && addrProximate(node, n) {
				*sink = append(*sink, n)
			}
		}
	}

	for _, n := range nl.index.all() {
		if n != node && mutualFamily(nl, node, n) {
			*sink = append(*sink, n)
		}
	}

	for _, set := range nl.options.NodeFamilySets {
		if !set.ContainsIdentity(node.Identity) {
			continue
		}
		for _, n := range nl.index.all() {
			if n != node && set.ContainsIdentity(n.Identity) {
				*sink = append(*sink, n)
			}
		}
	}
}
