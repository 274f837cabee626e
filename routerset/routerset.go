// Package routerset implements operator-configured relay sets, as used by
// torrc options like EntryNodes, ExitNodes, and NodeFamily. A set matches
// relays by nickname, by hex-encoded identity digest ($HEX), or by
// nickname@hex ($HEX=nickname / $HEX~nickname, same grammar the nodelist
// package's token lookup understands.
package routerset

import (
	"encoding/hex"
	"strings"
)

// Member is one token of a routerset, as written in torrc.
type Member struct {
	Nickname string  // bare nickname match, case-insensitive, empty if not used
	Identity [20]byte
	HasID    bool
}

// RouterSet is a parsed, matchable set of relays.
type RouterSet struct {
	members []Member
}

// Parse builds a RouterSet from a comma-separated torrc-style list, e.g.
// "Alpha,$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA,$BBBB...=Beta".
func Parse(spec string) RouterSet {
	var rs RouterSet
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		rs.members = append(rs.members, parseMember(tok))
	}
	return rs
}

func parseMember(tok string) Member {
	if !strings.HasPrefix(tok, "$") {
		return Member{Nickname: tok}
	}
	tok = tok[1:]
	var hexPart, nick string
	if eq := strings.IndexAny(tok, "=~"); eq >= 0 {
		hexPart, nick = tok[:eq], tok[eq+1:]
	} else {
		hexPart = tok
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil || len(raw) != 20 {
		return Member{Nickname: tok}
	}
	m := Member{Nickname: nick, HasID: true}
	copy(m.Identity[:], raw)
	return m
}

// ContainsIdentity reports whether the set names the given identity digest.
func (rs RouterSet) ContainsIdentity(id [20]byte) bool {
	for _, m := range rs.members {
		if m.HasID && m.Identity == id {
			return true
		}
	}
	return false
}

// ContainsNickname reports whether the set names the given nickname,
// case-insensitively, by bare-nickname token (not by $hex=nickname — that
// form requires identity confirmation the caller must do separately).
func (rs RouterSet) ContainsNickname(nickname string) bool {
	for _, m := range rs.members {
		if !m.HasID && m.Nickname != "" && strings.EqualFold(m.Nickname, nickname) {
			return true
		}
	}
	return false
}

// Empty reports whether the set has no members.
func (rs RouterSet) Empty() bool {
	return len(rs.members) == 0
}
