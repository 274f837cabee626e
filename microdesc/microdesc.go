// Package microdesc parses microdescriptors (the "md" half of the
// nodelist's union-of-sources node record) and provides a refcounted cache
// keyed by the sha256 digest the consensus's "m" lines reference.
package microdesc

import (
	"encoding/base64"
	"net"
	"strconv"
	"strings"

	"github.com/cvsouth/tor-nodelist-go/policy"
)

// Microdescriptor is the parsed content of one microdescriptor ("md").
// HeldByNodes counts the nodes holding this md: the nodelist package
// increments it on attach, Cache.Release decrements it (evicting the entry
// at zero), and Cache.Put carries it over to a same-digest replacement.
type Microdescriptor struct {
	Digest             [32]byte
	OnionKeyCurve25519 [32]byte
	HasNtorKey         bool
	Ed25519Identity    [32]byte
	HasEd25519         bool
	IPv6Address        net.IP
	IPv6ORPort         uint16
	Policy             policy.ShortPolicy
	HasPolicy          bool
	Family             []string

	HeldByNodes int
}

// Parse parses the text of one microdescriptor entry, as split out of a
// batch response by SplitEntries. digest is the sha256 of the exact text
// handed in, computed by the caller so this function stays pure.
func Parse(digest [32]byte, text string) *Microdescriptor {
	md := &Microdescriptor{Digest: digest}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")

		switch {
		case strings.HasPrefix(line, "ntor-onion-key "):
			b64 := strings.TrimSpace(line[len("ntor-onion-key "):])
			key, ok := decodeKey(b64, 32)
			if ok {
				copy(md.OnionKeyCurve25519[:], key)
				md.HasNtorKey = true
			}

		case strings.HasPrefix(line, "id ed25519 "):
			b64 := strings.TrimSpace(line[len("id ed25519 "):])
			key, ok := decodeKey(b64, 32)
			if ok {
				copy(md.Ed25519Identity[:], key)
				md.HasEd25519 = true
			}

		case strings.HasPrefix(line, "a "):
			addr := strings.TrimSpace(line[len("a "):])
			if ip, port, ok := parseBracketedAddr(addr); ok {
				md.IPv6Address = ip
				md.IPv6ORPort = port
			}

		case strings.HasPrefix(line, "p "):
			sp, ok := policy.ParsePolicyLine(line)
			if ok {
				md.Policy = sp
				md.HasPolicy = true
			}

		case strings.HasPrefix(line, "family "):
			md.Family = strings.Fields(line[len("family "):])
		}
	}

	return md
}

func decodeKey(b64 string, wantLen int) ([]byte, bool) {
	key, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(b64, "="))
	if err != nil || len(key) != wantLen {
		return nil, false
	}
	return key, true
}

func parseBracketedAddr(s string) (net.IP, uint16, bool) {
	if !strings.HasPrefix(s, "[") {
		return nil, 0, false
	}
	close := strings.Index(s, "]:")
	if close < 0 {
		return nil, 0, false
	}
	ip := net.ParseIP(s[1:close])
	if ip == nil {
		return nil, 0, false
	}
	port, err := strconv.ParseUint(s[close+2:], 10, 16)
	if err != nil {
		return nil, 0, false
	}
	return ip, uint16(port), true
}

// SplitEntries splits a batch "/tor/micro/d/..." response body into
// individual microdescriptor texts, each starting at an "onion-key" line.
func SplitEntries(body string) []string {
	const marker = "onion-key\n"
	var entries []string
	for {
		idx := strings.Index(body, marker)
		if idx < 0 {
			break
		}
		rest := body[idx+len(marker):]
		nextIdx := strings.Index(rest, marker)
		var entry string
		if nextIdx < 0 {
			entry = body[idx:]
		} else {
			entry = body[idx : idx+len(marker)+nextIdx]
		}
		if strings.TrimSpace(entry) != "" {
			entries = append(entries, entry)
		}
		if nextIdx < 0 {
			break
		}
		body = body[idx+len(marker)+nextIdx:]
	}
	return entries
}
