// Package policy provides the minimal exit-policy representations the
// nodelist accessors need: whether a descriptor's policy rejects everything,
// and the short per-port accept/reject list carried by microdescriptors.
//
// Full policy evaluation (longest-prefix address matching, port ranges
// against arbitrary destinations) is out of scope here; this package only
// implements the "is it effectively a no-exit policy" question and a
// coarse per-port verdict, matching what policies.c exposes to nodelist.c.
package policy

import (
	"strconv"
	"strings"
)

// Verdict mirrors Tor's addr_policy_result_t, restricted to the port-only
// checks the short policy supports.
type Verdict int

const (
	Accepted Verdict = iota
	Rejected
	ProbablyAccepted
	ProbablyRejected
)

// Policy is a long-form exit policy as carried by a router descriptor: an
// ordered list of accept/reject rules over ports. Address matching is not
// implemented (out of scope); only "rejects everything" is exact.
type Policy struct {
	Rules        []Rule
	RejectStar   bool // "reject *:*" with nothing before it, or no rules at all
}

// Rule is one accept/reject line of a long-form policy, port range only.
type Rule struct {
	Accept   bool
	PortLow  int
	PortHigh int
}

// ShortPolicy is the compact per-port accept list microdescriptors carry
// ("accept 80,443" or "reject 25,119,135-139,445,...").
type ShortPolicy struct {
	Accept bool // true = accept list, false = reject list
	Ports  []PortRange
}

type PortRange struct {
	Low, High int
}

// ParsePolicyLine parses one "p " line from a router descriptor, e.g.
// "p accept 80,443" or "p reject 1-65535".
func ParsePolicyLine(line string) (ShortPolicy, bool) {
	line = strings.TrimPrefix(line, "p ")
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return ShortPolicy{}, false
	}
	sp := ShortPolicy{Accept: fields[0] == "accept"}
	if !sp.Accept && fields[0] != "reject" {
		return ShortPolicy{}, false
	}
	for _, portSpec := range strings.Split(fields[1], ",") {
		pr, ok := parsePortRange(portSpec)
		if !ok {
			continue
		}
		sp.Ports = append(sp.Ports, pr)
	}
	return sp, true
}

func parsePortRange(spec string) (PortRange, bool) {
	if dash := strings.IndexByte(spec, '-'); dash >= 0 {
		lo, err1 := strconv.Atoi(spec[:dash])
		hi, err2 := strconv.Atoi(spec[dash+1:])
		if err1 != nil || err2 != nil {
			return PortRange{}, false
		}
		return PortRange{Low: lo, High: hi}, true
	}
	p, err := strconv.Atoi(spec)
	if err != nil {
		return PortRange{}, false
	}
	return PortRange{Low: p, High: p}, true
}

// IsRejectStar returns true iff the long-form policy rejects everything:
// no rules, or the first rule is "reject *:*" covering the full port range.
func IsRejectStar(p Policy) bool {
	if p.RejectStar {
		return true
	}
	if len(p.Rules) == 0 {
		return true
	}
	r := p.Rules[0]
	return !r.Accept && r.PortLow == 1 && r.PortHigh == 65535
}

// ShortPolicyIsRejectStar returns true iff a short policy rejects
// everything: an empty accept list, or a reject list covering 1-65535.
func ShortPolicyIsRejectStar(p ShortPolicy) bool {
	if p.Accept {
		return len(p.Ports) == 0
	}
	for _, pr := range p.Ports {
		if pr.Low <= 1 && pr.High >= 65535 {
			return true
		}
	}
	return false
}

// CompareAddrToPolicy evaluates a short policy for the given port. Address
// matching is not implemented, so this is "probably" rather than exact —
// matching policies.c's treatment of incomplete information.
func CompareAddrToPolicy(port int, p ShortPolicy) Verdict {
	for _, pr := range p.Ports {
		if port >= pr.Low && port <= pr.High {
			if p.Accept {
				return ProbablyAccepted
			}
			return ProbablyRejected
		}
	}
	if p.Accept {
		return ProbablyRejected
	}
	return ProbablyAccepted
}
