// Package routerinfo parses full router descriptors (the "ri" half of the
// nodelist's union-of-sources node record) and exposes the fields the
// nodelist, accessors, and family resolver need.
package routerinfo

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cvsouth/tor-nodelist-go/policy"
)

// Ed25519Cert is the parsed identity-ed25519 certificate carried by a
// descriptor: the relay's Ed25519 signing key, certified by its master
// identity key. Signature verification is out of scope; the nodelist only
// needs the carried key.
type Ed25519Cert struct {
	SigningKey [32]byte
}

// RouterInfo is the parsed content of one router descriptor ("ri").
type RouterInfo struct {
	Identity   [20]byte // SHA-1 of the RSA identity key, from the fingerprint line
	Nickname   string
	Address    net.IP
	ORPort     uint16
	DirPort    uint16
	IPv6Address net.IP
	IPv6ORPort  uint16

	DeclaredFamily []string // nickname or $hex tokens from the family line

	Policy policy.Policy

	Platform     string
	Uptime       int64
	ProtocolList string

	SigningKeyCert     *Ed25519Cert
	OnionKeyCurve25519 [32]byte
	HasNtorKey         bool

	Purpose             string
	AllowSingleHopExits bool

	SupportsTunnelledDirRequests bool

	DescriptorDigest [20]byte
}

// maxDescriptorBody caps a single fetched descriptor to guard against an
// abusive or compromised directory server.
const maxDescriptorBody = 1 << 20

// Fetch retrieves and parses a relay's server descriptor from a directory
// server by fingerprint (hex, no separators). The descriptor's
// router-signature is not verified here; signature checking belongs to the
// caller once it has the authority's signing key.
func Fetch(dirAddr, fingerprint string) (*RouterInfo, error) {
	url := fmt.Sprintf("http://%s/tor/server/fp/%s", dirAddr, fingerprint)
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true, // Tor directory servers mishandle Accept-Encoding
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch router descriptor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("fetch router descriptor: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorBody))
	if err != nil {
		return nil, fmt.Errorf("read router descriptor body: %w", err)
	}

	return Parse(string(body))
}

// Parse parses the text of one router descriptor. Digest computation
// (DescriptorDigest) is left to the caller, who has the exact byte range
// signed by the descriptor and can sha1 it once, rather than this parser
// re-deriving line boundaries.
func Parse(text string) (*RouterInfo, error) {
	ri := &RouterInfo{}
	var hasRouter, hasFingerprint bool
	var policyRules []policy.Rule

	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")

		switch {
		case strings.HasPrefix(line, "router "):
			parts := strings.Fields(line)
			if len(parts) < 6 {
				return nil, fmt.Errorf("malformed router line: %s", line)
			}
			ri.Nickname = parts[1]
			ip := net.ParseIP(parts[2])
			if ip == nil {
				return nil, fmt.Errorf("malformed router address: %s", parts[2])
			}
			ri.Address = ip
			orPort, err := strconv.ParseUint(parts[3], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("parse ORPort: %w", err)
			}
			ri.ORPort = uint16(orPort)
			dirPort, err := strconv.ParseUint(parts[5], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("parse DirPort: %w", err)
			}
			ri.DirPort = uint16(dirPort)
			hasRouter = true

		case strings.HasPrefix(line, "fingerprint "):
			fpHex := strings.ReplaceAll(line[len("fingerprint "):], " ", "")
			fpBytes, err := hex.DecodeString(fpHex)
			if err != nil || len(fpBytes) != 20 {
				return nil, fmt.Errorf("malformed fingerprint line: %s", line)
			}
			copy(ri.Identity[:], fpBytes)
			hasFingerprint = true

		case strings.HasPrefix(line, "family "):
			ri.DeclaredFamily = strings.Fields(line[len("family "):])

		case strings.HasPrefix(line, "platform "):
			ri.Platform = strings.TrimSpace(line[len("platform "):])

		case strings.HasPrefix(line, "uptime "):
			u, err := strconv.ParseInt(strings.TrimSpace(line[len("uptime "):]), 10, 64)
			if err == nil {
				ri.Uptime = u
			}

		case strings.HasPrefix(line, "proto "):
			ri.ProtocolList = strings.TrimSpace(line[len("proto "):])

		case strings.HasPrefix(line, "or-address "):
			addr := strings.TrimSpace(line[len("or-address "):])
			ip, port, ok := parseBracketedOrAddress(addr)
			if ok && ip.To4() == nil {
				ri.IPv6Address = ip
				ri.IPv6ORPort = port
			}

		case strings.HasPrefix(line, "ntor-onion-key "):
			b64 := strings.TrimSpace(line[len("ntor-onion-key "):])
			key, err := decodeBase64Key(b64, 32)
			if err == nil {
				copy(ri.OnionKeyCurve25519[:], key)
				ri.HasNtorKey = true
			}

		case strings.HasPrefix(line, "identity-ed25519"):
			// Certificate body is the base64 block on following lines up to
			// "-----END ED25519 CERT-----"; only the signing key is kept.
			cert, consumed, err := parseEd25519CertBlock(lines[i+1:])
			if err == nil {
				ri.SigningKeyCert = cert
			}
			i += consumed

		case strings.HasPrefix(line, "p "):
			sp, ok := policy.ParsePolicyLine(line)
			if ok {
				policyRules = shortPolicyToRules(sp)
			}

		case strings.HasPrefix(line, "tunnelled-dir-server"):
			ri.SupportsTunnelledDirRequests = true

		case strings.HasPrefix(line, "allow-single-hop-exits"):
			ri.AllowSingleHopExits = true

		case strings.HasPrefix(line, "hidden-service-dir"):
			// present, but carries no nodelist-relevant fields here.

		case strings.HasPrefix(line, "router-signature"):
			// Signature block: nothing after this matters to parsing.
			ri.Policy = policy.Policy{Rules: policyRules}
			return finish(ri, hasRouter, hasFingerprint)
		}
	}

	ri.Policy = policy.Policy{Rules: policyRules}
	return finish(ri, hasRouter, hasFingerprint)
}

func finish(ri *RouterInfo, hasRouter, hasFingerprint bool) (*RouterInfo, error) {
	if !hasRouter {
		return nil, fmt.Errorf("missing router line")
	}
	if !hasFingerprint {
		return nil, fmt.Errorf("missing fingerprint line")
	}
	return ri, nil
}

func shortPolicyToRules(sp policy.ShortPolicy) []policy.Rule {
	rules := make([]policy.Rule, 0, len(sp.Ports))
	for _, pr := range sp.Ports {
		rules = append(rules, policy.Rule{Accept: sp.Accept, PortLow: pr.Low, PortHigh: pr.High})
	}
	return rules
}

// parseBracketedOrAddress parses "[2001:db8::1]:9001" or "1.2.3.4:9001".
func parseBracketedOrAddress(s string) (net.IP, uint16, bool) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, 0, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, 0, false
	}
	return ip, uint16(port), true
}

func decodeBase64Key(b64 string, wantLen int) ([]byte, error) {
	key, err := base64.RawStdEncoding.DecodeString(b64)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, err
		}
	}
	if len(key) != wantLen {
		return nil, fmt.Errorf("key wrong length: %d", len(key))
	}
	return key, nil
}

// parseEd25519CertBlock consumes the base64 CERT body following an
// "identity-ed25519" header line, up to and including the "-----END
// ED25519 CERT-----" terminator. Returns the number of extra lines consumed
// beyond the header, so the caller can advance its own index.
func parseEd25519CertBlock(rest []string) (*Ed25519Cert, int, error) {
	if len(rest) == 0 || rest[0] != "-----BEGIN ED25519 CERT-----" {
		return nil, 0, fmt.Errorf("missing CERT header")
	}
	var b64 strings.Builder
	consumed := 1
	for _, line := range rest[1:] {
		consumed++
		if line == "-----END ED25519 CERT-----" {
			raw, err := base64.StdEncoding.DecodeString(b64.String())
			if err != nil {
				return nil, consumed, err
			}
			// CERT format: version(1) cert-type(1) expiration(4) key-type(1)
			// certified-key(32) n-extensions(1) extensions... signature(64)
			if len(raw) < 40 {
				return nil, consumed, fmt.Errorf("cert too short: %d bytes", len(raw))
			}
			cert := &Ed25519Cert{}
			copy(cert.SigningKey[:], raw[7:39])
			return cert, consumed, nil
		}
		b64.WriteString(line)
	}
	return nil, consumed, fmt.Errorf("unterminated CERT block")
}

// VerboseNickname returns "Nickname~XXXXXXXXXXXXXXXXXXXX"-style formatting
// the way Tor logs relays in diagnostics, matching node_describe's form.
func (ri *RouterInfo) VerboseNickname() string {
	return fmt.Sprintf("%s~%s", ri.Nickname, strings.ToUpper(hex.EncodeToString(ri.Identity[:])))
}
