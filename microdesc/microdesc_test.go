package microdesc

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestParseNtorAndEd25519(t *testing.T) {
	ntorKeyBytes := make([]byte, 32)
	for i := range ntorKeyBytes {
		ntorKeyBytes[i] = byte(i)
	}
	ntorKeyB64 := base64.RawStdEncoding.EncodeToString(ntorKeyBytes)

	edKeyBytes := make([]byte, 32)
	for i := range edKeyBytes {
		edKeyBytes[i] = byte(i + 100)
	}
	edKeyB64 := base64.RawStdEncoding.EncodeToString(edKeyBytes)

	text := "onion-key\n-----BEGIN RSA PUBLIC KEY-----\nAAAA\n-----END RSA PUBLIC KEY-----\n" +
		"ntor-onion-key " + ntorKeyB64 + "\n" +
		"id ed25519 " + edKeyB64 + "\n" +
		"a [2001:db8::1]:9001\n" +
		"p accept 80,443\n" +
		"family Alpha Beta\n"

	digest := sha256.Sum256([]byte(text))
	md := Parse(digest, text)

	if !md.HasNtorKey {
		t.Fatal("expected ntor key")
	}
	if md.OnionKeyCurve25519 != [32]byte(ntorKeyBytes) {
		t.Fatal("ntor key mismatch")
	}
	if !md.HasEd25519 {
		t.Fatal("expected ed25519 key")
	}
	if md.IPv6Address == nil || md.IPv6ORPort != 9001 {
		t.Fatalf("ipv6 not parsed: %v %d", md.IPv6Address, md.IPv6ORPort)
	}
	if !md.HasPolicy || len(md.Policy.Ports) != 2 {
		t.Fatal("policy not parsed")
	}
	if len(md.Family) != 2 {
		t.Fatalf("family len = %d, want 2", len(md.Family))
	}
}

func TestParseNoKeys(t *testing.T) {
	text := "onion-key\n-----BEGIN RSA PUBLIC KEY-----\nAAAA\n-----END RSA PUBLIC KEY-----\n"
	md := Parse(sha256.Sum256([]byte(text)), text)
	if md.HasNtorKey || md.HasEd25519 {
		t.Fatal("expected no keys parsed")
	}
}

func TestSplitEntries(t *testing.T) {
	body := "onion-key\nAAA\nntor-onion-key X\nonion-key\nBBB\nntor-onion-key Y\n"
	entries := SplitEntries(body)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestCachePutGetRelease(t *testing.T) {
	c := NewCache()
	md := &Microdescriptor{Digest: [32]byte{1, 2, 3}, HasNtorKey: true}
	c.Put(md)
	c.byDigest[md.Digest].HeldByNodes = 2

	if got := c.Get(md.Digest); got != md {
		t.Fatal("expected to get back the same microdescriptor")
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}

	c.Release(md.Digest)
	if c.Get(md.Digest) == nil {
		t.Fatal("should still be cached after one release, refcount 1")
	}
	c.Release(md.Digest)
	if c.Get(md.Digest) != nil {
		t.Fatal("should be evicted after refcount reaches 0")
	}
}

func TestCachePutPreservesRefcount(t *testing.T) {
	c := NewCache()
	digest := [32]byte{9, 9, 9}
	c.Put(&Microdescriptor{Digest: digest})
	c.byDigest[digest].HeldByNodes = 3

	replacement := &Microdescriptor{Digest: digest, HasNtorKey: true}
	c.Put(replacement)

	if replacement.HeldByNodes != 3 {
		t.Fatalf("refcount = %d, want preserved 3", replacement.HeldByNodes)
	}
}
