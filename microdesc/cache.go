package microdesc

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// batchSize mirrors the teacher's microdescriptor-fetch batching: dir
// authorities reject URLs with more than ~96 digests joined by "-".
const batchSize = 92

// Cache is a refcounted, digest-keyed store of microdescriptors, shared by
// every Node that references one. It holds the only owning references;
// nodelist.Node stores a *Microdescriptor borrowed from here.
type Cache struct {
	byDigest map[[32]byte]*Microdescriptor
}

// NewCache returns an empty microdescriptor cache.
func NewCache() *Cache {
	return &Cache{byDigest: make(map[[32]byte]*Microdescriptor)}
}

// Get returns the cached microdescriptor for digest, or nil.
func (c *Cache) Get(digest [32]byte) *Microdescriptor {
	return c.byDigest[digest]
}

// Put inserts or replaces the microdescriptor under its own Digest field,
// preserving HeldByNodes if an entry with the same digest already existed
// (nodelist.AddMicrodesc reattaches to whichever copy is canonical).
func (c *Cache) Put(md *Microdescriptor) *Microdescriptor {
	if existing, ok := c.byDigest[md.Digest]; ok {
		md.HeldByNodes = existing.HeldByNodes
	}
	c.byDigest[md.Digest] = md
	return md
}

// Release decrements the refcount on digest and drops it from the cache
// once no node holds it anymore.
func (c *Cache) Release(digest [32]byte) {
	md, ok := c.byDigest[digest]
	if !ok {
		return
	}
	md.HeldByNodes--
	if md.HeldByNodes <= 0 {
		delete(c.byDigest, digest)
	}
}

// Len reports how many distinct microdescriptors are cached.
func (c *Cache) Len() int {
	return len(c.byDigest)
}

// FetchBatch fetches and parses microdescriptors for the given base64
// digests from a directory server, in batches of batchSize, matching the
// teacher's /tor/micro/d/ fetch shape.
func FetchBatch(addr string, digestsB64 []string) (map[string]*Microdescriptor, error) {
	result := make(map[string]*Microdescriptor)
	if len(digestsB64) == 0 {
		return result, nil
	}

	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true, // dir servers mishandle Accept-Encoding
		},
	}

	for i := 0; i < len(digestsB64); i += batchSize {
		end := i + batchSize
		if end > len(digestsB64) {
			end = len(digestsB64)
		}
		batch := digestsB64[i:end]

		url := fmt.Sprintf("http://%s/tor/micro/d/%s", addr, strings.Join(batch, "-"))
		resp, err := client.Get(url)
		if err != nil {
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 50*1024*1024))
		resp.Body.Close()
		if err != nil {
			continue
		}

		for _, entry := range SplitEntries(string(body)) {
			hash := sha256.Sum256([]byte(entry))
			digestB64 := base64.RawStdEncoding.EncodeToString(hash[:])
			result[digestB64] = Parse(hash, entry)
		}
	}

	return result, nil
}

// cachedEntry is the on-disk format for one cached microdescriptor.
type cachedEntry struct {
	DigestB64          string            `json:"digest"`
	OnionKeyCurve25519 [32]byte          `json:"ntor_onion_key"`
	HasNtorKey         bool              `json:"has_ntor_key"`
	Ed25519Identity    [32]byte          `json:"ed25519_id"`
	HasEd25519         bool              `json:"has_ed25519"`
}

// SaveToDisk persists the cache's current entries to dir/microdescriptors.json,
// in the teacher's directory.Cache on-disk style (JSON, 0600, directory
// created on demand).
func (c *Cache) SaveToDisk(dir string) error {
	if dir == "" {
		return fmt.Errorf("cache directory not set")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	entries := make([]cachedEntry, 0, len(c.byDigest))
	for digest, md := range c.byDigest {
		if !md.HasNtorKey {
			continue
		}
		entries = append(entries, cachedEntry{
			DigestB64:          base64.RawStdEncoding.EncodeToString(digest[:]),
			OnionKeyCurve25519: md.OnionKeyCurve25519,
			HasNtorKey:         md.HasNtorKey,
			Ed25519Identity:    md.Ed25519Identity,
			HasEd25519:         md.HasEd25519,
		})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal microdescriptor cache: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "microdescriptors.json"), data, 0600)
}

// LoadFromDisk loads a previously-saved cache from dir/microdescriptors.json.
// Loaded entries start with HeldByNodes 0; nodelist.AddMicrodesc/SetConsensus
// attaches them to nodes and drives the refcount from there.
func (c *Cache) LoadFromDisk(dir string) error {
	if dir == "" {
		return fmt.Errorf("cache directory not set")
	}
	data, err := os.ReadFile(filepath.Join(dir, "microdescriptors.json"))
	if err != nil {
		return err
	}
	var entries []cachedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		raw, err := base64.RawStdEncoding.DecodeString(e.DigestB64)
		if err != nil || len(raw) != 32 {
			continue
		}
		var digest [32]byte
		copy(digest[:], raw)
		c.byDigest[digest] = &Microdescriptor{
			Digest:             digest,
			OnionKeyCurve25519: e.OnionKeyCurve25519,
			HasNtorKey:         e.HasNtorKey,
			Ed25519Identity:    e.Ed25519Identity,
			HasEd25519:         e.HasEd25519,
		}
	}
	return nil
}
