package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cvsouth/tor-nodelist-go/circuit"
	"github.com/cvsouth/tor-nodelist-go/descriptor"
	"github.com/cvsouth/tor-nodelist-go/directory"
	"github.com/cvsouth/tor-nodelist-go/link"
	"github.com/cvsouth/tor-nodelist-go/microdesc"
	"github.com/cvsouth/tor-nodelist-go/nodelist"
	"github.com/cvsouth/tor-nodelist-go/onion"
	"github.com/cvsouth/tor-nodelist-go/pathselect"
	"github.com/cvsouth/tor-nodelist-go/socks"
)

func main() {
	logFile, err := os.OpenFile("tor-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})

	fmt.Println("=== Daphne Tor Client ===")
	fmt.Println()

	// Step 1: Load or fetch consensus
	cache := &directory.Cache{Dir: directory.DefaultCacheDir()}
	var consensusText string
	if text, ok := cache.LoadConsensus(); ok {
		fmt.Println("Loaded consensus from cache")
		consensusText = text
	} else {
		fmt.Println("Fetching consensus from directory authorities...")
		consensusText, err = directory.FetchConsensus()
		if err != nil {
			fmt.Printf("  Failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  Fetched consensus (%d bytes)\n", len(consensusText))
	}

	// Step 2: Fetch authority key certificates and validate consensus signatures
	keyCerts, keyCertErr := cache.LoadKeyCerts()
	if keyCertErr != nil || len(keyCerts) == 0 {
		fmt.Println("Fetching authority key certificates...")
		keyCerts, keyCertErr = directory.FetchKeyCerts()
		if keyCertErr != nil {
			fmt.Printf("  Warning: failed to fetch key certificates: %v\n", keyCertErr)
			fmt.Println("  Falling back to structural signature validation")
			keyCerts = nil
		} else {
			fmt.Printf("  Fetched %d authority key certificates\n", len(keyCerts))
			if err := cache.SaveKeyCerts(keyCerts); err != nil {
				logger.Warn("failed to cache key certs", "error", err)
			}
		}
	} else {
		fmt.Printf("Loaded %d authority key certificates from cache\n", len(keyCerts))
	}

	if err := directory.ValidateSignatures(consensusText, keyCerts); err != nil {
		fmt.Printf("  Signature validation failed: %v\n", err)
		os.Exit(1)
	}
	if len(keyCerts) > 0 {
		fmt.Println("  Consensus cryptographically verified (≥5 RSA signatures)")
	} else {
		fmt.Println("  Consensus structurally validated (≥5 authority signatures)")
	}

	consensus, err := directory.ParseConsensus(consensusText)
	if err != nil {
		fmt.Printf("  Parse failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Parsed: %d relays, valid until %s\n", len(consensus.RouterStatuses), consensus.ValidUntil.Format(time.RFC3339))

	if err := directory.ValidateFreshness(consensus); err != nil {
		fmt.Printf("  Consensus validation failed: %v\n", err)
		os.Exit(1)
	}

	// Cache the consensus for next startup
	if err := cache.SaveConsensus(consensusText, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("failed to cache consensus", "error", err)
	}

	// Step 3: Build the nodelist from the consensus and fill in
	// microdescriptors for every relay the path selector can use.
	fmt.Println("Building nodelist...")

	mdCache := microdesc.NewCache()
	mdCacheDir := filepath.Join(directory.DefaultCacheDir(), "microdesc")
	if err := mdCache.LoadFromDisk(mdCacheDir); err == nil {
		fmt.Printf("  Loaded %d microdescriptors from cache\n", mdCache.Len())
	}

	nl := nodelist.NewNodeList(mdCache)
	nl.SetLogger(logger)
	nl.SetOptions(nodelist.Options{PathsNeededToBuildCircuits: -1, EnforceDistinctSubnets: true})
	nl.SetConsensus(consensus)
	fmt.Printf("  %d relays known to the nodelist\n", nl.Len())

	var missing []string
	for _, n := range nl.GetList() {
		if !n.IsRunning || !n.IsValid || !(n.IsPossibleGuard || n.IsExit || n.IsFast || n.IsHSDir) {
			continue
		}
		if nodelist.HasCurve25519OnionKey(n) || n.RS == nil || n.RS.MicrodescDigest == "" {
			continue
		}
		missing = append(missing, n.RS.MicrodescDigest)
	}

	if len(missing) > 0 {
		fmt.Printf("  Fetching microdescriptors for %d relays...\n", len(missing))
		for _, addr := range directory.DirAuthorities {
			fetched, ferr := microdesc.FetchBatch(addr, missing)
			if ferr != nil {
				logger.Warn("microdesc fetch failed", "addr", addr, "error", ferr)
				continue
			}
			for digestB64, md := range fetched {
				raw, derr := base64.RawStdEncoding.DecodeString(digestB64)
				if derr != nil || len(raw) != 32 {
					continue
				}
				copy(md.Digest[:], raw)
				mdCache.Put(md)
				nl.AddMicrodesc(md)
			}
			break
		}
	}

	ntorCount := 0
	for _, n := range nl.GetList() {
		if nodelist.HasCurve25519OnionKey(n) {
			ntorCount++
		}
	}
	fmt.Printf("  %d relays with ntor keys\n", ntorCount)

	// Cache microdescriptors for next startup
	if err := mdCache.SaveToDisk(mdCacheDir); err != nil {
		logger.Warn("failed to cache microdescriptors", "error", err)
	}

	// onion/hsdir.go and onion/connect.go select and contact hidden-service
	// directories straight off the consensus, a concern separate from 3-hop
	// circuit building; sync the key material the nodelist resolved back
	// onto those RouterStatus entries rather than routing that flow through
	// the nodelist too.
	syncRouterStatusKeys(nl)

	nl.DirInfoChanged()
	fmt.Printf("  %s\n", nl.DirInfoStatusString())

	// Step 4: Build circuit using path selection
	fmt.Println("\nSelecting path and building circuit...")

	var circ *circuit.Circuit
	var circLink *link.Link
	var mu sync.Mutex

	for attempt := 0; attempt < 3; attempt++ {
		path, err := pathselect.SelectPath(nl)
		if err != nil {
			fmt.Printf("  Path selection failed: %v\n", err)
			continue
		}
		fmt.Printf("  Path: %s → %s → %s\n", nodelist.Nickname(path.Guard), nodelist.Nickname(path.Middle), nodelist.Nickname(path.Exit))

		guardInfo, ok := nodelist.ToRelayInfo(path.Guard)
		if !ok {
			fmt.Println("  Guard missing descriptor material")
			continue
		}
		fmt.Printf("  Guard: %s:%d\n", guardInfo.Address, guardInfo.ORPort)

		// Connect to guard
		l, err := link.Handshake(fmt.Sprintf("%s:%d", guardInfo.Address, guardInfo.ORPort), logger)
		if err != nil {
			fmt.Printf("  Guard connection failed: %v\n", err)
			continue
		}

		// Create circuit to guard
		l.SetDeadline(time.Now().Add(30 * time.Second))
		circ, err = circuit.Create(l, guardInfo, logger)
		if err != nil {
			l.Close()
			fmt.Printf("  Circuit create failed: %v\n", err)
			continue
		}

		// Extend to middle
		middleInfo, ok := nodelist.ToRelayInfo(path.Middle)
		if !ok {
			l.Close()
			circ = nil
			fmt.Println("  Middle missing descriptor material")
			continue
		}
		if err := circ.Extend(middleInfo, logger); err != nil {
			l.Close()
			fmt.Printf("  Extend to middle failed: %v\n", err)
			circ = nil
			continue
		}

		// Extend to exit
		exitInfo, ok := nodelist.ToRelayInfo(path.Exit)
		if !ok {
			l.Close()
			circ = nil
			fmt.Println("  Exit missing descriptor material")
			continue
		}
		if err := circ.Extend(exitInfo, logger); err != nil {
			l.Close()
			fmt.Printf("  Extend to exit failed: %v\n", err)
			circ = nil
			continue
		}

		l.SetDeadline(time.Time{})
		circLink = l
		fmt.Printf("  3-hop circuit built! (ID: 0x%08x)\n", circ.ID)
		break
	}

	if circ == nil {
		fmt.Println("\nFailed to build circuit after 3 attempts.")
		os.Exit(1)
	}

	// Step 5: Start SOCKS5 proxy
	socksAddr := "127.0.0.1:9050"
	fmt.Printf("\nStarting SOCKS5 proxy on %s...\n", socksAddr)

	// Create circuit builder for onion service connections.
	cb := &circuitBuilder{
		nl:     nl,
		logger: logger,
	}

	// Create HTTP client for descriptor fetches.
	// HSDirs serve descriptors on their DirPort via HTTP.
	hsHTTPClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:    &tls.Config{InsecureSkipVerify: true},
			DisableCompression: true,
		},
	}

	srv := &socks.Server{
		Addr:   socksAddr,
		Logger: logger,
		GetCirc: func() (*circuit.Circuit, error) {
			mu.Lock()
			defer mu.Unlock()
			if circ == nil {
				return nil, fmt.Errorf("circuit destroyed")
			}
			return circ, nil
		},
		OnionHandler: func(onionAddr string, port uint16) (io.ReadWriteCloser, error) {
			return onion.ConnectOnionService(onionAddr, port, consensus, hsHTTPClient, cb, logger)
		},
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		srv.Close()
		mu.Lock()
		circ.Destroy()
		circ = nil
		mu.Unlock()
		circLink.Close()
	}()

	fmt.Println("Ready. Use: curl --socks5-hostname 127.0.0.1:9050 http://example.com")
	if err := srv.ListenAndServe(); err != nil {
		fmt.Printf("SOCKS5 server error: %v\n", err)
	}
}

// syncRouterStatusKeys copies each node's resolved ntor/Ed25519 key material
// back onto its consensus RouterStatus entry. onion/hsdir.go and
// onion/connect.go pick and contact hidden-service directories straight off
// the consensus rather than through the nodelist, so they need these legacy
// fields populated even though the nodelist tracks the same material via
// its own microdescriptor association.
func syncRouterStatusKeys(nl *nodelist.NodeList) {
	for _, n := range nl.GetList() {
		if n.RS == nil {
			continue
		}
		if key, ok := nodelist.Curve25519OnionKey(n); ok {
			n.RS.NtorOnionKey = key
			n.RS.HasNtorKey = true
		}
		if id, ok := nl.Ed25519ID(n); ok {
			n.RS.Ed25519ID = id
			n.RS.HasEd25519 = true
		}
	}
}

// circuitBuilder implements onion.CircuitBuilder.
type circuitBuilder struct {
	nl     *nodelist.NodeList
	logger *slog.Logger
}

func (cb *circuitBuilder) BuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	for attempt := 0; attempt < 3; attempt++ {
		built, err := cb.tryBuildCircuit(target)
		if err != nil {
			cb.logger.Warn("circuit build attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return built, nil
	}
	return nil, fmt.Errorf("failed to build circuit after 3 attempts")
}

func (cb *circuitBuilder) tryBuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	// Select path through the nodelist. If target is provided, use it as
	// the last hop instead of a path-selected exit; guard and middle still
	// come from the nodelist either way.
	var guard, middle *nodelist.Node
	var exitInfo *descriptor.RelayInfo

	if target != nil {
		exit, err := pathselect.SelectExit(cb.nl)
		if err != nil {
			return nil, fmt.Errorf("select exit for path: %w", err)
		}
		g, err := pathselect.SelectGuard(cb.nl, exit)
		if err != nil {
			return nil, fmt.Errorf("select guard: %w", err)
		}
		m, err := pathselect.SelectMiddle(cb.nl, g, exit)
		if err != nil {
			return nil, fmt.Errorf("select middle: %w", err)
		}
		guard, middle = g, m
		exitInfo = target
	} else {
		path, err := pathselect.SelectPath(cb.nl)
		if err != nil {
			return nil, fmt.Errorf("select path: %w", err)
		}
		guard, middle = path.Guard, path.Middle
		var ok bool
		exitInfo, ok = nodelist.ToRelayInfo(path.Exit)
		if !ok {
			return nil, fmt.Errorf("exit missing descriptor material")
		}
	}

	guardInfo, ok := nodelist.ToRelayInfo(guard)
	if !ok {
		return nil, fmt.Errorf("guard missing descriptor material")
	}

	// Connect to guard.
	l, err := link.Handshake(fmt.Sprintf("%s:%d", guardInfo.Address, guardInfo.ORPort), cb.logger)
	if err != nil {
		return nil, fmt.Errorf("guard handshake: %w", err)
	}

	l.SetDeadline(time.Now().Add(30 * time.Second))
	c, err := circuit.Create(l, guardInfo, cb.logger)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("circuit create: %w", err)
	}

	// Extend to middle.
	middleInfo, ok := nodelist.ToRelayInfo(middle)
	if !ok {
		l.Close()
		return nil, fmt.Errorf("middle missing descriptor material")
	}
	if err := c.Extend(middleInfo, cb.logger); err != nil {
		l.Close()
		return nil, fmt.Errorf("extend to middle: %w", err)
	}

	// Extend to last hop.
	if err := c.Extend(exitInfo, cb.logger); err != nil {
		l.Close()
		return nil, fmt.Errorf("extend to last hop: %w", err)
	}

	l.SetDeadline(time.Time{})
	cb.logger.Info("onion circuit built", "circID", fmt.Sprintf("0x%08x", c.ID))

	return &onion.BuiltCircuit{
		Circuit:    c,
		LinkCloser: l,
		LastHop:    exitInfo,
	}, nil
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
