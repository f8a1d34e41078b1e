package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietBootstrapLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.PanicLevel)
	return lg
}

func TestLoadBootstrapCacheMissingFileYieldsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	bc, err := LoadBootstrapCache(dir, 42, quietBootstrapLogger())
	if err != nil {
		t.Fatalf("LoadBootstrapCache: %v", err)
	}
	if got := bc.SortedAddrs(); len(got) != 0 {
		t.Fatalf("expected no cached addresses, got %v", got)
	}
}

func TestBootstrapCacheRecordOutcomePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	bc, err := LoadBootstrapCache(dir, 7, quietBootstrapLogger())
	if err != nil {
		t.Fatalf("LoadBootstrapCache: %v", err)
	}
	bc.RecordOutcome("peerA", "/ip4/1.1.1.1/tcp/1", true)
	bc.RecordOutcome("peerA", "/ip4/1.1.1.1/tcp/1", false)

	reloaded, err := LoadBootstrapCache(dir, 7, quietBootstrapLogger())
	if err != nil {
		t.Fatalf("reload LoadBootstrapCache: %v", err)
	}
	addrs := reloaded.SortedAddrs()
	if len(addrs) != 1 || addrs[0] != "/ip4/1.1.1.1/tcp/1" {
		t.Fatalf("expected the persisted address to reload, got %v", addrs)
	}
}

func TestBootstrapCacheSortedAddrsOrdersByAscendingFailureRate(t *testing.T) {
	dir := t.TempDir()
	bc, err := LoadBootstrapCache(dir, 1, quietBootstrapLogger())
	if err != nil {
		t.Fatalf("LoadBootstrapCache: %v", err)
	}

	bc.RecordOutcome("flaky", "/ip4/2.2.2.2/tcp/1", false)
	bc.RecordOutcome("flaky", "/ip4/2.2.2.2/tcp/1", false)
	bc.RecordOutcome("flaky", "/ip4/2.2.2.2/tcp/1", true)

	bc.RecordOutcome("reliable", "/ip4/3.3.3.3/tcp/1", true)
	bc.RecordOutcome("reliable", "/ip4/3.3.3.3/tcp/1", true)
	bc.RecordOutcome("reliable", "/ip4/3.3.3.3/tcp/1", true)

	addrs := bc.SortedAddrs()
	if len(addrs) != 2 {
		t.Fatalf("expected 2 cached addresses, got %d", len(addrs))
	}
	if addrs[0] != "/ip4/3.3.3.3/tcp/1" {
		t.Fatalf("expected the reliable address first, got %v", addrs)
	}
}

func TestLoadBootstrapCacheMigratesV0Schema(t *testing.T) {
	dir := t.TempDir()
	path := cachePath(dir, 9)
	v0 := bootstrapCacheFileV0{Peers: map[string]string{
		"legacy-peer": "/ip4/4.4.4.4/tcp/1",
	}}
	raw, err := json.Marshal(v0)
	if err != nil {
		t.Fatalf("marshal v0 fixture: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write v0 fixture: %v", err)
	}

	bc, err := LoadBootstrapCache(dir, 9, quietBootstrapLogger())
	if err != nil {
		t.Fatalf("LoadBootstrapCache should migrate v0 in place, got error: %v", err)
	}
	addrs := bc.SortedAddrs()
	if len(addrs) != 1 || addrs[0] != "/ip4/4.4.4.4/tcp/1" {
		t.Fatalf("expected the migrated v0 address, got %v", addrs)
	}
}

func TestLoadBootstrapCacheRejectsUnrecognizedSchema(t *testing.T) {
	dir := t.TempDir()
	path := cachePath(dir, 3)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"not":"a cache file"}`), 0o644); err != nil {
		t.Fatalf("write garbage fixture: %v", err)
	}
	if _, err := LoadBootstrapCache(dir, 3, quietBootstrapLogger()); err == nil {
		t.Fatalf("expected an unrecognized schema to be rejected")
	}
}

func TestResolveInitialPeersFirstNodeBypassesEverySource(t *testing.T) {
	cfg := BootstrapConfig{First: true, ExplicitPeers: []string{"/ip4/5.5.5.5/tcp/1"}}
	peers, err := ResolveInitialPeers(cfg, nil, quietBootstrapLogger())
	if err != nil {
		t.Fatalf("ResolveInitialPeers: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected First to bypass every source, got %v", peers)
	}
}

func TestResolveInitialPeersPrefersExplicitPeersWhenSufficient(t *testing.T) {
	cfg := BootstrapConfig{DesiredCount: 1, ExplicitPeers: []string{"/ip4/6.6.6.6/tcp/1"}}
	peers, err := ResolveInitialPeers(cfg, nil, quietBootstrapLogger())
	if err != nil {
		t.Fatalf("ResolveInitialPeers: %v", err)
	}
	if len(peers) != 1 || peers[0] != "/ip4/6.6.6.6/tcp/1" {
		t.Fatalf("expected explicit peers to satisfy DesiredCount directly, got %v", peers)
	}
}

func TestResolveInitialPeersFallsBackToCacheWhenExplicitPeersInsufficient(t *testing.T) {
	dir := t.TempDir()
	bc, err := LoadBootstrapCache(dir, 1, quietBootstrapLogger())
	if err != nil {
		t.Fatalf("LoadBootstrapCache: %v", err)
	}
	bc.RecordOutcome("cached-peer", "/ip4/7.7.7.7/tcp/1", true)

	cfg := BootstrapConfig{DesiredCount: 2, ExplicitPeers: []string{"/ip4/6.6.6.6/tcp/1"}, Local: true}
	peers, err := ResolveInitialPeers(cfg, bc, quietBootstrapLogger())
	if err != nil {
		t.Fatalf("ResolveInitialPeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected explicit+cached peers to combine to DesiredCount, got %v", peers)
	}
}

func TestResolveInitialPeersDedupesAcrossSources(t *testing.T) {
	dir := t.TempDir()
	bc, err := LoadBootstrapCache(dir, 1, quietBootstrapLogger())
	if err != nil {
		t.Fatalf("LoadBootstrapCache: %v", err)
	}
	bc.RecordOutcome("dup-peer", "/ip4/6.6.6.6/tcp/1", true)

	cfg := BootstrapConfig{DesiredCount: 5, ExplicitPeers: []string{"/ip4/6.6.6.6/tcp/1"}, Local: true}
	peers, err := ResolveInitialPeers(cfg, bc, quietBootstrapLogger())
	if err != nil {
		t.Fatalf("ResolveInitialPeers: %v", err)
	}
	seen := map[string]int{}
	for _, p := range peers {
		seen[p]++
	}
	if seen["/ip4/6.6.6.6/tcp/1"] != 1 {
		t.Fatalf("expected the duplicate explicit/cached peer to be deduped, got %v", peers)
	}
}

func TestCachePathIncludesNetworkID(t *testing.T) {
	got := cachePath("/tmp/x", 99)
	want := filepath.Join("/tmp/x", "bootstrap_cache_99.json")
	if got != want {
		t.Fatalf("cachePath mismatch: got %s want %s", got, want)
	}
}
