package core

// Bootstrap & contact cache (§4.6, §C6): acquire an initial peer set from
// an ordered list of sources, and keep a failure-scored disk cache so
// future starts prefer peers that have actually answered before. Grounded
// on the teacher's core/bootstrap_node.go (BootstrapNode wrapping a Node)
// and original_source/ant-bootstrap's v0/v1 config migration shim, which
// this reproduces as BootstrapCache's JSON field compatibility rather than
// a second loader.

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BootstrapConfig aggregates everything needed to assemble the initial
// peer set and construct the transport node.
type BootstrapConfig struct {
	NetworkID     uint64
	Transport     Config
	Replication   ReplicationConfig // zero value falls back to DefaultReplicationConfig
	CacheDir      string
	ContactURLs   []string
	MainnetURL    string
	Local         bool
	First         bool // bypass all sources; this is the first node of a new network
	ExplicitPeers []string
	DesiredCount  int
	HTTPTimeout   time.Duration
	QuoteKey      ed25519.PrivateKey // signs the quotes this node issues (§4.8); distinct from Transport.IdentityKey
}

func DefaultCacheDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "autonomi", "bootstrap_cache")
	case "windows":
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "autonomi", "bootstrap_cache")
		}
		return filepath.Join(".", "bootstrap_cache")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "autonomi", "bootstrap_cache")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "autonomi", "bootstrap_cache")
	}
}

//---------------------------------------------------------------------
// Cache file: bootstrap_cache_<network_id>.json
//---------------------------------------------------------------------

// cachedAddr tracks per-address outcome counters, used to compute the
// sort key (failure_rate) when reusing cached peers across restarts.
type cachedAddr struct {
	Addr    string `json:"addr"`
	Success uint64 `json:"success"`
	Failure uint64 `json:"failure"`
}

func (c cachedAddr) failureRate() float64 {
	total := c.Success + c.Failure
	if total == 0 {
		return 0
	}
	return float64(c.Failure) / float64(total)
}

// bootstrapCacheFileV1 is the current on-disk schema.
type bootstrapCacheFileV1 struct {
	Peers       map[string][]cachedAddr `json:"peers"`
	LastUpdated int64                   `json:"last_updated"`
}

// bootstrapCacheFileV0 is the legacy schema this module still reads for
// compatibility: a flat peer-id -> single-address map with no counters.
type bootstrapCacheFileV0 struct {
	Peers map[string]string `json:"peers"`
}

// BootstrapCache is the disk-backed, failure-scored peer cache.
type BootstrapCache struct {
	mu   sync.Mutex
	path string
	data bootstrapCacheFileV1
	log  *logrus.Logger
}

func cachePath(dir string, networkID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("bootstrap_cache_%d.json", networkID))
}

// LoadBootstrapCache reads the cache file, converting a v0 file to the v1
// layout in memory if that's what's found; the file itself is rewritten in
// v1 form on the next persist. A missing file yields an empty cache, not an
// error.
func LoadBootstrapCache(dir string, networkID uint64, lg *logrus.Logger) (*BootstrapCache, error) {
	if lg == nil {
		lg = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := cachePath(dir, networkID)
	bc := &BootstrapCache{path: path, log: lg, data: bootstrapCacheFileV1{Peers: make(map[string][]cachedAddr)}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return bc, nil
		}
		return nil, err
	}

	var v1 bootstrapCacheFileV1
	if err := json.Unmarshal(raw, &v1); err == nil && v1.Peers != nil {
		bc.data = v1
		return bc, nil
	}

	var v0 bootstrapCacheFileV0
	if err := json.Unmarshal(raw, &v0); err == nil && v0.Peers != nil {
		lg.Info("bootstrap: migrating v0 cache file to v1 schema")
		bc.data.Peers = make(map[string][]cachedAddr)
		for id, addr := range v0.Peers {
			bc.data.Peers[id] = []cachedAddr{{Addr: addr}}
		}
		return bc, nil
	}

	return nil, fmt.Errorf("bootstrap: unrecognized cache schema at %s", path)
}

// SortedAddrs returns every cached address, ascending by failure rate.
func (bc *BootstrapCache) SortedAddrs() []string {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	var all []cachedAddr
	for _, addrs := range bc.data.Peers {
		all = append(all, addrs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].failureRate() < all[j].failureRate() })
	out := make([]string, len(all))
	for i, a := range all {
		out[i] = a.Addr
	}
	return out
}

// RecordOutcome updates a peer's success/failure counters after an actual
// dial attempt, and persists the cache.
func (bc *BootstrapCache) RecordOutcome(peerID, addr string, ok bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	addrs := bc.data.Peers[peerID]
	found := false
	for i := range addrs {
		if addrs[i].Addr == addr {
			if ok {
				addrs[i].Success++
			} else {
				addrs[i].Failure++
			}
			found = true
			break
		}
	}
	if !found {
		c := cachedAddr{Addr: addr}
		if ok {
			c.Success = 1
		} else {
			c.Failure = 1
		}
		addrs = append(addrs, c)
	}
	bc.data.Peers[peerID] = addrs
	bc.data.LastUpdated = time.Now().Unix()
	if err := bc.persistLocked(); err != nil {
		bc.log.Warnf("bootstrap: persist cache failed: %v", err)
	}
}

func (bc *BootstrapCache) persistLocked() error {
	raw, err := json.MarshalIndent(bc.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := bc.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, bc.path)
}

//---------------------------------------------------------------------
// Ordered peer-source acquisition (P10)
//---------------------------------------------------------------------

const MainnetNetworkID uint64 = 1

// ResolveInitialPeers implements the §4.6 ordered source list: env var,
// explicit args, disk cache (failure-rate sorted), contact URLs, mainnet
// contacts — stopping as soon as a source satisfies DesiredCount. `first`
// bypasses every source with an empty set.
func ResolveInitialPeers(cfg BootstrapConfig, cache *BootstrapCache, lg *logrus.Logger) ([]string, error) {
	if lg == nil {
		lg = logrus.New()
	}
	if cfg.First {
		lg.Info("bootstrap: first node of a new network, starting with no peers")
		return nil, nil
	}

	want := cfg.DesiredCount
	if want <= 0 {
		want = 1
	}

	if envPeers := parsePeerList(os.Getenv("ANT_PEERS")); len(envPeers) >= want {
		lg.Debugf("bootstrap: satisfied by ANT_PEERS (%d peers)", len(envPeers))
		return envPeers, nil
	} else if len(envPeers) > 0 {
		lg.Debugf("bootstrap: ANT_PEERS provided %d peers, below desired %d, continuing", len(envPeers), want)
	}

	if len(cfg.ExplicitPeers) >= want {
		return cfg.ExplicitPeers, nil
	}

	combined := append([]string{}, cfg.ExplicitPeers...)
	combined = append(combined, parsePeerList(os.Getenv("ANT_PEERS"))...)

	if cache != nil {
		combined = append(combined, cache.SortedAddrs()...)
		if len(combined) >= want {
			return dedupe(combined), nil
		}
	}

	if !cfg.Local {
		for _, url := range cfg.ContactURLs {
			peers, err := fetchContactList(url, cfg.HTTPTimeout)
			if err != nil {
				lg.Warnf("bootstrap: contact url %s failed: %v", url, err)
				continue
			}
			combined = append(combined, peers...)
			if len(combined) >= want {
				return dedupe(combined), nil
			}
		}

		if cfg.NetworkID == MainnetNetworkID && cfg.MainnetURL != "" {
			peers, err := fetchContactList(cfg.MainnetURL, cfg.HTTPTimeout)
			if err != nil {
				lg.Warnf("bootstrap: mainnet contacts failed: %v", err)
			} else {
				combined = append(combined, peers...)
			}
		}
	}

	return dedupe(combined), nil
}

func parsePeerList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func fetchContactList(url string, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bootstrap: contact url %s returned %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var list []string
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	return parsePeerList(strings.ReplaceAll(string(body), "\n", ",")), nil
}

//---------------------------------------------------------------------
// BootstrapNode: ties the transport node, replicator, and bootstrap cache
// together for cmd/antnode. Start starts only the replicator; there is no
// periodic cache refresh loop.
//---------------------------------------------------------------------

type BootstrapNode struct {
	*Node
	cache *BootstrapCache
	rep   *Replicator
	pm    *PeerManagement
}

func NewBootstrapNode(cfg BootstrapConfig, self Address, store *Store, lg *logrus.Logger) (*BootstrapNode, error) {
	if lg == nil {
		lg = logrus.New()
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = DefaultCacheDir()
	}
	cache, err := LoadBootstrapCache(cacheDir, cfg.NetworkID, lg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load cache: %w", err)
	}

	peers, err := ResolveInitialPeers(cfg, cache, lg)
	if err != nil {
		return nil, err
	}
	cfg.Transport.BootstrapPeers = peers

	n, err := NewNode(cfg.Transport, self, lg)
	if err != nil {
		return nil, err
	}

	repCfg := cfg.Replication
	if repCfg.Fanout <= 0 {
		repCfg = DefaultReplicationConfig()
	}
	rep := NewReplicator(repCfg, lg, store, n, n.routes, n.ID(), cfg.QuoteKey)
	return &BootstrapNode{Node: n, cache: cache, rep: rep, pm: NewPeerManagement(n)}, nil
}

func (b *BootstrapNode) Start() { b.rep.Start() }

func (b *BootstrapNode) Stop() error {
	b.rep.Stop()
	return b.Close()
}

func (b *BootstrapNode) Replicator() *Replicator { return b.rep }
