package core

// Local record store (§C3): a directory-backed map, one file per address,
// bounded by an in-memory LRU index so the node never grows its on-disk
// footprint past the configured entry count. Grounded on the teacher's
// diskLRU (storage.go) but swaps the hand-rolled slice-based eviction order
// for hashicorp/golang-lru/v2, a real ecosystem LRU already in the
// dependency tree. Evicted Chunks are optionally cold-archived with
// klauspost/compress/zstd rather than dropped outright, mirroring the
// teacher's archive-on-evict habit (core/ledger.go) with a faster codec.

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	logrus "github.com/sirupsen/logrus"
)

const defaultStoreEntries = 50_000

type StoreConfig struct {
	DataDir        string
	MaxEntries     int
	ArchiveDir     string // if set, evicted chunks are zstd-archived here instead of deleted
}

type storeEntry struct {
	kind RecordKind
	size int
}

// Store is the node's bounded on-disk record store.
type Store struct {
	mu      sync.RWMutex
	dir     string
	archive string
	index   *lru.Cache[Address, storeEntry]
	logger  *logrus.Logger

	// forks holds the conflicting branches for an address once Put has
	// detected a split (I5/I8): a stale-counter tie on a mutable record, or
	// any differing GraphEntry at the same owner address (a double-spend
	// attempt). Entries here take priority over the on-disk single file and
	// are also written to ".fork-<digest>" sidecar files; NewStore does not
	// read those files back, so a split is not restored after a restart.
	forks map[string][]Record
}

func NewStore(cfg StoreConfig, lg *logrus.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("store: data dir required")
	}
	if lg == nil {
		lg = logrus.New()
	}
	max := cfg.MaxEntries
	if max <= 0 {
		max = defaultStoreEntries
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			return nil, err
		}
	}
	s := &Store{dir: cfg.DataDir, archive: cfg.ArchiveDir, logger: lg, forks: make(map[string][]Record)}

	idx, err := lru.NewWithEvict(max, func(addr Address, ent storeEntry) {
		s.onEvict(addr, ent)
	})
	if err != nil {
		return nil, err
	}
	s.index = idx
	return s, nil
}

func (s *Store) path(kind RecordKind, addr Address) string {
	return filepath.Join(s.dir, kind.String(), addr.Hex())
}

// validateRecord runs the per-kind structural/signature checks (I1, I3, I4,
// I6) that must pass before a record is even considered for admission,
// regardless of what else is already stored at its address.
func validateRecord(rec Record) error {
	switch v := rec.(type) {
	case *Chunk:
		return v.Validate()
	case *Pointer:
		ok, err := v.Verify()
		if err != nil {
			return err
		}
		if !ok {
			return ErrBadSignature
		}
		return nil
	case *Scratchpad:
		if err := v.Validate(); err != nil {
			return err
		}
		ok, err := v.Verify()
		if err != nil {
			return err
		}
		if !ok {
			return ErrBadSignature
		}
		return nil
	case *GraphEntry:
		if err := v.Validate(); err != nil {
			return err
		}
		ok, err := v.Verify()
		if err != nil {
			return err
		}
		if !ok {
			return ErrBadSignature
		}
		return nil
	default:
		return fmt.Errorf("store: unknown record type %T", rec)
	}
}

// mutableCounter extracts the counter the fork rule (I5) orders on. Chunk
// and GraphEntry report ok=false: Chunks are content-addressed (no counter,
// no legitimate mismatch), and GraphEntry conflicts are orderless double
// spends rather than stale resends.
func mutableCounter(rec Record) (uint64, bool) {
	switch v := rec.(type) {
	case *Pointer:
		return v.Counter, true
	case *Scratchpad:
		return v.Counter, true
	default:
		return 0, false
	}
}

func forkKey(kind RecordKind, addr Address) string {
	return fmt.Sprintf("%d:%s", kind, addr.Hex())
}

// Put admits rec per I1-I6: it is validated, then accepted, rejected, or
// forked against whatever this node already holds at rec's address.
//   - Chunk: content-addressed, so a differing payload at the same address
//     can only mean corruption or a hash collision; reject with ErrImmutable
//     rather than silently overwrite. An identical resend is a no-op.
//   - Pointer/Scratchpad: ordered by Counter (I5). A strictly greater
//     counter replaces the stored version; an equal counter with a
//     different payload is a split (I8) and both versions are kept; a
//     lesser counter is rejected with ErrStaleCounter.
//   - GraphEntry: no counter. Two different entries at the same owner
//     address are themselves evidence of a double-spend attempt, so both
//     are retained exactly like a Pointer/Scratchpad split.
//
// Put returns a non-nil *Fork (which itself implements error) when this
// call causes or extends a split; callers that only care about hard
// failures should check with errors.As.
func (s *Store) Put(rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	addr := rec.Address()
	kind := rec.Kind()
	fk := forkKey(kind, addr)

	if kind == KindChunk {
		return s.putImmutableLocked(kind, addr, rec)
	}
	if counter, ok := mutableCounter(rec); ok {
		return s.putForkableLocked(kind, addr, fk, rec, &counter)
	}
	return s.putForkableLocked(kind, addr, fk, rec, nil)
}

func (s *Store) putImmutableLocked(kind RecordKind, addr Address, rec Record) error {
	existing, err := s.readFileLocked(kind, addr)
	switch {
	case err == nil:
		if bytes.Equal(existing.Bytes(), rec.Bytes()) {
			return nil
		}
		return ErrImmutable
	case os.IsNotExist(err):
		return s.writeLocked(kind, addr, rec)
	default:
		return err
	}
}

// putForkableLocked handles Pointer/Scratchpad (counter != nil, ordered by
// counter) and GraphEntry (counter == nil, any differing payload forks).
func (s *Store) putForkableLocked(kind RecordKind, addr Address, fk string, rec Record, counter *uint64) error {
	if forked, ok := s.forks[fk]; ok {
		for _, f := range forked {
			if bytes.Equal(f.Bytes(), rec.Bytes()) {
				return nil
			}
		}
		if counter != nil {
			forkCounter, _ := mutableCounter(forked[0])
			switch {
			case *counter < forkCounter:
				return ErrStaleCounter
			case *counter > forkCounter:
				s.clearForkLocked(fk, kind, addr)
				return s.writeLocked(kind, addr, rec)
			}
		}
		forked = append(append([]Record(nil), forked...), rec)
		s.persistForkLocked(fk, kind, addr, forked)
		return &Fork{Records: forked}
	}

	existing, err := s.readFileLocked(kind, addr)
	switch {
	case err == nil:
		if bytes.Equal(existing.Bytes(), rec.Bytes()) {
			return nil
		}
		if counter != nil {
			existingCounter, _ := mutableCounter(existing)
			switch {
			case *counter < existingCounter:
				return ErrStaleCounter
			case *counter > existingCounter:
				return s.writeLocked(kind, addr, rec)
			}
		}
		forked := []Record{existing, rec}
		s.persistForkLocked(fk, kind, addr, forked)
		return &Fork{Records: forked}
	case os.IsNotExist(err):
		return s.writeLocked(kind, addr, rec)
	default:
		return err
	}
}

// readFileLocked reads and decodes the single on-disk copy at (kind, addr),
// bypassing the LRU index, for before/after comparison during Put.
func (s *Store) readFileLocked(kind RecordKind, addr Address) (Record, error) {
	raw, err := os.ReadFile(s.path(kind, addr))
	if err != nil {
		return nil, err
	}
	return DecodeRecord(kind, raw)
}

// writeLocked is the unconditional on-disk write shared by every accept
// path, once validation and fork logic have already decided to admit rec.
func (s *Store) writeLocked(kind RecordKind, addr Address, rec Record) error {
	p := s.path(kind, addr)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(p, rec.Bytes(), 0o644); err != nil {
		return err
	}
	s.index.Add(addr, storeEntry{kind: kind, size: rec.SizeOf()})
	return nil
}

func (s *Store) forkSidecarPath(kind RecordKind, addr Address, rec Record) string {
	return s.path(kind, addr) + ".fork-" + digestKey(rec.Bytes())
}

func (s *Store) persistForkLocked(fk string, kind RecordKind, addr Address, records []Record) {
	s.forks[fk] = records
	s.index.Remove(addr)
	if err := os.MkdirAll(filepath.Dir(s.path(kind, addr)), 0o755); err != nil {
		s.logger.Warnf("store: fork mkdir %s failed: %v", addr.Short(), err)
		return
	}
	for _, rec := range records {
		if err := os.WriteFile(s.forkSidecarPath(kind, addr, rec), rec.Bytes(), 0o644); err != nil {
			s.logger.Warnf("store: persist fork branch %s failed: %v", addr.Short(), err)
		}
	}
}

func (s *Store) clearForkLocked(fk string, kind RecordKind, addr Address) {
	for _, rec := range s.forks[fk] {
		_ = os.Remove(s.forkSidecarPath(kind, addr, rec))
	}
	delete(s.forks, fk)
}

// Get reads a record back from disk, given its expected kind (a peer or
// client must already know what kind it asked for — the address alone
// doesn't disambiguate across kinds since owner-addressed kinds collide
// with each other, only not with content addresses in practice). If the
// address currently holds a split (I8), Get returns a non-nil *Fork
// instead of a single Record so callers can run fork resolution.
func (s *Store) Get(kind RecordKind, addr Address) (Record, error) {
	s.mu.Lock()
	if forked, ok := s.forks[forkKey(kind, addr)]; ok {
		cp := append([]Record(nil), forked...)
		s.mu.Unlock()
		return nil, &Fork{Records: cp}
	}
	if ent, ok := s.index.Get(addr); ok && ent.kind == kind {
		s.mu.Unlock()
		raw, err := os.ReadFile(s.path(kind, addr))
		if err != nil {
			return nil, err
		}
		return DecodeRecord(kind, raw)
	}
	s.mu.Unlock()
	return nil, os.ErrNotExist
}

func (s *Store) Has(kind RecordKind, addr Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.forks[forkKey(kind, addr)]; ok {
		return true
	}
	_, ok := s.index.Contains(addr)
	return ok
}

func (s *Store) Delete(kind RecordKind, addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fk := forkKey(kind, addr)
	if _, ok := s.forks[fk]; ok {
		s.clearForkLocked(fk, kind, addr)
		return nil
	}
	s.index.Remove(addr)
	return os.Remove(s.path(kind, addr))
}

// StoredKey pairs a kind with an address, since the LRU index alone
// doesn't disambiguate kinds sharing the same address space.
type StoredKey struct {
	Kind RecordKind
	Addr Address
}

// Entries returns a snapshot of every (kind, address) pair currently held,
// for replication planning (§4.7's per-key distance_bar comparison).
func (s *Store) Entries() []StoredKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredKey, 0, s.index.Len())
	for _, addr := range s.index.Keys() {
		if ent, ok := s.index.Peek(addr); ok {
			out = append(out, StoredKey{Kind: ent.kind, Addr: addr})
		}
	}
	for fk := range s.forks {
		var kindInt int
		var hexAddr string
		if _, err := fmt.Sscanf(fk, "%d:%s", &kindInt, &hexAddr); err == nil {
			if addr, err := addressFromHex(hexAddr); err == nil {
				out = append(out, StoredKey{Kind: RecordKind(kindInt), Addr: addr})
			}
		}
	}
	return out
}

// Addresses returns a snapshot of every address currently held, for
// replication planning (close-40 comparison) and quorum bookkeeping.
func (s *Store) Addresses() []Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Keys()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

func (s *Store) onEvict(addr Address, ent storeEntry) {
	p := s.path(ent.kind, addr)
	if ent.kind == KindChunk && s.archive != "" {
		if err := s.archiveChunk(p, addr); err != nil {
			s.logger.Warnf("store: archive %s failed: %v", addr.Short(), err)
		}
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		s.logger.Warnf("store: evict remove %s failed: %v", addr.Short(), err)
	}
	s.logger.Debugf("store: evicted %s (%s)", addr.Short(), ent.kind)
}

func (s *Store) archiveChunk(path string, addr Address) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(filepath.Join(s.archive, addr.Hex()+".zst"))
	if err != nil {
		return err
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	defer enc.Close()

	_, err = io.Copy(enc, in)
	return err
}
