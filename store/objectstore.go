package store

import (
	"fmt"
	"sort"
	"sync"

	log "log/slog"

	"github.com/mudworks/weaver"
)

// Store is the in-memory versioned object store. All committed state lives in
// append-only per-key version chains; the global counter advances only inside
// Propose's critical section. Everything else (task call stacks, buffered
// write-sets) is owned by its task, so this mutex is the kernel's only point
// of cross-task mutual exclusion and it is held only for validate+install,
// never for a task's whole execution.
type Store struct {
	mu sync.RWMutex
	// version is the latest committed global version.
	version uint64
	// chains holds ascending committed versions per key.
	chains map[Key][]Versioned
	// nextObj is the object id allocator; sequences are not transactional
	// (an aborted create burns an id, same as the original server).
	nextObj weaver.ObjID
	// halted refuses further commits after a durability write failure.
	halted bool

	commitHook CommitHook

	// resolveGen invalidates the dispatch cache. Bumped on any commit that
	// touches a verb set or an object header (parent changes move subtrees),
	// and on property writes that add or remove a slot (value-only updates
	// keep resolution intact). resolveBumpVersion records the global version
	// of the last such commit so older snapshots skip the cache.
	resolveGen         uint64
	resolveBumpVersion uint64

	resolve *resolveCache
}

// New creates an empty store. Object ids start at 0.
func New() *Store {
	return &Store{
		chains: make(map[Key][]Versioned),
		// Generation 0 is reserved as the cache's "empty" marker.
		resolveGen: 1,
		resolve:    newResolveCache(defaultResolveCacheCapacity),
	}
}

// SetCommitHook installs the durability hook. Must be called before the
// scheduler starts committing; not synchronized for mid-flight swaps.
func (s *Store) SetCommitHook(h CommitHook) { s.commitHook = h }

// CurrentVersion returns the latest committed global version.
func (s *Store) CurrentVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Halted reports whether the store has refused commits after a durability
// failure. Only operator intervention/restart clears it.
func (s *Store) Halted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

// AllocObjID hands out the next object id.
func (s *Store) AllocObjID() weaver.ObjID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObj
	s.nextObj++
	return id
}

// ReadAt returns the version of key visible at snapshot: the newest committed
// version whose stamp is <= snapshot. The second return is false when no such
// version exists. Tombstones are returned with Deleted set so callers can
// distinguish "never existed" from "recycled".
func (s *Store) ReadAt(key Key, snapshot uint64) (Versioned, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readAtLocked(key, snapshot)
}

func (s *Store) readAtLocked(key Key, snapshot uint64) (Versioned, bool) {
	chain := s.chains[key]
	// Chains are short; scan from the newest end.
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Version <= snapshot {
			return chain[i], true
		}
	}
	return Versioned{}, false
}

// LatestVersionOf returns the newest committed version stamp of key, or 0.
func (s *Store) LatestVersionOf(key Key) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[key]
	if len(chain) == 0 {
		return 0
	}
	return chain[len(chain)-1].Version
}

// Propose validates a transaction's read-set against the current committed
// state and, if none of the read keys have moved past the versions observed,
// atomically installs every write under one freshly incremented global
// version. First committer wins: a concurrent commit that already advanced any
// read key causes a CommitConflict and installs nothing.
func (s *Store) Propose(readSet map[Key]uint64, writes []Write) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return 0, weaver.Error{
			Code: weaver.StoreIOFailure,
			Err:  fmt.Errorf("store is halted, commits refused"),
		}
	}

	// Validation is purely version-based: any read key whose latest stamp no
	// longer matches what the transaction observed is a conflict, regardless
	// of whether the newer value differs.
	for key, observed := range readSet {
		chain := s.chains[key]
		var latest uint64
		if len(chain) > 0 {
			latest = chain[len(chain)-1].Version
		}
		if latest != observed {
			return 0, weaver.Error{
				Code:     weaver.CommitConflict,
				Err:      fmt.Errorf("key %v moved from version %d to %d", key, observed, latest),
				UserData: key,
			}
		}
	}

	newVersion := s.version + 1

	if s.commitHook != nil {
		if err := s.commitHook(newVersion, writes); err != nil {
			// The durability layer could not persist this commit. Continuing
			// would diverge in-memory state from durable state, so the store
			// stops accepting commits entirely.
			s.halted = true
			log.Error("durability write failed, halting commits", "version", newVersion, "error", err)
			return 0, weaver.Error{Code: weaver.StoreIOFailure, Err: err}
		}
	}

	s.installLocked(newVersion, writes)
	return newVersion, nil
}

// ApplyCommitted installs an already-durable write-set at the given version.
// Used by durability-log replay on startup; validation is skipped because the
// log records only commits that already won.
func (s *Store) ApplyCommitted(version uint64, writes []Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version != s.version+1 {
		return fmt.Errorf("replay gap: store at version %d, log entry at %d", s.version, version)
	}
	s.installLocked(version, writes)
	return nil
}

func (s *Store) installLocked(version uint64, writes []Write) {
	for _, w := range writes {
		v := Versioned{Version: version, Value: w.Value, Deleted: w.Delete}
		chain := s.chains[w.Key]
		newSlot := len(chain) == 0
		s.chains[w.Key] = append(chain, v)
		if w.Key.Kind != KindProp || newSlot || w.Delete {
			s.resolveGen++
			s.resolveBumpVersion = version
		}
		// Keep the id allocator ahead of replayed creates.
		if w.Key.Obj >= s.nextObj {
			s.nextObj = w.Key.Obj + 1
		}
	}
	s.version = version
}

// SnapshotReader adapts the store to the Reader contract at a fixed snapshot,
// for admin inspection and checkpointing. It performs no read-set recording;
// executing code must never use one (isolation requires the transaction path).
type SnapshotReader struct {
	s  *Store
	at uint64
}

// ReaderAt returns a read-only view pinned at the given snapshot version.
func (s *Store) ReaderAt(at uint64) *SnapshotReader {
	return &SnapshotReader{s: s, at: at}
}

// Snapshot returns the reader's pinned version.
func (r *SnapshotReader) Snapshot() uint64 { return r.at }

func (r *SnapshotReader) GetMeta(obj weaver.ObjID) (*weaver.ObjMeta, bool, error) {
	v, ok := r.s.ReadAt(MetaKey(obj), r.at)
	if !ok || v.Deleted {
		return nil, false, nil
	}
	m, ok := v.Value.(*weaver.ObjMeta)
	if !ok {
		return nil, false, fmt.Errorf("key %v holds %T, not object meta", MetaKey(obj), v.Value)
	}
	return m, true, nil
}

func (r *SnapshotReader) GetProp(obj weaver.ObjID, name string) (weaver.Property, bool, error) {
	v, ok := r.s.ReadAt(PropKey(obj, name), r.at)
	if !ok || v.Deleted {
		return weaver.Property{}, false, nil
	}
	p, ok := v.Value.(weaver.Property)
	if !ok {
		return weaver.Property{}, false, fmt.Errorf("key %v holds %T, not a property", PropKey(obj, name), v.Value)
	}
	return p, true, nil
}

func (r *SnapshotReader) GetVerbs(obj weaver.ObjID) (*weaver.VerbSet, bool, error) {
	v, ok := r.s.ReadAt(VerbsKey(obj), r.at)
	if !ok || v.Deleted {
		return nil, false, nil
	}
	vs, ok := v.Value.(*weaver.VerbSet)
	if !ok {
		return nil, false, fmt.Errorf("key %v holds %T, not a verb set", VerbsKey(obj), v.Value)
	}
	return vs, true, nil
}

// Entry is one key's visible state at a snapshot, for checkpoint iteration.
type Entry struct {
	Key       Key
	Versioned Versioned
}

// SnapshotAll returns every key's visible version at the given snapshot, in a
// deterministic key order. The store lock is held only while collecting
// references; version chains are append-only so the returned values are
// stable without copying.
func (s *Store) SnapshotAll(at uint64) []Entry {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.chains))
	for k := range s.chains {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Obj != b.Obj {
			return a.Obj < b.Obj
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})

	out := make([]Entry, 0, len(keys))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		if v, ok := s.readAtLocked(k, at); ok {
			out = append(out, Entry{Key: k, Versioned: v})
		}
	}
	return out
}

// Restore loads checkpointed state into an empty store: one committed version
// per key, the global version counter, and the id allocator. Returns an error
// if the store has already been written to.
func (s *Store) Restore(version uint64, entries []Entry, nextObj weaver.ObjID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != 0 || len(s.chains) > 0 {
		return fmt.Errorf("restore requires an empty store")
	}
	for _, e := range entries {
		s.chains[e.Key] = []Versioned{e.Versioned}
	}
	s.version = version
	s.nextObj = nextObj
	return nil
}

// NextObjID returns the allocator's current position without advancing it.
func (s *Store) NextObjID() weaver.ObjID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextObj
}
