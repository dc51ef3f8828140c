package store

import (
	"strings"
	"sync"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/cache"
)

// Inheritance resolution. Effective lookups walk the parent chain from the
// receiving object upward, most-derived definition wins. The walk is a hot
// path on verb dispatch, so its outcome (which ancestor defines the slot) is
// cached per (object, name); values are still read through the caller's
// Reader so snapshot pinning and read-set recording are preserved.

const (
	defaultResolveCacheCapacity = 8192
	// maxChainDepth guards the walk against a corrupted parent cycle; cycles
	// are rejected at mutation time, this is the dereference-time backstop.
	maxChainDepth = 256
)

type resolveKey struct {
	Obj weaver.ObjID
	// Name is the verb or property name, prefixed with "v:" or "p:".
	Name string
}

type resolveEntry struct {
	Definer weaver.ObjID
	// Gen is the store's resolveGen at the time the walk ran; a bump since
	// then (any ancestor verb-set/header mutation anywhere) invalidates it.
	Gen uint64
	// NotFound caches a definitive miss.
	NotFound bool
}

type resolveCache struct {
	mu sync.Mutex
	c  cache.Cache[resolveKey, resolveEntry]
}

func newResolveCache(capacity int) *resolveCache {
	return &resolveCache{
		c: cache.NewCache[resolveKey, resolveEntry](capacity/2, capacity),
	}
}

func (rc *resolveCache) get(k resolveKey) (resolveEntry, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v := rc.c.Get([]resolveKey{k})
	if v[0].Gen == 0 && v[0].Definer == 0 && !v[0].NotFound {
		return resolveEntry{}, false
	}
	return v[0], true
}

func (rc *resolveCache) set(k resolveKey, e resolveEntry) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.c.Set([]weaver.KeyValuePair[resolveKey, resolveEntry]{{Key: k, Value: e}})
}

// pendingResolver is implemented by readers that buffer uncommitted writes
// (the transaction package). A buffered slot or reparent shadows committed
// state, and the cache generation only tracks commits, so such readers bypass
// the cache whenever a pending write could change the lookup's outcome; the
// full walk reads every step through the reader and sees the buffer.
type pendingResolver interface {
	PendingResolutionChange(kind EntityKind, name string) bool
}

func bypassResolveCache(r Reader, kind EntityKind, name string) bool {
	pr, ok := r.(pendingResolver)
	return ok && pr.PendingResolutionChange(kind, name)
}

// resolveState returns the generation stamp and the version of the last
// resolution-affecting commit, read consistently.
func (s *Store) resolveState() (gen uint64, bumpedAt uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveGen, s.resolveBumpVersion
}

// ResolveVerb finds the effective verb definition for a method call on obj:
// nearest ancestor (or self) whose verb set matches name. The returned definer
// is the object holding the definition. ok is false with a nil error when no
// ancestor defines the verb. Reads route through r so transactional callers
// get snapshot pinning and read-set recording.
func (s *Store) ResolveVerb(r Reader, snapshot uint64, obj weaver.ObjID, name string) (*weaver.Verb, weaver.ObjID, bool, error) {
	name = strings.ToLower(name)
	ck := resolveKey{Obj: obj, Name: "v:" + name}

	gen, bumpedAt := s.resolveState()
	bypass := bypassResolveCache(r, KindVerbs, name)
	if e, ok := s.resolve.get(ck); !bypass && ok && e.Gen == gen && snapshot >= bumpedAt {
		if e.NotFound {
			return nil, weaver.Nothing, false, nil
		}
		// Re-read the definer's verb set through the caller so the dependency
		// lands in its read-set; the cache only short-circuits the walk.
		vs, found, err := r.GetVerbs(e.Definer)
		if err != nil {
			return nil, weaver.Nothing, false, err
		}
		if found {
			if v := vs.Find(name); v != nil {
				return v, e.Definer, true, nil
			}
		}
		// Stale entry despite matching generation should not happen; fall
		// through to a full walk.
	}

	cur := obj
	for depth := 0; depth < maxChainDepth && cur.Valid(); depth++ {
		vs, found, err := r.GetVerbs(cur)
		if err != nil {
			return nil, weaver.Nothing, false, err
		}
		if found {
			if v := vs.Find(name); v != nil {
				if !bypass {
					s.maybeCacheResolution(ck, resolveEntry{Definer: cur, Gen: gen}, snapshot)
				}
				return v, cur, true, nil
			}
		}
		meta, found, err := r.GetMeta(cur)
		if err != nil {
			return nil, weaver.Nothing, false, err
		}
		if !found || meta.Recycled {
			break
		}
		cur = meta.Parent
	}
	if !bypass {
		s.maybeCacheResolution(ck, resolveEntry{Gen: gen, NotFound: true}, snapshot)
	}
	return nil, weaver.Nothing, false, nil
}

// ResolveProperty finds the effective property for obj: the nearest
// ancestor-or-self slot that is not marked Clear. The returned definer is the
// object whose slot supplied the value.
func (s *Store) ResolveProperty(r Reader, snapshot uint64, obj weaver.ObjID, name string) (weaver.Property, weaver.ObjID, bool, error) {
	ck := resolveKey{Obj: obj, Name: "p:" + name}

	gen, bumpedAt := s.resolveState()
	bypass := bypassResolveCache(r, KindProp, name)
	if e, ok := s.resolve.get(ck); !bypass && ok && e.Gen == gen && snapshot >= bumpedAt {
		if e.NotFound {
			return weaver.Property{}, weaver.Nothing, false, nil
		}
		p, found, err := r.GetProp(e.Definer, name)
		if err != nil {
			return weaver.Property{}, weaver.Nothing, false, err
		}
		if found && !p.Clear {
			return p, e.Definer, true, nil
		}
	}

	cur := obj
	for depth := 0; depth < maxChainDepth && cur.Valid(); depth++ {
		p, found, err := r.GetProp(cur, name)
		if err != nil {
			return weaver.Property{}, weaver.Nothing, false, err
		}
		if found && !p.Clear {
			if !bypass {
				s.maybeCacheResolution(ck, resolveEntry{Definer: cur, Gen: gen}, snapshot)
			}
			return p, cur, true, nil
		}
		meta, found, err := r.GetMeta(cur)
		if err != nil {
			return weaver.Property{}, weaver.Nothing, false, err
		}
		if !found || meta.Recycled {
			break
		}
		cur = meta.Parent
	}
	if !bypass {
		s.maybeCacheResolution(ck, resolveEntry{Gen: gen, NotFound: true}, snapshot)
	}
	return weaver.Property{}, weaver.Nothing, false, nil
}

// maybeCacheResolution inserts a walk outcome, but only when the walk ran
// against the current generation at a snapshot that saw the latest
// resolution-affecting commit. Older snapshots may legitimately resolve
// differently and must not poison the cache.
func (s *Store) maybeCacheResolution(k resolveKey, e resolveEntry, snapshot uint64) {
	gen, bumpedAt := s.resolveState()
	if e.Gen != gen || snapshot < bumpedAt {
		return
	}
	s.resolve.set(k, e)
}
