// Package transaction implements snapshot transactions over the versioned
// object store. A transaction is exclusively owned by one task attempt: reads
// are pinned to the snapshot taken at Begin and recorded into a read-set;
// writes buffer locally (write-own-reads) and become visible to others only
// at commit, atomically, via the store's Propose. Validation is purely
// version-based; the first committer wins and everyone else conflicts.
package transaction

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/store"
)

// TwoPhaseCommit is the infrastructure-facing commit contract. Phase1 is a
// cheap pre-validation outside the store's critical section; Phase2 performs
// the linearizable validate+install. The scheduler normally drives both
// through Commit, but checkpoint coordination can interleave between phases.
type TwoPhaseCommit interface {
	Begin() error
	Phase1Commit(ctx context.Context) error
	Phase2Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	HasBegun() bool
}

// Transaction is one task attempt's isolated, versioned view of the store.
// Not safe for concurrent use: ownership is exclusive until commit/rollback.
type Transaction struct {
	id       weaver.UUID
	store    *store.Store
	snapshot uint64

	// readHorizon is the version fresh reads are served at. It starts at the
	// snapshot and advances only when the scheduler resumes a suspended task,
	// so keys first read after a resume observe intervening commits while
	// every key already read keeps its pinned first-read value.
	readHorizon uint64

	// readSet records, per key read, the version stamp observed. Absent keys
	// record version 0, which conflicts correctly if someone creates them.
	readSet map[store.Key]uint64
	// readCache pins the value returned by a key's first read; repeated reads
	// of an unmodified key are idempotent even across horizon advances.
	readCache map[store.Key]store.Versioned
	// writes buffers this transaction's pending mutations.
	writes map[store.Key]store.Write
	// writeOrder keeps install order deterministic.
	writeOrder []store.Key

	// -1 = initial state, 0 = began, 1 = phase 1 commit started, 2 = phase 2 commit or rollback done.
	phaseDone int
	committed bool
	// committedVersion is the global version this transaction installed.
	committedVersion uint64

	// onCommitHooks run after a successful commit; the scheduler uses them to
	// release buffered session output.
	onCommitHooks []func(ctx context.Context) error
}

// Begin opens a transaction whose snapshot is the store's current committed
// version. Reads never observe versions newer than this point.
func Begin(s *store.Store) *Transaction {
	snapshot := s.CurrentVersion()
	return &Transaction{
		id:          weaver.NewUUID(),
		store:       s,
		snapshot:    snapshot,
		readHorizon: snapshot,
		readSet:     make(map[store.Key]uint64),
		readCache:   make(map[store.Key]store.Versioned),
		writes:      make(map[store.Key]store.Write),
		phaseDone:   0,
	}
}

// AdvanceReadHorizon lets keys not yet read observe commits up to version v.
// The scheduler calls this when resuming a suspended task; pinned first-read
// values and buffered writes are unaffected. It never moves backwards.
func (t *Transaction) AdvanceReadHorizon(v uint64) {
	if v > t.readHorizon {
		t.readHorizon = v
	}
}

// ID returns the transaction ID.
func (t *Transaction) ID() weaver.UUID { return t.id }

// Snapshot returns the store version this transaction's reads are pinned to.
func (t *Transaction) Snapshot() uint64 { return t.snapshot }

// Store returns the underlying store, for resolution helpers.
func (t *Transaction) Store() *store.Store { return t.store }

// CommittedVersion returns the version installed by a successful commit, 0 otherwise.
func (t *Transaction) CommittedVersion() uint64 { return t.committedVersion }

// HasBegun reports whether the transaction is open (not yet finished).
func (t *Transaction) HasBegun() bool {
	return t.phaseDone >= 0 && t.phaseDone < 2
}

// Begin is a no-op for an already-open transaction, kept for the
// TwoPhaseCommit contract.
func (t *Transaction) Begin() error {
	if t.phaseDone == 2 {
		return fmt.Errorf("transaction is done, 'create a new one")
	}
	return nil
}

// read returns the entity at key visible to this transaction: the local write
// buffer first (write-own-reads), then the pinned first-read value, then the
// store at the read horizon, recording the dependency.
func (t *Transaction) read(key store.Key) (store.Versioned, bool) {
	if w, ok := t.writes[key]; ok {
		return store.Versioned{Version: t.snapshot, Value: w.Value, Deleted: w.Delete}, !w.Delete
	}
	if v, ok := t.readCache[key]; ok {
		if v.Version == 0 || v.Deleted {
			return v, false
		}
		return v, true
	}
	v, ok := t.store.ReadAt(key, t.readHorizon)
	if ok {
		t.readSet[key] = v.Version
		t.readCache[key] = v
	} else {
		t.readSet[key] = 0
		t.readCache[key] = store.Versioned{}
	}
	if !ok || v.Deleted {
		return v, false
	}
	return v, true
}

// put buffers a write. The key's current version joins the read-set so blind
// write/write overlaps still validate (no silent lost update).
func (t *Transaction) put(key store.Key, value any, del bool) {
	if _, tracked := t.readSet[key]; !tracked {
		if v, ok := t.store.ReadAt(key, t.readHorizon); ok {
			t.readSet[key] = v.Version
		} else {
			t.readSet[key] = 0
		}
	}
	if _, ok := t.writes[key]; !ok {
		t.writeOrder = append(t.writeOrder, key)
	}
	t.writes[key] = store.Write{Key: key, Value: value, Delete: del}
}

// GetMeta implements store.Reader.
func (t *Transaction) GetMeta(obj weaver.ObjID) (*weaver.ObjMeta, bool, error) {
	v, ok := t.read(store.MetaKey(obj))
	if !ok {
		return nil, false, nil
	}
	m, isMeta := v.Value.(*weaver.ObjMeta)
	if !isMeta {
		return nil, false, fmt.Errorf("key %v holds %T, not object meta", store.MetaKey(obj), v.Value)
	}
	return m, true, nil
}

// GetProp implements store.Reader. No inheritance walk; see EffectiveProp.
func (t *Transaction) GetProp(obj weaver.ObjID, name string) (weaver.Property, bool, error) {
	v, ok := t.read(store.PropKey(obj, name))
	if !ok {
		return weaver.Property{}, false, nil
	}
	p, isProp := v.Value.(weaver.Property)
	if !isProp {
		return weaver.Property{}, false, fmt.Errorf("key %v holds %T, not a property", store.PropKey(obj, name), v.Value)
	}
	return p, true, nil
}

// GetVerbs implements store.Reader.
func (t *Transaction) GetVerbs(obj weaver.ObjID) (*weaver.VerbSet, bool, error) {
	v, ok := t.read(store.VerbsKey(obj))
	if !ok {
		return nil, false, nil
	}
	vs, isVerbs := v.Value.(*weaver.VerbSet)
	if !isVerbs {
		return nil, false, fmt.Errorf("key %v holds %T, not a verb set", store.VerbsKey(obj), v.Value)
	}
	return vs, true, nil
}

// WriteSetSize returns the number of buffered writes.
func (t *Transaction) WriteSetSize() int { return len(t.writes) }

// PendingResolutionChange reports whether a buffered write could change the
// outcome of an inheritance walk for the named slot: any header write (the
// chain shape may have moved), any verb-set write for verb lookups, or a
// write to a property slot with the matching name. The store's resolution
// cache bypasses itself on true so buffered writes shadow committed state.
func (t *Transaction) PendingResolutionChange(kind store.EntityKind, name string) bool {
	for key := range t.writes {
		if key.Kind == store.KindMeta {
			return true
		}
		if key.Kind != kind {
			continue
		}
		if kind != store.KindProp || key.Name == name {
			return true
		}
	}
	return false
}

// Phase1Commit pre-validates the read-set against the store's latest
// versions, outside the commit critical section. A conflict caught here
// avoids taking the store lock at all; a pass is advisory only, Phase2
// revalidates authoritatively.
func (t *Transaction) Phase1Commit(ctx context.Context) error {
	if !t.HasBegun() {
		return fmt.Errorf("no transaction to commit, call Begin to start a transaction")
	}
	t.phaseDone = 1
	for key, observed := range t.readSet {
		if latest := t.store.LatestVersionOf(key); latest != observed {
			return weaver.Error{
				Code:     weaver.CommitConflict,
				Err:      fmt.Errorf("key %v moved from version %d to %d", key, observed, latest),
				UserData: key,
			}
		}
	}
	return nil
}

// Phase2Commit delegates to the store's Propose: validate under the store
// lock and atomically install every buffered write under one new version. On
// success the transaction is committed and its hooks run; on conflict the
// transaction is left for Rollback and no effect is visible to anyone.
func (t *Transaction) Phase2Commit(ctx context.Context) error {
	if t.phaseDone == 2 {
		return fmt.Errorf("transaction is done, 'create a new one")
	}
	if t.phaseDone != 1 {
		return fmt.Errorf("phase 1 commit has not been invoked yet")
	}
	t.phaseDone = 2

	writes := make([]store.Write, 0, len(t.writeOrder))
	for _, k := range t.writeOrder {
		writes = append(writes, t.writes[k])
	}
	version, err := t.store.Propose(t.readSet, writes)
	if err != nil {
		return err
	}
	t.committed = true
	t.committedVersion = version

	for _, hook := range t.onCommitHooks {
		if err := hook(ctx); err != nil {
			log.Warn(fmt.Sprintf("onCommit hook failed, details: %v", err))
		}
	}
	return nil
}

// Commit runs both phases. Read-only transactions (empty write-set) skip the
// store's critical section entirely after validation.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.Phase1Commit(ctx); err != nil {
		t.Rollback(ctx)
		return err
	}
	if len(t.writes) == 0 {
		// Nothing to install; phase 1's validation is all a reader needs.
		t.phaseDone = 2
		t.committed = true
		t.committedVersion = t.snapshot
		for _, hook := range t.onCommitHooks {
			if err := hook(ctx); err != nil {
				log.Warn(fmt.Sprintf("onCommit hook failed, details: %v", err))
			}
		}
		return nil
	}
	if err := t.Phase2Commit(ctx); err != nil {
		t.Rollback(ctx)
		return err
	}
	return nil
}

// Rollback discards all buffered writes and ends the transaction. No partial
// effects were ever visible, so rollback is always safe and always succeeds.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.committed {
		return fmt.Errorf("transaction already committed, 'can't rollback")
	}
	t.phaseDone = 2
	t.writes = nil
	t.writeOrder = nil
	t.readSet = nil
	return nil
}

// Committed reports whether the transaction committed successfully.
func (t *Transaction) Committed() bool { return t.committed }

// OnCommit registers a callback to be executed after a successful commit.
func (t *Transaction) OnCommit(callback func(ctx context.Context) error) {
	t.onCommitHooks = append(t.onCommitHooks, callback)
}
