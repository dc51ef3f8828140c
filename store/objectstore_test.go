package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mudworks/weaver"
)

func commitMeta(t *testing.T, s *Store, obj weaver.ObjID, parent weaver.ObjID) uint64 {
	t.Helper()
	v, err := s.Propose(map[Key]uint64{}, []Write{
		{Key: MetaKey(obj), Value: &weaver.ObjMeta{ID: obj, Parent: parent, Owner: obj}},
	})
	if err != nil {
		t.Fatalf("commit meta for %v failed, details: %v", obj, err)
	}
	return v
}

func commitProp(t *testing.T, s *Store, obj weaver.ObjID, name string, val weaver.Var) uint64 {
	t.Helper()
	v, err := s.Propose(map[Key]uint64{}, []Write{
		{Key: PropKey(obj, name), Value: weaver.Property{Name: name, Value: val, Definer: obj, Owner: obj}},
	})
	if err != nil {
		t.Fatalf("commit prop %v.%s failed, details: %v", obj, name, err)
	}
	return v
}

func TestReadAtObservesOnlyOlderVersions(t *testing.T) {
	s := New()
	v1 := commitProp(t, s, 1, "hp", weaver.NewInt(10))
	v2 := commitProp(t, s, 1, "hp", weaver.NewInt(20))

	got, ok := s.ReadAt(PropKey(1, "hp"), v1)
	if !ok {
		t.Fatal("expected a version visible at v1")
	}
	if got.Value.(weaver.Property).Value.Int != 10 {
		t.Errorf("snapshot at v1 saw %v, want 10", got.Value)
	}

	got, ok = s.ReadAt(PropKey(1, "hp"), v2)
	if !ok || got.Value.(weaver.Property).Value.Int != 20 {
		t.Errorf("snapshot at v2 saw %v, want 20", got.Value)
	}

	if _, ok := s.ReadAt(PropKey(1, "hp"), v1-1); ok {
		t.Error("snapshot before the first commit should see nothing")
	}
}

func TestProposeFirstCommitterWins(t *testing.T) {
	s := New()
	base := commitProp(t, s, 1, "gold", weaver.NewInt(100))

	key := PropKey(1, "gold")
	// Both transactions observed the same version of the key.
	readSet := map[Key]uint64{key: base}

	if _, err := s.Propose(readSet, []Write{
		{Key: key, Value: weaver.Property{Name: "gold", Value: weaver.NewInt(150), Definer: 1, Owner: 1}},
	}); err != nil {
		t.Fatalf("first committer should win, got: %v", err)
	}

	_, err := s.Propose(readSet, []Write{
		{Key: key, Value: weaver.Property{Name: "gold", Value: weaver.NewInt(175), Definer: 1, Owner: 1}},
	})
	var ke weaver.Error
	if !errors.As(err, &ke) || ke.Code != weaver.CommitConflict {
		t.Fatalf("second committer should conflict, got: %v", err)
	}
}

func TestProposeConflictInstallsNothing(t *testing.T) {
	s := New()
	base := commitProp(t, s, 1, "a", weaver.NewInt(1))
	commitProp(t, s, 1, "a", weaver.NewInt(2))

	before := s.CurrentVersion()
	_, err := s.Propose(map[Key]uint64{PropKey(1, "a"): base}, []Write{
		{Key: PropKey(1, "b"), Value: weaver.Property{Name: "b", Value: weaver.NewInt(9), Definer: 1, Owner: 1}},
		{Key: PropKey(1, "a"), Value: weaver.Property{Name: "a", Value: weaver.NewInt(9), Definer: 1, Owner: 1}},
	})
	if err == nil {
		t.Fatal("expected conflict")
	}
	if s.CurrentVersion() != before {
		t.Error("conflicting commit advanced the version counter")
	}
	if _, ok := s.ReadAt(PropKey(1, "b"), s.CurrentVersion()); ok {
		t.Error("conflicting commit leaked a partial write")
	}
}

func TestCommitHookFailureHaltsStore(t *testing.T) {
	s := New()
	s.SetCommitHook(func(version uint64, writes []Write) error {
		return fmt.Errorf("disk on fire")
	})

	_, err := s.Propose(map[Key]uint64{}, []Write{
		{Key: MetaKey(1), Value: &weaver.ObjMeta{ID: 1}},
	})
	var ke weaver.Error
	if !errors.As(err, &ke) || ke.Code != weaver.StoreIOFailure {
		t.Fatalf("want StoreIOFailure, got: %v", err)
	}
	if !s.Halted() {
		t.Fatal("store should halt after a durability failure")
	}

	s.SetCommitHook(nil)
	if _, err := s.Propose(map[Key]uint64{}, []Write{
		{Key: MetaKey(2), Value: &weaver.ObjMeta{ID: 2}},
	}); err == nil {
		t.Fatal("halted store accepted a commit")
	}
}

func TestApplyCommittedRejectsGaps(t *testing.T) {
	s := New()
	if err := s.ApplyCommitted(1, []Write{{Key: MetaKey(1), Value: &weaver.ObjMeta{ID: 1}}}); err != nil {
		t.Fatalf("replaying version 1 onto empty store failed: %v", err)
	}
	if err := s.ApplyCommitted(3, nil); err == nil {
		t.Fatal("replay with a version gap should fail")
	}
}

func TestSnapshotAllAndRestoreRoundTrip(t *testing.T) {
	s := New()
	commitMeta(t, s, 1, weaver.Nothing)
	commitProp(t, s, 1, "name", weaver.NewStr("lobby"))
	commitProp(t, s, 1, "name", weaver.NewStr("atrium"))
	at := s.CurrentVersion()

	entries := s.SnapshotAll(at)
	if len(entries) != 2 {
		t.Fatalf("want 2 visible entries, got %d", len(entries))
	}

	restored := New()
	if err := restored.Restore(at, entries, s.NextObjID()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	got, ok := restored.ReadAt(PropKey(1, "name"), at)
	if !ok || got.Value.(weaver.Property).Value.Str != "atrium" {
		t.Errorf("restored store saw %v, want atrium", got.Value)
	}
	if restored.CurrentVersion() != at {
		t.Errorf("restored version = %d, want %d", restored.CurrentVersion(), at)
	}

	if err := restored.Restore(at, entries, 2); err == nil {
		t.Error("restore onto a non-empty store should fail")
	}
}

func TestAllocObjIDStaysAheadOfReplay(t *testing.T) {
	s := New()
	if err := s.ApplyCommitted(1, []Write{{Key: MetaKey(41), Value: &weaver.ObjMeta{ID: 41}}}); err != nil {
		t.Fatal(err)
	}
	if id := s.AllocObjID(); id != 42 {
		t.Errorf("allocator handed out %v, want #42", id)
	}
}

func TestResolveVerbWalksAncestors(t *testing.T) {
	s := New()
	prog := &weaver.Program{Code: []weaver.Instr{{Op: weaver.OpReturn0}}}
	if _, err := s.Propose(map[Key]uint64{}, []Write{
		{Key: MetaKey(1), Value: &weaver.ObjMeta{ID: 1, Parent: weaver.Nothing}},
		{Key: VerbsKey(1), Value: &weaver.VerbSet{Verbs: []weaver.Verb{{Names: []string{"look"}, Owner: 1, Program: prog}}}},
		{Key: MetaKey(2), Value: &weaver.ObjMeta{ID: 2, Parent: 1}},
		{Key: VerbsKey(2), Value: &weaver.VerbSet{}},
	}); err != nil {
		t.Fatal(err)
	}
	at := s.CurrentVersion()
	r := s.ReaderAt(at)

	// Twice: second hit exercises the resolution cache.
	for i := 0; i < 2; i++ {
		v, definer, found, err := s.ResolveVerb(r, at, 2, "look")
		if err != nil || !found {
			t.Fatalf("round %d: look should resolve, found=%v err=%v", i, found, err)
		}
		if definer != 1 || v.Names[0] != "look" {
			t.Errorf("round %d: resolved on %v, want #1", i, definer)
		}
	}

	if _, _, found, _ := s.ResolveVerb(r, at, 2, "dance"); found {
		t.Error("dance should not resolve")
	}
}

func TestResolveInvalidatedByParentChange(t *testing.T) {
	s := New()
	prog := &weaver.Program{Code: []weaver.Instr{{Op: weaver.OpReturn0}}}
	if _, err := s.Propose(map[Key]uint64{}, []Write{
		{Key: MetaKey(1), Value: &weaver.ObjMeta{ID: 1, Parent: weaver.Nothing}},
		{Key: VerbsKey(1), Value: &weaver.VerbSet{Verbs: []weaver.Verb{{Names: []string{"greet"}, Owner: 1, Program: prog}}}},
		{Key: MetaKey(2), Value: &weaver.ObjMeta{ID: 2, Parent: weaver.Nothing}},
		{Key: VerbsKey(2), Value: &weaver.VerbSet{}},
		{Key: MetaKey(3), Value: &weaver.ObjMeta{ID: 3, Parent: 2}},
		{Key: VerbsKey(3), Value: &weaver.VerbSet{}},
	}); err != nil {
		t.Fatal(err)
	}
	at := s.CurrentVersion()
	if _, _, found, _ := s.ResolveVerb(s.ReaderAt(at), at, 3, "greet"); found {
		t.Fatal("greet should not resolve before the reparent")
	}

	// Reparent #3 under #1; resolution must change.
	if _, err := s.Propose(map[Key]uint64{}, []Write{
		{Key: MetaKey(3), Value: &weaver.ObjMeta{ID: 3, Parent: 1}},
	}); err != nil {
		t.Fatal(err)
	}
	at2 := s.CurrentVersion()
	_, definer, found, err := s.ResolveVerb(s.ReaderAt(at2), at2, 3, "greet")
	if err != nil || !found || definer != 1 {
		t.Fatalf("after reparent greet should resolve on #1, found=%v definer=%v err=%v", found, definer, err)
	}

	// The old snapshot still resolves the old way.
	if _, _, found, _ := s.ResolveVerb(s.ReaderAt(at), at, 3, "greet"); found {
		t.Error("old snapshot observed the reparent")
	}
}

func TestResolvePropertySkipsClearSlots(t *testing.T) {
	s := New()
	if _, err := s.Propose(map[Key]uint64{}, []Write{
		{Key: MetaKey(1), Value: &weaver.ObjMeta{ID: 1, Parent: weaver.Nothing}},
		{Key: PropKey(1, "desc"), Value: weaver.Property{Name: "desc", Value: weaver.NewStr("a thing"), Definer: 1, Owner: 1}},
		{Key: MetaKey(2), Value: &weaver.ObjMeta{ID: 2, Parent: 1}},
		{Key: PropKey(2, "desc"), Value: weaver.Property{Name: "desc", Definer: 1, Owner: 2, Clear: true}},
	}); err != nil {
		t.Fatal(err)
	}
	at := s.CurrentVersion()
	p, definer, found, err := s.ResolveProperty(s.ReaderAt(at), at, 2, "desc")
	if err != nil || !found {
		t.Fatalf("desc should resolve, err=%v", err)
	}
	if definer != 1 || p.Value.Str != "a thing" {
		t.Errorf("clear slot should fall through to #1, got definer=%v value=%v", definer, p.Value)
	}
}
