// Package store implements the versioned object store: the only structure
// shared across all tasks. Every object is a set of independently versioned
// entities (header, property slots, verb set) keyed by ObjID plus entity kind.
// Committed versions are stamped from a single global counter; readers observe
// the version current as of their snapshot, never future versions. Propose is
// the sole mutation path and is linearizable: first committer wins.
package store

import (
	"fmt"

	"github.com/mudworks/weaver"
)

// EntityKind discriminates the versioned entities an object is made of.
type EntityKind int

const (
	// KindMeta is the object header: parent, owner, name, flags, children.
	KindMeta EntityKind = iota
	// KindProp is one named property slot.
	KindProp
	// KindVerbs is the object's whole verb set, versioned as a unit so one
	// version stamp can invalidate dispatch caches.
	KindVerbs
)

func (k EntityKind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindProp:
		return "prop"
	case KindVerbs:
		return "verbs"
	}
	return "unknown"
}

// Key addresses one versioned entity. Name is empty except for KindProp.
type Key struct {
	Obj  weaver.ObjID `json:"obj"`
	Kind EntityKind   `json:"kind"`
	Name string       `json:"name,omitempty"`
}

func MetaKey(o weaver.ObjID) Key          { return Key{Obj: o, Kind: KindMeta} }
func PropKey(o weaver.ObjID, n string) Key { return Key{Obj: o, Kind: KindProp, Name: n} }
func VerbsKey(o weaver.ObjID) Key         { return Key{Obj: o, Kind: KindVerbs} }

func (k Key) String() string {
	if k.Kind == KindProp {
		return fmt.Sprintf("%v.%s", k.Obj, k.Name)
	}
	return fmt.Sprintf("%v/%v", k.Obj, k.Kind)
}

// Versioned is one committed version of an entity. Value holds *weaver.ObjMeta,
// weaver.Property, or *weaver.VerbSet depending on the key's kind. Deleted
// versions are tombstones left by recycle/clear-property commits.
type Versioned struct {
	Version uint64 `json:"version"`
	Value   any    `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Write is one pending entity mutation inside a transaction's write-set.
type Write struct {
	Key    Key  `json:"key"`
	Value  any  `json:"value"`
	Delete bool `json:"delete,omitempty"`
}

// Reader is the read contract the resolution helpers work over. The
// transaction package implements it with read-set recording; the store's own
// SnapshotReader implements it for admin and checkpoint reads.
type Reader interface {
	// GetMeta returns the object header visible at the reader's snapshot.
	GetMeta(obj weaver.ObjID) (*weaver.ObjMeta, bool, error)
	// GetProp returns the named local property slot (no inheritance walk).
	GetProp(obj weaver.ObjID, name string) (weaver.Property, bool, error)
	// GetVerbs returns the object's verb set.
	GetVerbs(obj weaver.ObjID) (*weaver.VerbSet, bool, error)
}

// CommitHook runs inside Propose's critical section after validation and
// before the writes become visible; the durability log appends here. A non-nil
// error aborts the commit and halts the store.
type CommitHook func(version uint64, writes []Write) error
