package weaver

import (
	"fmt"
	"strings"
)

// ObjID is the stable integer identity of an object in the world graph.
// Relationships (parent, property references) are always expressed as ObjIDs
// looked up through the store at a transaction's snapshot, never as live
// pointers (see the store package). IDs are never reused while any
// version of the object remains reachable from a snapshot.
type ObjID int64

const (
	// Nothing is the canonical "no object" reference and the parent of roots.
	Nothing ObjID = -1
	// AmbiguousMatch is returned by command matching when several objects fit.
	AmbiguousMatch ObjID = -2
	// FailedMatch is returned by command matching when no object fits.
	FailedMatch ObjID = -3
)

// Valid reports whether the ID can name a real object. It says nothing about
// whether the object currently exists; that is checked at dereference time.
func (o ObjID) Valid() bool { return o >= 0 }

func (o ObjID) String() string { return fmt.Sprintf("#%d", int64(o)) }

// ObjFlag is an object's flag bit-set.
type ObjFlag uint8

const (
	FlagUser ObjFlag = 1 << iota
	FlagProgrammer
	FlagWizard
	FlagRead
	FlagWrite
	FlagFertile
)

// PropFlag is a property's permission bit-set.
type PropFlag uint8

const (
	PropRead PropFlag = 1 << iota
	PropWrite
	PropChown
)

// VerbFlag is a verb's permission bit-set.
type VerbFlag uint8

const (
	VerbRead VerbFlag = 1 << iota
	VerbWrite
	VerbExec
	VerbDebug
)

// ObjMeta is an object's versioned header: everything about the object except
// its property values and verb set, which version independently. Children is a
// derived back-reference maintained by the store at mutation time; Parent is
// the authoritative edge.
type ObjMeta struct {
	ID       ObjID   `json:"id"`
	Parent   ObjID   `json:"parent"`
	Owner    ObjID   `json:"owner"`
	Name     string  `json:"name"`
	Flags    ObjFlag `json:"flags"`
	Children []ObjID `json:"children,omitempty"`
	// Recycled marks a destroyed object; dereferencing one raises E_INVIND.
	Recycled bool `json:"recycled,omitempty"`
}

// Property is a named, inheritable attribute slot on an object.
type Property struct {
	Name  string   `json:"name"`
	Value Var      `json:"value"`
	// Definer is the ancestor that defines the canonical slot; for a local
	// override it equals the holding object.
	Definer ObjID    `json:"definer"`
	Owner   ObjID    `json:"owner"`
	Flags   PropFlag `json:"flags"`
	// Clear marks an inherited slot with no local override; reads fall through
	// to the nearest ancestor's value.
	Clear bool `json:"clear,omitempty"`
}

// Verb is a named, inheritable, callable program attached to an object.
// Program is the compiled artifact produced by the (out of scope) compiler
// front end; the kernel treats its contents as opaque and only executes it.
type Verb struct {
	Names   []string `json:"names"`
	Owner   ObjID    `json:"owner"`
	Flags   VerbFlag `json:"flags"`
	Program *Program `json:"program"`
}

// MatchesName reports whether the candidate invocation name matches one of the
// verb's names. A trailing "*" in a verb name marks the minimum unambiguous
// prefix ("del*ete" matches "del", "dele", ... "delete"); a bare "*" matches
// anything.
func (v *Verb) MatchesName(name string) bool {
	name = strings.ToLower(name)
	for _, vn := range v.Names {
		vn = strings.ToLower(vn)
		if vn == "*" {
			return true
		}
		star := strings.IndexByte(vn, '*')
		if star < 0 {
			if vn == name {
				return true
			}
			continue
		}
		prefix := vn[:star]
		full := prefix + vn[star+1:]
		if len(name) >= len(prefix) && strings.HasPrefix(full, name) {
			return true
		}
	}
	return false
}

// VerbSet is the complete verb list of one object, versioned as a unit so a
// single ancestor version stamp can invalidate dispatch caches below it.
type VerbSet struct {
	Verbs []Verb `json:"verbs"`
}

// Find returns the first verb matching name, or nil.
func (vs *VerbSet) Find(name string) *Verb {
	for i := range vs.Verbs {
		if vs.Verbs[i].MatchesName(name) {
			return &vs.Verbs[i]
		}
	}
	return nil
}
