package weaver

import (
	"fmt"
	"strconv"
	"strings"
)

// VarType enumerates the kinds a Var can hold. The value domain is closed:
// every property value, verb argument, and task result is one of these.
type VarType int

const (
	// TypeNone is the "no value" kind, distinct from integer zero or empty string.
	TypeNone VarType = iota
	// TypeInt is a 64-bit signed integer.
	TypeInt
	// TypeFloat is a 64-bit float.
	TypeFloat
	// TypeStr is a string.
	TypeStr
	// TypeObj is an object reference by ObjID. Reference validity is checked at
	// dereference time, never structurally.
	TypeObj
	// TypeErr is a program error value (catchable in-program).
	TypeErr
	// TypeList is an ordered list of Vars.
	TypeList
	// TypeMap is an associative map of Var keys to Var values.
	TypeMap
)

// ErrCode is a program-level error value. These are values in the language
// domain: they can be stored in properties, raised, and caught by in-program
// handlers. They are unrelated to kernel Error codes (see error.go).
type ErrCode int

const (
	E_NONE ErrCode = iota
	E_TYPE
	E_DIV
	E_PERM
	E_PROPNF
	E_VERBNF
	E_VARNF
	E_INVIND
	E_RECMOVE
	E_MAXREC
	E_RANGE
	E_ARGS
	E_NACC
	E_INVARG
	E_QUOTA
	E_FLOAT
)

var errCodeLabels = map[ErrCode]string{
	E_NONE:    "E_NONE",
	E_TYPE:    "E_TYPE",
	E_DIV:     "E_DIV",
	E_PERM:    "E_PERM",
	E_PROPNF:  "E_PROPNF",
	E_VERBNF:  "E_VERBNF",
	E_VARNF:   "E_VARNF",
	E_INVIND:  "E_INVIND",
	E_RECMOVE: "E_RECMOVE",
	E_MAXREC:  "E_MAXREC",
	E_RANGE:   "E_RANGE",
	E_ARGS:    "E_ARGS",
	E_NACC:    "E_NACC",
	E_INVARG:  "E_INVARG",
	E_QUOTA:   "E_QUOTA",
	E_FLOAT:   "E_FLOAT",
}

var errCodeMessages = map[ErrCode]string{
	E_NONE:    "No error",
	E_TYPE:    "Type mismatch",
	E_DIV:     "Division by zero",
	E_PERM:    "Permission denied",
	E_PROPNF:  "Property not found",
	E_VERBNF:  "Verb not found",
	E_VARNF:   "Variable not found",
	E_INVIND:  "Invalid indirection",
	E_RECMOVE: "Recursive move",
	E_MAXREC:  "Too many verb calls",
	E_RANGE:   "Range error",
	E_ARGS:    "Incorrect number of arguments",
	E_NACC:    "Move refused by destination",
	E_INVARG:  "Invalid argument",
	E_QUOTA:   "Resource limit exceeded",
	E_FLOAT:   "Floating-point arithmetic error",
}

// Label returns the canonical E_* name of the error code.
func (e ErrCode) Label() string {
	if s, ok := errCodeLabels[e]; ok {
		return s
	}
	return fmt.Sprintf("E_UNKNOWN(%d)", int(e))
}

// Message returns the human-readable description of the error code.
func (e ErrCode) Message() string {
	if s, ok := errCodeMessages[e]; ok {
		return s
	}
	return "Unknown error"
}

// Var is the kernel's tagged-union value. The zero Var is TypeNone.
// Vars are treated as immutable; mutating operations return new Vars.
type Var struct {
	Type  VarType                 `json:"type"`
	Int   int64                   `json:"int,omitempty"`
	Float float64                 `json:"float,omitempty"`
	Str   string                  `json:"str,omitempty"`
	Obj   ObjID                   `json:"obj,omitempty"`
	Err   ErrCode                 `json:"err,omitempty"`
	List  []Var                   `json:"list,omitempty"`
	Map   []KeyValuePair[Var, Var] `json:"map,omitempty"`
}

// None is the TypeNone value.
var None = Var{Type: TypeNone}

func NewInt(i int64) Var        { return Var{Type: TypeInt, Int: i} }
func NewFloat(f float64) Var    { return Var{Type: TypeFloat, Float: f} }
func NewStr(s string) Var       { return Var{Type: TypeStr, Str: s} }
func NewObjVar(o ObjID) Var     { return Var{Type: TypeObj, Obj: o} }
func NewErrVar(e ErrCode) Var   { return Var{Type: TypeErr, Err: e} }
func NewList(items ...Var) Var  { return Var{Type: TypeList, List: items} }

// NewMap builds a TypeMap Var from key/value pairs. Later duplicates of a key
// replace earlier ones.
func NewMap(pairs ...KeyValuePair[Var, Var]) Var {
	m := Var{Type: TypeMap}
	for _, p := range pairs {
		m = m.MapSet(p.Key, p.Value)
	}
	return m
}

// MapGet looks up key in a TypeMap Var. The second return is false when the
// key is absent or the Var is not a map.
func (v Var) MapGet(key Var) (Var, bool) {
	if v.Type != TypeMap {
		return None, false
	}
	for i := range v.Map {
		if v.Map[i].Key.Equal(key) {
			return v.Map[i].Value, true
		}
	}
	return None, false
}

// MapSet returns a copy of the map Var with key set to value.
func (v Var) MapSet(key, value Var) Var {
	out := Var{Type: TypeMap, Map: make([]KeyValuePair[Var, Var], 0, len(v.Map)+1)}
	replaced := false
	for i := range v.Map {
		if v.Map[i].Key.Equal(key) {
			out.Map = append(out.Map, KeyValuePair[Var, Var]{Key: key, Value: value})
			replaced = true
			continue
		}
		out.Map = append(out.Map, v.Map[i])
	}
	if !replaced {
		out.Map = append(out.Map, KeyValuePair[Var, Var]{Key: key, Value: value})
	}
	return out
}

// Equal reports deep equality of two Vars. Int and Float never compare equal
// across types; lists and maps compare element-wise.
func (v Var) Equal(o Var) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeNone:
		return true
	case TypeInt:
		return v.Int == o.Int
	case TypeFloat:
		return v.Float == o.Float
	case TypeStr:
		return v.Str == o.Str
	case TypeObj:
		return v.Obj == o.Obj
	case TypeErr:
		return v.Err == o.Err
	case TypeList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for i := range v.Map {
			ov, ok := o.MapGet(v.Map[i].Key)
			if !ok || !ov.Equal(v.Map[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// Truthy reports whether the Var counts as true in a conditional: nonzero
// numbers, nonempty strings/lists/maps, and valid object refs.
func (v Var) Truthy() bool {
	switch v.Type {
	case TypeInt:
		return v.Int != 0
	case TypeFloat:
		return v.Float != 0
	case TypeStr:
		return v.Str != ""
	case TypeList:
		return len(v.List) > 0
	case TypeMap:
		return len(v.Map) > 0
	case TypeObj:
		return v.Obj.Valid()
	default:
		return false
	}
}

// TypeName returns the simplified type name (e.g. "int", "str", "obj").
// Used for UI display and loose type checking.
func (v Var) TypeName() string {
	switch v.Type {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeStr:
		return "str"
	case TypeObj:
		return "obj"
	case TypeErr:
		return "err"
	case TypeList:
		return "list"
	case TypeMap:
		return "map"
	default:
		return "none"
	}
}

// String renders the Var in literal form, lists and maps recursively.
func (v Var) String() string {
	switch v.Type {
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeStr:
		return strconv.Quote(v.Str)
	case TypeObj:
		return v.Obj.String()
	case TypeErr:
		return v.Err.Label()
	case TypeList:
		parts := make([]string, len(v.List))
		for i := range v.List {
			parts[i] = v.List[i].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case TypeMap:
		parts := make([]string, len(v.Map))
		for i := range v.Map {
			parts[i] = v.Map[i].Key.String() + " -> " + v.Map[i].Value.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "none"
	}
}
