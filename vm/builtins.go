package vm

import (
	"strconv"
	"strings"

	"github.com/mudworks/weaver"
)

// callBuiltin dispatches OpCallBuiltin. Argument count and type violations
// surface as program errors, never Go errors; the Go error return is for
// store failures only.
func (m *Machine) callBuiltin(id int32, args []weaver.Var) (weaver.Var, *raised, error) {
	switch id {
	case weaver.BfTypeof:
		if len(args) != 1 {
			return weaver.None, m.throw(weaver.E_ARGS), nil
		}
		return weaver.NewInt(int64(args[0].Type)), nil, nil

	case weaver.BfLength:
		if len(args) != 1 {
			return weaver.None, m.throw(weaver.E_ARGS), nil
		}
		switch args[0].Type {
		case weaver.TypeStr:
			return weaver.NewInt(int64(len(args[0].Str))), nil, nil
		case weaver.TypeList:
			return weaver.NewInt(int64(len(args[0].List))), nil, nil
		case weaver.TypeMap:
			return weaver.NewInt(int64(len(args[0].Map))), nil, nil
		default:
			return weaver.None, m.throw(weaver.E_TYPE), nil
		}

	case weaver.BfTostr:
		var b strings.Builder
		for _, a := range args {
			b.WriteString(display(a))
		}
		return weaver.NewStr(b.String()), nil, nil

	case weaver.BfToint:
		if len(args) != 1 {
			return weaver.None, m.throw(weaver.E_ARGS), nil
		}
		switch args[0].Type {
		case weaver.TypeInt:
			return args[0], nil, nil
		case weaver.TypeFloat:
			return weaver.NewInt(int64(args[0].Float)), nil, nil
		case weaver.TypeErr:
			return weaver.NewInt(int64(args[0].Err)), nil, nil
		case weaver.TypeStr:
			n, err := strconv.ParseInt(strings.TrimSpace(args[0].Str), 10, 64)
			if err != nil {
				return weaver.None, m.throw(weaver.E_INVARG), nil
			}
			return weaver.NewInt(n), nil, nil
		default:
			return weaver.None, m.throw(weaver.E_TYPE), nil
		}

	case weaver.BfRaise:
		if len(args) < 1 {
			return weaver.None, m.throw(weaver.E_ARGS), nil
		}
		if args[0].Type != weaver.TypeErr {
			return weaver.None, m.throw(weaver.E_TYPE), nil
		}
		r := m.throw(args[0].Err)
		if len(args) > 1 && args[1].Type == weaver.TypeStr {
			r.msg = args[1].Str
		}
		return weaver.None, r, nil

	case weaver.BfValid:
		if len(args) != 1 {
			return weaver.None, m.throw(weaver.E_ARGS), nil
		}
		if args[0].Type != weaver.TypeObj {
			return weaver.None, m.throw(weaver.E_TYPE), nil
		}
		exists, err := m.cfg.Txn.ObjExists(args[0].Obj)
		if err != nil {
			return weaver.None, nil, err
		}
		if exists {
			return weaver.NewInt(1), nil, nil
		}
		return weaver.NewInt(0), nil, nil

	case weaver.BfCreate:
		if len(args) < 1 || len(args) > 2 {
			return weaver.None, m.throw(weaver.E_ARGS), nil
		}
		if args[0].Type != weaver.TypeObj {
			return weaver.None, m.throw(weaver.E_TYPE), nil
		}
		owner := m.top().Player
		if len(args) == 2 {
			if args[1].Type != weaver.TypeObj {
				return weaver.None, m.throw(weaver.E_TYPE), nil
			}
			owner = args[1].Obj
		}
		id, err := m.cfg.Txn.CreateObject(args[0].Obj, owner)
		if err != nil {
			return weaver.None, nil, err
		}
		if !id.Valid() {
			return weaver.None, m.throw(weaver.E_INVARG), nil
		}
		return weaver.NewObjVar(id), nil, nil

	case weaver.BfRecycle:
		if len(args) != 1 {
			return weaver.None, m.throw(weaver.E_ARGS), nil
		}
		if args[0].Type != weaver.TypeObj {
			return weaver.None, m.throw(weaver.E_TYPE), nil
		}
		ok, err := m.cfg.Txn.Recycle(args[0].Obj)
		if err != nil {
			return weaver.None, nil, err
		}
		if !ok {
			return weaver.None, m.throw(weaver.E_INVARG), nil
		}
		return weaver.None, nil, nil

	case weaver.BfParent:
		if len(args) != 1 {
			return weaver.None, m.throw(weaver.E_ARGS), nil
		}
		meta, r, err := m.derefMeta(args[0])
		if r != nil || err != nil {
			return weaver.None, r, err
		}
		return weaver.NewObjVar(meta.Parent), nil, nil

	case weaver.BfChildren:
		if len(args) != 1 {
			return weaver.None, m.throw(weaver.E_ARGS), nil
		}
		meta, r, err := m.derefMeta(args[0])
		if r != nil || err != nil {
			return weaver.None, r, err
		}
		kids := make([]weaver.Var, 0, len(meta.Children))
		for _, c := range meta.Children {
			kids = append(kids, weaver.NewObjVar(c))
		}
		return weaver.NewList(kids...), nil, nil

	case weaver.BfTicksLeft:
		return weaver.NewInt(int64(m.ticksLeft)), nil, nil

	case weaver.BfSecondsLeft:
		if m.cfg.Deadline.IsZero() {
			return weaver.NewInt(0), nil, nil
		}
		left := m.cfg.Deadline.Sub(weaver.Now())
		if left < 0 {
			left = 0
		}
		return weaver.NewInt(int64(left.Seconds())), nil, nil

	case weaver.BfTaskID:
		return weaver.NewInt(int64(m.cfg.TaskID)), nil, nil

	case weaver.BfListAppend:
		if len(args) != 2 {
			return weaver.None, m.throw(weaver.E_ARGS), nil
		}
		if args[0].Type != weaver.TypeList {
			return weaver.None, m.throw(weaver.E_TYPE), nil
		}
		items := make([]weaver.Var, 0, len(args[0].List)+1)
		items = append(items, args[0].List...)
		items = append(items, args[1])
		return weaver.NewList(items...), nil, nil

	case weaver.BfSetAdd:
		if len(args) != 2 {
			return weaver.None, m.throw(weaver.E_ARGS), nil
		}
		if args[0].Type != weaver.TypeList {
			return weaver.None, m.throw(weaver.E_TYPE), nil
		}
		for _, it := range args[0].List {
			if it.Equal(args[1]) {
				return args[0], nil, nil
			}
		}
		items := make([]weaver.Var, 0, len(args[0].List)+1)
		items = append(items, args[0].List...)
		items = append(items, args[1])
		return weaver.NewList(items...), nil, nil

	default:
		return weaver.None, m.throw(weaver.E_VERBNF), nil
	}
}

// derefMeta loads the header of a live object, raising E_TYPE for non-object
// arguments and E_INVIND for invalid or recycled references.
func (m *Machine) derefMeta(v weaver.Var) (*weaver.ObjMeta, *raised, error) {
	if v.Type != weaver.TypeObj {
		return nil, m.throw(weaver.E_TYPE), nil
	}
	if !v.Obj.Valid() {
		return nil, m.throw(weaver.E_INVIND), nil
	}
	meta, found, err := m.cfg.Txn.GetMeta(v.Obj)
	if err != nil {
		return nil, nil, err
	}
	if !found || meta.Recycled {
		return nil, m.throw(weaver.E_INVIND), nil
	}
	return meta, nil, nil
}
