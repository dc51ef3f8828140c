package transaction

import (
	"fmt"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/store"
)

// World-model operations layered over the raw key reads/writes. Executing
// code reaches the store exclusively through these (isolation requires it);
// each returns an explicit found/ok signal so the VM can map misses onto
// program errors (E_PROPNF, E_VERBNF, E_INVIND) instead of Go errors.

// ReadHorizon returns the version fresh reads are currently served at.
func (t *Transaction) ReadHorizon() uint64 { return t.readHorizon }

// ObjExists reports whether obj is a live (non-recycled) object.
func (t *Transaction) ObjExists(obj weaver.ObjID) (bool, error) {
	if !obj.Valid() {
		return false, nil
	}
	m, found, err := t.GetMeta(obj)
	if err != nil {
		return false, err
	}
	return found && !m.Recycled, nil
}

// EffectiveProp resolves the property visible on obj: nearest
// ancestor-or-self, local override wins.
func (t *Transaction) EffectiveProp(obj weaver.ObjID, name string) (weaver.Property, weaver.ObjID, bool, error) {
	return t.store.ResolveProperty(t, t.readHorizon, obj, name)
}

// ResolveVerbCall resolves a method call on obj to the most-derived matching
// verb definition and its definer.
func (t *Transaction) ResolveVerbCall(obj weaver.ObjID, name string) (*weaver.Verb, weaver.ObjID, bool, error) {
	return t.store.ResolveVerb(t, t.readHorizon, obj, name)
}

// SetPropValue writes a property value on obj. If obj inherits the slot, a
// local override is created; the canonical definer is preserved. ok is false
// when no ancestor defines the property at all.
func (t *Transaction) SetPropValue(obj weaver.ObjID, name string, value weaver.Var) (bool, error) {
	p, definer, found, err := t.EffectiveProp(obj, name)
	if err != nil || !found {
		return false, err
	}
	p.Value = value
	p.Clear = false
	if definer != obj {
		p.Definer = definer
	}
	t.put(store.PropKey(obj, name), p, false)
	return true, nil
}

// AddProp defines a brand-new property slot on obj. ok is false when the slot
// already exists on obj or an ancestor.
func (t *Transaction) AddProp(obj weaver.ObjID, name string, value weaver.Var, owner weaver.ObjID, flags weaver.PropFlag) (bool, error) {
	_, _, found, err := t.EffectiveProp(obj, name)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	t.put(store.PropKey(obj, name), weaver.Property{
		Name:    name,
		Value:   value,
		Definer: obj,
		Owner:   owner,
		Flags:   flags,
	}, false)
	return true, nil
}

// ClearProp removes obj's local override so reads fall through to the
// ancestor's value again. ok is false when obj has no local slot.
func (t *Transaction) ClearProp(obj weaver.ObjID, name string) (bool, error) {
	p, found, err := t.GetProp(obj, name)
	if err != nil || !found {
		return false, err
	}
	if p.Definer == obj {
		// The canonical slot cannot be cleared, only deleted.
		return false, nil
	}
	p.Clear = true
	p.Value = weaver.None
	t.put(store.PropKey(obj, name), p, false)
	return true, nil
}

// DelProp deletes the canonical property slot defined on obj.
func (t *Transaction) DelProp(obj weaver.ObjID, name string) (bool, error) {
	p, found, err := t.GetProp(obj, name)
	if err != nil || !found {
		return false, err
	}
	if p.Definer != obj {
		return false, nil
	}
	t.put(store.PropKey(obj, name), nil, true)
	return true, nil
}

// CreateObject allocates a fresh object under parent. The id comes from the
// store's sequence, which is not transactional: an aborted create burns an id.
func (t *Transaction) CreateObject(parent, owner weaver.ObjID) (weaver.ObjID, error) {
	if parent.Valid() {
		exists, err := t.ObjExists(parent)
		if err != nil {
			return weaver.Nothing, err
		}
		if !exists {
			return weaver.Nothing, nil
		}
	}
	id := t.store.AllocObjID()
	t.put(store.MetaKey(id), &weaver.ObjMeta{
		ID:     id,
		Parent: parent,
		Owner:  owner,
	}, false)
	t.put(store.VerbsKey(id), &weaver.VerbSet{}, false)
	if parent.Valid() {
		if err := t.addChild(parent, id); err != nil {
			return weaver.Nothing, err
		}
	}
	return id, nil
}

// Recycle destroys obj: its header becomes a tombstoned meta, its children
// are reparented to obj's parent, and later dereferences raise E_INVIND. The
// ObjID is never reused while reachable from any snapshot.
func (t *Transaction) Recycle(obj weaver.ObjID) (bool, error) {
	m, found, err := t.GetMeta(obj)
	if err != nil || !found {
		return false, err
	}
	if m.Recycled {
		return false, nil
	}
	for _, child := range m.Children {
		cm, cfound, err := t.GetMeta(child)
		if err != nil {
			return false, err
		}
		if !cfound {
			continue
		}
		updated := *cm
		updated.Parent = m.Parent
		t.put(store.MetaKey(child), &updated, false)
		if m.Parent.Valid() {
			if err := t.addChild(m.Parent, child); err != nil {
				return false, err
			}
		}
	}
	if m.Parent.Valid() {
		if err := t.removeChild(m.Parent, obj); err != nil {
			return false, err
		}
	}
	tomb := *m
	tomb.Recycled = true
	tomb.Children = nil
	t.put(store.MetaKey(obj), &tomb, false)
	t.put(store.VerbsKey(obj), nil, true)
	return true, nil
}

// ChangeParent moves obj under newParent. Cycles are a constraint violation
// rejected here at mutation time: ok is false when obj appears in
// newParent's ancestor chain (or targets itself).
func (t *Transaction) ChangeParent(obj, newParent weaver.ObjID) (bool, error) {
	m, found, err := t.GetMeta(obj)
	if err != nil || !found {
		return false, err
	}
	cur := newParent
	for depth := 0; cur.Valid(); depth++ {
		if depth > maxParentDepth {
			return false, fmt.Errorf("parent chain exceeds %d levels from %v", maxParentDepth, newParent)
		}
		if cur == obj {
			return false, nil
		}
		pm, pfound, err := t.GetMeta(cur)
		if err != nil {
			return false, err
		}
		if !pfound || pm.Recycled {
			return false, nil
		}
		cur = pm.Parent
	}
	if m.Parent.Valid() {
		if err := t.removeChild(m.Parent, obj); err != nil {
			return false, err
		}
	}
	updated := *m
	updated.Parent = newParent
	t.put(store.MetaKey(obj), &updated, false)
	if newParent.Valid() {
		if err := t.addChild(newParent, obj); err != nil {
			return false, err
		}
	}
	return true, nil
}

const maxParentDepth = 256

// SetVerb adds or replaces a verb definition on obj, keyed by its first name.
func (t *Transaction) SetVerb(obj weaver.ObjID, verb weaver.Verb) (bool, error) {
	vs, found, err := t.GetVerbs(obj)
	if err != nil {
		return false, err
	}
	updated := weaver.VerbSet{}
	if found {
		updated.Verbs = append(updated.Verbs, vs.Verbs...)
	}
	replaced := false
	for i := range updated.Verbs {
		if len(updated.Verbs[i].Names) > 0 && len(verb.Names) > 0 &&
			updated.Verbs[i].Names[0] == verb.Names[0] {
			updated.Verbs[i] = verb
			replaced = true
			break
		}
	}
	if !replaced {
		updated.Verbs = append(updated.Verbs, verb)
	}
	t.put(store.VerbsKey(obj), &updated, false)
	return true, nil
}

// DelVerb removes the verb whose name list matches name. ok is false when no
// local verb matches (inherited verbs are removed on their definer).
func (t *Transaction) DelVerb(obj weaver.ObjID, name string) (bool, error) {
	vs, found, err := t.GetVerbs(obj)
	if err != nil || !found {
		return false, err
	}
	updated := weaver.VerbSet{}
	removed := false
	for i := range vs.Verbs {
		if !removed && vs.Verbs[i].MatchesName(name) {
			removed = true
			continue
		}
		updated.Verbs = append(updated.Verbs, vs.Verbs[i])
	}
	if !removed {
		return false, nil
	}
	t.put(store.VerbsKey(obj), &updated, false)
	return true, nil
}

func (t *Transaction) addChild(parent, child weaver.ObjID) error {
	pm, found, err := t.GetMeta(parent)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("parent %v missing while linking child %v", parent, child)
	}
	for _, c := range pm.Children {
		if c == child {
			return nil
		}
	}
	updated := *pm
	updated.Children = append(append([]weaver.ObjID{}, pm.Children...), child)
	t.put(store.MetaKey(parent), &updated, false)
	return nil
}

func (t *Transaction) removeChild(parent, child weaver.ObjID) error {
	pm, found, err := t.GetMeta(parent)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	updated := *pm
	updated.Children = nil
	for _, c := range pm.Children {
		if c != child {
			updated.Children = append(updated.Children, c)
		}
	}
	t.put(store.MetaKey(parent), &updated, false)
	return nil
}
