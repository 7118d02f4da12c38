package vm

import (
	"errors"
	"math"
)

// metamethod looks up a metamethod for v: a table consults the raw slots of
// its delegate, an instance its class. Other kinds have none.
func (vm *VM) metamethod(v Value, name string) (Value, bool) {
	switch v.Kind {
	case KindTable:
		d := v.Table().Delegate()
		if d == nil {
			return Null(), false
		}
		mm, ok := d.Get(String(name))
		if !ok || !mm.isFunction() {
			return Null(), false
		}
		return mm, true
	case KindInstance:
		return v.Instance().Class().metamethod(name)
	}
	return Null(), false
}

func (vm *VM) checkKey(key Value) error {
	switch {
	case key.Kind == KindNull:
		return vm.newError(ErrKindRuntime, "null cannot be used as index")
	case key.Kind == KindFloat && math.IsNaN(key.Num):
		return vm.newError(ErrKindRuntime, "NaN cannot be used as index")
	}
	return nil
}

// arrayIndex accepts integers and integral floats.
func arrayIndex(key Value) (int64, bool) {
	switch key.Kind {
	case KindInteger:
		return key.Int, true
	case KindFloat:
		i := int64(key.Num)
		if float64(i) == key.Num {
			return i, true
		}
	}
	return 0, false
}

// get reads obj[key] following own slots, the delegate chain, the default
// delegate for the kind and finally the _get metamethod.
func (vm *VM) get(obj, key Value) (Value, error) {
	v, ok, err := vm.tryGet(obj, key)
	if err != nil {
		return Null(), err
	}
	if !ok {
		return Null(), vm.newError(ErrKindIndex, "the index '%s' does not exist", rawString(key))
	}
	return v, nil
}

func (vm *VM) tryGet(obj, key Value) (Value, bool, error) {
	switch obj.Kind {
	case KindTable:
		for t := obj.Table(); t != nil; t = t.Delegate() {
			if v, ok := t.Get(key); ok {
				return v, true, nil
			}
		}
	case KindArray:
		if i, ok := arrayIndex(key); ok {
			if v, ok := obj.Array().At(i); ok {
				return v, true, nil
			}
		}
	case KindString:
		if i, ok := arrayIndex(key); ok && i >= 0 && i < int64(len(obj.Str)) {
			return Integer(int64(obj.Str[i])), true, nil
		}
	case KindInstance:
		if v, ok := obj.Instance().Get(key); ok {
			return v, true, nil
		}
	case KindClass:
		if v, ok := obj.Class().Get(key); ok {
			return v, true, nil
		}
	}
	if d := vm.shared.DefaultDelegate(obj.Kind); d != nil {
		if v, ok := d.Get(key); ok {
			return v, true, nil
		}
	}
	if mm, ok := vm.metamethod(obj, mmGet); ok {
		v, err := vm.call(mm, obj, []Value{key}, false)
		if err != nil {
			return Null(), false, err
		}
		return v, true, nil
	}
	return Null(), false, nil
}

// set assigns an existing slot of obj, falling back to _set.
func (vm *VM) set(obj, key, val Value) error {
	switch obj.Kind {
	case KindTable:
		if obj.Table().Set(key, val) {
			return nil
		}
	case KindArray:
		if i, ok := arrayIndex(key); ok {
			a := obj.Array()
			if i >= 0 && i < int64(len(a.Items)) {
				a.Items[i] = val
				return nil
			}
		}
	case KindInstance:
		if obj.Instance().Set(key, val) {
			return nil
		}
	case KindClass:
		found, err := obj.Class().Set(key, val)
		if err != nil {
			return vm.newError(ErrKindRuntime, "%s", err.Error())
		}
		if found {
			return nil
		}
	}
	if mm, ok := vm.metamethod(obj, mmSet); ok {
		_, err := vm.call(mm, obj, []Value{key, val}, false)
		return err
	}
	return vm.newError(ErrKindIndex, "the index '%s' does not exist", rawString(key))
}

// newSlot creates or overwrites a slot. Tables consult _newslot for keys
// they do not have yet; classes add members.
func (vm *VM) newSlot(obj, key, val Value, static bool) error {
	if err := vm.checkKey(key); err != nil {
		return err
	}
	switch obj.Kind {
	case KindTable:
		t := obj.Table()
		if !t.Has(key) {
			if mm, ok := vm.metamethod(obj, mmNewSlot); ok {
				_, err := vm.call(mm, obj, []Value{key, val}, false)
				return err
			}
		}
		t.NewSlot(key, val)
		return nil
	case KindClass:
		if err := obj.Class().NewSlot(key, val, static); err != nil {
			return vm.newError(ErrKindRuntime, "%s", err.Error())
		}
		return nil
	}
	return vm.newError(ErrKindType, "cannot create a slot in a '%s'", typeName(obj))
}

// deleteSlot removes key from obj and returns its previous value.
func (vm *VM) deleteSlot(obj, key Value) (Value, error) {
	switch obj.Kind {
	case KindTable, KindInstance:
		if mm, ok := vm.metamethod(obj, mmDelSlot); ok {
			return vm.call(mm, obj, []Value{key}, false)
		}
		if obj.Kind == KindInstance {
			return Null(), vm.newError(ErrKindType, "cannot delete a slot from an instance")
		}
		if old, ok := obj.Table().Delete(key); ok {
			return old, nil
		}
		return Null(), vm.newError(ErrKindIndex, "the index '%s' does not exist", rawString(key))
	}
	return Null(), vm.newError(ErrKindType, "cannot delete a slot from a '%s'", typeName(obj))
}

// clone makes a shallow copy of tables, instances and arrays and lets the
// copy react through _cloned. Other values are returned as they are.
func (vm *VM) clone(v Value) (Value, error) {
	var out Value
	switch v.Kind {
	case KindTable:
		out = TableValue(v.Table().Clone())
	case KindInstance:
		out = InstanceValue(v.Instance().clone())
	case KindArray:
		items := make([]Value, len(v.Array().Items))
		copy(items, v.Array().Items)
		return ArrayValue(NewArray(items)), nil
	default:
		return v, nil
	}
	if mm, ok := vm.metamethod(out, mmCloned); ok {
		if _, err := vm.call(mm, out, []Value{v}, false); err != nil {
			return Null(), err
		}
	}
	return out, nil
}

// in reports whether obj[key] resolves.
func (vm *VM) in(obj, key Value) (bool, error) {
	_, ok, err := vm.tryGet(obj, key)
	if err != nil {
		if errors.Is(err, ErrIndex) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

type iterStep struct {
	key, val, state Value
	done            bool
}

// iterNext advances a foreach over container; state is null on the first
// step and whatever the previous step returned afterwards.
func (vm *VM) iterNext(container, state Value) (iterStep, error) {
	pos, _ := arrayIndex(state)
	switch container.Kind {
	case KindTable:
		next, k, v, ok := container.Table().Next(int(pos))
		if !ok {
			return iterStep{done: true}, nil
		}
		return iterStep{key: k, val: v, state: Integer(int64(next))}, nil
	case KindArray:
		v, ok := container.Array().At(pos)
		if !ok {
			return iterStep{done: true}, nil
		}
		return iterStep{key: Integer(pos), val: v, state: Integer(pos + 1)}, nil
	case KindString:
		if pos >= int64(len(container.Str)) {
			return iterStep{done: true}, nil
		}
		return iterStep{key: Integer(pos), val: Integer(int64(container.Str[pos])), state: Integer(pos + 1)}, nil
	case KindClass:
		c := container.Class()
		if pos >= int64(len(c.members)) {
			return iterStep{done: true}, nil
		}
		m := c.members[pos]
		return iterStep{key: m.key, val: m.val, state: Integer(pos + 1)}, nil
	case KindInstance:
		if mm, ok := vm.metamethod(container, mmNexti); ok {
			k, err := vm.call(mm, container, []Value{state}, false)
			if err != nil || k.IsNull() {
				return iterStep{done: true}, err
			}
			v, err := vm.get(container, k)
			if err != nil {
				return iterStep{}, err
			}
			return iterStep{key: k, val: v, state: k}, nil
		}
		inst := container.Instance()
		members := inst.Class().members
		if pos >= int64(len(members)) {
			return iterStep{done: true}, nil
		}
		k := members[pos].key
		v, _ := inst.Get(k)
		return iterStep{key: k, val: v, state: Integer(pos + 1)}, nil
	case KindGenerator:
		g := container.Generator()
		if g.state == GeneratorDead {
			return iterStep{done: true}, nil
		}
		v, err := vm.resume(g, Null(), nil)
		if err != nil {
			return iterStep{}, err
		}
		if g.state == GeneratorDead {
			return iterStep{done: true}, nil
		}
		return iterStep{key: Integer(pos), val: v, state: Integer(pos + 1)}, nil
	}
	return iterStep{}, vm.newError(ErrKindType, "cannot iterate %s", typeName(container))
}
