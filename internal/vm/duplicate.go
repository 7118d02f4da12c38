package vm

// Fork returns a new VM attached to the same shared state and root table,
// with the same options, budget and hooks. Stacks are private to each VM, so
// the fork can run while the original is suspended.
func (vm *VM) Fork() *VM {
	if vm == nil {
		return nil
	}
	f := NewWithOptions(vm.shared, vm.opts)
	f.root = vm.root
	f.copySettings(vm)
	return f
}

// Duplicate returns a new VM on the same shared state whose root table is a
// deep copy of the original's. Tables, arrays, instances, closures and their
// captured cells are copied with sharing preserved; classes, natives and
// generators are shared. Open cells are copied by their current value.
func (vm *VM) Duplicate() *VM {
	if vm == nil {
		return nil
	}
	dup := NewWithOptions(vm.shared, vm.opts)
	dup.copySettings(vm)
	clone := newCloneState()
	dup.root = clone.cloneValue(vm.root)
	return dup
}

func (vm *VM) copySettings(from *VM) {
	vm.SetBudget(from.budget)
	vm.debugHook = from.debugHook
	vm.errHandler = from.errHandler
}

type cloneState struct {
	tables    map[*Table]*Table
	arrays    map[*Array]*Array
	instances map[*Instance]*Instance
	closures  map[*Closure]*Closure
	upvalues  map[*Upvalue]*Upvalue
}

func newCloneState() *cloneState {
	return &cloneState{
		tables:    make(map[*Table]*Table),
		arrays:    make(map[*Array]*Array),
		instances: make(map[*Instance]*Instance),
		closures:  make(map[*Closure]*Closure),
		upvalues:  make(map[*Upvalue]*Upvalue),
	}
}

func (cs *cloneState) cloneValue(v Value) Value {
	switch v.Kind {
	case KindTable:
		return TableValue(cs.cloneTable(v.Table()))
	case KindArray:
		a := v.Array()
		if out, ok := cs.arrays[a]; ok {
			return ArrayValue(out)
		}
		out := NewArray(make([]Value, len(a.Items)))
		cs.arrays[a] = out
		for i := range a.Items {
			out.Items[i] = cs.cloneValue(a.Items[i])
		}
		return ArrayValue(out)
	case KindInstance:
		inst := v.Instance()
		if out, ok := cs.instances[inst]; ok {
			return InstanceValue(out)
		}
		out := &Instance{class: inst.class, values: make([]Value, len(inst.values))}
		cs.instances[inst] = out
		for i := range inst.values {
			out.values[i] = cs.cloneValue(inst.values[i])
		}
		return InstanceValue(out)
	case KindClosure:
		return ClosureValue(cs.cloneClosure(v.Closure()))
	default:
		return v
	}
}

func (cs *cloneState) cloneTable(t *Table) *Table {
	if t == nil {
		return nil
	}
	if out, ok := cs.tables[t]; ok {
		return out
	}
	out := NewTable(t.Len())
	cs.tables[t] = out
	t.Each(func(k, v Value) bool {
		out.NewSlot(cs.cloneValue(k), cs.cloneValue(v))
		return true
	})
	out.delegate = cs.cloneTable(t.delegate)
	return out
}

func (cs *cloneState) cloneClosure(cl *Closure) *Closure {
	if out, ok := cs.closures[cl]; ok {
		return out
	}
	out := &Closure{Proto: cl.Proto, base: cl.base, defaults: cl.defaults}
	cs.closures[cl] = out
	if cl.upvalues != nil {
		out.upvalues = make([]*Upvalue, len(cl.upvalues))
		for i, uv := range cl.upvalues {
			out.upvalues[i] = cs.cloneUpvalue(uv)
		}
	}
	return out
}

func (cs *cloneState) cloneUpvalue(uv *Upvalue) *Upvalue {
	if uv == nil {
		return nil
	}
	if out, ok := cs.upvalues[uv]; ok {
		return out
	}
	out := &Upvalue{}
	cs.upvalues[uv] = out
	out.closed = cs.cloneValue(uv.Get())
	return out
}
