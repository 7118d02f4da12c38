package vm

import "errors"

// Class is a blueprint for instances. Members keep their declaration order;
// a member is either a per-instance field (its value is the default) or a
// method/static shared by all instances.
type Class struct {
	base    *Class
	index   map[Value]int
	members []classMember
	attrs   Value
	locked  bool
}

type classMember struct {
	key   Value
	val   Value
	attrs Value
	field bool
}

var errClassLocked = errors.New("trying to modify a class that has already been instantiated")

const constructorName = "constructor"

// NewClass creates a class inheriting every member of base (which may be nil).
func NewClass(base *Class) *Class {
	c := &Class{base: base, index: make(map[Value]int)}
	if base != nil {
		c.members = append(c.members, base.members...)
		for k, i := range base.index {
			c.index[k] = i
		}
	}
	return c
}

// Base returns the parent class, or nil.
func (c *Class) Base() *Class { return c.base }

// Locked reports whether the class has been instantiated.
func (c *Class) Locked() bool { return c.locked }

// Attributes returns the class-level attributes.
func (c *Class) Attributes() Value { return c.attrs }

// SetAttributes replaces the class-level attributes.
func (c *Class) SetAttributes(v Value) { c.attrs = v }

// Get returns the member value for key: the default for fields, the shared
// value for methods and statics.
func (c *Class) Get(key Value) (Value, bool) {
	i, ok := c.index[key]
	if !ok {
		return Null(), false
	}
	return c.members[i].val, true
}

// Has reports whether key names a member.
func (c *Class) Has(key Value) bool {
	_, ok := c.index[key]
	return ok
}

// NewSlot adds or replaces a member. Closures and statics are shared members
// and may be added at any time; fields are rejected once the class is locked.
func (c *Class) NewSlot(key, val Value, static bool) error {
	shared := static || val.Kind == KindClosure || val.Kind == KindNativeClosure
	if c.locked && !shared {
		return errClassLocked
	}
	if cl := val.Closure(); cl != nil && cl.base == nil {
		cl.base = c
	}
	if i, ok := c.index[key]; ok {
		if c.members[i].field && shared && c.locked {
			return errClassLocked
		}
		c.members[i].val = val
		c.members[i].field = !shared
		return nil
	}
	c.index[key] = len(c.members)
	c.members = append(c.members, classMember{key: key, val: val, field: !shared})
	return nil
}

// Set overwrites an existing member.
func (c *Class) Set(key, val Value) (bool, error) {
	i, ok := c.index[key]
	if !ok {
		return false, nil
	}
	if c.locked && c.members[i].field {
		return true, errClassLocked
	}
	c.members[i].val = val
	return true, nil
}

// MemberAttributes returns the attributes attached to a member.
func (c *Class) MemberAttributes(key Value) (Value, bool) {
	i, ok := c.index[key]
	if !ok {
		return Null(), false
	}
	return c.members[i].attrs, true
}

// SetMemberAttributes attaches attributes to an existing member.
func (c *Class) SetMemberAttributes(key, attrs Value) bool {
	i, ok := c.index[key]
	if !ok {
		return false
	}
	c.members[i].attrs = attrs
	return true
}

// IsSubclassOf reports whether c is other or derives from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	for p := c; p != nil; p = p.base {
		if p == other {
			return true
		}
	}
	return false
}

func (c *Class) metamethod(name string) (Value, bool) {
	v, ok := c.Get(String(name))
	if !ok || !v.isFunction() {
		return Null(), false
	}
	return v, true
}

func (c *Class) instantiate() *Instance {
	c.locked = true
	inst := &Instance{class: c, values: make([]Value, len(c.members))}
	for i, m := range c.members {
		if m.field {
			inst.values[i] = m.val
		}
	}
	return inst
}

// Instance is an object created from a Class.
type Instance struct {
	class  *Class
	values []Value
}

// Class returns the class the instance was created from.
func (i *Instance) Class() *Class { return i.class }

// Get reads a field or a shared class member.
func (i *Instance) Get(key Value) (Value, bool) {
	idx, ok := i.class.index[key]
	if !ok {
		return Null(), false
	}
	if i.class.members[idx].field && idx < len(i.values) {
		return i.values[idx], true
	}
	return i.class.members[idx].val, true
}

// Set writes a field. Shared members cannot be assigned through an instance.
func (i *Instance) Set(key, val Value) bool {
	idx, ok := i.class.index[key]
	if !ok || !i.class.members[idx].field || idx >= len(i.values) {
		return false
	}
	i.values[idx] = val
	return true
}

// InstanceOf reports whether the instance derives from c.
func (i *Instance) InstanceOf(c *Class) bool {
	return i.class.IsSubclassOf(c)
}

func (i *Instance) clone() *Instance {
	out := &Instance{class: i.class, values: make([]Value, len(i.values))}
	copy(out.values, i.values)
	return out
}

func (v Value) isFunction() bool {
	return v.Kind == KindClosure || v.Kind == KindNativeClosure
}
