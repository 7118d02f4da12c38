package vm

// Get reads obj[key] with full delegation and metamethod dispatch.
func (vm *VM) Get(obj, key Value) (Value, error) {
	return vm.hostCall(func(bool) (Value, error) {
		return vm.get(obj, key)
	})
}

// Set assigns an existing slot of obj.
func (vm *VM) Set(obj, key, val Value) error {
	_, err := vm.hostCall(func(bool) (Value, error) {
		return Null(), vm.set(obj, key, val)
	})
	return err
}

// NewSlot creates or overwrites a slot in a table, or adds a class member.
func (vm *VM) NewSlot(obj, key, val Value, static bool) error {
	_, err := vm.hostCall(func(bool) (Value, error) {
		return Null(), vm.newSlot(obj, key, val, static)
	})
	return err
}

// DeleteSlot removes key from obj and returns the value it held.
func (vm *VM) DeleteSlot(obj, key Value) (Value, error) {
	return vm.hostCall(func(bool) (Value, error) {
		return vm.deleteSlot(obj, key)
	})
}

// Compare returns -1, 0 or 1 ordering a against b.
func (vm *VM) Compare(a, b Value) (int, error) {
	var c int
	_, err := vm.hostCall(func(bool) (Value, error) {
		var err error
		c, err = vm.compare(a, b)
		return Null(), err
	})
	return c, err
}

// Clone copies v the way the clone operator does.
func (vm *VM) Clone(v Value) (Value, error) {
	return vm.hostCall(func(bool) (Value, error) {
		return vm.clone(v)
	})
}

// In reports whether obj[key] resolves.
func (vm *VM) In(obj, key Value) (bool, error) {
	var ok bool
	_, err := vm.hostCall(func(bool) (Value, error) {
		var err error
		ok, err = vm.in(obj, key)
		return Null(), err
	})
	return ok, err
}

// TypeName reports the built-in type name of a value, ignoring _typeof.
func TypeName(v Value) string {
	return typeName(v)
}

// RawString renders v without consulting metamethods.
func RawString(v Value) string {
	return rawString(v)
}

// KindName reports the script-visible type name for k.
func KindName(k Kind) string {
	return kindName(k)
}
