package vm

// Upvalue is a captured variable cell shared by every closure that captures
// the same binding. While open it aliases slot index of the stack it points
// at (the VM stack, or a suspended generator's saved stack); once closed it
// owns the value.
type Upvalue struct {
	stack  *[]Value
	index  int
	closed Value
	open   bool
}

func newUpvalue(stack *[]Value, index int) *Upvalue {
	return &Upvalue{stack: stack, index: index, open: true}
}

// Get returns the current value of the captured variable.
func (uv *Upvalue) Get() Value {
	if uv == nil {
		return Null()
	}
	if uv.open {
		return (*uv.stack)[uv.index]
	}
	return uv.closed
}

// Set assigns the captured variable.
func (uv *Upvalue) Set(v Value) {
	if uv == nil {
		return
	}
	if uv.open {
		(*uv.stack)[uv.index] = v
		return
	}
	uv.closed = v
}

// IsOpen reports whether the cell still aliases a stack slot.
func (uv *Upvalue) IsOpen() bool {
	return uv != nil && uv.open
}

func (uv *Upvalue) close() {
	if uv.open {
		uv.closed = (*uv.stack)[uv.index]
		uv.stack = nil
		uv.open = false
	}
}

func (uv *Upvalue) rebind(stack *[]Value, index int) {
	uv.stack = stack
	uv.index = index
}

// findUpvalue returns the open cell for stack slot idx, creating it if no
// closure has captured that slot yet. openUpvalues stays sorted by index.
func (vm *VM) findUpvalue(idx int) *Upvalue {
	pos := len(vm.openUpvalues)
	for pos > 0 {
		uv := vm.openUpvalues[pos-1]
		if uv.index == idx {
			return uv
		}
		if uv.index < idx {
			break
		}
		pos--
	}
	uv := newUpvalue(&vm.stack, idx)
	vm.openUpvalues = append(vm.openUpvalues, nil)
	copy(vm.openUpvalues[pos+1:], vm.openUpvalues[pos:])
	vm.openUpvalues[pos] = uv
	return uv
}

// closeUpvalues closes every open cell aliasing a slot at or above from.
func (vm *VM) closeUpvalues(from int) {
	n := len(vm.openUpvalues)
	for n > 0 && vm.openUpvalues[n-1].index >= from {
		vm.openUpvalues[n-1].close()
		vm.openUpvalues[n-1] = nil
		n--
	}
	vm.openUpvalues = vm.openUpvalues[:n]
}

// detachUpvalues removes the open cells at or above from without closing
// them and rebinds them to stack, relative to from.
func (vm *VM) detachUpvalues(from int, stack *[]Value) []*Upvalue {
	n := len(vm.openUpvalues)
	start := n
	for start > 0 && vm.openUpvalues[start-1].index >= from {
		start--
	}
	if start == n {
		return nil
	}
	moved := make([]*Upvalue, n-start)
	copy(moved, vm.openUpvalues[start:])
	for i := start; i < n; i++ {
		vm.openUpvalues[i] = nil
	}
	vm.openUpvalues = vm.openUpvalues[:start]
	for _, uv := range moved {
		uv.rebind(stack, uv.index-from)
	}
	return moved
}
