package vm

import (
	"errors"

	"github.com/xirelogy/go-sqvm/internal/bytecode"
)

// call pushes callee, receiver and arguments at the top of the stack and
// runs the call to completion in a nested execution.
func (vm *VM) call(callee, this Value, args []Value, canSuspend bool) (Value, error) {
	calleeIdx := vm.top
	if err := vm.reserve(len(args) + 2); err != nil {
		return Null(), err
	}
	vm.push(callee)
	vm.push(this)
	for _, a := range args {
		vm.push(a)
	}
	return vm.callAt(calleeIdx, len(args)+1, canSuspend)
}

// callAt calls the value at calleeIdx with the nargs values above it
// (receiver first). On return the stack top is back at calleeIdx.
func (vm *VM) callAt(calleeIdx, nargs int, canSuspend bool) (Value, error) {
	callee := vm.stack[calleeIdx]
	switch callee.Kind {
	case KindClosure:
		cl := callee.Closure()
		if cl.Proto.Generator {
			g, err := vm.newGenerator(cl, calleeIdx, nargs)
			if err != nil {
				return Null(), err
			}
			return GeneratorValue(g), nil
		}
		if err := vm.enterFrame(cl, calleeIdx, nargs, true); err != nil {
			return Null(), err
		}
		return vm.execute(len(vm.frames)-1, canSuspend, nil)
	case KindNativeClosure:
		return vm.callNative(callee.Native(), calleeIdx, nargs, canSuspend)
	case KindClass:
		return vm.createInstance(callee.Class(), calleeIdx, nargs)
	case KindTable, KindInstance:
		if mm, ok := vm.metamethod(callee, mmCall); ok {
			args := make([]Value, nargs)
			copy(args, vm.stack[calleeIdx+1:calleeIdx+1+nargs])
			vm.popTo(calleeIdx)
			return vm.call(mm, callee, args, false)
		}
	}
	vm.popTo(calleeIdx)
	return Null(), vm.newError(ErrKindType, "attempt to call '%s'", typeName(callee))
}

func (vm *VM) callNative(n *NativeClosure, calleeIdx, nargs int, canSuspend bool) (Value, error) {
	args := make([]Value, nargs)
	copy(args, vm.stack[calleeIdx+1:calleeIdx+1+nargs])
	vm.popTo(calleeIdx)

	if (n.ParamCheck > 0 && nargs != n.ParamCheck) || (n.ParamCheck < 0 && nargs < -n.ParamCheck) {
		return Null(), vm.newError(ErrKindRuntime, "wrong number of parameters")
	}
	for i, mask := range n.TypeMask {
		if i >= nargs {
			break
		}
		if !mask.Accepts(args[i].Kind) {
			return Null(), vm.newError(ErrKindParamType, "parameter %d has an invalid type '%s' ; expected: '%s'", i, typeName(args[i]), mask)
		}
	}
	if vm.nativeCalls >= vm.opts.MaxNativeCalls {
		return Null(), vm.newError(ErrKindStackOverflow, "native stack overflow")
	}

	vm.nativeCalls++
	v, err := n.Fn(vm, args)
	vm.nativeCalls--
	if err == nil {
		return v, nil
	}
	if errors.Is(err, errSuspendRequest) {
		if !canSuspend {
			return Null(), vm.newError(ErrKindSuspend, "cannot suspend through native calls")
		}
		vm.suspended = &suspension{root: -1, push: true}
		log.Debug("native requested suspend", "vm", vm.id, "native", n.Name)
		return Null(), errSuspended
	}
	return Null(), vm.asRuntimeError(err)
}

// startCall performs a call instruction. Script closures and script
// constructors get a frame in the running loop; everything else is called
// in a nested execution and its result pushed.
func (vm *VM) startCall(calleeIdx, nargs int, canSuspend bool) error {
	callee := vm.stack[calleeIdx]
	switch callee.Kind {
	case KindClosure:
		if cl := callee.Closure(); !cl.Proto.Generator {
			if err := vm.enterFrame(cl, calleeIdx, nargs, false); err != nil {
				return err
			}
			return nil
		}
	case KindClass:
		c := callee.Class()
		ctor, ok := c.Get(String(constructorName))
		if cl := ctor.Closure(); ok && cl != nil && !cl.Proto.Generator {
			inst := InstanceValue(c.instantiate())
			vm.stack[calleeIdx] = ctor
			vm.stack[calleeIdx+1] = inst
			if err := vm.enterFrame(cl, calleeIdx, nargs, false); err != nil {
				return err
			}
			ci := vm.currentFrame()
			ci.ctor = true
			ci.ctorValue = inst
			return nil
		}
	}
	v, err := vm.callAt(calleeIdx, nargs, canSuspend)
	if err != nil {
		return err
	}
	vm.push(v)
	return nil
}

// tailCall replaces the current frame with a call to a script closure when
// nothing in the frame needs to outlive it; otherwise it is a plain call and
// the RETURN that follows in the bytecode passes the result on.
func (vm *VM) tailCall(ci *callInfo, calleeIdx, nargs int, canSuspend bool) error {
	cl := vm.stack[calleeIdx].Closure()
	if cl == nil || cl.Proto.Generator || ci.etraps > 0 || ci.generator != nil || ci.ctor {
		return vm.startCall(calleeIdx, nargs, canSuspend)
	}
	root, ncalls := ci.root, ci.ncalls
	dst := ci.base - 1
	vm.closeUpvalues(ci.base)
	vm.callHook(HookReturn, ci)
	copy(vm.stack[dst:], vm.stack[calleeIdx:calleeIdx+nargs+1])
	vm.popTo(dst + nargs + 1)
	vm.frames[len(vm.frames)-1] = callInfo{}
	vm.frames = vm.frames[:len(vm.frames)-1]
	if err := vm.enterFrame(cl, dst, nargs, root); err != nil {
		return err
	}
	vm.currentFrame().ncalls = ncalls + 1
	return nil
}

// createInstance instantiates c and runs its constructor, if any, as a
// nested call with the new instance as receiver.
func (vm *VM) createInstance(c *Class, calleeIdx, nargs int) (Value, error) {
	inst := InstanceValue(c.instantiate())
	ctor, ok := c.Get(String(constructorName))
	if !ok || !ctor.IsCallable() {
		vm.popTo(calleeIdx)
		return inst, nil
	}
	vm.stack[calleeIdx] = ctor
	vm.stack[calleeIdx+1] = inst
	if _, err := vm.callAt(calleeIdx, nargs, false); err != nil {
		return Null(), err
	}
	return inst, nil
}

// defineClass builds a class from the operands of a class instruction.
func (vm *VM) defineClass(flags byte) (Value, error) {
	attrs := Null()
	if flags&bytecode.ClassHasAttrs != 0 {
		attrs = vm.pop()
	}
	var base *Class
	if flags&bytecode.ClassHasBase != 0 {
		bv := vm.pop()
		if bv.Kind != KindClass {
			return Null(), vm.newError(ErrKindType, "trying to inherit from a %s", typeName(bv))
		}
		base = bv.Class()
	}
	c := NewClass(base)
	c.SetAttributes(attrs)
	cv := ClassValue(c)
	if base != nil {
		if mm, ok := base.metamethod(mmInherited); ok {
			if _, err := vm.call(mm, ClassValue(base), []Value{cv}, false); err != nil {
				return Null(), err
			}
		}
	}
	return cv, nil
}

// newMember adds a class member with attributes, deferring to the class's
// _newmember metamethod when it defines one.
func (vm *VM) newMember(cls, key, val, attrs Value, static bool) error {
	c := cls.Class()
	if c == nil {
		return vm.newError(ErrKindType, "cannot add a member to a '%s'", typeName(cls))
	}
	if mm, ok := c.metamethod(mmNewMember); ok {
		_, err := vm.call(mm, cls, []Value{key, val, attrs, Bool(static)}, false)
		return err
	}
	if err := vm.checkKey(key); err != nil {
		return err
	}
	if err := c.NewSlot(key, val, static); err != nil {
		return vm.newError(ErrKindRuntime, "%s", err.Error())
	}
	c.SetMemberAttributes(key, attrs)
	return nil
}
