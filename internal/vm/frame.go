package vm

// minStackOverhead is the headroom reserved above a frame's locals for
// operands and outgoing call arguments.
const minStackOverhead = 15

// callInfo describes one active script call. The callee occupies slot
// base-1, the receiver slot base; prevTop is the caller's stack top to
// restore, which always equals base-1.
type callInfo struct {
	closure   *Closure
	ip        int
	lastOp    int
	base      int
	prevTop   int
	etraps    int
	generator *Generator
	root      bool
	ncalls    int
	line      int
	ctor      bool
	ctorValue Value
}

func (vm *VM) currentFrame() *callInfo {
	if len(vm.frames) == 0 {
		return nil
	}
	return &vm.frames[len(vm.frames)-1]
}

// CallDepth returns the number of active script frames.
func (vm *VM) CallDepth() int {
	return len(vm.frames)
}

func (vm *VM) push(v Value) {
	if vm.top >= len(vm.stack) {
		vm.growStack(vm.top + 1)
	}
	vm.stack[vm.top] = v
	vm.top++
}

func (vm *VM) pop() Value {
	vm.top--
	v := vm.stack[vm.top]
	vm.stack[vm.top] = Value{}
	return v
}

// peek returns the value n slots below the top (0 is the top).
func (vm *VM) peek(n int) Value {
	return vm.stack[vm.top-1-n]
}

// popTo truncates the stack to size, clearing the vacated slots.
func (vm *VM) popTo(size int) {
	for i := size; i < vm.top; i++ {
		vm.stack[i] = Value{}
	}
	vm.top = size
}

func (vm *VM) growStack(need int) {
	size := len(vm.stack)
	if size == 0 {
		size = 64
	}
	for size < need {
		size *= 2
	}
	if size == len(vm.stack) {
		return
	}
	grown := make([]Value, size)
	copy(grown, vm.stack[:vm.top])
	vm.stack = grown
	log.Debug("stack grown", "vm", vm.id, "size", size)
}

// reserve guarantees n free slots above top within the hard stack ceiling.
func (vm *VM) reserve(n int) *RuntimeError {
	need := vm.top + n
	if need > vm.opts.MaxStack {
		return vm.newError(ErrKindStackOverflow, "stack overflow")
	}
	if need > len(vm.stack) {
		vm.growStack(need)
	}
	return nil
}

// prepareArgs lays out a call to cl whose callee sits at calleeIdx with
// nargs values (receiver included) above it: defaults are filled in, extra
// arguments are gathered into the variadic array and the remaining locals
// are cleared. It returns the new stack top.
func (vm *VM) prepareArgs(cl *Closure, calleeIdx, nargs int) (int, *RuntimeError) {
	proto := cl.Proto
	base := calleeIdx + 1
	nparams := proto.NumParams + 1
	if proto.VarParams {
		var extra []Value
		if nargs > nparams {
			extra = make([]Value, nargs-nparams)
			copy(extra, vm.stack[base+nparams:base+nargs])
			vm.popTo(base + nparams)
			nargs = nparams
		}
		if err := vm.fillDefaults(cl, base, nargs, nparams); err != nil {
			return 0, err
		}
		vm.popTo(base + nparams)
		vm.push(ArrayValue(NewArray(extra)))
		nargs = nparams + 1
	} else {
		if nargs > nparams {
			return 0, vm.newError(ErrKindRuntime, "wrong number of parameters")
		}
		if err := vm.fillDefaults(cl, base, nargs, nparams); err != nil {
			return 0, err
		}
		nargs = nparams
	}
	size := proto.FrameSize()
	if err := vm.reserve(base + size + minStackOverhead - vm.top); err != nil {
		return 0, err
	}
	top := base + size
	for i := base + nargs; i < top; i++ {
		vm.stack[i] = Value{}
	}
	vm.top = top
	return top, nil
}

func (vm *VM) fillDefaults(cl *Closure, base, nargs, nparams int) *RuntimeError {
	if nargs >= nparams {
		return nil
	}
	ndef := len(cl.defaults)
	first := nparams - ndef
	if nargs < first {
		return vm.newError(ErrKindRuntime, "wrong number of parameters")
	}
	if err := vm.reserve(nparams - nargs); err != nil {
		return err
	}
	for i := nargs; i < nparams; i++ {
		vm.stack[base+i] = cl.defaults[i-first]
	}
	vm.top = base + nparams
	return nil
}

// enterFrame starts a script call to cl laid out at calleeIdx.
func (vm *VM) enterFrame(cl *Closure, calleeIdx, nargs int, root bool) *RuntimeError {
	if len(vm.frames) >= vm.opts.MaxCallDepth {
		return vm.newError(ErrKindStackOverflow, "stack overflow, too many nested calls")
	}
	if _, err := vm.prepareArgs(cl, calleeIdx, nargs); err != nil {
		vm.popTo(calleeIdx)
		return err
	}
	if len(vm.frames) == cap(vm.frames) {
		log.Debug("call stack grown", "vm", vm.id, "depth", len(vm.frames))
	}
	vm.frames = append(vm.frames, callInfo{
		closure: cl,
		lastOp:  -1,
		base:    calleeIdx + 1,
		prevTop: calleeIdx,
		root:    root,
	})
	vm.callHook(HookCall, vm.currentFrame())
	return nil
}

// leaveFrame pops the current frame: cells over its slots are closed, the
// traps it still owns are dropped and the caller's top is restored.
func (vm *VM) leaveFrame() {
	ci := vm.currentFrame()
	if ci.prevTop != ci.base-1 || ci.prevTop < 0 || ci.base > vm.top {
		panic("sqvm: call frame bracket corrupted")
	}
	vm.callHook(HookReturn, ci)
	vm.closeUpvalues(ci.base)
	if ci.etraps > 0 {
		vm.traps = vm.traps[:len(vm.traps)-ci.etraps]
	}
	vm.popTo(ci.prevTop)
	vm.frames[len(vm.frames)-1] = callInfo{}
	vm.frames = vm.frames[:len(vm.frames)-1]
}

// trap is a protected region: the stack extent to restore and where to
// resume when an error reaches it.
type trap struct {
	stackBase int
	stackSize int
	ip        int
}

func (vm *VM) pushTrap(target int) {
	ci := vm.currentFrame()
	vm.traps = append(vm.traps, trap{stackBase: ci.base, stackSize: vm.top, ip: target})
	ci.etraps++
}

func (vm *VM) popTraps(n int) {
	ci := vm.currentFrame()
	if n > ci.etraps {
		panic("sqvm: popping traps the frame does not own")
	}
	vm.traps = vm.traps[:len(vm.traps)-n]
	ci.etraps -= n
}

// unwind routes err to the innermost trap owned by a frame of the Execute
// rooted at rootIdx. Frames without traps are left on the way, which closes
// their cells and kills their generators. It reports whether a trap caught
// the error; if not, every frame down to and including the root is gone.
func (vm *VM) unwind(err *RuntimeError, rootIdx int) bool {
	for len(vm.frames) > rootIdx {
		ci := vm.currentFrame()
		if ci.etraps > 0 && !err.Fatal() {
			t := vm.traps[len(vm.traps)-1]
			vm.traps = vm.traps[:len(vm.traps)-1]
			ci.etraps--
			if t.stackSize > vm.top || t.stackBase != ci.base {
				panic("sqvm: exception trap outside its frame")
			}
			vm.closeUpvalues(t.stackSize)
			vm.popTo(t.stackSize)
			vm.push(err.Value)
			ci.ip = t.ip
			log.Debug("error caught", "vm", vm.id, "function", ci.closure.Name(), "ip", t.ip)
			return true
		}
		if ci.generator != nil {
			ci.generator.kill()
		}
		vm.leaveFrame()
	}
	return false
}
