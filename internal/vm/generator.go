package vm

import "fmt"

// GeneratorState is the lifecycle state of a Generator.
type GeneratorState int

const (
	GeneratorSuspended GeneratorState = iota
	GeneratorRunning
	GeneratorDead
)

func (s GeneratorState) String() string {
	switch s {
	case GeneratorSuspended:
		return "suspended"
	case GeneratorRunning:
		return "running"
	default:
		return "dead"
	}
}

// Generator is a suspended script frame. While suspended it owns a private
// copy of the frame's stack slots, the traps the frame had pushed (stored
// relative to the frame base) and the open cells aliasing those slots.
type Generator struct {
	closure  *Closure
	state    GeneratorState
	started  bool
	stack    []Value
	ip       int
	traps    []trap
	upvalues []*Upvalue
}

// State returns the current lifecycle state.
func (g *Generator) State() GeneratorState { return g.state }

// Close discards a suspended generator: its captured cells are closed over
// their saved values and it becomes dead. Closing a dead generator is a no-op.
func (g *Generator) Close() error {
	switch g.state {
	case GeneratorRunning:
		return fmt.Errorf("cannot close a running generator")
	case GeneratorDead:
		return nil
	}
	g.kill()
	return nil
}

func (g *Generator) kill() {
	for _, uv := range g.upvalues {
		if uv.open && uv.stack == &g.stack {
			uv.close()
		}
	}
	g.upvalues = nil
	g.stack = nil
	g.traps = nil
	g.state = GeneratorDead
}

// newGenerator lays out a call to a generator closure at calleeIdx and
// captures the prepared frame without running it. The stack is restored to
// calleeIdx.
func (vm *VM) newGenerator(cl *Closure, calleeIdx, nargs int) (*Generator, *RuntimeError) {
	top, err := vm.prepareArgs(cl, calleeIdx, nargs)
	if err != nil {
		vm.popTo(calleeIdx)
		return nil, err
	}
	base := calleeIdx + 1
	g := &Generator{closure: cl, state: GeneratorSuspended}
	g.stack = make([]Value, top-base)
	copy(g.stack, vm.stack[base:top])
	vm.popTo(calleeIdx)
	log.Debug("generator created", "vm", vm.id, "function", cl.Name())
	return g, nil
}

// yield snapshots the current generator frame and leaves it.
func (vm *VM) yield(g *Generator) {
	ci := vm.currentFrame()
	base := ci.base
	g.stack = make([]Value, vm.top-base)
	copy(g.stack, vm.stack[base:vm.top])
	g.ip = ci.ip
	g.traps = g.traps[:0]
	if ci.etraps > 0 {
		for _, t := range vm.traps[len(vm.traps)-ci.etraps:] {
			g.traps = append(g.traps, trap{stackBase: t.stackBase - base, stackSize: t.stackSize - base, ip: t.ip})
		}
	}
	g.upvalues = vm.detachUpvalues(base, &g.stack)
	g.state = GeneratorSuspended
	vm.leaveFrame()
}

// resume runs g until its next yield or return in a nested execution.
// A non-nil inject is raised at the yield point instead of delivering sent.
func (vm *VM) resume(g *Generator, sent Value, inject *RuntimeError) (Value, error) {
	switch g.state {
	case GeneratorDead:
		return Null(), vm.newError(ErrKindRuntime, "resuming dead generator")
	case GeneratorRunning:
		return Null(), vm.newError(ErrKindRuntime, "resuming active generator")
	}
	if len(vm.frames) >= vm.opts.MaxCallDepth {
		return Null(), vm.newError(ErrKindStackOverflow, "stack overflow, too many nested calls")
	}
	calleeIdx := vm.top
	if err := vm.reserve(len(g.stack) + 1 + minStackOverhead); err != nil {
		return Null(), err
	}
	vm.push(GeneratorValue(g))
	base := vm.top
	copy(vm.stack[base:], g.stack)
	vm.top = base + len(g.stack)
	for _, t := range g.traps {
		vm.traps = append(vm.traps, trap{stackBase: t.stackBase + base, stackSize: t.stackSize + base, ip: t.ip})
	}
	for _, uv := range g.upvalues {
		uv.rebind(&vm.stack, uv.index+base)
		vm.openUpvalues = append(vm.openUpvalues, uv)
	}
	vm.frames = append(vm.frames, callInfo{
		closure:   g.closure,
		ip:        g.ip,
		lastOp:    -1,
		base:      base,
		prevTop:   calleeIdx,
		etraps:    len(g.traps),
		generator: g,
		root:      true,
	})
	g.traps = g.traps[:0]
	g.upvalues = nil
	g.stack = nil
	g.state = GeneratorRunning
	rootIdx := len(vm.frames) - 1
	if g.started && inject == nil {
		vm.push(sent)
	}
	g.started = true
	vm.callHook(HookCall, vm.currentFrame())
	return vm.execute(rootIdx, false, inject)
}
