package vm

import (
	"errors"
	"fmt"

	"github.com/xirelogy/go-sqvm/internal/bytecode"
)

// State is the host-visible execution state of a VM.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	default:
		return "idle"
	}
}

// Options sizes the stacks of a VM.
type Options struct {
	InitialStack   int
	MaxStack       int
	InitialFrames  int
	MaxCallDepth   int
	MaxNativeCalls int
}

const (
	defaultInitialStack   = 1024
	defaultMaxStack       = 1 << 20
	defaultInitialFrames  = 16
	defaultMaxCallDepth   = 4096
	defaultMaxNativeCalls = 100
)

// DefaultOptions returns the stack sizes used by New.
func DefaultOptions() Options {
	return Options{
		InitialStack:   defaultInitialStack,
		MaxStack:       defaultMaxStack,
		InitialFrames:  defaultInitialFrames,
		MaxCallDepth:   defaultMaxCallDepth,
		MaxNativeCalls: defaultMaxNativeCalls,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.InitialStack <= 0 {
		o.InitialStack = d.InitialStack
	}
	if o.MaxStack <= 0 {
		o.MaxStack = d.MaxStack
	}
	if o.InitialStack > o.MaxStack {
		o.InitialStack = o.MaxStack
	}
	if o.InitialFrames <= 0 {
		o.InitialFrames = d.InitialFrames
	}
	if o.MaxCallDepth <= 0 {
		o.MaxCallDepth = d.MaxCallDepth
	}
	if o.MaxNativeCalls <= 0 {
		o.MaxNativeCalls = d.MaxNativeCalls
	}
	return o
}

var (
	// ErrVMSuspended is returned when a call is attempted on a suspended VM.
	ErrVMSuspended = errors.New("vm is suspended")
	// ErrNotSuspended is returned by WakeUp on a VM that is not suspended.
	ErrNotSuspended = errors.New("vm is not suspended")
	// ErrClosed is returned by every call on a closed VM.
	ErrClosed = errors.New("vm is closed")

	errSuspended      = errors.New("execution suspended")
	errSuspendRequest = errors.New("suspend requested")
)

// suspension records where a suspended call continues. root is the frame
// index of the suspended execution, or -1 when a native called directly by
// the host suspended. push is set when the wake-up value is the result of
// the instruction that suspended.
type suspension struct {
	root int
	push bool
}

// VM is a single-threaded bytecode interpreter. VMs created from the same
// SharedState share default delegates; each owns its stacks and root table.
type VM struct {
	id     string
	shared *SharedState
	root   Value
	opts   Options

	stack        []Value
	top          int
	frames       []callInfo
	traps        []trap
	openUpvalues []*Upvalue
	nativeCalls  int

	budget       Budget
	opsRemaining int
	opsTotal     int64

	state     State
	suspended *suspension
	closed    bool

	debugHook  DebugHook
	inHook     bool
	errHandler ErrorHandler
	lastError  *RuntimeError
}

// New constructs a VM with its own shared state and default options.
func New() *VM {
	return NewWithOptions(NewSharedState(), DefaultOptions())
}

// NewWithOptions constructs a VM attached to shared.
func NewWithOptions(shared *SharedState, opts Options) *VM {
	if shared == nil {
		shared = NewSharedState()
	}
	opts = opts.normalized()
	vm := &VM{
		shared:       shared,
		root:         TableValue(NewTable(0)),
		opts:         opts,
		stack:        make([]Value, opts.InitialStack),
		frames:       make([]callInfo, 0, opts.InitialFrames),
		openUpvalues: make([]*Upvalue, 0),
	}
	vm.id = shared.register(vm)
	log.Debug("vm created", "vm", vm.id)
	return vm
}

// ID returns the identifier under which the VM is registered in its shared state.
func (vm *VM) ID() string { return vm.id }

// Shared returns the engine state the VM belongs to.
func (vm *VM) Shared() *SharedState { return vm.shared }

// Options returns the stack sizes in effect.
func (vm *VM) Options() Options { return vm.opts }

// State reports whether the VM is idle, running or suspended.
func (vm *VM) State() State { return vm.state }

// Root returns the root table, the global environment of loaded code.
func (vm *VM) Root() Value { return vm.root }

// SetRoot replaces the root table.
func (vm *VM) SetRoot(t *Table) {
	if t != nil {
		vm.root = TableValue(t)
	}
}

// DefineGlobal binds a value into the root table.
func (vm *VM) DefineGlobal(name string, v Value) {
	vm.root.Table().NewSlot(String(name), v)
}

// Global looks up a root table slot without delegation.
func (vm *VM) Global(name string) (Value, bool) {
	return vm.root.Table().Get(String(name))
}

// SetDebugHook registers a callback for line, call and return events.
func (vm *VM) SetDebugHook(h DebugHook) { vm.debugHook = h }

// SetErrorHandler registers the callback invoked when an error escapes a host call.
func (vm *VM) SetErrorHandler(h ErrorHandler) { vm.errHandler = h }

// LastError returns the error that terminated the most recent host call, if any.
func (vm *VM) LastError() *RuntimeError { return vm.lastError }

// Load binds a top-level prototype into a closure. Prototypes that capture
// variables cannot be loaded on their own.
func (vm *VM) Load(proto *bytecode.Prototype) (Value, error) {
	if proto == nil {
		return Null(), fmt.Errorf("nil prototype")
	}
	if len(proto.Upvalues) > 0 {
		return Null(), fmt.Errorf("prototype %s captures %d variables and cannot be loaded directly", proto.Name, len(proto.Upvalues))
	}
	if err := proto.Verify(); err != nil {
		return Null(), err
	}
	return ClosureValue(NewClosure(proto)), nil
}

// Call invokes fn with the root table as receiver.
func (vm *VM) Call(fn Value, args ...Value) (Value, error) {
	return vm.CallMethod(fn, vm.root, args...)
}

// CallMethod invokes fn with an explicit receiver.
func (vm *VM) CallMethod(fn, this Value, args ...Value) (Value, error) {
	return vm.hostCall(func(bool) (Value, error) {
		return vm.call(fn, this, args, false)
	})
}

// CallSuspendable invokes fn like Call, but lets the call suspend when the
// budget runs out or a native requests it. A suspended call returns a null
// value, a nil error and leaves State() == StateSuspended; continue it with
// WakeUp or WakeUpThrow, or discard it with Abandon. Nested calls made from
// natives never suspend.
func (vm *VM) CallSuspendable(fn Value, args ...Value) (Value, error) {
	return vm.hostCall(func(outer bool) (Value, error) {
		return vm.call(fn, vm.root, args, outer)
	})
}

// Resume continues a suspended generator, delivering v as the result of its
// pending yield, and returns the next yielded or returned value.
func (vm *VM) Resume(gen Value, v Value) (Value, error) {
	return vm.hostCall(func(bool) (Value, error) {
		g := gen.Generator()
		if g == nil {
			return Null(), vm.newError(ErrKindType, "cannot resume a '%s'", typeName(gen))
		}
		return vm.resume(g, v, nil)
	})
}

// ResumeThrow continues a suspended generator by raising errVal at its
// pending yield.
func (vm *VM) ResumeThrow(gen Value, errVal Value) (Value, error) {
	return vm.hostCall(func(bool) (Value, error) {
		g := gen.Generator()
		if g == nil {
			return Null(), vm.newError(ErrKindType, "cannot resume a '%s'", typeName(gen))
		}
		return vm.resume(g, Null(), vm.thrownError(errVal))
	})
}

// WakeUp continues a suspended call. If the call suspended inside a native,
// v becomes that native's result. The budget is refilled.
func (vm *VM) WakeUp(v Value) (Value, error) {
	s, err := vm.takeSuspension()
	if err != nil {
		return Null(), err
	}
	log.Debug("waking up", "vm", vm.id)
	return vm.hostCall(func(bool) (Value, error) {
		if s.root < 0 {
			return v, nil
		}
		if s.push {
			vm.push(v)
		}
		return vm.execute(s.root, true, nil)
	})
}

// WakeUpThrow continues a suspended call by raising errVal where it stopped.
func (vm *VM) WakeUpThrow(errVal Value) (Value, error) {
	s, err := vm.takeSuspension()
	if err != nil {
		return Null(), err
	}
	return vm.hostCall(func(bool) (Value, error) {
		rerr := vm.thrownError(errVal)
		if s.root < 0 {
			return Null(), rerr
		}
		return vm.execute(s.root, true, rerr)
	})
}

func (vm *VM) takeSuspension() (*suspension, error) {
	if vm.closed {
		return nil, ErrClosed
	}
	if vm.state != StateSuspended || vm.suspended == nil {
		return nil, ErrNotSuspended
	}
	s := vm.suspended
	vm.suspended = nil
	vm.state = StateIdle
	return s, nil
}

// Abandon discards a suspended call: its frames are left, generators they
// were running die, traps are dropped and captured variables are closed.
// No script code runs.
func (vm *VM) Abandon() {
	if vm.state != StateSuspended {
		return
	}
	for len(vm.frames) > 0 {
		if g := vm.currentFrame().generator; g != nil {
			g.kill()
		}
		vm.leaveFrame()
	}
	vm.traps = vm.traps[:0]
	vm.closeUpvalues(0)
	vm.popTo(0)
	vm.suspended = nil
	vm.state = StateIdle
	log.Debug("suspended call abandoned", "vm", vm.id)
}

// Close abandons any suspended call and removes the VM from its shared state.
func (vm *VM) Close() {
	if vm.closed {
		return
	}
	vm.Abandon()
	vm.shared.unregister(vm.id)
	vm.closed = true
	log.Debug("vm closed", "vm", vm.id)
}

// Throw returns an error that raises v as the script-visible exception value.
// Natives return it to throw.
func (vm *VM) Throw(v Value) error {
	return vm.thrownError(v)
}

// Errorf raises a formatted string as the script-visible exception value.
func (vm *VM) Errorf(format string, args ...interface{}) error {
	return vm.newError(ErrKindRuntime, format, args...)
}

// Suspend returns the error a native returns to suspend the current call.
// It only takes effect in a call started with CallSuspendable.
func (vm *VM) Suspend() error {
	return errSuspendRequest
}

func (vm *VM) thrownError(v Value) *RuntimeError {
	return vm.errorWithValue(ErrKindRuntime, v, rawString(v), nil)
}

// hostCall brackets every entry from the host. The outermost entry refills
// the budget and owns the suspended state and error reporting; nested entries
// made by natives pass results and errors straight through.
func (vm *VM) hostCall(run func(outer bool) (Value, error)) (Value, error) {
	if vm.closed {
		return Null(), ErrClosed
	}
	if vm.state == StateSuspended {
		return Null(), ErrVMSuspended
	}
	outer := vm.state == StateIdle
	if !outer {
		return run(false)
	}
	vm.refillBudget()
	vm.state = StateRunning
	vm.lastError = nil
	v, err := run(true)
	if errors.Is(err, errSuspended) {
		vm.state = StateSuspended
		log.Debug("call suspended", "vm", vm.id, "frames", len(vm.frames))
		return Null(), nil
	}
	vm.state = StateIdle
	if err != nil {
		rerr := vm.asRuntimeError(err)
		vm.lastError = rerr
		log.Warning("uncaught error", "vm", vm.id, "error", rerr.Error())
		if vm.errHandler != nil {
			vm.errHandler(vm, rerr)
		}
		return Null(), rerr
	}
	return v, nil
}

// execute runs the interpreter loop until the frame at rootIdx returns, an
// error escapes it or the call suspends. A non-nil pending error is raised
// before the first instruction.
func (vm *VM) execute(rootIdx int, canSuspend bool, pending *RuntimeError) (Value, error) {
	if pending != nil && !vm.unwind(pending, rootIdx) {
		return Null(), pending
	}
	for {
		var err error
		switch vm.chargeOp(canSuspend) {
		case budgetSuspend:
			vm.suspended = &suspension{root: rootIdx}
			log.Debug("budget exhausted", "vm", vm.id, "ops", vm.opsTotal)
			return Null(), errSuspended
		case budgetThrow:
			rerr := vm.newError(ErrKindBudget, "script exceeded execution budget")
			if !vm.unwind(rerr, rootIdx) {
				return Null(), rerr
			}
			continue
		}

		ci := vm.currentFrame()
		proto := ci.closure.Proto
		code := proto.Chunk.Code
		consts := proto.Chunk.Consts
		if ci.ip >= len(code) {
			if v, done := vm.doReturn(Null()); done {
				return v, nil
			}
			continue
		}
		ci.lastOp = ci.ip
		if vm.debugHook != nil {
			if line := proto.Chunk.LineForOffset(ci.ip); line > 0 && line != ci.line {
				ci.line = line
				vm.callHook(HookLine, ci)
			}
		}
		op := code[ci.ip]
		ci.ip++

		switch op {
		case bytecode.OP_NOP, bytecode.OP_DEBUG:
			// no-op
		case bytecode.OP_CONST:
			vm.push(constToValue(consts[ci.readU16(code)]))
		case bytecode.OP_NULL:
			vm.push(Null())
		case bytecode.OP_TRUE:
			vm.push(Bool(true))
		case bytecode.OP_FALSE:
			vm.push(Bool(false))
		case bytecode.OP_POP:
			vm.pop()
		case bytecode.OP_DUP:
			vm.push(vm.peek(0))
		case bytecode.OP_ROOT:
			vm.push(vm.root)

		case bytecode.OP_ADD, bytecode.OP_SUB, bytecode.OP_MUL, bytecode.OP_DIV, bytecode.OP_MOD:
			b := vm.pop()
			a := vm.pop()
			var res Value
			if res, err = vm.arith(op, a, b); err == nil {
				vm.push(res)
			}
		case bytecode.OP_NEG:
			var res Value
			if res, err = vm.negate(vm.pop()); err == nil {
				vm.push(res)
			}
		case bytecode.OP_NOT:
			vm.push(Bool(!Truthy(vm.pop())))

		case bytecode.OP_EQ:
			b := vm.pop()
			a := vm.pop()
			vm.push(Bool(Equal(a, b)))
		case bytecode.OP_NEQ:
			b := vm.pop()
			a := vm.pop()
			vm.push(Bool(!Equal(a, b)))
		case bytecode.OP_LT, bytecode.OP_LTE, bytecode.OP_GT, bytecode.OP_GTE, bytecode.OP_CMP:
			b := vm.pop()
			a := vm.pop()
			var c int
			if c, err = vm.compare(a, b); err == nil {
				vm.push(compareResult(op, c))
			}

		case bytecode.OP_BAND, bytecode.OP_BOR, bytecode.OP_BXOR, bytecode.OP_SHL, bytecode.OP_SHR, bytecode.OP_USHR:
			b := vm.pop()
			a := vm.pop()
			var res Value
			if res, err = vm.bitwise(op, a, b); err == nil {
				vm.push(res)
			}
		case bytecode.OP_BNOT:
			a := vm.pop()
			if a.Kind != KindInteger {
				err = vm.newError(ErrKindType, "bitwise op between '%s'", typeName(a))
				break
			}
			vm.push(Integer(^a.Int))

		case bytecode.OP_GET_GLOBAL:
			name := consts[ci.readU16(code)].(string)
			var v Value
			if v, err = vm.get(vm.root, String(name)); err == nil {
				vm.push(v)
			}
		case bytecode.OP_SET_GLOBAL:
			name := consts[ci.readU16(code)].(string)
			err = vm.set(vm.root, String(name), vm.pop())
		case bytecode.OP_DEFINE_GLOBAL:
			name := consts[ci.readU16(code)].(string)
			err = vm.newSlot(vm.root, String(name), vm.pop(), false)

		case bytecode.OP_GET_LOCAL:
			vm.push(vm.stack[ci.base+ci.readU8(code)])
		case bytecode.OP_SET_LOCAL:
			slot := ci.base + ci.readU8(code)
			vm.stack[slot] = vm.pop()
		case bytecode.OP_GET_UPVALUE:
			vm.push(ci.closure.upvalues[ci.readU8(code)].Get())
		case bytecode.OP_SET_UPVALUE:
			ci.closure.upvalues[ci.readU8(code)].Set(vm.pop())

		case bytecode.OP_NEW_TABLE:
			n := ci.readU16(code)
			t := NewTable(n)
			start := vm.top - 2*n
			for i := start; i < vm.top; i += 2 {
				if err = vm.checkKey(vm.stack[i]); err != nil {
					break
				}
				t.NewSlot(vm.stack[i], vm.stack[i+1])
			}
			if err == nil {
				vm.popTo(start)
				vm.push(TableValue(t))
			}
		case bytecode.OP_NEW_ARRAY:
			n := ci.readU16(code)
			start := vm.top - n
			items := make([]Value, n)
			copy(items, vm.stack[start:vm.top])
			vm.popTo(start)
			vm.push(ArrayValue(NewArray(items)))
		case bytecode.OP_GET:
			key := vm.pop()
			obj := vm.pop()
			var v Value
			if v, err = vm.get(obj, key); err == nil {
				vm.push(v)
			}
		case bytecode.OP_SET:
			val := vm.pop()
			key := vm.pop()
			obj := vm.pop()
			err = vm.set(obj, key, val)
		case bytecode.OP_GET_PROP:
			name := consts[ci.readU16(code)].(string)
			obj := vm.pop()
			var v Value
			if v, err = vm.get(obj, String(name)); err == nil {
				vm.push(v)
			}
		case bytecode.OP_SET_PROP:
			name := consts[ci.readU16(code)].(string)
			val := vm.pop()
			obj := vm.pop()
			err = vm.set(obj, String(name), val)
		case bytecode.OP_NEWSLOT:
			flags := byte(ci.readU8(code))
			val := vm.pop()
			key := vm.pop()
			obj := vm.pop()
			err = vm.newSlot(obj, key, val, flags&bytecode.SlotStatic != 0)
		case bytecode.OP_DELETE:
			key := vm.pop()
			obj := vm.pop()
			var old Value
			if old, err = vm.deleteSlot(obj, key); err == nil {
				vm.push(old)
			}

		case bytecode.OP_JUMP:
			ci.ip = ci.readU16(code)
		case bytecode.OP_JUMP_IF_FALSE:
			target := ci.readU16(code)
			if !Truthy(vm.pop()) {
				ci.ip = target
			}
		case bytecode.OP_JUMP_IF_TRUE:
			target := ci.readU16(code)
			if Truthy(vm.pop()) {
				ci.ip = target
			}

		case bytecode.OP_PREPCALL:
			key := vm.pop()
			obj := vm.pop()
			var fn Value
			if fn, err = vm.get(obj, key); err == nil {
				vm.push(fn)
				vm.push(obj)
			}
		case bytecode.OP_PREPCALL_PROP:
			name := consts[ci.readU16(code)].(string)
			obj := vm.pop()
			var fn Value
			if fn, err = vm.get(obj, String(name)); err == nil {
				vm.push(fn)
				vm.push(obj)
			}
		case bytecode.OP_CALL:
			n := ci.readU8(code)
			err = vm.startCall(vm.top-n-2, n+1, canSuspend)
		case bytecode.OP_TAILCALL:
			n := ci.readU8(code)
			err = vm.tailCall(ci, vm.top-n-2, n+1, canSuspend)
		case bytecode.OP_RETURN:
			if v, done := vm.doReturn(vm.pop()); done {
				return v, nil
			}
		case bytecode.OP_RETURN_NULL:
			if v, done := vm.doReturn(Null()); done {
				return v, nil
			}
		case bytecode.OP_CLOSURE:
			proto := consts[ci.readU16(code)].(*bytecode.Prototype)
			vm.push(ClosureValue(vm.makeClosure(ci, proto)))

		case bytecode.OP_YIELD:
			g := ci.generator
			if g == nil {
				err = vm.newError(ErrKindRuntime, "cannot yield outside a generator")
				break
			}
			v := vm.pop()
			vm.yield(g)
			log.Debug("generator yielded", "vm", vm.id, "function", g.closure.Name())
			return v, nil
		case bytecode.OP_RESUME:
			gv := vm.pop()
			g := gv.Generator()
			if g == nil {
				err = vm.newError(ErrKindType, "cannot resume a '%s'", typeName(gv))
				break
			}
			var v Value
			if v, err = vm.resume(g, Null(), nil); err == nil {
				vm.push(v)
			}
		case bytecode.OP_PUSHTRAP:
			vm.pushTrap(ci.readU16(code))
		case bytecode.OP_POPTRAP:
			vm.popTraps(ci.readU8(code))
		case bytecode.OP_THROW:
			err = vm.thrownError(vm.pop())

		case bytecode.OP_CLASS:
			var c Value
			if c, err = vm.defineClass(byte(ci.readU8(code))); err == nil {
				vm.push(c)
			}
		case bytecode.OP_NEWSLOTA:
			flags := byte(ci.readU8(code))
			attrs := vm.pop()
			val := vm.pop()
			key := vm.pop()
			cls := vm.pop()
			err = vm.newMember(cls, key, val, attrs, flags&bytecode.SlotStatic != 0)
		case bytecode.OP_INSTANCEOF:
			cls := vm.pop()
			obj := vm.pop()
			if cls.Kind != KindClass {
				err = vm.newError(ErrKindType, "cannot apply instanceof between a '%s' and a '%s'", typeName(obj), typeName(cls))
				break
			}
			inst := obj.Instance()
			vm.push(Bool(inst != nil && inst.InstanceOf(cls.Class())))
		case bytecode.OP_TYPEOF:
			var name string
			if name, err = vm.TypeOf(vm.pop()); err == nil {
				vm.push(String(name))
			}
		case bytecode.OP_CLONE:
			var v Value
			if v, err = vm.clone(vm.pop()); err == nil {
				vm.push(v)
			}
		case bytecode.OP_IN:
			obj := vm.pop()
			key := vm.pop()
			var ok bool
			if ok, err = vm.in(obj, key); err == nil {
				vm.push(Bool(ok))
			}
		case bytecode.OP_GET_BASE:
			if c := ci.closure.base; c != nil && c.Base() != nil {
				vm.push(ClassValue(c.Base()))
			} else {
				vm.push(Null())
			}

		case bytecode.OP_ITER_PREP:
			// The iteration state sits above the container.
			vm.push(Null())
		case bytecode.OP_ITER_NEXT:
			target := ci.readU16(code)
			var step iterStep
			if step, err = vm.iterNext(vm.peek(1), vm.peek(0)); err != nil {
				break
			}
			if step.done {
				vm.popTo(vm.top - 2)
				vm.currentFrame().ip = target
				break
			}
			vm.stack[vm.top-1] = step.state
			vm.push(step.key)
			vm.push(step.val)

		default:
			err = vm.newError(ErrKindRuntime, "unknown opcode 0x%02x", op)
		}

		if err != nil {
			if errors.Is(err, errSuspended) {
				vm.suspended.root = rootIdx
				return Null(), err
			}
			rerr := vm.asRuntimeError(err)
			if !vm.unwind(rerr, rootIdx) {
				return Null(), rerr
			}
		}
	}
}

func (ci *callInfo) readU8(code []byte) int {
	b := code[ci.ip]
	ci.ip++
	return int(b)
}

func (ci *callInfo) readU16(code []byte) int {
	v := int(code[ci.ip])<<8 | int(code[ci.ip+1])
	ci.ip += 2
	return v
}

// doReturn leaves the current frame with v. It reports whether the frame was
// the root of its execution, in which case v is the execution's result;
// otherwise v has been pushed for the caller.
func (vm *VM) doReturn(v Value) (Value, bool) {
	ci := vm.currentFrame()
	if ci.ctor {
		v = ci.ctorValue
	}
	g := ci.generator
	root := ci.root
	vm.leaveFrame()
	if g != nil {
		g.state = GeneratorDead
		log.Debug("generator finished", "vm", vm.id, "function", g.closure.Name())
	}
	if root {
		return v, true
	}
	vm.push(v)
	return Null(), false
}

func (vm *VM) makeClosure(ci *callInfo, proto *bytecode.Prototype) *Closure {
	cl := NewClosure(proto)
	for i, uv := range proto.Upvalues {
		if uv.IsLocal {
			cl.upvalues[i] = vm.findUpvalue(ci.base + int(uv.Index))
		} else {
			cl.upvalues[i] = ci.closure.upvalues[uv.Index]
		}
	}
	return cl
}

func compareResult(op byte, c int) Value {
	switch op {
	case bytecode.OP_LT:
		return Bool(c < 0)
	case bytecode.OP_LTE:
		return Bool(c <= 0)
	case bytecode.OP_GT:
		return Bool(c > 0)
	case bytecode.OP_GTE:
		return Bool(c >= 0)
	default:
		return Integer(int64(c))
	}
}
