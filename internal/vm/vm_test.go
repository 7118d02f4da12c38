package vm_test

import (
	"errors"
	"runtime"
	"testing"

	"github.com/xirelogy/go-sqvm/internal/bytecode"
	"github.com/xirelogy/go-sqvm/internal/vm"
)

func load(t *testing.T, machine *vm.VM, proto *bytecode.Prototype) vm.Value {
	t.Helper()
	fn, err := machine.Load(proto)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	return fn
}

func call(t *testing.T, machine *vm.VM, fn vm.Value, args ...vm.Value) vm.Value {
	t.Helper()
	v, err := machine.Call(fn, args...)
	if err != nil {
		t.Fatalf("vm call error: %v", err)
	}
	return v
}

func expectInt(t *testing.T, v vm.Value, want int64) {
	t.Helper()
	if v.Kind != vm.KindInteger || v.Int != want {
		t.Fatalf("expected %d, got %#v", want, v)
	}
}

func TestVMFunctionCall(t *testing.T) {
	proto := bytecode.NewAssembler("addOne", "test").Params(1).Locals(2).
		OpU8(bytecode.OP_GET_LOCAL, 1).
		LoadConst(1).
		Op(bytecode.OP_ADD).
		Op(bytecode.OP_RETURN).
		MustFinish()
	machine := vm.New()
	expectInt(t, call(t, machine, load(t, machine, proto), vm.Integer(41)), 42)
}

func TestVMArithmeticPromotion(t *testing.T) {
	proto := bytecode.NewAssembler("div", "test").Params(2).Locals(3).
		OpU8(bytecode.OP_GET_LOCAL, 1).
		OpU8(bytecode.OP_GET_LOCAL, 2).
		Op(bytecode.OP_DIV).
		Op(bytecode.OP_RETURN).
		MustFinish()
	machine := vm.New()
	fn := load(t, machine, proto)

	expectInt(t, call(t, machine, fn, vm.Integer(7), vm.Integer(2)), 3)
	if v := call(t, machine, fn, vm.Integer(7), vm.Float(2)); v.Kind != vm.KindFloat || v.Num != 3.5 {
		t.Fatalf("expected 3.5, got %#v", v)
	}
	if _, err := machine.Call(fn, vm.Integer(1), vm.Integer(0)); err == nil {
		t.Fatalf("expected division by zero error")
	}
	if _, err := machine.Call(fn, vm.Integer(1), vm.String("x")); !errors.Is(err, vm.ErrType) {
		t.Fatalf("expected type error, got %v", err)
	}
}

func TestVMStringConcatenation(t *testing.T) {
	proto := bytecode.NewAssembler("concat", "test").Params(2).Locals(3).
		OpU8(bytecode.OP_GET_LOCAL, 1).
		OpU8(bytecode.OP_GET_LOCAL, 2).
		Op(bytecode.OP_ADD).
		Op(bytecode.OP_RETURN).
		MustFinish()
	machine := vm.New()
	v := call(t, machine, load(t, machine, proto), vm.String("n="), vm.Integer(3))
	if v.Kind != vm.KindString || v.Str != "n=3" {
		t.Fatalf("expected n=3, got %#v", v)
	}
}

// counterProto returns a function creating a counter closure over local 1.
func counterProto() *bytecode.Prototype {
	inc := bytecode.NewAssembler("inc", "test").CaptureLocal(1).
		OpU8(bytecode.OP_GET_UPVALUE, 0).
		LoadConst(1).
		Op(bytecode.OP_ADD).
		Op(bytecode.OP_DUP).
		OpU8(bytecode.OP_SET_UPVALUE, 0).
		Op(bytecode.OP_RETURN).
		MustFinish()
	return bytecode.NewAssembler("makeCounter", "test").Locals(2).
		LoadConst(0).
		OpU8(bytecode.OP_SET_LOCAL, 1).
		Closure(inc).
		Op(bytecode.OP_RETURN).
		MustFinish()
}

func TestVMCounterClosuresAreIndependent(t *testing.T) {
	machine := vm.New()
	makeCounter := load(t, machine, counterProto())
	c1 := call(t, machine, makeCounter)
	c2 := call(t, machine, makeCounter)

	expectInt(t, call(t, machine, c1), 1)
	expectInt(t, call(t, machine, c1), 2)
	expectInt(t, call(t, machine, c1), 3)
	expectInt(t, call(t, machine, c2), 1)
	if c1.Closure().Upvalue(0) == c2.Closure().Upvalue(0) {
		t.Fatalf("expected counters to own distinct cells")
	}
}

func TestVMClosuresShareCapturedVariable(t *testing.T) {
	inc := bytecode.NewAssembler("inc", "test").CaptureLocal(1).
		OpU8(bytecode.OP_GET_UPVALUE, 0).
		LoadConst(1).
		Op(bytecode.OP_ADD).
		Op(bytecode.OP_DUP).
		OpU8(bytecode.OP_SET_UPVALUE, 0).
		Op(bytecode.OP_RETURN).
		MustFinish()
	get := bytecode.NewAssembler("get", "test").CaptureLocal(1).
		OpU8(bytecode.OP_GET_UPVALUE, 0).
		Op(bytecode.OP_RETURN).
		MustFinish()
	// count := 0; inc := ...; get := ...; inc(); return [inc, get, count]
	pair := bytecode.NewAssembler("makePair", "test").Locals(4).
		LoadConst(0).
		OpU8(bytecode.OP_SET_LOCAL, 1).
		Closure(inc).
		OpU8(bytecode.OP_SET_LOCAL, 2).
		Closure(get).
		OpU8(bytecode.OP_SET_LOCAL, 3).
		OpU8(bytecode.OP_GET_LOCAL, 2).
		Op(bytecode.OP_ROOT).
		OpU8(bytecode.OP_CALL, 0).
		Op(bytecode.OP_POP).
		OpU8(bytecode.OP_GET_LOCAL, 2).
		OpU8(bytecode.OP_GET_LOCAL, 3).
		OpU8(bytecode.OP_GET_LOCAL, 1).
		OpU16(bytecode.OP_NEW_ARRAY, 3).
		Op(bytecode.OP_RETURN).
		MustFinish()

	machine := vm.New()
	arr := call(t, machine, load(t, machine, pair)).Array()
	if arr == nil || arr.Len() != 3 {
		t.Fatalf("expected array of 3, got %#v", arr)
	}
	expectInt(t, arr.Items[2], 1)
	incFn, getFn := arr.Items[0], arr.Items[1]
	cell := incFn.Closure().Upvalue(0)
	if cell != getFn.Closure().Upvalue(0) {
		t.Fatalf("expected both closures to share one cell")
	}
	if cell.IsOpen() {
		t.Fatalf("expected cell to be closed after the frame returned")
	}
	expectInt(t, call(t, machine, getFn), 1)
	expectInt(t, call(t, machine, incFn), 2)
	expectInt(t, call(t, machine, getFn), 2)
}

func countdownProto(callOp byte) *bytecode.Prototype {
	a := bytecode.NewAssembler("countdown", "test").Params(1).Locals(2)
	a.OpU8(bytecode.OP_GET_LOCAL, 1).LoadConst(0).Op(bytecode.OP_EQ)
	skip := a.Jump(bytecode.OP_JUMP_IF_FALSE)
	a.Named(bytecode.OP_GET_GLOBAL, "depth").Op(bytecode.OP_ROOT).OpU8(bytecode.OP_CALL, 0).Op(bytecode.OP_RETURN)
	a.PatchJump(skip)
	a.Named(bytecode.OP_GET_GLOBAL, "countdown").
		Op(bytecode.OP_ROOT).
		OpU8(bytecode.OP_GET_LOCAL, 1).
		LoadConst(1).
		Op(bytecode.OP_SUB).
		OpU8(callOp, 1).
		Op(bytecode.OP_RETURN)
	return a.MustFinish()
}

func TestVMTailCallsRunInConstantFrames(t *testing.T) {
	machine := vm.NewWithOptions(nil, vm.Options{MaxCallDepth: 10})
	machine.DefineGlobal("depth", vm.NativeValue(vm.NewNative("depth", func(m *vm.VM, args []vm.Value) (vm.Value, error) {
		return vm.Integer(int64(m.CallDepth())), nil
	})))
	countdown := load(t, machine, countdownProto(bytecode.OP_TAILCALL))
	machine.DefineGlobal("countdown", countdown)

	expectInt(t, call(t, machine, countdown, vm.Integer(1000)), 1)
}

func TestVMDeepRecursionOverflows(t *testing.T) {
	machine := vm.NewWithOptions(nil, vm.Options{MaxCallDepth: 10})
	machine.DefineGlobal("depth", vm.NativeValue(vm.NewNative("depth", func(m *vm.VM, args []vm.Value) (vm.Value, error) {
		return vm.Integer(int64(m.CallDepth())), nil
	})))
	countdown := load(t, machine, countdownProto(bytecode.OP_CALL))
	machine.DefineGlobal("countdown", countdown)

	expectInt(t, call(t, machine, countdown, vm.Integer(5)), 6)
	_, err := machine.Call(countdown, vm.Integer(1000))
	if !errors.Is(err, vm.ErrStackOverflow) {
		t.Fatalf("expected stack overflow, got %v", err)
	}
	if machine.CallDepth() != 0 {
		t.Fatalf("expected frames to be released, got depth %d", machine.CallDepth())
	}
}

func TestVMGeneratorResume(t *testing.T) {
	// x := yield 1; yield x + 10; return "done"
	proto := bytecode.NewAssembler("gen", "test").Generator().Locals(2).
		LoadConst(1).
		Op(bytecode.OP_YIELD).
		OpU8(bytecode.OP_SET_LOCAL, 1).
		OpU8(bytecode.OP_GET_LOCAL, 1).
		LoadConst(10).
		Op(bytecode.OP_ADD).
		Op(bytecode.OP_YIELD).
		Op(bytecode.OP_POP).
		LoadConst("done").
		Op(bytecode.OP_RETURN).
		MustFinish()
	machine := vm.New()
	gen := call(t, machine, load(t, machine, proto))
	g := gen.Generator()
	if g == nil || g.State() != vm.GeneratorSuspended {
		t.Fatalf("expected suspended generator, got %#v", gen)
	}

	v, err := machine.Resume(gen, vm.Null())
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	expectInt(t, v, 1)
	v, err = machine.Resume(gen, vm.Integer(5))
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	expectInt(t, v, 15)
	v, err = machine.Resume(gen, vm.Null())
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if v.Kind != vm.KindString || v.Str != "done" {
		t.Fatalf("expected done, got %#v", v)
	}
	if g.State() != vm.GeneratorDead {
		t.Fatalf("expected dead generator, got %s", g.State())
	}

	_, err = machine.Resume(gen, vm.Null())
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) || rerr.Message != "resuming dead generator" {
		t.Fatalf("expected dead generator error, got %v", err)
	}
}

func TestVMGeneratorKeepsCapturedLocals(t *testing.T) {
	bump := bytecode.NewAssembler("bump", "test").CaptureLocal(1).
		OpU8(bytecode.OP_GET_UPVALUE, 0).
		LoadConst(1).
		Op(bytecode.OP_ADD).
		OpU8(bytecode.OP_SET_UPVALUE, 0).
		Op(bytecode.OP_RETURN_NULL).
		MustFinish()
	// n := 0; yield bump; return n
	proto := bytecode.NewAssembler("gen", "test").Generator().Locals(2).
		LoadConst(0).
		OpU8(bytecode.OP_SET_LOCAL, 1).
		Closure(bump).
		Op(bytecode.OP_YIELD).
		Op(bytecode.OP_POP).
		OpU8(bytecode.OP_GET_LOCAL, 1).
		Op(bytecode.OP_RETURN).
		MustFinish()
	machine := vm.New()
	gen := call(t, machine, load(t, machine, proto))
	bumpFn, err := machine.Resume(gen, vm.Null())
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	call(t, machine, bumpFn)
	call(t, machine, bumpFn)
	if !bumpFn.Closure().Upvalue(0).IsOpen() {
		t.Fatalf("expected cell to stay open while the generator is suspended")
	}
	v, err := machine.Resume(gen, vm.Null())
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	expectInt(t, v, 2)
	if bumpFn.Closure().Upvalue(0).IsOpen() {
		t.Fatalf("expected cell to be closed once the generator finished")
	}
}

func TestVMGeneratorResumeThrowReachesOwnTrap(t *testing.T) {
	// try { yield 1; return "resumed" } catch (e) { return e }
	a := bytecode.NewAssembler("gen", "test").Generator()
	catch := a.Jump(bytecode.OP_PUSHTRAP)
	a.LoadConst(1).Op(bytecode.OP_YIELD).Op(bytecode.OP_POP)
	a.OpU8(bytecode.OP_POPTRAP, 1).LoadConst("resumed").Op(bytecode.OP_RETURN)
	a.PatchJump(catch)
	a.Op(bytecode.OP_RETURN)

	machine := vm.New()
	gen := call(t, machine, load(t, machine, a.MustFinish()))
	v, err := machine.Resume(gen, vm.Null())
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	expectInt(t, v, 1)
	v, err = machine.ResumeThrow(gen, vm.String("injected"))
	if err != nil {
		t.Fatalf("resume throw error: %v", err)
	}
	if v.Kind != vm.KindString || v.Str != "injected" {
		t.Fatalf("expected injected, got %#v", v)
	}
	if g := gen.Generator(); g.State() != vm.GeneratorDead {
		t.Fatalf("expected dead generator, got %s", g.State())
	}
}

func TestVMGeneratorCloseClosesCapturedCells(t *testing.T) {
	get := bytecode.NewAssembler("get", "test").CaptureLocal(1).
		OpU8(bytecode.OP_GET_UPVALUE, 0).
		Op(bytecode.OP_RETURN).
		MustFinish()
	// n := 3; yield get; return n
	proto := bytecode.NewAssembler("gen", "test").Generator().Locals(2).
		LoadConst(3).
		OpU8(bytecode.OP_SET_LOCAL, 1).
		Closure(get).
		Op(bytecode.OP_YIELD).
		Op(bytecode.OP_POP).
		OpU8(bytecode.OP_GET_LOCAL, 1).
		Op(bytecode.OP_RETURN).
		MustFinish()
	machine := vm.New()
	gen := call(t, machine, load(t, machine, proto))
	getFn, err := machine.Resume(gen, vm.Null())
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	cell := getFn.Closure().Upvalue(0)
	if !cell.IsOpen() {
		t.Fatalf("expected cell to be open while the generator is suspended")
	}

	g := gen.Generator()
	if err := g.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if cell.IsOpen() {
		t.Fatalf("expected close to close the captured cell")
	}
	if g.State() != vm.GeneratorDead {
		t.Fatalf("expected dead generator, got %s", g.State())
	}
	expectInt(t, call(t, machine, getFn), 3)
	if _, err := machine.Resume(gen, vm.Null()); err == nil {
		t.Fatalf("expected resuming a closed generator to fail")
	}
}

func TestVMForeachOverArrayAndGenerator(t *testing.T) {
	sum := func() *bytecode.Prototype {
		// sum := 0; foreach (k, v in arg) sum += v; return sum
		a := bytecode.NewAssembler("sum", "test").Params(1).Locals(5)
		a.LoadConst(0).OpU8(bytecode.OP_SET_LOCAL, 4)
		a.OpU8(bytecode.OP_GET_LOCAL, 1).Op(bytecode.OP_ITER_PREP)
		loop := a.Offset()
		exit := a.Jump(bytecode.OP_ITER_NEXT)
		a.OpU8(bytecode.OP_SET_LOCAL, 3).OpU8(bytecode.OP_SET_LOCAL, 2)
		a.OpU8(bytecode.OP_GET_LOCAL, 4).OpU8(bytecode.OP_GET_LOCAL, 3).Op(bytecode.OP_ADD).OpU8(bytecode.OP_SET_LOCAL, 4)
		a.Loop(bytecode.OP_JUMP, loop)
		a.PatchJump(exit)
		a.OpU8(bytecode.OP_GET_LOCAL, 4).Op(bytecode.OP_RETURN)
		return a.MustFinish()
	}()
	gen := bytecode.NewAssembler("three", "test").Generator().
		LoadConst(1).Op(bytecode.OP_YIELD).Op(bytecode.OP_POP).
		LoadConst(2).Op(bytecode.OP_YIELD).Op(bytecode.OP_POP).
		LoadConst(3).Op(bytecode.OP_YIELD).Op(bytecode.OP_POP).
		LoadConst(100).Op(bytecode.OP_RETURN).
		MustFinish()

	machine := vm.New()
	fn := load(t, machine, sum)
	arr := vm.ArrayValue(vm.NewArray([]vm.Value{vm.Integer(1), vm.Integer(2), vm.Integer(3), vm.Integer(4)}))
	expectInt(t, call(t, machine, fn, arr), 10)

	g := call(t, machine, load(t, machine, gen))
	expectInt(t, call(t, machine, fn, g), 6)

	tbl := vm.NewTable(0)
	tbl.NewSlot(vm.String("a"), vm.Integer(5))
	tbl.NewSlot(vm.String("b"), vm.Integer(6))
	expectInt(t, call(t, machine, fn, vm.TableValue(tbl)), 11)
}

func loopProto() *bytecode.Prototype {
	a := bytecode.NewAssembler("spin", "test")
	start := a.Offset()
	a.Loop(bytecode.OP_JUMP, start)
	return a.MustFinish()
}

func TestVMBudgetExceeded(t *testing.T) {
	machine := vm.New()
	machine.SetBudget(vm.Budget{Ops: 1000, Grace: 0})
	_, err := machine.Call(load(t, machine, loopProto()))
	if !errors.Is(err, vm.ErrBudgetExceeded) {
		t.Fatalf("expected budget error, got %v", err)
	}
	if machine.OpsTotal() != 1000 {
		t.Fatalf("expected 1000 instructions, got %d", machine.OpsTotal())
	}
	if machine.State() != vm.StateIdle || machine.CallDepth() != 0 {
		t.Fatalf("expected idle VM without frames, got %s depth %d", machine.State(), machine.CallDepth())
	}
}

func TestVMBudgetExceededWithoutGrace(t *testing.T) {
	machine := vm.New()
	machine.SetBudget(vm.Budget{Ops: 100})
	_, err := machine.Call(load(t, machine, loopProto()))
	if !errors.Is(err, vm.ErrBudgetExceeded) {
		t.Fatalf("expected budget error, got %v", err)
	}
}

func TestVMBudgetGraceAndOverrun(t *testing.T) {
	machine := vm.New()
	machine.SetBudget(vm.Budget{Ops: 100, Grace: 50})
	if _, err := machine.Call(load(t, machine, loopProto())); !errors.Is(err, vm.ErrBudgetExceeded) {
		t.Fatalf("expected budget error, got %v", err)
	}
	if machine.OpsTotal() != 150 {
		t.Fatalf("expected 150 instructions, got %d", machine.OpsTotal())
	}

	// i := 0; while (i < 100) i += 1; return i
	a := bytecode.NewAssembler("count", "test").Locals(2)
	a.LoadConst(0).OpU8(bytecode.OP_SET_LOCAL, 1)
	top := a.Offset()
	a.OpU8(bytecode.OP_GET_LOCAL, 1).LoadConst(100).Op(bytecode.OP_LT)
	exit := a.Jump(bytecode.OP_JUMP_IF_FALSE)
	a.OpU8(bytecode.OP_GET_LOCAL, 1).LoadConst(1).Op(bytecode.OP_ADD).OpU8(bytecode.OP_SET_LOCAL, 1)
	a.Loop(bytecode.OP_JUMP, top)
	a.PatchJump(exit)
	a.OpU8(bytecode.OP_GET_LOCAL, 1).Op(bytecode.OP_RETURN)

	machine.SetBudget(vm.Budget{Ops: 10, AllowOverrun: true})
	expectInt(t, call(t, machine, load(t, machine, a.MustFinish())), 100)
}

func TestVMBudgetErrorIsCatchable(t *testing.T) {
	// try { while (true) {} } catch (e) { return "caught" }
	a := bytecode.NewAssembler("guarded", "test")
	catch := a.Jump(bytecode.OP_PUSHTRAP)
	start := a.Offset()
	a.Loop(bytecode.OP_JUMP, start)
	a.PatchJump(catch)
	a.Op(bytecode.OP_POP).LoadConst("caught").Op(bytecode.OP_RETURN)

	machine := vm.New()
	machine.SetBudget(vm.Budget{Ops: 100})
	v := call(t, machine, load(t, machine, a.MustFinish()))
	if v.Kind != vm.KindString || v.Str != "caught" {
		t.Fatalf("expected caught, got %#v", v)
	}
}

func TestVMBudgetSuspendsAndWakesUp(t *testing.T) {
	// i := 0; while (i < 100) i += 1; return i
	a := bytecode.NewAssembler("count", "test").Locals(2)
	a.LoadConst(0).OpU8(bytecode.OP_SET_LOCAL, 1)
	top := a.Offset()
	a.OpU8(bytecode.OP_GET_LOCAL, 1).LoadConst(100).Op(bytecode.OP_LT)
	exit := a.Jump(bytecode.OP_JUMP_IF_FALSE)
	a.OpU8(bytecode.OP_GET_LOCAL, 1).LoadConst(1).Op(bytecode.OP_ADD).OpU8(bytecode.OP_SET_LOCAL, 1)
	a.Loop(bytecode.OP_JUMP, top)
	a.PatchJump(exit)
	a.OpU8(bytecode.OP_GET_LOCAL, 1).Op(bytecode.OP_RETURN)

	machine := vm.New()
	machine.SetBudget(vm.Budget{Ops: 50})
	fn := load(t, machine, a.MustFinish())
	v, err := machine.CallSuspendable(fn)
	if err != nil {
		t.Fatalf("call error: %v", err)
	}
	wakeups := 0
	for machine.State() == vm.StateSuspended {
		wakeups++
		if wakeups > 100 {
			t.Fatalf("call never completed")
		}
		if v, err = machine.WakeUp(vm.Null()); err != nil {
			t.Fatalf("wake up error: %v", err)
		}
	}
	if wakeups == 0 {
		t.Fatalf("expected at least one suspension")
	}
	expectInt(t, v, 100)
}

func TestVMAbandonSuspendedCall(t *testing.T) {
	machine := vm.New()
	machine.SetBudget(vm.Budget{Ops: 10})
	fn := load(t, machine, loopProto())
	if _, err := machine.CallSuspendable(fn); err != nil {
		t.Fatalf("call error: %v", err)
	}
	if machine.State() != vm.StateSuspended {
		t.Fatalf("expected suspended, got %s", machine.State())
	}
	if _, err := machine.Call(fn); !errors.Is(err, vm.ErrVMSuspended) {
		t.Fatalf("expected suspended VM error, got %v", err)
	}
	machine.Abandon()
	if machine.State() != vm.StateIdle || machine.CallDepth() != 0 {
		t.Fatalf("expected idle VM without frames, got %s depth %d", machine.State(), machine.CallDepth())
	}
	if _, err := machine.WakeUp(vm.Null()); !errors.Is(err, vm.ErrNotSuspended) {
		t.Fatalf("expected not suspended error, got %v", err)
	}
}

func TestVMNativeSuspend(t *testing.T) {
	// return wait() + 1
	proto := bytecode.NewAssembler("main", "test").
		Named(bytecode.OP_GET_GLOBAL, "wait").
		Op(bytecode.OP_ROOT).
		OpU8(bytecode.OP_CALL, 0).
		LoadConst(1).
		Op(bytecode.OP_ADD).
		Op(bytecode.OP_RETURN).
		MustFinish()
	machine := vm.New()
	machine.DefineGlobal("wait", vm.NativeValue(vm.NewNative("wait", func(m *vm.VM, args []vm.Value) (vm.Value, error) {
		return vm.Null(), m.Suspend()
	})))
	fn := load(t, machine, proto)

	if _, err := machine.CallSuspendable(fn); err != nil {
		t.Fatalf("call error: %v", err)
	}
	if machine.State() != vm.StateSuspended {
		t.Fatalf("expected suspended, got %s", machine.State())
	}
	v, err := machine.WakeUp(vm.Integer(41))
	if err != nil {
		t.Fatalf("wake up error: %v", err)
	}
	expectInt(t, v, 42)

	if _, err := machine.Call(fn); !errors.Is(err, vm.ErrSuspendNotSupported) {
		t.Fatalf("expected suspend error, got %v", err)
	}
}

func TestVMWakeUpThrowReachesTrap(t *testing.T) {
	// try { return wait() } catch (e) { return e }
	a := bytecode.NewAssembler("main", "test")
	catch := a.Jump(bytecode.OP_PUSHTRAP)
	a.Named(bytecode.OP_GET_GLOBAL, "wait").Op(bytecode.OP_ROOT).OpU8(bytecode.OP_CALL, 0)
	a.OpU8(bytecode.OP_POPTRAP, 1).Op(bytecode.OP_RETURN)
	a.PatchJump(catch)
	a.Op(bytecode.OP_RETURN)

	machine := vm.New()
	machine.DefineGlobal("wait", vm.NativeValue(vm.NewNative("wait", func(m *vm.VM, args []vm.Value) (vm.Value, error) {
		return vm.Null(), m.Suspend()
	})))
	fn := load(t, machine, a.MustFinish())
	if _, err := machine.CallSuspendable(fn); err != nil {
		t.Fatalf("call error: %v", err)
	}
	v, err := machine.WakeUpThrow(vm.String("cancelled"))
	if err != nil {
		t.Fatalf("wake up error: %v", err)
	}
	if v.Kind != vm.KindString || v.Str != "cancelled" {
		t.Fatalf("expected cancelled, got %#v", v)
	}
}

func TestVMDelegateFallback(t *testing.T) {
	proto := bytecode.NewAssembler("getX", "test").Params(1).Locals(2).
		OpU8(bytecode.OP_GET_LOCAL, 1).
		Named(bytecode.OP_GET_PROP, "x").
		Op(bytecode.OP_RETURN).
		MustFinish()
	machine := vm.New()
	fn := load(t, machine, proto)

	parent := vm.NewTable(0)
	parent.NewSlot(vm.String("x"), vm.Integer(1))
	child := vm.NewTable(0)
	if err := child.SetDelegate(parent); err != nil {
		t.Fatalf("set delegate: %v", err)
	}
	expectInt(t, call(t, machine, fn, vm.TableValue(child)), 1)

	_, err := machine.Call(fn, vm.TableValue(vm.NewTable(0)))
	if !errors.Is(err, vm.ErrIndex) {
		t.Fatalf("expected index error, got %v", err)
	}
	if err := parent.SetDelegate(child); err == nil {
		t.Fatalf("expected delegate cycle to be rejected")
	}
}

func TestVMDefaultDelegate(t *testing.T) {
	machine := vm.New()
	machine.Shared().DefaultDelegate(vm.KindArray).NewSlot(vm.String("len"), vm.NativeValue(vm.NewNative("len", func(m *vm.VM, args []vm.Value) (vm.Value, error) {
		return vm.Integer(int64(args[0].Array().Len())), nil
	})))
	// return arg.len()
	proto := bytecode.NewAssembler("size", "test").Params(1).Locals(2).
		OpU8(bytecode.OP_GET_LOCAL, 1).
		Named(bytecode.OP_PREPCALL_PROP, "len").
		OpU8(bytecode.OP_CALL, 0).
		Op(bytecode.OP_RETURN).
		MustFinish()
	arr := vm.ArrayValue(vm.NewArray([]vm.Value{vm.Null(), vm.Null()}))
	expectInt(t, call(t, machine, load(t, machine, proto), arr), 2)
}

func pointClass(t *testing.T, machine *vm.VM) *vm.Class {
	t.Helper()
	// constructor(v) { this.v = v }
	ctor := bytecode.NewAssembler("constructor", "test").Params(1).Locals(2).
		OpU8(bytecode.OP_GET_LOCAL, 0).
		OpU8(bytecode.OP_GET_LOCAL, 1).
		Named(bytecode.OP_SET_PROP, "v").
		Op(bytecode.OP_RETURN_NULL).
		MustFinish()
	c := vm.NewClass(nil)
	if err := c.NewSlot(vm.String("v"), vm.Null(), false); err != nil {
		t.Fatalf("new slot: %v", err)
	}
	if err := c.NewSlot(vm.String("constructor"), load(t, machine, ctor), false); err != nil {
		t.Fatalf("new slot: %v", err)
	}
	add := vm.NewNative("_add", func(m *vm.VM, args []vm.Value) (vm.Value, error) {
		a, _ := args[0].Instance().Get(vm.String("v"))
		b, _ := args[1].Instance().Get(vm.String("v"))
		return vm.Integer(a.Int + b.Int), nil
	})
	add.ParamCheck = 2
	add.TypeMask = []vm.TypeMask{vm.MaskOf(vm.KindInstance), vm.MaskOf(vm.KindInstance)}
	if err := c.NewSlot(vm.String("_add"), vm.NativeValue(add), false); err != nil {
		t.Fatalf("new slot: %v", err)
	}
	return c
}

func TestVMClassConstructorAndMetamethod(t *testing.T) {
	machine := vm.New()
	c := pointClass(t, machine)
	machine.DefineGlobal("Point", vm.ClassValue(c))

	// return Point(a) + Point(b)
	proto := bytecode.NewAssembler("sum", "test").Params(2).Locals(3).
		Named(bytecode.OP_GET_GLOBAL, "Point").Op(bytecode.OP_ROOT).OpU8(bytecode.OP_GET_LOCAL, 1).OpU8(bytecode.OP_CALL, 1).
		Named(bytecode.OP_GET_GLOBAL, "Point").Op(bytecode.OP_ROOT).OpU8(bytecode.OP_GET_LOCAL, 2).OpU8(bytecode.OP_CALL, 1).
		Op(bytecode.OP_ADD).
		Op(bytecode.OP_RETURN).
		MustFinish()
	expectInt(t, call(t, machine, load(t, machine, proto), vm.Integer(3), vm.Integer(4)), 7)

	inst := call(t, machine, vm.ClassValue(c), vm.Integer(9))
	if inst.Kind != vm.KindInstance || !inst.Instance().InstanceOf(c) {
		t.Fatalf("expected Point instance, got %#v", inst)
	}
	if v, _ := inst.Instance().Get(vm.String("v")); v.Int != 9 {
		t.Fatalf("expected v=9, got %#v", v)
	}
	if !c.Locked() {
		t.Fatalf("expected class to be locked after instantiation")
	}
	if err := c.NewSlot(vm.String("w"), vm.Null(), false); err == nil {
		t.Fatalf("expected new field on a locked class to fail")
	}
	if err := c.NewSlot(vm.String("w"), vm.Null(), true); err != nil {
		t.Fatalf("expected static member on a locked class to succeed, got %v", err)
	}

	add, _ := c.Get(vm.String("_add"))
	_, err := machine.CallMethod(add, inst, vm.Integer(1))
	if !errors.Is(err, vm.ErrParamType) {
		t.Fatalf("expected parameter type error, got %v", err)
	}
}

func TestVMInstanceGetSetMetamethods(t *testing.T) {
	machine := vm.New()
	store := vm.NewTable(0)
	c := vm.NewClass(nil)
	getter := vm.NewNative("_get", func(m *vm.VM, args []vm.Value) (vm.Value, error) {
		if v, ok := store.Get(args[1]); ok {
			return v, nil
		}
		return vm.String("missing:" + args[1].Str), nil
	})
	setter := vm.NewNative("_set", func(m *vm.VM, args []vm.Value) (vm.Value, error) {
		store.NewSlot(args[1], args[2])
		return vm.Null(), nil
	})
	if err := c.NewSlot(vm.String("_get"), vm.NativeValue(getter), false); err != nil {
		t.Fatalf("new slot: %v", err)
	}
	if err := c.NewSlot(vm.String("_set"), vm.NativeValue(setter), false); err != nil {
		t.Fatalf("new slot: %v", err)
	}
	inst := call(t, machine, vm.ClassValue(c))

	v, err := machine.Get(inst, vm.String("colour"))
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if v.Kind != vm.KindString || v.Str != "missing:colour" {
		t.Fatalf("expected missing:colour, got %#v", v)
	}
	if err := machine.Set(inst, vm.String("colour"), vm.Integer(7)); err != nil {
		t.Fatalf("set error: %v", err)
	}
	if v, ok := store.Get(vm.String("colour")); !ok || v.Int != 7 {
		t.Fatalf("expected _set to store 7, got %#v", v)
	}
	v, err = machine.Get(inst, vm.String("colour"))
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	expectInt(t, v, 7)
}

func TestVMCompareAndToStringMetamethods(t *testing.T) {
	machine := vm.New()
	delegate := vm.NewTable(0)
	delegate.NewSlot(vm.String("_cmp"), vm.NativeValue(vm.NewNative("_cmp", func(m *vm.VM, args []vm.Value) (vm.Value, error) {
		a, _ := args[0].Table().Get(vm.String("rank"))
		b, _ := args[1].Table().Get(vm.String("rank"))
		return vm.Integer(a.Int - b.Int), nil
	})))
	delegate.NewSlot(vm.String("_tostring"), vm.NativeValue(vm.NewNative("_tostring", func(m *vm.VM, args []vm.Value) (vm.Value, error) {
		return vm.String("ranked"), nil
	})))
	mk := func(rank int64) vm.Value {
		tbl := vm.NewTable(0)
		tbl.NewSlot(vm.String("rank"), vm.Integer(rank))
		if err := tbl.SetDelegate(delegate); err != nil {
			t.Fatalf("set delegate: %v", err)
		}
		return vm.TableValue(tbl)
	}
	c, err := machine.Compare(mk(1), mk(5))
	if err != nil || c != -1 {
		t.Fatalf("expected -1, got %d (%v)", c, err)
	}
	if _, err := machine.Compare(vm.TableValue(vm.NewTable(0)), vm.TableValue(vm.NewTable(0))); !errors.Is(err, vm.ErrCompare) {
		t.Fatalf("expected compare error, got %v", err)
	}
	s, err := machine.ToString(mk(2))
	if err != nil || s != "ranked" {
		t.Fatalf("expected ranked, got %q (%v)", s, err)
	}
}

func TestVMErrorHandlerAndHooks(t *testing.T) {
	inner := bytecode.NewAssembler("inner", "test.nut").Line(3).
		LoadConst("boom").
		Op(bytecode.OP_THROW).
		MustFinish()
	outer := bytecode.NewAssembler("outer", "test.nut").Line(10).
		Named(bytecode.OP_GET_GLOBAL, "inner").
		Op(bytecode.OP_ROOT).
		OpU8(bytecode.OP_CALL, 0).
		Op(bytecode.OP_RETURN).
		MustFinish()
	machine := vm.New()
	machine.DefineGlobal("inner", load(t, machine, inner))

	var events []vm.HookKind
	machine.SetDebugHook(func(ev vm.HookEvent) { events = append(events, ev.Kind) })
	handled := 0
	machine.SetErrorHandler(func(m *vm.VM, err *vm.RuntimeError) { handled++ })

	_, err := machine.Call(load(t, machine, outer))
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if rerr.Value.Str != "boom" || rerr.Frame.Function != "inner" || rerr.Frame.Line != 3 {
		t.Fatalf("unexpected error details: %#v", rerr)
	}
	if len(rerr.Stack) != 2 || rerr.Stack[1].Function != "outer" {
		t.Fatalf("expected two-frame stack, got %#v", rerr.Stack)
	}
	if handled != 1 {
		t.Fatalf("expected handler to run once, got %d", handled)
	}
	if machine.LastError() != rerr {
		t.Fatalf("expected last error to be retained")
	}
	counts := map[vm.HookKind]int{}
	for _, k := range events {
		counts[k]++
	}
	if counts[vm.HookCall] != 2 || counts[vm.HookReturn] != 2 || counts[vm.HookLine] < 2 {
		t.Fatalf("unexpected hook events: %v", counts)
	}
}

func TestVMForkSharesRootAndDuplicateCopies(t *testing.T) {
	machine := vm.New()
	machine.DefineGlobal("n", vm.Integer(1))
	fork := machine.Fork()
	dup := machine.Duplicate()
	machine.DefineGlobal("n", vm.Integer(2))

	if v, _ := fork.Global("n"); v.Int != 2 {
		t.Fatalf("expected fork to see 2, got %#v", v)
	}
	if v, _ := dup.Global("n"); v.Int != 1 {
		t.Fatalf("expected duplicate to keep 1, got %#v", v)
	}
	if fork.Shared() != machine.Shared() || fork.ID() == machine.ID() {
		t.Fatalf("expected fork on the same shared state with its own id")
	}
	if got := len(machine.Shared().VMs()); got != 3 {
		t.Fatalf("expected 3 registered VMs, got %d", got)
	}
	fork.Close()
	dup.Close()
	if got := len(machine.Shared().VMs()); got != 1 {
		t.Fatalf("expected 1 registered VM, got %d", got)
	}
	if _, err := fork.Call(vm.Null()); !errors.Is(err, vm.ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestVMRegistryReleasesDroppedVMs(t *testing.T) {
	shared := vm.NewSharedState()
	keep := vm.NewWithOptions(shared, vm.DefaultOptions())
	func() {
		dropped := keep.Fork()
		if _, ok := shared.Lookup(dropped.ID()); !ok {
			t.Fatalf("expected forked VM to be registered")
		}
	}()
	for i := 0; i < 10 && len(shared.VMs()) > 1; i++ {
		runtime.GC()
	}
	if ids := shared.VMs(); len(ids) != 1 || ids[0] != keep.ID() {
		t.Fatalf("expected only the kept VM to stay registered, got %v", ids)
	}
}
