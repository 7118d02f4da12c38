package vm

import (
	"testing"

	"github.com/xirelogy/go-sqvm/internal/bytecode"
)

func TestUnwindRestoresTrapExtentAndClosesCells(t *testing.T) {
	machine := New()
	var tops []int
	machine.DefineGlobal("probe", NativeValue(NewNative("probe", func(m *VM, args []Value) (Value, error) {
		tops = append(tops, m.top)
		return Null(), nil
	})))

	// c() { throw "boom" }
	c := bytecode.NewAssembler("c", "test").
		LoadConst("boom").
		Op(bytecode.OP_THROW).
		MustFinish()
	getter := bytecode.NewAssembler("getter", "test").CaptureLocal(1).
		OpU8(bytecode.OP_GET_UPVALUE, 0).
		Op(bytecode.OP_RETURN).
		MustFinish()
	// b() { local x = 7; ::leak <- getter; return c() }
	b := bytecode.NewAssembler("b", "test").Locals(2).
		LoadConst(7).
		OpU8(bytecode.OP_SET_LOCAL, 1).
		Closure(getter).
		Named(bytecode.OP_DEFINE_GLOBAL, "leak").
		Named(bytecode.OP_GET_GLOBAL, "c").
		Op(bytecode.OP_ROOT).
		OpU8(bytecode.OP_CALL, 0).
		Op(bytecode.OP_RETURN).
		MustFinish()
	// a() { probe(); try { b() } catch (e) { probe(); return e } }
	asm := bytecode.NewAssembler("a", "test").Locals(2)
	asm.Named(bytecode.OP_GET_GLOBAL, "probe").Op(bytecode.OP_ROOT).OpU8(bytecode.OP_CALL, 0).Op(bytecode.OP_POP)
	catch := asm.Jump(bytecode.OP_PUSHTRAP)
	asm.Named(bytecode.OP_GET_GLOBAL, "b").Op(bytecode.OP_ROOT).OpU8(bytecode.OP_CALL, 0).Op(bytecode.OP_POP)
	asm.OpU8(bytecode.OP_POPTRAP, 1).Op(bytecode.OP_RETURN_NULL)
	asm.PatchJump(catch)
	asm.OpU8(bytecode.OP_SET_LOCAL, 1)
	asm.Named(bytecode.OP_GET_GLOBAL, "probe").Op(bytecode.OP_ROOT).OpU8(bytecode.OP_CALL, 0).Op(bytecode.OP_POP)
	asm.OpU8(bytecode.OP_GET_LOCAL, 1).Op(bytecode.OP_RETURN)

	for name, proto := range map[string]*bytecode.Prototype{"b": b, "c": c} {
		fn, err := machine.Load(proto)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		machine.DefineGlobal(name, fn)
	}
	a, err := machine.Load(asm.MustFinish())
	if err != nil {
		t.Fatalf("load a: %v", err)
	}

	v, err := machine.Call(a)
	if err != nil {
		t.Fatalf("vm call error: %v", err)
	}
	if v.Kind != KindString || v.Str != "boom" {
		t.Fatalf("expected boom, got %#v", v)
	}
	if len(tops) != 2 || tops[0] != tops[1] {
		t.Fatalf("expected the catch to see the stack extent of the try, got %v", tops)
	}
	if machine.top != 0 || len(machine.frames) != 0 || len(machine.traps) != 0 || len(machine.openUpvalues) != 0 {
		t.Fatalf("expected clean stacks, got top=%d frames=%d traps=%d open=%d",
			machine.top, len(machine.frames), len(machine.traps), len(machine.openUpvalues))
	}
	leak, _ := machine.Global("leak")
	cell := leak.Closure().Upvalue(0)
	if cell.IsOpen() {
		t.Fatalf("expected cell of the unwound frame to be closed")
	}
	if got := cell.Get(); got.Kind != KindInteger || got.Int != 7 {
		t.Fatalf("expected closed cell to hold 7, got %#v", got)
	}
}

func TestUnwindSkipsTrapsForFatalErrors(t *testing.T) {
	machine := NewWithOptions(nil, Options{MaxCallDepth: 4})
	// r() { try { return r() } catch (e) { return "caught" } }
	asm := bytecode.NewAssembler("r", "test")
	catch := asm.Jump(bytecode.OP_PUSHTRAP)
	asm.Named(bytecode.OP_GET_GLOBAL, "r").Op(bytecode.OP_ROOT).OpU8(bytecode.OP_CALL, 0)
	asm.OpU8(bytecode.OP_POPTRAP, 1).Op(bytecode.OP_RETURN)
	asm.PatchJump(catch)
	asm.Op(bytecode.OP_POP).LoadConst("caught").Op(bytecode.OP_RETURN)
	r, err := machine.Load(asm.MustFinish())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	machine.DefineGlobal("r", r)

	_, err = machine.Call(r)
	rerr, ok := err.(*RuntimeError)
	if !ok || rerr.Kind != ErrKindStackOverflow {
		t.Fatalf("expected uncatchable stack overflow, got %v", err)
	}
	if len(machine.traps) != 0 || len(machine.frames) != 0 {
		t.Fatalf("expected traps and frames released, got traps=%d frames=%d", len(machine.traps), len(machine.frames))
	}
}

func TestChargeOpGrace(t *testing.T) {
	machine := New()
	machine.SetBudget(Budget{Ops: 2, Grace: 3})
	var verdicts []budgetVerdict
	for i := 0; i < 6; i++ {
		verdicts = append(verdicts, machine.chargeOp(false))
	}
	want := []budgetVerdict{budgetContinue, budgetContinue, budgetContinue, budgetContinue, budgetContinue, budgetThrow}
	for i := range want {
		if verdicts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, verdicts)
		}
	}
	if machine.OpsRemaining() != 2 {
		t.Fatalf("expected a fresh window after raising, got %d", machine.OpsRemaining())
	}
	if v := machine.chargeOp(false); v != budgetContinue {
		t.Fatalf("expected the handler to run after raising, got %v", v)
	}

	machine.SetBudget(Budget{Ops: 1, AllowOverrun: true})
	for i := 0; i < 10; i++ {
		if v := machine.chargeOp(false); v != budgetContinue {
			t.Fatalf("expected overrun to keep running, got %v at %d", v, i)
		}
	}

	machine.refillBudget()
	if v := machine.chargeOp(true); v != budgetContinue {
		t.Fatalf("expected continue after refill, got %v", v)
	}
	machine.SetOpsRemaining(0)
	if v := machine.chargeOp(true); v != budgetSuspend {
		t.Fatalf("expected suspend, got %v", v)
	}
}
