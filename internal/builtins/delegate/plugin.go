package delegate

import (
	"github.com/xirelogy/go-sqvm/internal/runtime"
	"github.com/xirelogy/go-sqvm/internal/vm"
)

func init() {
	table := vm.MaskOf(vm.KindTable)
	runtime.Register(runtime.Spec{
		Name:    "setdelegate",
		Scope:   runtime.DelegateOf(vm.KindTable),
		Arity:   2,
		Types:   []vm.TypeMask{table, vm.MaskOf(vm.KindTable, vm.KindNull)},
		Handler: runSetDelegate,
	})
	runtime.Register(runtime.Spec{
		Name:    "getdelegate",
		Scope:   runtime.DelegateOf(vm.KindTable),
		Arity:   1,
		Types:   []vm.TypeMask{table},
		Handler: runGetDelegate,
	})
}

// t.setdelegate(d) returns t; a null d removes the delegate.
func runSetDelegate(rt *vm.VM, args []vm.Value) (vm.Value, error) {
	if err := args[0].Table().SetDelegate(args[1].Table()); err != nil {
		return vm.Null(), rt.Errorf("%v", err)
	}
	return args[0], nil
}

func runGetDelegate(_ *vm.VM, args []vm.Value) (vm.Value, error) {
	d := args[0].Table().Delegate()
	if d == nil {
		return vm.Null(), nil
	}
	return vm.TableValue(d), nil
}
