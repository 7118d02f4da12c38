package value_exist

import (
	"github.com/xirelogy/go-sqvm/internal/runtime"
	"github.com/xirelogy/go-sqvm/internal/vm"
)

func init() {
	runtime.Register(runtime.Spec{
		Name:    "valueExist",
		Scope:   runtime.Root,
		Arity:   3,
		Types:   []vm.TypeMask{vm.MaskAny, vm.MaskOf(vm.KindArray)},
		Handler: runValueExist,
	})
}

// valueExist(arr, val) reports whether arr holds a value equal to val.
func runValueExist(rt *vm.VM, args []vm.Value) (vm.Value, error) {
	for _, item := range args[1].Array().Items {
		if vm.Equal(item, args[2]) {
			return vm.Bool(true), nil
		}
	}
	return vm.Bool(false), nil
}
