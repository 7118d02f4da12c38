package weakref

import (
	"github.com/xirelogy/go-sqvm/internal/runtime"
	"github.com/xirelogy/go-sqvm/internal/vm"
)

func init() {
	for _, k := range []vm.Kind{
		vm.KindTable, vm.KindArray, vm.KindClass, vm.KindInstance,
		vm.KindClosure, vm.KindGenerator,
	} {
		runtime.Register(runtime.Spec{
			Name:    "weakref",
			Scope:   runtime.DelegateOf(k),
			Arity:   1,
			Handler: runWeakRef,
		})
	}
	runtime.Register(runtime.Spec{
		Name:    "ref",
		Scope:   runtime.DelegateOf(vm.KindWeakRef),
		Arity:   1,
		Types:   []vm.TypeMask{vm.MaskOf(vm.KindWeakRef)},
		Handler: runRef,
	})
}

func runWeakRef(_ *vm.VM, args []vm.Value) (vm.Value, error) {
	return vm.NewWeakRef(args[0]), nil
}

// w.ref() yields the target, or null once it has been collected.
func runRef(_ *vm.VM, args []vm.Value) (vm.Value, error) {
	return args[0].WeakRef().Get(), nil
}
