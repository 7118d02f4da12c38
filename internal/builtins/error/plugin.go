package errorbuiltin

import (
	"github.com/xirelogy/go-sqvm/internal/runtime"
	"github.com/xirelogy/go-sqvm/internal/vm"
)

func init() {
	runtime.Register(runtime.Spec{
		Name:    "error",
		Scope:   runtime.Root,
		Arity:   2,
		Types:   []vm.TypeMask{vm.MaskAny, vm.MaskOf(vm.KindString)},
		Handler: runError,
	})
}

// error(msg) raises msg as the exception value.
func runError(rt *vm.VM, args []vm.Value) (vm.Value, error) {
	return vm.Null(), rt.Throw(args[1])
}
