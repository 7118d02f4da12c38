package typeof

import (
	"github.com/xirelogy/go-sqvm/internal/runtime"
	"github.com/xirelogy/go-sqvm/internal/vm"
)

func init() {
	runtime.Register(runtime.Spec{
		Name:    "typeof",
		Scope:   runtime.Root,
		Arity:   2,
		Handler: runTypeof,
	})
}

func runTypeof(rt *vm.VM, args []vm.Value) (vm.Value, error) {
	name, err := rt.TypeOf(args[1])
	if err != nil {
		return vm.Null(), err
	}
	return vm.String(name), nil
}
