package index_exist

import (
	"github.com/xirelogy/go-sqvm/internal/runtime"
	"github.com/xirelogy/go-sqvm/internal/vm"
)

func init() {
	runtime.Register(runtime.Spec{
		Name:    "indexExist",
		Scope:   runtime.Root,
		Arity:   3,
		Handler: runIndexExist,
	})
}

func runIndexExist(rt *vm.VM, args []vm.Value) (vm.Value, error) {
	ok, err := rt.In(args[1], args[2])
	if err != nil {
		return vm.Null(), err
	}
	return vm.Bool(ok), nil
}
