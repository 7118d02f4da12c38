package index_read

import (
	"github.com/xirelogy/go-sqvm/internal/runtime"
	"github.com/xirelogy/go-sqvm/internal/vm"
)

func init() {
	runtime.Register(runtime.Spec{
		Name:    "indexRead",
		Scope:   runtime.Root,
		Arity:   4,
		Handler: runIndexRead,
	})
}

// indexRead(target, index, default) performs a full get, including
// delegates and _get, and yields default when the lookup fails.
func runIndexRead(rt *vm.VM, args []vm.Value) (vm.Value, error) {
	target, index, def := args[1], args[2], args[3]
	val, err := rt.Get(target, index)
	if err != nil {
		return def, nil
	}
	return val, nil
}
