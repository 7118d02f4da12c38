package length

import (
	"github.com/xirelogy/go-sqvm/internal/runtime"
	"github.com/xirelogy/go-sqvm/internal/vm"
)

func init() {
	for _, k := range []vm.Kind{vm.KindTable, vm.KindArray, vm.KindString} {
		runtime.Register(runtime.Spec{
			Name:    "len",
			Scope:   runtime.DelegateOf(k),
			Arity:   1,
			Handler: runLen,
		})
	}
	runtime.Register(runtime.Spec{
		Name:    "append",
		Scope:   runtime.DelegateOf(vm.KindArray),
		Arity:   2,
		Handler: runAppend,
	})
}

func runLen(rt *vm.VM, args []vm.Value) (vm.Value, error) {
	switch v := args[0]; v.Kind {
	case vm.KindTable:
		return vm.Integer(int64(v.Table().Len())), nil
	case vm.KindArray:
		return vm.Integer(int64(v.Array().Len())), nil
	case vm.KindString:
		return vm.Integer(int64(len(v.Str))), nil
	default:
		return vm.Null(), rt.Errorf("len on '%s'", vm.TypeName(v))
	}
}

// arr.append(v) returns arr.
func runAppend(_ *vm.VM, args []vm.Value) (vm.Value, error) {
	args[0].Array().Append(args[1])
	return args[0], nil
}
