package suspend

import (
	"github.com/xirelogy/go-sqvm/internal/runtime"
	"github.com/xirelogy/go-sqvm/internal/vm"
)

func init() {
	runtime.Register(runtime.Spec{
		Name:    "suspend",
		Scope:   runtime.Root,
		Arity:   1,
		Handler: runSuspend,
	})
}

// suspend() hands control back to the host. The value passed to WakeUp
// becomes its result.
func runSuspend(rt *vm.VM, _ []vm.Value) (vm.Value, error) {
	return vm.Null(), rt.Suspend()
}
