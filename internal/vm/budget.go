package vm

// Budget bounds how many instructions a host call may execute.
//
// Ops is the number of instructions granted per outermost call (0 disables
// accounting). Once they are spent a suspendable call suspends; any other
// call keeps running for Grace more instructions and then raises the
// budget-exceeded error, unless AllowOverrun is set. Raising the error grants
// a fresh window of Ops instructions so a catch handler can run.
type Budget struct {
	Ops          int
	Grace        int
	AllowOverrun bool
}

// SetBudget installs b for subsequent host calls.
func (vm *VM) SetBudget(b Budget) {
	if b.Ops < 0 {
		b.Ops = 0
	}
	if b.Grace < 0 {
		b.Grace = 0
	}
	vm.budget = b
	vm.opsRemaining = b.Ops
}

// Budget returns the configured budget.
func (vm *VM) Budget() Budget { return vm.budget }

// OpsRemaining returns the instructions left in the current grant. It is
// negative while running on grace.
func (vm *VM) OpsRemaining() int { return vm.opsRemaining }

// OpsTotal returns the number of instructions executed over the VM lifetime.
func (vm *VM) OpsTotal() int64 { return vm.opsTotal }

// SetOpsRemaining overrides the current grant, for hosts that refill a
// suspended call before waking it up.
func (vm *VM) SetOpsRemaining(n int) { vm.opsRemaining = n }

func (vm *VM) refillBudget() {
	vm.opsRemaining = vm.budget.Ops
}

type budgetVerdict int

const (
	budgetContinue budgetVerdict = iota
	budgetSuspend
	budgetThrow
)

// chargeOp accounts for the instruction about to execute.
func (vm *VM) chargeOp(canSuspend bool) budgetVerdict {
	if vm.budget.Ops <= 0 {
		vm.opsTotal++
		return budgetContinue
	}
	if vm.opsRemaining <= 0 {
		if canSuspend {
			return budgetSuspend
		}
		if vm.opsRemaining <= -vm.budget.Grace && !vm.budget.AllowOverrun {
			vm.refillBudget()
			return budgetThrow
		}
	}
	vm.opsRemaining--
	vm.opsTotal++
	return budgetContinue
}
