package runtime

import (
	"fmt"
	"sort"

	"github.com/xirelogy/go-sqvm/internal/vm"
)

// Scope is where a built-in is installed: the root table, or the default
// delegate of one kind of value.
type Scope struct {
	Delegate bool
	Kind     vm.Kind
}

// Root installs into the root table.
var Root = Scope{}

// DelegateOf installs into the default delegate for kind.
func DelegateOf(kind vm.Kind) Scope {
	return Scope{Delegate: true, Kind: kind}
}

func (s Scope) String() string {
	if !s.Delegate {
		return "root"
	}
	return "delegate:" + vm.KindName(s.Kind)
}

// Spec describes a built-in native closure.
type Spec struct {
	Name  string
	Scope Scope
	// Arity counts the receiver: 0 skips the check, n > 0 requires exactly
	// n values and n < 0 at least -n.
	Arity   int
	Types   []vm.TypeMask
	Handler vm.NativeFunc
}

type key struct {
	scope Scope
	name  string
}

var registry = map[key]Spec{}

// Register records a built-in for later installation. Duplicate names
// within a scope are programming errors.
func Register(spec Spec) {
	if spec.Handler == nil {
		panic(fmt.Sprintf("builtin %s has nil handler", spec.Name))
	}
	k := key{scope: spec.Scope, name: spec.Name}
	if _, exists := registry[k]; exists {
		panic(fmt.Sprintf("builtin %s already registered in %s", spec.Name, spec.Scope))
	}
	registry[k] = spec
}

// LookupByName finds a root built-in by its script-visible name.
func LookupByName(name string) (Spec, bool) {
	spec, ok := registry[key{scope: Root, name: name}]
	return spec, ok
}

// All returns every registered built-in ordered by scope and name.
func All() []Spec {
	out := make([]Spec, 0, len(registry))
	for _, spec := range registry {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Scope.String(), out[j].Scope.String()
		if si != sj {
			return si < sj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Native builds the native closure for spec.
func (spec Spec) Native() *vm.NativeClosure {
	n := vm.NewNative(spec.Name, spec.Handler)
	n.ParamCheck = spec.Arity
	n.TypeMask = spec.Types
	return n
}

// Install binds every registered built-in into machine: root built-ins into
// its root table, delegate built-ins into the default delegates of its
// shared state.
func Install(machine *vm.VM) {
	for _, spec := range All() {
		fn := vm.NativeValue(spec.Native())
		if spec.Scope.Delegate {
			machine.Shared().DefaultDelegate(spec.Scope.Kind).NewSlot(vm.String(spec.Name), fn)
			continue
		}
		machine.DefineGlobal(spec.Name, fn)
	}
}
