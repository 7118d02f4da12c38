package vm

import (
	"strings"

	"github.com/xirelogy/go-sqvm/internal/bytecode"
)

// Closure pairs an immutable prototype with the cells it captured.
type Closure struct {
	Proto    *bytecode.Prototype
	upvalues []*Upvalue
	defaults []Value
	base     *Class
}

// NewClosure binds a prototype that captures nothing (a loaded main chunk).
func NewClosure(proto *bytecode.Prototype) *Closure {
	cl := &Closure{Proto: proto, upvalues: make([]*Upvalue, len(proto.Upvalues))}
	for _, idx := range proto.Defaults {
		cl.defaults = append(cl.defaults, constToValue(proto.Chunk.Consts[idx]))
	}
	return cl
}

// Name returns the prototype name, or "unknown".
func (c *Closure) Name() string {
	if c.Proto == nil || c.Proto.Name == "" {
		return "unknown"
	}
	return c.Proto.Name
}

// Upvalue returns captured cell i.
func (c *Closure) Upvalue(i int) *Upvalue {
	if i < 0 || i >= len(c.upvalues) {
		return nil
	}
	return c.upvalues[i]
}

// NativeFunc is a host function. args[0] is the receiver; the remaining
// elements are the call arguments. A native reports a script-visible error by
// returning vm.Throw or vm.Errorf, and requests suspension by returning
// vm.Suspend().
type NativeFunc func(vm *VM, args []Value) (Value, error)

// NativeClosure wraps a NativeFunc with optional argument validation.
type NativeClosure struct {
	Name string
	Fn   NativeFunc
	// ParamCheck validates the argument count including the receiver:
	// 0 disables the check, n > 0 requires exactly n, n < 0 requires at least -n.
	ParamCheck int
	// TypeMask constrains argument kinds by position, receiver first.
	// Positions beyond the slice are unchecked.
	TypeMask []TypeMask
	// Free holds values bound to the native at creation time.
	Free []Value
}

// NewNative is a shorthand for a NativeClosure without checks.
func NewNative(name string, fn NativeFunc) *NativeClosure {
	return &NativeClosure{Name: name, Fn: fn}
}

// TypeMask is a set of Kinds accepted for one argument.
type TypeMask uint32

// MaskAny accepts every kind.
const MaskAny TypeMask = 1<<numKinds - 1

// MaskOf builds a mask from kinds.
func MaskOf(kinds ...Kind) TypeMask {
	var m TypeMask
	for _, k := range kinds {
		m |= 1 << uint(k)
	}
	return m
}

// MaskNumber accepts integers and floats.
var MaskNumber = MaskOf(KindInteger, KindFloat)

// MaskFunction accepts any callable function value.
var MaskFunction = MaskOf(KindClosure, KindNativeClosure)

// Accepts reports whether k is in the mask.
func (m TypeMask) Accepts(k Kind) bool {
	return m&(1<<uint(k)) != 0
}

func (m TypeMask) String() string {
	var names []string
	seen := map[string]bool{}
	for k := Kind(0); k < numKinds; k++ {
		if m.Accepts(k) {
			n := kindName(k)
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return strings.Join(names, "|")
}

func constToValue(v interface{}) Value {
	switch val := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(val)
	case int64:
		return Integer(val)
	case float64:
		return Float(val)
	case string:
		return String(val)
	case *bytecode.Prototype:
		return ClosureValue(NewClosure(val))
	default:
		return Null()
	}
}
