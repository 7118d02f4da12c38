package vm

import (
	"math"
	"strings"

	"github.com/xirelogy/go-sqvm/internal/bytecode"
)

var arithMetamethods = map[byte]string{
	bytecode.OP_ADD: mmAdd,
	bytecode.OP_SUB: mmSub,
	bytecode.OP_MUL: mmMul,
	bytecode.OP_DIV: mmDiv,
	bytecode.OP_MOD: mmModulo,
}

func (vm *VM) arith(op byte, a, b Value) (Value, error) {
	if a.Kind == KindInteger && b.Kind == KindInteger {
		x, y := a.Int, b.Int
		switch op {
		case bytecode.OP_ADD:
			return Integer(x + y), nil
		case bytecode.OP_SUB:
			return Integer(x - y), nil
		case bytecode.OP_MUL:
			return Integer(x * y), nil
		case bytecode.OP_DIV:
			if y == 0 {
				return Null(), vm.newError(ErrKindRuntime, "division by zero")
			}
			return Integer(x / y), nil
		case bytecode.OP_MOD:
			if y == 0 {
				return Null(), vm.newError(ErrKindRuntime, "modulo by zero")
			}
			return Integer(x % y), nil
		}
	}
	if a.IsNumeric() && b.IsNumeric() {
		x, _ := a.AsFloat()
		y, _ := b.AsFloat()
		switch op {
		case bytecode.OP_ADD:
			return Float(x + y), nil
		case bytecode.OP_SUB:
			return Float(x - y), nil
		case bytecode.OP_MUL:
			return Float(x * y), nil
		case bytecode.OP_DIV:
			return Float(x / y), nil
		case bytecode.OP_MOD:
			return Float(math.Mod(x, y)), nil
		}
	}
	if op == bytecode.OP_ADD && (a.Kind == KindString || b.Kind == KindString) {
		as, err := vm.ToString(a)
		if err != nil {
			return Null(), err
		}
		bs, err := vm.ToString(b)
		if err != nil {
			return Null(), err
		}
		return String(as + bs), nil
	}
	if mm, ok := vm.metamethod(a, arithMetamethods[op]); ok {
		return vm.call(mm, a, []Value{b}, false)
	}
	return Null(), vm.newError(ErrKindType, "arithmetic on incompatible types: '%s' and '%s'", typeName(a), typeName(b))
}

func (vm *VM) negate(a Value) (Value, error) {
	switch a.Kind {
	case KindInteger:
		return Integer(-a.Int), nil
	case KindFloat:
		return Float(-a.Num), nil
	}
	if mm, ok := vm.metamethod(a, mmUnm); ok {
		return vm.call(mm, a, nil, false)
	}
	return Null(), vm.newError(ErrKindType, "attempt to negate a '%s'", typeName(a))
}

func (vm *VM) bitwise(op byte, a, b Value) (Value, error) {
	if a.Kind != KindInteger || b.Kind != KindInteger {
		return Null(), vm.newError(ErrKindType, "bitwise op between '%s' and '%s'", typeName(a), typeName(b))
	}
	x, y := a.Int, b.Int
	switch op {
	case bytecode.OP_BAND:
		return Integer(x & y), nil
	case bytecode.OP_BOR:
		return Integer(x | y), nil
	case bytecode.OP_BXOR:
		return Integer(x ^ y), nil
	case bytecode.OP_SHL:
		return Integer(x << (uint64(y) & 63)), nil
	case bytecode.OP_SHR:
		return Integer(x >> (uint64(y) & 63)), nil
	default:
		return Integer(int64(uint64(x) >> (uint64(y) & 63))), nil
	}
}

// compare orders a and b: numbers numerically, strings bytewise, null
// before anything else, and other values through _cmp.
func (vm *VM) compare(a, b Value) (int, error) {
	switch {
	case a.Kind == KindInteger && b.Kind == KindInteger:
		return sign3(a.Int < b.Int, a.Int > b.Int), nil
	case a.IsNumeric() && b.IsNumeric():
		x, _ := a.AsFloat()
		y, _ := b.AsFloat()
		return sign3(x < y, x > y), nil
	case a.Kind == KindString && b.Kind == KindString:
		return strings.Compare(a.Str, b.Str), nil
	case a.Kind == KindBool && b.Kind == KindBool:
		return sign3(!a.B && b.B, a.B && !b.B), nil
	case a.Kind == KindNull && b.Kind == KindNull:
		return 0, nil
	case a.Kind == KindNull:
		return -1, nil
	case b.Kind == KindNull:
		return 1, nil
	}
	if mm, ok := vm.metamethod(a, mmCmp); ok {
		r, err := vm.call(mm, a, []Value{b}, false)
		if err != nil {
			return 0, err
		}
		if r.Kind != KindInteger {
			return 0, vm.newError(ErrKindCompare, "_cmp must return an integer")
		}
		return sign3(r.Int < 0, r.Int > 0), nil
	}
	if a.Kind == b.Kind && a.ref == b.ref {
		return 0, nil
	}
	return 0, vm.newError(ErrKindCompare, "comparison between '%s' and '%s'", typeName(a), typeName(b))
}

func sign3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// ToString converts v to a string, consulting _tostring for tables and instances.
func (vm *VM) ToString(v Value) (string, error) {
	if mm, ok := vm.metamethod(v, mmToString); ok {
		r, err := vm.call(mm, v, nil, false)
		if err != nil {
			return "", err
		}
		if r.Kind != KindString {
			return "", vm.newError(ErrKindType, "_tostring must return a string")
		}
		return r.Str, nil
	}
	return rawString(v), nil
}

// TypeOf returns the type name of v, consulting _typeof for tables and instances.
func (vm *VM) TypeOf(v Value) (string, error) {
	if mm, ok := vm.metamethod(v, mmTypeof); ok {
		r, err := vm.call(mm, v, nil, false)
		if err != nil {
			return "", err
		}
		return rawString(r), nil
	}
	return typeName(v), nil
}
