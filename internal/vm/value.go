package vm

import (
	"fmt"
	"math"
	"strconv"
)

// Kind is the dynamic type tag of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInteger
	KindFloat
	KindString
	KindTable
	KindArray
	KindClass
	KindInstance
	KindClosure
	KindNativeClosure
	KindGenerator
	KindWeakRef
	numKinds
)

// Value is the tagged union manipulated by the interpreter. Scalars are
// stored inline; reference kinds share their payload by pointer, so copying
// a Value never copies a container. Values are comparable and usable as map
// keys: references compare by identity.
type Value struct {
	Kind Kind
	Int  int64
	Num  float64
	Str  string
	B    bool
	ref  any
}

func Null() Value { return Value{} }
func Bool(b bool) Value {
	return Value{Kind: KindBool, B: b}
}
func Integer(i int64) Value {
	return Value{Kind: KindInteger, Int: i}
}
func Float(f float64) Value {
	return Value{Kind: KindFloat, Num: f}
}
func String(s string) Value {
	return Value{Kind: KindString, Str: s}
}
func TableValue(t *Table) Value {
	return Value{Kind: KindTable, ref: t}
}
func ArrayValue(a *Array) Value {
	return Value{Kind: KindArray, ref: a}
}
func ClassValue(c *Class) Value {
	return Value{Kind: KindClass, ref: c}
}
func InstanceValue(i *Instance) Value {
	return Value{Kind: KindInstance, ref: i}
}
func ClosureValue(c *Closure) Value {
	return Value{Kind: KindClosure, ref: c}
}
func NativeValue(n *NativeClosure) Value {
	return Value{Kind: KindNativeClosure, ref: n}
}
func GeneratorValue(g *Generator) Value {
	return Value{Kind: KindGenerator, ref: g}
}
func WeakRefValue(w *WeakRef) Value {
	return Value{Kind: KindWeakRef, ref: w}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Table returns the table payload, or nil for other kinds.
func (v Value) Table() *Table {
	t, _ := v.ref.(*Table)
	return t
}

func (v Value) Array() *Array {
	a, _ := v.ref.(*Array)
	return a
}

func (v Value) Class() *Class {
	c, _ := v.ref.(*Class)
	return c
}

func (v Value) Instance() *Instance {
	i, _ := v.ref.(*Instance)
	return i
}

func (v Value) Closure() *Closure {
	c, _ := v.ref.(*Closure)
	return c
}

func (v Value) Native() *NativeClosure {
	n, _ := v.ref.(*NativeClosure)
	return n
}

func (v Value) Generator() *Generator {
	g, _ := v.ref.(*Generator)
	return g
}

func (v Value) WeakRef() *WeakRef {
	w, _ := v.ref.(*WeakRef)
	return w
}

// IsNumeric reports whether v is an integer or a float.
func (v Value) IsNumeric() bool {
	return v.Kind == KindInteger || v.Kind == KindFloat
}

// IsCallable reports whether v can be the target of a call without metamethods.
func (v Value) IsCallable() bool {
	switch v.Kind {
	case KindClosure, KindNativeClosure, KindClass:
		return true
	}
	return false
}

// AsFloat converts a numeric value to float64.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindInteger:
		return float64(v.Int), true
	case KindFloat:
		return v.Num, true
	}
	return 0, false
}

// AsInteger converts a numeric value to int64, truncating floats.
func (v Value) AsInteger() (int64, bool) {
	switch v.Kind {
	case KindInteger:
		return v.Int, true
	case KindFloat:
		return int64(v.Num), true
	}
	return 0, false
}

// Truthy follows the script language rules: null, false, 0 and 0.0 are false.
func Truthy(v Value) bool {
	switch v.Kind {
	case KindNull:
		return false
	case KindBool:
		return v.B
	case KindInteger:
		return v.Int != 0
	case KindFloat:
		return v.Num != 0
	default:
		return true
	}
}

// Equal is the raw equality used by ==:
// numbers compare numerically across integer/float, strings by content,
// everything else by identity.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		if a.IsNumeric() && b.IsNumeric() {
			af, _ := a.AsFloat()
			bf, _ := b.AsFloat()
			return af == bf
		}
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.B == b.B
	case KindInteger:
		return a.Int == b.Int
	case KindFloat:
		return a.Num == b.Num
	case KindString:
		return a.Str == b.Str
	default:
		return a.ref == b.ref
	}
}

func typeName(v Value) string {
	return kindName(v.Kind)
}

func kindName(k Kind) string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTable:
		return "table"
	case KindArray:
		return "array"
	case KindClass:
		return "class"
	case KindInstance:
		return "instance"
	case KindClosure, KindNativeClosure:
		return "function"
	case KindGenerator:
		return "generator"
	case KindWeakRef:
		return "weakref"
	default:
		return "unknown"
	}
}

// rawString renders v without consulting metamethods.
func rawString(v Value) string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		if v.B {
			return "true"
		}
		return "false"
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return formatFloat(v.Num)
	case KindString:
		return v.Str
	default:
		return fmt.Sprintf("(%s : %p)", typeName(v), v.ref)
	}
}

func formatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', 14, 64)
}

// String implements fmt.Stringer for diagnostics.
func (v Value) String() string {
	if v.Kind == KindString {
		return strconv.Quote(v.Str)
	}
	return rawString(v)
}
