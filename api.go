// Package sqvm embeds the script virtual machine: load compiled programs,
// bind Go functions and call script functions with Go values.
package sqvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"strings"
	"sync"

	_ "github.com/xirelogy/go-sqvm/internal/builtins"
	"github.com/xirelogy/go-sqvm/internal/bytecode"
	"github.com/xirelogy/go-sqvm/internal/config"
	"github.com/xirelogy/go-sqvm/internal/runtime"
	"github.com/xirelogy/go-sqvm/internal/vm"
)

var (
	errorType = reflect.TypeOf((*error)(nil)).Elem()
)

// Errors a call can be matched against with errors.Is.
var (
	ErrIndex               = vm.ErrIndex
	ErrType                = vm.ErrType
	ErrStackOverflow       = vm.ErrStackOverflow
	ErrBudgetExceeded      = vm.ErrBudgetExceeded
	ErrSuspendNotSupported = vm.ErrSuspendNotSupported
	ErrSuspended           = vm.ErrVMSuspended
)

// VmValue is a marshaled value owned by a VM. It wraps the internal
// vm.Value representation.
type VmValue struct {
	v     vm.Value
	owner *vm.VM
}

// ArgError represents a typed argument validation error for host functions.
type ArgError struct {
	Name string
	Want string
	Got  string
}

func (e ArgError) Error() string {
	switch {
	case e.Name != "" && e.Want != "" && e.Got != "":
		return fmt.Sprintf("argument %q: want %s, got %s", e.Name, e.Want, e.Got)
	case e.Name != "" && e.Want != "":
		return fmt.Sprintf("argument %q: want %s", e.Name, e.Want)
	case e.Want != "" && e.Got != "":
		return fmt.Sprintf("want %s, got %s", e.Want, e.Got)
	default:
		return "argument error"
	}
}

// Marshaler allows custom control over Go→script conversion.
type Marshaler interface {
	MarshalSq() (VmValue, error)
}

// Unmarshaler allows custom control over script→Go conversion in Unmarshal.
type Unmarshaler interface {
	UnmarshalSq(VmValue) error
}

// ValueKind mirrors the runtime kinds for convenient inspection.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueInteger
	ValueFloat
	ValueString
	ValueTable
	ValueArray
	ValueClass
	ValueInstance
	ValueFunction
	ValueNativeFunction
	ValueGenerator
	ValueWeakRef
)

func (k ValueKind) String() string {
	return vm.KindName(vm.Kind(k))
}

// FrameTrace describes a single frame in a runtime error or trace.
type FrameTrace struct {
	Function string
	Source   string
	Line     int
	IP       int
}

// RuntimeError is a source-aware execution error surfaced from the VM.
type RuntimeError struct {
	// Value is the thrown script value.
	Value   VmValue
	Message string
	Frame   FrameTrace
	Stack   []FrameTrace
	Cause   error

	inner *vm.RuntimeError
}

func (e *RuntimeError) Error() string {
	parts := []string{}
	if e.Frame.Source != "" {
		if e.Frame.Line > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", e.Frame.Source, e.Frame.Line))
		} else {
			parts = append(parts, e.Frame.Source)
		}
	} else if e.Frame.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Frame.Line))
	}
	if e.Frame.Function != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Frame.Function))
	}
	loc := strings.Join(parts, " ")
	if loc != "" {
		return fmt.Sprintf("%s: %s", loc, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying cause (if any) for errors.Is/As.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// Is matches the error kind sentinels (ErrIndex, ErrBudgetExceeded, ...).
func (e *RuntimeError) Is(target error) bool {
	return e.inner != nil && e.inner.Is(target)
}

// TraceInfo captures a debug hook event.
type TraceInfo struct {
	// Event is 'l' for a new line, 'c' for a call and 'r' for a return.
	Event    byte
	Function string
	Source   string
	Line     int
}

// TraceHook observes line changes, calls and returns.
type TraceHook func(TraceInfo)

func convertRuntimeError(err error, owner *vm.VM) error {
	if err == nil {
		return nil
	}
	var rte *vm.RuntimeError
	if errors.As(err, &rte) {
		return &RuntimeError{
			Value:   VmValue{v: rte.Value, owner: owner},
			Message: rte.Message,
			Frame:   frameTraceFromVM(rte.Frame),
			Stack:   stackTraceFromVM(rte.Stack),
			Cause:   rte.Cause,
			inner:   rte,
		}
	}
	return err
}

func frameTraceFromVM(info vm.FrameInfo) FrameTrace {
	return FrameTrace{
		Function: info.Function,
		Source:   info.Source,
		Line:     info.Line,
		IP:       info.IP,
	}
}

func stackTraceFromVM(stack []vm.FrameInfo) []FrameTrace {
	if len(stack) == 0 {
		return nil
	}
	out := make([]FrameTrace, len(stack))
	for i, fr := range stack {
		out[i] = frameTraceFromVM(fr)
	}
	return out
}

// HostArgs provides typed accessors for host function arguments.
type HostArgs struct {
	args map[string]VmValue
}

// NewHostArgs wraps the raw argument map for typed access.
func NewHostArgs(args map[string]VmValue) HostArgs {
	return HostArgs{args: args}
}

// Value returns the raw VmValue for a named argument.
func (a HostArgs) Value(name string) (VmValue, error) {
	v, ok := a.args[name]
	if !ok {
		return VmValue{}, ArgError{Name: name, Want: "present"}
	}
	return v, nil
}

// Int returns the integer argument. Floats are truncated.
func (a HostArgs) Int(name string) (int64, error) {
	v, err := a.Value(name)
	if err != nil {
		return 0, err
	}
	if n, ok := v.v.AsInteger(); ok {
		return n, nil
	}
	return 0, ArgError{Name: name, Want: "integer", Got: v.Kind().String()}
}

// Number returns the numeric argument.
func (a HostArgs) Number(name string) (float64, error) {
	v, err := a.Value(name)
	if err != nil {
		return 0, err
	}
	if n, ok := v.Number(); ok {
		return n, nil
	}
	return 0, ArgError{Name: name, Want: "number", Got: v.Kind().String()}
}

// String returns the string argument.
func (a HostArgs) String(name string) (string, error) {
	v, err := a.Value(name)
	if err != nil {
		return "", err
	}
	if s, ok := v.String(); ok {
		return s, nil
	}
	return "", ArgError{Name: name, Want: "string", Got: v.Kind().String()}
}

// Bool returns the boolean argument.
func (a HostArgs) Bool(name string) (bool, error) {
	v, err := a.Value(name)
	if err != nil {
		return false, err
	}
	if b, ok := v.Bool(); ok {
		return b, nil
	}
	return false, ArgError{Name: name, Want: "bool", Got: v.Kind().String()}
}

// Array returns the array argument.
func (a HostArgs) Array(name string) ([]VmValue, error) {
	v, err := a.Value(name)
	if err != nil {
		return nil, err
	}
	if arr, ok := v.Array(); ok {
		return arr, nil
	}
	return nil, ArgError{Name: name, Want: "array", Got: v.Kind().String()}
}

// Table returns the string-keyed entries of a table argument.
func (a HostArgs) Table(name string) (map[string]VmValue, error) {
	v, err := a.Value(name)
	if err != nil {
		return nil, err
	}
	if obj, ok := v.Table(); ok {
		return obj, nil
	}
	return nil, ArgError{Name: name, Want: "table", Got: v.Kind().String()}
}

// NewValue marshals a Go value into a VmValue.
func NewValue(val any) (VmValue, error) {
	v, err := marshalGoValue(val)
	if err != nil {
		return VmValue{}, err
	}
	return VmValue{v: v}, nil
}

// MustValue marshals and panics on error (convenience for tests/examples).
func MustValue(val any) VmValue {
	v, err := NewValue(val)
	if err != nil {
		panic(err)
	}
	return v
}

// MarshalFunctionMap converts a map of Go functions into a table of callable
// functions. Supported signatures:
//
//	func(...) T
//	func(...) (T, error)
//	func(...) error
//	func(...), which returns null
//
// Where T is any type supported by NewValue marshaling.
func MarshalFunctionMap(funcs map[string]any) (VmValue, error) {
	if funcs == nil {
		return VmValue{}, errors.New("nil function map")
	}
	t := vm.NewTable(len(funcs))
	for name, fn := range funcs {
		hostFn, err := vmFunctionFromFunc(name, fn)
		if err != nil {
			return VmValue{}, fmt.Errorf("marshal function %s: %w", name, err)
		}
		t.NewSlot(vm.String(name), hostFn.toVMValueWithName(name))
	}
	return VmValue{v: vm.TableValue(t)}, nil
}

// MustMarshalFunctionMap panics on error; convenience for tests/bootstrap.
func MustMarshalFunctionMap(funcs map[string]any) VmValue {
	v, err := MarshalFunctionMap(funcs)
	if err != nil {
		panic(err)
	}
	return v
}

// Raw returns a Go representation of the value.
// Functions, classes, instances and generators are not convertible.
func (v VmValue) Raw() (any, error) {
	return unmarshalToGo(v.v)
}

// MustRaw returns Raw() or panics on error (convenience).
func (v VmValue) MustRaw() any {
	val, err := v.Raw()
	if err != nil {
		panic(err)
	}
	return val
}

// AsFunction extracts a callable handle when the value is a function or a
// class.
func (v VmValue) AsFunction() (*VmFunctionHandle, bool) {
	if !v.v.IsCallable() {
		return nil, false
	}
	return &VmFunctionHandle{owner: v.owner, fn: v.v}, true
}

// AsGenerator extracts a generator handle.
func (v VmValue) AsGenerator() (*VmGeneratorHandle, bool) {
	if v.v.Kind != vm.KindGenerator {
		return nil, false
	}
	return &VmGeneratorHandle{owner: v.owner, gen: v.v}, true
}

// Kind reports the underlying value kind.
func (v VmValue) Kind() ValueKind {
	return ValueKind(v.v.Kind)
}

// IsNull reports whether the value is null.
func (v VmValue) IsNull() bool {
	return v.v.Kind == vm.KindNull
}

// Bool returns the boolean value when the kind matches.
func (v VmValue) Bool() (bool, bool) {
	if v.v.Kind != vm.KindBool {
		return false, false
	}
	return v.v.B, true
}

// Int returns the integer value when the kind matches.
func (v VmValue) Int() (int64, bool) {
	if v.v.Kind != vm.KindInteger {
		return 0, false
	}
	return v.v.Int, true
}

// Number returns integers and floats as float64.
func (v VmValue) Number() (float64, bool) {
	return v.v.AsFloat()
}

// String returns the string value when the kind matches.
func (v VmValue) String() (string, bool) {
	if v.v.Kind != vm.KindString {
		return "", false
	}
	return v.v.Str, true
}

// Format renders the value the way tostring does, without metamethods.
func (v VmValue) Format() string {
	return vm.RawString(v.v)
}

// Array unwraps an array into VmValues when the kind matches.
func (v VmValue) Array() ([]VmValue, bool) {
	arr := v.v.Array()
	if v.v.Kind != vm.KindArray || arr == nil {
		return nil, false
	}
	out := make([]VmValue, len(arr.Items))
	for i, el := range arr.Items {
		out[i] = VmValue{v: el, owner: v.owner}
	}
	return out, true
}

// Table unwraps the string-keyed entries of a table. Other keys are skipped.
func (v VmValue) Table() (map[string]VmValue, bool) {
	t := v.v.Table()
	if v.v.Kind != vm.KindTable || t == nil {
		return nil, false
	}
	out := make(map[string]VmValue, t.Len())
	t.Each(func(k, el vm.Value) bool {
		if k.Kind == vm.KindString {
			out[k.Str] = VmValue{v: el, owner: v.owner}
		}
		return true
	})
	return out, true
}

// AttachFunction assigns a marshaled function to a key on a table value.
func (v *VmValue) AttachFunction(key string, fn *VmFunction) error {
	if v == nil {
		return errors.New("nil VmValue")
	}
	t := v.v.Table()
	if v.v.Kind != vm.KindTable || t == nil {
		return errors.New("AttachFunction requires table VmValue")
	}
	if fn == nil {
		return errors.New("nil function")
	}
	t.NewSlot(vm.String(key), fn.toVMValueWithName(key))
	return nil
}

// Context is the execution context provided to host functions.
type Context struct {
	vm *vm.VM
	// This is the receiver of the call.
	This VmValue
}

// Suspend returns the error a host function returns to suspend a call made
// with CallSuspendable. The value later passed to WakeUp becomes the host
// function's result.
func (c *Context) Suspend() error {
	return c.vm.Suspend()
}

// Throw returns an error that raises val as the script exception value.
func (c *Context) Throw(val any) error {
	v, err := marshalGoValue(val)
	if err != nil {
		return err
	}
	return c.vm.Throw(v)
}

// FunctionHandler is the Go-side implementation of a script function.
// Arguments are provided by name after validation against the declared
// parameter list.
type FunctionHandler func(ctx *Context, args map[string]VmValue) (VmValue, error)

// VmFunction describes a host-provided function, including its parameter
// list and handler.
type VmFunction struct {
	Params  []string
	Handler FunctionHandler
}

// NewFunction creates a marshaled function from a parameter list and handler.
func NewFunction(params []string, handler FunctionHandler) *VmFunction {
	return &VmFunction{
		Params:  params,
		Handler: handler,
	}
}

func (fn *VmFunction) toVMValueWithName(name string) vm.Value {
	native := vm.NewNative(name, func(runtimeVM *vm.VM, args []vm.Value) (vm.Value, error) {
		if fn == nil || fn.Handler == nil {
			return vm.Null(), runtimeVM.Errorf("nil function handler")
		}
		// args[0] is the receiver.
		if len(args)-1 < len(fn.Params) {
			return vm.Null(), runtimeVM.Errorf("expected at least %d args, got %d", len(fn.Params), len(args)-1)
		}
		argMap := make(map[string]VmValue, len(fn.Params))
		for i, name := range fn.Params {
			argMap[name] = VmValue{v: args[i+1], owner: runtimeVM}
		}
		ctx := &Context{vm: runtimeVM, This: VmValue{v: args[0], owner: runtimeVM}}
		res, err := fn.Handler(ctx, argMap)
		if err != nil {
			var rte *vm.RuntimeError
			if errors.As(err, &rte) || errors.Is(err, runtimeVM.Suspend()) {
				return vm.Null(), err
			}
			return vm.Null(), runtimeVM.Errorf("%s", err.Error())
		}
		return res.v, nil
	})
	return vm.NativeValue(native)
}

// VmFunctionHandle represents a function value returned from the VM.
type VmFunctionHandle struct {
	owner *vm.VM
	fn    vm.Value
}

// Call invokes the function handle on its owning VM.
func (h *VmFunctionHandle) Call(ctx context.Context, args ...any) (VmValue, error) {
	if h == nil {
		return VmValue{}, errors.New("nil function handle")
	}
	if h.owner == nil {
		return VmValue{}, errors.New("function handle missing VM owner")
	}
	if err := ctx.Err(); err != nil {
		return VmValue{}, err
	}
	argVals, err := marshalArgs(args)
	if err != nil {
		return VmValue{}, err
	}
	res, err := h.owner.Call(h.fn, argVals...)
	if err != nil {
		return VmValue{}, convertRuntimeError(err, h.owner)
	}
	return VmValue{v: res, owner: h.owner}, nil
}

// VmGeneratorHandle represents a generator returned from the VM.
type VmGeneratorHandle struct {
	owner *vm.VM
	gen   vm.Value
}

// Resume continues the generator, delivering val as the result of its
// pending yield, and returns the next yielded or returned value.
func (h *VmGeneratorHandle) Resume(val any) (VmValue, error) {
	if h == nil || h.owner == nil {
		return VmValue{}, errors.New("nil generator handle")
	}
	v, err := marshalGoValue(val)
	if err != nil {
		return VmValue{}, err
	}
	res, err := h.owner.Resume(h.gen, v)
	if err != nil {
		return VmValue{}, convertRuntimeError(err, h.owner)
	}
	return VmValue{v: res, owner: h.owner}, nil
}

// Done reports whether the generator has finished.
func (h *VmGeneratorHandle) Done() bool {
	return h == nil || h.gen.Generator().State() == vm.GeneratorDead
}

func vmFunctionFromFunc(name string, fn any) (*VmFunction, error) {
	if fn == nil {
		return nil, errors.New("nil function")
	}
	rv := reflect.ValueOf(fn)
	rt := rv.Type()
	if rt.Kind() != reflect.Func {
		return nil, fmt.Errorf("value of %s is not a function", name)
	}
	if rt.IsVariadic() {
		return nil, fmt.Errorf("function %s is variadic", name)
	}
	if rt.NumOut() > 2 {
		return nil, fmt.Errorf("function %s has too many return values (max 2)", name)
	}
	retValIndex := -1
	retErrIndex := -1
	switch rt.NumOut() {
	case 0:
	case 1:
		if rt.Out(0) == errorType {
			retErrIndex = 0
		} else {
			retValIndex = 0
		}
	case 2:
		if rt.Out(1) != errorType {
			return nil, fmt.Errorf("function %s second return value must be error", name)
		}
		retValIndex = 0
		retErrIndex = 1
	}

	paramNames := make([]string, rt.NumIn())
	for i := 0; i < len(paramNames); i++ {
		paramNames[i] = fmt.Sprintf("arg%d", i)
	}

	handler := func(_ *Context, args map[string]VmValue) (VmValue, error) {
		inputs := make([]reflect.Value, rt.NumIn())
		for i := 0; i < rt.NumIn(); i++ {
			arg, ok := args[paramNames[i]]
			if !ok {
				return VmValue{}, ArgError{Name: paramNames[i], Want: "present"}
			}
			val, err := convertVmValue(arg.v, rt.In(i))
			if err != nil {
				return VmValue{}, fmt.Errorf("argument %s: %w", paramNames[i], err)
			}
			inputs[i] = val
		}
		results := rv.Call(inputs)
		if retErrIndex >= 0 && !results[retErrIndex].IsNil() {
			return VmValue{}, results[retErrIndex].Interface().(error)
		}
		if retValIndex >= 0 {
			mv, err := marshalGoValue(results[retValIndex].Interface())
			if err != nil {
				return VmValue{}, err
			}
			return VmValue{v: mv}, nil
		}
		return VmValue{v: vm.Null()}, nil
	}

	return &VmFunction{
		Params:  paramNames,
		Handler: handler,
	}, nil
}

// Engine owns the state shared by a family of VMs: default delegates, the
// VM registry and the configuration new VMs start from.
type Engine struct {
	shared *vm.SharedState
	cfg    *config.Config
}

// NewEngine creates an engine. A nil cfg uses config.Default().
func NewEngine(cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{shared: vm.NewSharedState(), cfg: cfg}
}

// LoadEngine creates an engine from a TOML or YAML configuration file.
func LoadEngine(path string) (*Engine, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ConfigureLogging()
	return NewEngine(cfg), nil
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// VMs lists the IDs of the engine's live VMs.
func (e *Engine) VMs() []string { return e.shared.VMs() }

// Program is a decoded and verified compiled script.
type Program struct {
	proto *bytecode.Prototype
}

// Name is the name of the program's top-level function.
func (p *Program) Name() string { return p.proto.Name }

// Disassemble writes the program's bytecode listing to w.
func (p *Program) Disassemble(w io.Writer) error {
	return bytecode.NewDisassembler(w).DisassemblePrototype(p.proto.Name, p.proto)
}

// Load decodes a compiled program.
func (e *Engine) Load(data []byte) (*Program, error) {
	proto, err := bytecode.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := proto.Verify(); err != nil {
		return nil, fmt.Errorf("verify %s: %w", proto.Name, err)
	}
	return &Program{proto: proto}, nil
}

// LoadFile decodes a compiled program from a file.
func (e *Engine) LoadFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := e.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// NewProgram wraps an already built prototype.
func NewProgram(proto *bytecode.Prototype) (*Program, error) {
	if proto == nil {
		return nil, errors.New("nil prototype")
	}
	if err := proto.Verify(); err != nil {
		return nil, err
	}
	return &Program{proto: proto}, nil
}

// VM is the configurator/executor for scripts. A VM runs one call at a time.
type VM struct {
	core *vm.VM
	mu   sync.Mutex
	busy bool
}

// NewVM creates a VM on the engine with the built-in functions installed.
func (e *Engine) NewVM() *VM {
	core := vm.NewWithOptions(e.shared, e.cfg.VMOptions())
	core.SetBudget(e.cfg.VMBudget())
	runtime.Install(core)
	return &VM{core: core}
}

// NewVM constructs a VM on a fresh default engine.
func NewVM() *VM {
	return NewEngine(nil).NewVM()
}

// ID returns the VM's registry ID.
func (vmc *VM) ID() string { return vmc.core.ID() }

// Close releases the VM. Further calls fail.
func (vmc *VM) Close() { vmc.core.Close() }

func (vmc *VM) acquire() error {
	if vmc == nil || vmc.core == nil {
		return errors.New("nil VM")
	}
	vmc.mu.Lock()
	defer vmc.mu.Unlock()
	if vmc.busy {
		return errors.New("VM is busy; concurrent calls not allowed")
	}
	vmc.busy = true
	return nil
}

func (vmc *VM) release() {
	vmc.mu.Lock()
	vmc.busy = false
	vmc.mu.Unlock()
}

// Duplicate clones the VM's globals into a new VM on the same engine. The
// duplicate has independent memory and no in-flight execution state.
func (vmc *VM) Duplicate() (*VM, error) {
	if err := vmc.acquire(); err != nil {
		return nil, err
	}
	defer vmc.release()
	core := vmc.core.Duplicate()
	if core == nil {
		return nil, errors.New("VM duplicate failed")
	}
	return &VM{core: core}, nil
}

// Fork returns a VM sharing this VM's globals but with its own stacks.
func (vmc *VM) Fork() *VM {
	return &VM{core: vmc.core.Fork()}
}

// Run executes a program's top-level function, which typically defines
// global functions, and returns its result.
func (vmc *VM) Run(p *Program) (VmValue, error) {
	if p == nil {
		return VmValue{}, errors.New("nil program")
	}
	if err := vmc.acquire(); err != nil {
		return VmValue{}, err
	}
	defer vmc.release()
	fn, err := vmc.core.Load(p.proto)
	if err != nil {
		return VmValue{}, err
	}
	res, err := vmc.core.Call(fn)
	if err != nil {
		return VmValue{}, convertRuntimeError(err, vmc.core)
	}
	return VmValue{v: res, owner: vmc.core}, nil
}

// SetGlobal marshals val and binds it in the root table.
func (vmc *VM) SetGlobal(name string, val any) error {
	if vmc == nil || vmc.core == nil {
		return errors.New("nil VM")
	}
	v, err := marshalGoValue(val)
	if err != nil {
		return err
	}
	vmc.core.DefineGlobal(name, v)
	return nil
}

// Global returns a root table entry.
func (vmc *VM) Global(name string) (VmValue, bool) {
	v, ok := vmc.core.Global(name)
	return VmValue{v: v, owner: vmc.core}, ok
}

// SetGlobalFunction binds a marshaled function to a global name.
func (vmc *VM) SetGlobalFunction(name string, fn *VmFunction) error {
	if vmc == nil || vmc.core == nil {
		return errors.New("nil VM")
	}
	if fn == nil {
		return errors.New("nil function")
	}
	vmc.core.DefineGlobal(name, fn.toVMValueWithName(name))
	return nil
}

// RegisterFunc binds a Go function, converted by reflection, to a global
// name. See MarshalFunctionMap for the supported signatures.
func (vmc *VM) RegisterFunc(name string, fn any) error {
	hostFn, err := vmFunctionFromFunc(name, fn)
	if err != nil {
		return err
	}
	return vmc.SetGlobalFunction(name, hostFn)
}

// HasFunction reports whether a callable global exists with the given name.
func (vmc *VM) HasFunction(name string) bool {
	if vmc == nil || vmc.core == nil {
		return false
	}
	v, ok := vmc.core.Global(name)
	return ok && v.IsCallable()
}

func (vmc *VM) lookup(name string) (vm.Value, error) {
	fn, ok := vmc.core.Global(name)
	if !ok {
		return vm.Null(), fmt.Errorf("undefined function %s", name)
	}
	return fn, nil
}

// Call resolves a global function by name, marshals arguments and runs it.
func (vmc *VM) Call(name string, args ...any) (VmValue, error) {
	if err := vmc.acquire(); err != nil {
		return VmValue{}, err
	}
	defer vmc.release()
	return vmc.call(name, args, false)
}

// CallSuspendable is Call for functions that may suspend. A suspended call
// reports suspended == true; continue it with WakeUp.
func (vmc *VM) CallSuspendable(name string, args ...any) (res VmValue, suspended bool, err error) {
	if err := vmc.acquire(); err != nil {
		return VmValue{}, false, err
	}
	defer vmc.release()
	res, err = vmc.call(name, args, true)
	return res, vmc.Suspended(), err
}

func (vmc *VM) call(name string, args []any, suspendable bool) (VmValue, error) {
	fn, err := vmc.lookup(name)
	if err != nil {
		return VmValue{}, err
	}
	argVals, err := marshalArgs(args)
	if err != nil {
		return VmValue{}, err
	}
	var res vm.Value
	if suspendable {
		res, err = vmc.core.CallSuspendable(fn, argVals...)
	} else {
		res, err = vmc.core.Call(fn, argVals...)
	}
	if err != nil {
		return VmValue{}, convertRuntimeError(err, vmc.core)
	}
	return VmValue{v: res, owner: vmc.core}, nil
}

// Suspended reports whether a call is waiting for WakeUp.
func (vmc *VM) Suspended() bool {
	return vmc.core.State() == vm.StateSuspended
}

// WakeUp continues a suspended call with val.
func (vmc *VM) WakeUp(val any) (res VmValue, suspended bool, err error) {
	if err := vmc.acquire(); err != nil {
		return VmValue{}, false, err
	}
	defer vmc.release()
	v, err := marshalGoValue(val)
	if err != nil {
		return VmValue{}, true, err
	}
	out, err := vmc.core.WakeUp(v)
	if err != nil {
		return VmValue{}, vmc.Suspended(), convertRuntimeError(err, vmc.core)
	}
	return VmValue{v: out, owner: vmc.core}, vmc.Suspended(), nil
}

// Abandon discards a suspended call.
func (vmc *VM) Abandon() {
	vmc.core.Abandon()
}

// SetInstructionLimit caps the number of instructions a single call may
// execute (0 for unlimited). A call started with CallSuspendable suspends
// when the limit is reached; any other call fails with ErrBudgetExceeded.
func (vmc *VM) SetInstructionLimit(limit int) {
	if vmc == nil || vmc.core == nil {
		return
	}
	if limit < 0 {
		limit = 0
	}
	b := vmc.core.Budget()
	b.Ops = limit
	b.AllowOverrun = false
	vmc.core.SetBudget(b)
}

// SetTraceHook attaches a debug hook that observes lines, calls and returns.
func (vmc *VM) SetTraceHook(h TraceHook) {
	if vmc == nil || vmc.core == nil {
		return
	}
	if h == nil {
		vmc.core.SetDebugHook(nil)
		return
	}
	vmc.core.SetDebugHook(func(ev vm.HookEvent) {
		h(TraceInfo{
			Event:    byte(ev.Kind),
			Function: ev.Function,
			Source:   ev.Source,
			Line:     ev.Line,
		})
	})
}

// SetErrorHandler installs a callback run once for every error that escapes
// a call.
func (vmc *VM) SetErrorHandler(h func(*RuntimeError)) {
	if h == nil {
		vmc.core.SetErrorHandler(nil)
		return
	}
	vmc.core.SetErrorHandler(func(owner *vm.VM, err *vm.RuntimeError) {
		h(convertRuntimeError(err, owner).(*RuntimeError))
	})
}

// Disassemble writes the bytecode of every global function to w.
func (vmc *VM) Disassemble(w io.Writer) error {
	return vmc.core.Disassemble(w)
}

// VmCallFuture represents an in-flight VM call.
type VmCallFuture struct {
	ch <-chan VmCallResult
}

// VmCallResult is the outcome of a VM call.
type VmCallResult struct {
	Value VmValue
	Err   error
}

// Await waits for completion or context cancellation.
func (f VmCallFuture) Await(ctx context.Context) (VmValue, error) {
	select {
	case <-ctx.Done():
		return VmValue{}, ctx.Err()
	case res := <-f.ch:
		return res.Value, res.Err
	}
}

// CallAsync resolves a function by name, marshals arguments, and executes it
// on the VM asynchronously.
func (vmc *VM) CallAsync(ctx context.Context, name string, args ...any) VmCallFuture {
	ch := make(chan VmCallResult, 1)
	if err := vmc.acquire(); err != nil {
		ch <- VmCallResult{Err: err}
		close(ch)
		return VmCallFuture{ch: ch}
	}
	go func() {
		defer close(ch)
		defer vmc.release()
		select {
		case <-ctx.Done():
			ch <- VmCallResult{Err: ctx.Err()}
			return
		default:
		}
		res, err := vmc.call(name, args, false)
		ch <- VmCallResult{Value: res, Err: err}
	}()
	return VmCallFuture{ch: ch}
}

func marshalArgs(args []any) ([]vm.Value, error) {
	out := make([]vm.Value, len(args))
	for i, a := range args {
		v, err := marshalGoValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func convertVmValue(src vm.Value, targetType reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(targetType)
	if err := assignValue(src, ptr.Elem()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

// marshalGoValue converts common Go types into vm.Value.
func marshalGoValue(val any) (vm.Value, error) {
	if m, ok := val.(Marshaler); ok {
		custom, err := m.MarshalSq()
		if err != nil {
			return vm.Value{}, err
		}
		return custom.v, nil
	}
	switch v := val.(type) {
	case VmValue:
		return v.v, nil
	case nil:
		return vm.Null(), nil
	case bool:
		return vm.Bool(v), nil
	case int:
		return vm.Integer(int64(v)), nil
	case int64:
		return vm.Integer(v), nil
	case float64:
		return vm.Float(v), nil
	case string:
		return vm.String(v), nil
	case error:
		return vm.String(v.Error()), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return vm.Integer(n), nil
		}
		n, err := v.Float64()
		if err != nil {
			return vm.Value{}, err
		}
		return vm.Float(n), nil
	case []any:
		out := make([]vm.Value, len(v))
		for i, el := range v {
			mv, err := marshalGoValue(el)
			if err != nil {
				return vm.Value{}, err
			}
			out[i] = mv
		}
		return vm.ArrayValue(vm.NewArray(out)), nil
	case []VmValue:
		out := make([]vm.Value, len(v))
		for i, el := range v {
			out[i] = el.v
		}
		return vm.ArrayValue(vm.NewArray(out)), nil
	case map[string]any:
		t := vm.NewTable(len(v))
		for k, el := range v {
			mv, err := marshalGoValue(el)
			if err != nil {
				return vm.Value{}, err
			}
			t.NewSlot(vm.String(k), mv)
		}
		return vm.TableValue(t), nil
	case *VmFunction:
		return v.toVMValueWithName(""), nil
	default:
		rv := reflect.ValueOf(val)
		if !rv.IsValid() {
			return vm.Null(), nil
		}
		if rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
			if rv.IsNil() {
				return vm.Null(), nil
			}
			return marshalGoValue(rv.Elem().Interface())
		}
		switch rv.Kind() {
		case reflect.Bool:
			return vm.Bool(rv.Bool()), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return vm.Integer(rv.Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			u := rv.Uint()
			if u > math.MaxInt64 {
				return vm.Value{}, ArgError{Want: "integer within int64 range", Got: fmt.Sprintf("%d", u)}
			}
			return vm.Integer(int64(u)), nil
		case reflect.Float32, reflect.Float64:
			return vm.Float(rv.Float()), nil
		case reflect.String:
			return vm.String(rv.String()), nil
		case reflect.Slice, reflect.Array:
			out := make([]vm.Value, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				mv, err := marshalGoValue(rv.Index(i).Interface())
				if err != nil {
					return vm.Value{}, err
				}
				out[i] = mv
			}
			return vm.ArrayValue(vm.NewArray(out)), nil
		case reflect.Map:
			t := vm.NewTable(rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				key, err := marshalGoValue(iter.Key().Interface())
				if err != nil {
					return vm.Value{}, err
				}
				if key.Kind == vm.KindNull {
					return vm.Value{}, errors.New("map key marshals to null")
				}
				mv, err := marshalGoValue(iter.Value().Interface())
				if err != nil {
					return vm.Value{}, err
				}
				t.NewSlot(key, mv)
			}
			return vm.TableValue(t), nil
		case reflect.Struct:
			t := vm.NewTable(rv.NumField())
			rt := rv.Type()
			for i := 0; i < rv.NumField(); i++ {
				field := rt.Field(i)
				if field.PkgPath != "" { // unexported
					continue
				}
				mv, err := marshalGoValue(rv.Field(i).Interface())
				if err != nil {
					return vm.Value{}, err
				}
				t.NewSlot(vm.String(field.Name), mv)
			}
			return vm.TableValue(t), nil
		}
		return vm.Value{}, fmt.Errorf("unsupported value type %T", val)
	}
}

// unmarshalToGo converts a vm.Value into a Go value for Raw().
func unmarshalToGo(v vm.Value) (any, error) {
	switch v.Kind {
	case vm.KindNull:
		return nil, nil
	case vm.KindBool:
		return v.B, nil
	case vm.KindInteger:
		return v.Int, nil
	case vm.KindFloat:
		return v.Num, nil
	case vm.KindString:
		return v.Str, nil
	case vm.KindArray:
		items := v.Array().Items
		out := make([]any, len(items))
		for i, el := range items {
			val, err := unmarshalToGo(el)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case vm.KindTable:
		out := make(map[string]any, v.Table().Len())
		var ferr error
		v.Table().Each(func(k, el vm.Value) bool {
			val, err := unmarshalToGo(el)
			if err != nil {
				ferr = err
				return false
			}
			out[vm.RawString(k)] = val
			return true
		})
		if ferr != nil {
			return nil, ferr
		}
		return out, nil
	case vm.KindWeakRef:
		return unmarshalToGo(v.WeakRef().Get())
	default:
		return nil, fmt.Errorf("Raw() not supported on %s values", vm.TypeName(v))
	}
}

// Unmarshal assigns a VmValue into a Go target using reflection.
// Supports primitives, slices, maps, structs, and Unmarshaler.
func Unmarshal(val VmValue, target any) error {
	if target == nil {
		return errors.New("nil target")
	}
	if u, ok := target.(Unmarshaler); ok {
		return u.UnmarshalSq(val)
	}
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("target must be non-nil pointer")
	}
	return assignValue(val.v, rv.Elem())
}

func assignValue(src vm.Value, dst reflect.Value) error {
	if !dst.CanSet() {
		return errors.New("cannot set target")
	}
	if dst.Type() == reflect.TypeOf(VmValue{}) {
		dst.Set(reflect.ValueOf(VmValue{v: src}))
		return nil
	}
	got := vm.TypeName(src)
	switch dst.Kind() {
	case reflect.Interface:
		raw, err := unmarshalToGo(src)
		if err != nil {
			return err
		}
		if raw == nil {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		dst.Set(reflect.ValueOf(raw))
		return nil
	case reflect.Pointer:
		if src.Kind == vm.KindNull {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		elem := reflect.New(dst.Type().Elem())
		if err := assignValue(src, elem.Elem()); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Bool:
		if src.Kind != vm.KindBool {
			return ArgError{Want: "bool", Got: got}
		}
		dst.SetBool(src.B)
		return nil
	case reflect.String:
		if src.Kind != vm.KindString {
			return ArgError{Want: "string", Got: got}
		}
		dst.SetString(src.Str)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := src.AsInteger()
		if !ok {
			return ArgError{Want: "integer", Got: got}
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, ok := src.AsInteger()
		if !ok {
			return ArgError{Want: "integer", Got: got}
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		f, ok := src.AsFloat()
		if !ok {
			return ArgError{Want: "float", Got: got}
		}
		dst.SetFloat(f)
		return nil
	case reflect.Slice:
		if src.Kind != vm.KindArray {
			return ArgError{Want: "array", Got: got}
		}
		items := src.Array().Items
		l := len(items)
		dst.Set(reflect.MakeSlice(dst.Type(), l, l))
		for i := 0; i < l; i++ {
			if err := assignValue(items[i], dst.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Array:
		if src.Kind != vm.KindArray {
			return ArgError{Want: "array", Got: got}
		}
		items := src.Array().Items
		l := len(items)
		if l != dst.Len() {
			return fmt.Errorf("array length mismatch: have %d want %d", l, dst.Len())
		}
		for i := 0; i < l; i++ {
			if err := assignValue(items[i], dst.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if src.Kind != vm.KindTable {
			return ArgError{Want: "table", Got: got}
		}
		t := src.Table()
		dst.Set(reflect.MakeMapWithSize(dst.Type(), t.Len()))
		var ferr error
		t.Each(func(k, v vm.Value) bool {
			key := reflect.New(dst.Type().Key()).Elem()
			if ferr = assignValue(k, key); ferr != nil {
				return false
			}
			elem := reflect.New(dst.Type().Elem()).Elem()
			if ferr = assignValue(v, elem); ferr != nil {
				return false
			}
			dst.SetMapIndex(key, elem)
			return true
		})
		return ferr
	case reflect.Struct:
		if src.Kind != vm.KindTable {
			return ArgError{Want: "table", Got: got}
		}
		t := src.Table()
		rt := dst.Type()
		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if field.PkgPath != "" { // unexported
				continue
			}
			if val, ok := t.Get(vm.String(field.Name)); ok {
				if err := assignValue(val, dst.Field(i)); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported unmarshal target kind %s", dst.Kind())
	}
}
