package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies runtime errors.
type ErrorKind int

const (
	ErrKindRuntime ErrorKind = iota
	ErrKindType
	ErrKindIndex
	ErrKindCompare
	ErrKindParamType
	ErrKindStackOverflow
	ErrKindBudget
	ErrKindSuspend
)

// Sentinels usable with errors.Is against a *RuntimeError.
var (
	ErrRuntime             = errors.New("runtime error")
	ErrType                = errors.New("type error")
	ErrIndex               = errors.New("index error")
	ErrCompare             = errors.New("compare error")
	ErrParamType           = errors.New("parameter type error")
	ErrStackOverflow       = errors.New("stack overflow")
	ErrBudgetExceeded      = errors.New("execution budget exceeded")
	ErrSuspendNotSupported = errors.New("suspend not supported")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case ErrKindType:
		return ErrType
	case ErrKindIndex:
		return ErrIndex
	case ErrKindCompare:
		return ErrCompare
	case ErrKindParamType:
		return ErrParamType
	case ErrKindStackOverflow:
		return ErrStackOverflow
	case ErrKindBudget:
		return ErrBudgetExceeded
	case ErrKindSuspend:
		return ErrSuspendNotSupported
	default:
		return ErrRuntime
	}
}

func (k ErrorKind) String() string {
	return k.sentinel().Error()
}

// HookKind identifies a debug hook event.
type HookKind byte

const (
	HookLine   HookKind = 'l'
	HookCall   HookKind = 'c'
	HookReturn HookKind = 'r'
)

// HookEvent describes a line change, call entry or call return.
type HookEvent struct {
	Kind     HookKind
	Source   string
	Line     int
	Function string
}

// DebugHook observes execution. It cannot alter control flow.
type DebugHook func(HookEvent)

// ErrorHandler is invoked once when an error escapes the outermost host call.
type ErrorHandler func(vm *VM, err *RuntimeError)

// FrameInfo captures the call frame at the time of an error or trace event.
type FrameInfo struct {
	Function string
	Source   string
	Line     int
	IP       int
}

// RuntimeError carries the thrown value plus source/stack information.
type RuntimeError struct {
	Kind    ErrorKind
	Value   Value
	Message string
	Frame   FrameInfo
	Stack   []FrameInfo
	Cause   error
}

func (e *RuntimeError) Error() string {
	locParts := []string{}
	if e.Frame.Source != "" {
		if e.Frame.Line > 0 {
			locParts = append(locParts, fmt.Sprintf("%s:%d", e.Frame.Source, e.Frame.Line))
		} else {
			locParts = append(locParts, e.Frame.Source)
		}
	} else if e.Frame.Line > 0 {
		locParts = append(locParts, fmt.Sprintf("line %d", e.Frame.Line))
	}
	if e.Frame.Function != "" {
		locParts = append(locParts, fmt.Sprintf("in %s", e.Frame.Function))
	}
	loc := strings.Join(locParts, " ")
	if loc != "" {
		return fmt.Sprintf("%s: %s", loc, e.Message)
	}
	return e.Message
}

// Unwrap exposes the original error, if any.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's kind.
func (e *RuntimeError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Fatal reports whether the error bypasses script-level traps.
func (e *RuntimeError) Fatal() bool {
	return e.Kind == ErrKindStackOverflow || e.Kind == ErrKindSuspend
}

// StackTrace renders the captured frames, innermost first.
func (e *RuntimeError) StackTrace() string {
	var b strings.Builder
	for _, f := range e.Stack {
		name := f.Function
		if name == "" {
			name = "unknown"
		}
		fmt.Fprintf(&b, "  at %s (%s:%d)\n", name, f.Source, f.Line)
	}
	return b.String()
}

func (vm *VM) newError(kind ErrorKind, format string, args ...interface{}) *RuntimeError {
	msg := fmt.Sprintf(format, args...)
	return vm.errorWithValue(kind, String(msg), msg, nil)
}

func (vm *VM) errorWithValue(kind ErrorKind, val Value, msg string, cause error) *RuntimeError {
	ci := vm.currentFrame()
	return &RuntimeError{
		Kind:    kind,
		Value:   val,
		Message: msg,
		Frame:   vm.frameInfo(ci),
		Stack:   vm.stackTrace(),
		Cause:   cause,
	}
}

// asRuntimeError folds any error a native or helper returned into a
// *RuntimeError raised at the current frame.
func (vm *VM) asRuntimeError(err error) *RuntimeError {
	var rerr *RuntimeError
	if errors.As(err, &rerr) {
		return rerr
	}
	return vm.errorWithValue(ErrKindRuntime, String(err.Error()), err.Error(), err)
}

func (vm *VM) stackTrace() []FrameInfo {
	if len(vm.frames) == 0 {
		return nil
	}
	trace := make([]FrameInfo, 0, len(vm.frames))
	for i := len(vm.frames) - 1; i >= 0; i-- {
		trace = append(trace, vm.frameInfo(&vm.frames[i]))
	}
	return trace
}

func (vm *VM) frameInfo(ci *callInfo) FrameInfo {
	if ci == nil || ci.closure == nil {
		return FrameInfo{}
	}
	proto := ci.closure.Proto
	off := ci.lastOp
	if off < 0 {
		off = ci.ip
	}
	return FrameInfo{
		Function: ci.closure.Name(),
		Source:   proto.Source,
		Line:     proto.Chunk.LineForOffset(off),
		IP:       off,
	}
}

func (vm *VM) callHook(kind HookKind, ci *callInfo) {
	if vm.debugHook == nil || vm.inHook || ci == nil {
		return
	}
	info := vm.frameInfo(ci)
	vm.inHook = true
	defer func() { vm.inHook = false }()
	vm.debugHook(HookEvent{
		Kind:     kind,
		Source:   info.Source,
		Line:     info.Line,
		Function: info.Function,
	})
}
