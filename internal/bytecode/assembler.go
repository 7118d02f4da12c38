package bytecode

import "fmt"

// Assembler builds a Prototype instruction by instruction. It is the
// hand-written counterpart of a compiler back end and is used by tests,
// tooling and hosts that generate bytecode directly.
type Assembler struct {
	proto *Prototype
	line  int
	err   error
}

// NewAssembler starts a prototype with the given diagnostic name and source.
func NewAssembler(name, source string) *Assembler {
	return &Assembler{
		proto: &Prototype{
			Name:   name,
			Source: source,
			Chunk:  &Chunk{},
		},
	}
}

// Params sets the number of declared parameters (excluding the receiver).
func (a *Assembler) Params(n int) *Assembler {
	a.proto.NumParams = n
	return a
}

// Locals sets the total number of local slots, including receiver and parameters.
func (a *Assembler) Locals(n int) *Assembler {
	a.proto.MaxLocals = n
	return a
}

// VarParams marks the prototype as variadic.
func (a *Assembler) VarParams() *Assembler {
	a.proto.VarParams = true
	return a
}

// Generator marks the prototype as a generator body.
func (a *Assembler) Generator() *Assembler {
	a.proto.Generator = true
	return a
}

// Default appends a default value for the next trailing parameter.
func (a *Assembler) Default(v interface{}) *Assembler {
	a.proto.Defaults = append(a.proto.Defaults, int(a.Const(v)))
	return a
}

// CaptureLocal declares an upvalue bound to a local slot of the enclosing frame.
func (a *Assembler) CaptureLocal(slot uint8) *Assembler {
	a.proto.Upvalues = append(a.proto.Upvalues, Upvalue{IsLocal: true, Index: slot})
	return a
}

// CaptureUpvalue declares an upvalue bound to an upvalue of the enclosing closure.
func (a *Assembler) CaptureUpvalue(idx uint8) *Assembler {
	a.proto.Upvalues = append(a.proto.Upvalues, Upvalue{Index: idx})
	return a
}

// Line sets the source line recorded for subsequently emitted instructions.
func (a *Assembler) Line(line int) *Assembler {
	if line > 0 {
		a.line = line
	}
	return a
}

// Offset returns the offset of the next instruction.
func (a *Assembler) Offset() int {
	return len(a.proto.Chunk.Code)
}

// Const adds v to the constant pool, reusing an equal scalar entry.
func (a *Assembler) Const(v interface{}) uint16 {
	if i, ok := v.(int); ok {
		v = int64(i)
	}
	if _, isProto := v.(*Prototype); !isProto {
		for i, c := range a.proto.Chunk.Consts {
			if sameConst(c, v) {
				return uint16(i)
			}
		}
	}
	if len(a.proto.Chunk.Consts) >= 1<<16 {
		a.fail(fmt.Errorf("constant pool overflow"))
		return 0
	}
	a.proto.Chunk.Consts = append(a.proto.Chunk.Consts, v)
	return uint16(len(a.proto.Chunk.Consts) - 1)
}

// Op emits an opcode without operands.
func (a *Assembler) Op(op byte) *Assembler {
	a.emitBytes(op)
	return a
}

// OpU8 emits an opcode with a single byte operand.
func (a *Assembler) OpU8(op byte, v uint8) *Assembler {
	a.emitBytes(op, v)
	return a
}

// OpU16 emits an opcode with a two byte operand.
func (a *Assembler) OpU16(op byte, v uint16) *Assembler {
	a.emitBytes(op, byte(v>>8), byte(v))
	return a
}

// LoadConst emits OP_CONST for v.
func (a *Assembler) LoadConst(v interface{}) *Assembler {
	return a.OpU16(OP_CONST, a.Const(v))
}

// Named emits an opcode whose operand is a string constant (globals, properties).
func (a *Assembler) Named(op byte, name string) *Assembler {
	return a.OpU16(op, a.Const(name))
}

// Closure emits OP_CLOSURE for a nested prototype.
func (a *Assembler) Closure(child *Prototype) *Assembler {
	return a.OpU16(OP_CLOSURE, a.Const(child))
}

// Jump emits a forward jump with a placeholder target and returns the
// position to hand to PatchJump.
func (a *Assembler) Jump(op byte) int {
	a.emitBytes(op, 0xff, 0xff)
	return len(a.proto.Chunk.Code) - 2
}

// PatchJump points the jump recorded at pos to the next instruction.
func (a *Assembler) PatchJump(pos int) {
	a.PatchJumpTo(pos, len(a.proto.Chunk.Code))
}

// PatchJumpTo points the jump recorded at pos to target.
func (a *Assembler) PatchJumpTo(pos, target int) {
	if target >= 1<<16 {
		a.fail(fmt.Errorf("jump target %d out of range", target))
		return
	}
	a.proto.Chunk.Code[pos] = byte(target >> 8)
	a.proto.Chunk.Code[pos+1] = byte(target)
}

// Loop emits a jump back to start.
func (a *Assembler) Loop(op byte, start int) *Assembler {
	return a.OpU16(op, uint16(start))
}

// Finish verifies and returns the assembled prototype.
func (a *Assembler) Finish() (*Prototype, error) {
	if a.err != nil {
		return nil, a.err
	}
	if err := a.proto.Verify(); err != nil {
		return nil, err
	}
	return a.proto, nil
}

// MustFinish is like Finish but panics on error.
func (a *Assembler) MustFinish() *Prototype {
	p, err := a.Finish()
	if err != nil {
		panic(err)
	}
	return p
}

func (a *Assembler) emitBytes(b ...byte) {
	a.recordLine()
	a.proto.Chunk.Code = append(a.proto.Chunk.Code, b...)
}

func (a *Assembler) recordLine() {
	if a.line == 0 {
		return
	}
	lines := a.proto.Chunk.Lines
	off := len(a.proto.Chunk.Code)
	if len(lines) > 0 && lines[len(lines)-1].Line == a.line {
		return
	}
	if len(lines) > 0 && lines[len(lines)-1].Offset == off {
		lines[len(lines)-1].Line = a.line
		return
	}
	a.proto.Chunk.Lines = append(lines, LineInfo{Offset: off, Line: a.line})
}

func (a *Assembler) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func sameConst(a, b interface{}) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case int64:
		y, ok := b.(int64)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	default:
		return false
	}
}
