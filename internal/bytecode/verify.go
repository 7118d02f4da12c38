package bytecode

import (
	"errors"
	"fmt"
)

// ErrInvalidPrototype is wrapped by every verification failure.
var ErrInvalidPrototype = errors.New("invalid prototype")

// Verify checks that a prototype and all nested prototypes are well formed:
// operands stay in range, constants have the expected type and jumps land on
// instruction boundaries. The interpreter relies on a verified prototype and
// does not repeat these checks per instruction.
func (p *Prototype) Verify() error {
	return p.verify(make(map[*Prototype]bool))
}

func (p *Prototype) verify(seen map[*Prototype]bool) error {
	if p == nil || p.Chunk == nil {
		return fmt.Errorf("%w: nil chunk", ErrInvalidPrototype)
	}
	if seen[p] {
		return nil
	}
	seen[p] = true
	name := p.Name
	if name == "" {
		name = "<anon>"
	}
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidPrototype, name, fmt.Sprintf(format, args...))
	}
	if p.NumParams < 0 || p.NumParams > 254 {
		return fail("parameter count %d out of range", p.NumParams)
	}
	if p.FrameSize() > 256 {
		return fail("frame needs %d locals, limit is 256", p.FrameSize())
	}
	if len(p.Defaults) > p.NumParams {
		return fail("%d defaults for %d parameters", len(p.Defaults), p.NumParams)
	}
	consts := p.Chunk.Consts
	for _, idx := range p.Defaults {
		if idx < 0 || idx >= len(consts) {
			return fail("default constant %d out of range", idx)
		}
		if _, ok := consts[idx].(*Prototype); ok {
			return fail("default constant %d is a prototype", idx)
		}
	}
	for i, c := range consts {
		switch c.(type) {
		case nil, bool, int64, float64, string, *Prototype:
		default:
			return fail("constant %d has unsupported type %T", i, c)
		}
	}

	code := p.Chunk.Code
	starts := make(map[int]bool, len(code))
	var jumps []int
	for ip := 0; ip < len(code); {
		at := ip
		starts[at] = true
		op := code[ip]
		ip++
		info, ok := LookupOp(op)
		if !ok {
			return fail("unknown opcode 0x%02X at %d", op, at)
		}
		if ip+info.Operand.Width() > len(code) {
			return fail("truncated operand for %s at %d", info.Name, at)
		}
		switch info.Operand {
		case OperandLocal:
			if int(code[ip]) >= p.FrameSize() {
				return fail("%s at %d: local %d out of range", info.Name, at, code[ip])
			}
		case OperandUpvalue:
			if int(code[ip]) >= len(p.Upvalues) {
				return fail("%s at %d: upvalue %d out of range", info.Name, at, code[ip])
			}
		case OperandConst, OperandName, OperandProto:
			idx := int(code[ip])<<8 | int(code[ip+1])
			if idx >= len(consts) {
				return fail("%s at %d: constant %d out of range", info.Name, at, idx)
			}
			switch info.Operand {
			case OperandName:
				if _, ok := consts[idx].(string); !ok {
					return fail("%s at %d: constant %d is not a string", info.Name, at, idx)
				}
			case OperandProto:
				child, ok := consts[idx].(*Prototype)
				if !ok {
					return fail("%s at %d: constant %d is not a prototype", info.Name, at, idx)
				}
				if err := p.verifyCaptures(child); err != nil {
					return fail("%s at %d: %v", info.Name, at, err)
				}
			}
		case OperandJump:
			jumps = append(jumps, int(code[ip])<<8|int(code[ip+1]))
		}
		ip += info.Operand.Width()
	}
	for _, target := range jumps {
		if target != len(code) && !starts[target] {
			return fail("jump target %d is not an instruction boundary", target)
		}
	}

	for _, c := range consts {
		if child, ok := c.(*Prototype); ok {
			if err := child.verify(seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// verifyCaptures checks that child's upvalue descriptors resolve inside p.
func (p *Prototype) verifyCaptures(child *Prototype) error {
	for i, uv := range child.Upvalues {
		if uv.IsLocal {
			if int(uv.Index) >= p.FrameSize() {
				return fmt.Errorf("upvalue %d captures local %d outside the enclosing frame", i, uv.Index)
			}
			continue
		}
		if int(uv.Index) >= len(p.Upvalues) {
			return fmt.Errorf("upvalue %d refers to enclosing upvalue %d which does not exist", i, uv.Index)
		}
	}
	return nil
}
