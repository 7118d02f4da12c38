package bytecode

import (
	"errors"
	"testing"
)

func TestVerifyRejectsMalformedPrototypes(t *testing.T) {
	cases := []struct {
		name  string
		build func() *Prototype
	}{
		{
			name: "local out of range",
			build: func() *Prototype {
				return &Prototype{Name: "f", Chunk: &Chunk{Code: []byte{OP_GET_LOCAL, 5, OP_RETURN}}}
			},
		},
		{
			name: "truncated operand",
			build: func() *Prototype {
				return &Prototype{Name: "f", Chunk: &Chunk{Code: []byte{OP_CONST, 0}}}
			},
		},
		{
			name: "name constant not a string",
			build: func() *Prototype {
				return &Prototype{Name: "f", Chunk: &Chunk{
					Code:   []byte{OP_GET_GLOBAL, 0, 0, OP_RETURN},
					Consts: []interface{}{int64(1)},
				}}
			},
		},
		{
			name: "jump into operand",
			build: func() *Prototype {
				return &Prototype{Name: "f", Chunk: &Chunk{
					Code:   []byte{OP_CONST, 0, 0, OP_JUMP, 0, 1},
					Consts: []interface{}{nil},
				}}
			},
		},
		{
			name: "unknown opcode",
			build: func() *Prototype {
				return &Prototype{Name: "f", Chunk: &Chunk{Code: []byte{0x7f}}}
			},
		},
		{
			name: "capture outside enclosing frame",
			build: func() *Prototype {
				child := &Prototype{Name: "g", Upvalues: []Upvalue{{IsLocal: true, Index: 9}}, Chunk: &Chunk{Code: []byte{OP_RETURN_NULL}}}
				return &Prototype{Name: "f", Chunk: &Chunk{
					Code:   []byte{OP_CLOSURE, 0, 0, OP_RETURN},
					Consts: []interface{}{child},
				}}
			},
		},
		{
			name: "too many defaults",
			build: func() *Prototype {
				return &Prototype{Name: "f", NumParams: 1, Defaults: []int{0, 0}, Chunk: &Chunk{
					Code:   []byte{OP_RETURN_NULL},
					Consts: []interface{}{int64(1)},
				}}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.build().Verify()
			if !errors.Is(err, ErrInvalidPrototype) {
				t.Fatalf("expected ErrInvalidPrototype, got %v", err)
			}
		})
	}
}

func TestAssemblerPatchesJumpsAndDedupesConstants(t *testing.T) {
	a := NewAssembler("loop", "").Params(1).Locals(2)
	start := a.Offset()
	a.OpU8(OP_GET_LOCAL, 1)
	exit := a.Jump(OP_JUMP_IF_FALSE)
	a.LoadConst(1).LoadConst(int64(1)).Op(OP_POP).Op(OP_POP)
	a.Loop(OP_JUMP, start)
	a.PatchJump(exit)
	a.Op(OP_RETURN_NULL)
	p, err := a.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(p.Chunk.Consts) != 1 {
		t.Fatalf("expected deduplicated constant pool, got %#v", p.Chunk.Consts)
	}
	target := int(p.Chunk.Code[exit])<<8 | int(p.Chunk.Code[exit+1])
	if target != len(p.Chunk.Code)-1 {
		t.Fatalf("expected jump to %d, got %d", len(p.Chunk.Code)-1, target)
	}
}

func TestAssemblerRecordsLines(t *testing.T) {
	a := NewAssembler("lines", "")
	a.Line(1).Op(OP_NULL).Op(OP_POP)
	a.Line(4).Op(OP_RETURN_NULL)
	p := a.MustFinish()
	if got := p.Chunk.LineForOffset(1); got != 1 {
		t.Fatalf("expected line 1, got %d", got)
	}
	if got := p.Chunk.LineForOffset(2); got != 4 {
		t.Fatalf("expected line 4, got %d", got)
	}
}
