package bytecode

import (
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecodePrototypeTree(t *testing.T) {
	child := NewAssembler("inc", "m.nut").Params(1).Default(int64(1)).CaptureLocal(1).Line(2)
	child.OpU8(OP_GET_LOCAL, 1).LoadConst(2.5).Op(OP_ADD).Op(OP_RETURN)
	childProto := child.MustFinish()

	main := NewAssembler("main", "m.nut").Locals(2).Generator().Line(1)
	main.LoadConst("hi").LoadConst(true).LoadConst(nil).Op(OP_POP).Op(OP_POP).Op(OP_POP)
	main.Closure(childProto).Op(OP_YIELD).Op(OP_RETURN_NULL)
	proto := main.MustFinish()

	data, err := Encode(proto)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "main" || !got.Generator || got.MaxLocals != 2 {
		t.Fatalf("unexpected header %#v", got)
	}
	if !reflect.DeepEqual(got.Chunk.Code, proto.Chunk.Code) {
		t.Fatalf("code mismatch: %v vs %v", got.Chunk.Code, proto.Chunk.Code)
	}
	last := got.Chunk.Consts[len(got.Chunk.Consts)-1]
	gotChild, ok := last.(*Prototype)
	if !ok {
		t.Fatalf("expected nested prototype constant, got %#v", last)
	}
	if gotChild.NumParams != 1 || len(gotChild.Defaults) != 1 || len(gotChild.Upvalues) != 1 {
		t.Fatalf("nested prototype lost metadata: %#v", gotChild)
	}
	if v, ok := gotChild.Chunk.Consts[gotChild.Defaults[0]].(int64); !ok || v != 1 {
		t.Fatalf("expected default 1, got %#v", gotChild.Chunk.Consts[gotChild.Defaults[0]])
	}
	if gotChild.Chunk.LineForOffset(0) != 2 {
		t.Fatalf("expected line table to survive, got %#v", gotChild.Chunk.Lines)
	}
}

func TestDecodeRejectsForeignData(t *testing.T) {
	data, err := cborEncMode.Marshal(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Decode(data); !errors.Is(err, ErrBadFormat) {
		t.Fatalf("expected ErrBadFormat, got %v", err)
	}
}
