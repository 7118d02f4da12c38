package bytecode

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FormatVersion is bumped whenever the encoded prototype layout changes.
const FormatVersion = 1

const formatMagic = "SQBC"

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type wireFile struct {
	Magic   string     `cbor:"1,keyasint"`
	Version int        `cbor:"2,keyasint"`
	Main    *wireProto `cbor:"3,keyasint"`
}

type wireProto struct {
	Name      string      `cbor:"1,keyasint,omitempty"`
	Source    string      `cbor:"2,keyasint,omitempty"`
	NumParams int         `cbor:"3,keyasint"`
	Defaults  []int       `cbor:"4,keyasint,omitempty"`
	VarParams bool        `cbor:"5,keyasint,omitempty"`
	Generator bool        `cbor:"6,keyasint,omitempty"`
	MaxLocals int         `cbor:"7,keyasint"`
	Upvalues  []wireUpval `cbor:"8,keyasint,omitempty"`
	Code      []byte      `cbor:"9,keyasint"`
	Consts    []wireConst `cbor:"10,keyasint,omitempty"`
	Lines     []wireLine  `cbor:"11,keyasint,omitempty"`
}

type wireUpval struct {
	IsLocal bool  `cbor:"1,keyasint,omitempty"`
	Index   uint8 `cbor:"2,keyasint"`
}

type wireLine struct {
	Offset int `cbor:"1,keyasint"`
	Line   int `cbor:"2,keyasint"`
}

type constKind uint8

const (
	constNull constKind = iota
	constBool
	constInt
	constFloat
	constString
	constProto
)

type wireConst struct {
	Kind  constKind  `cbor:"1,keyasint"`
	Bool  bool       `cbor:"2,keyasint,omitempty"`
	Int   int64      `cbor:"3,keyasint,omitempty"`
	Float float64    `cbor:"4,keyasint,omitempty"`
	Str   string     `cbor:"5,keyasint,omitempty"`
	Proto *wireProto `cbor:"6,keyasint,omitempty"`
}

// ErrBadFormat is returned by Decode for data that is not an encoded prototype.
var ErrBadFormat = errors.New("bytecode: not a prototype file")

// Encode serializes a prototype tree to CBOR.
func Encode(p *Prototype) ([]byte, error) {
	main, err := toWire(p, make(map[*Prototype]bool))
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(&wireFile{Magic: formatMagic, Version: FormatVersion, Main: main})
}

// Decode deserializes and verifies a prototype tree produced by Encode.
func Decode(data []byte) (*Prototype, error) {
	var f wireFile
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal prototype: %w", err)
	}
	if f.Magic != formatMagic || f.Main == nil {
		return nil, ErrBadFormat
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("bytecode: unsupported format version %d (want %d)", f.Version, FormatVersion)
	}
	p, err := fromWire(f.Main)
	if err != nil {
		return nil, err
	}
	if err := p.Verify(); err != nil {
		return nil, err
	}
	return p, nil
}

func toWire(p *Prototype, active map[*Prototype]bool) (*wireProto, error) {
	if p == nil || p.Chunk == nil {
		return nil, fmt.Errorf("bytecode: encode nil prototype")
	}
	if active[p] {
		return nil, fmt.Errorf("bytecode: prototype %q contains itself", p.Name)
	}
	active[p] = true
	defer delete(active, p)

	w := &wireProto{
		Name:      p.Name,
		Source:    p.Source,
		NumParams: p.NumParams,
		Defaults:  p.Defaults,
		VarParams: p.VarParams,
		Generator: p.Generator,
		MaxLocals: p.MaxLocals,
		Code:      p.Chunk.Code,
	}
	for _, uv := range p.Upvalues {
		w.Upvalues = append(w.Upvalues, wireUpval{IsLocal: uv.IsLocal, Index: uv.Index})
	}
	for _, li := range p.Chunk.Lines {
		w.Lines = append(w.Lines, wireLine{Offset: li.Offset, Line: li.Line})
	}
	for i, c := range p.Chunk.Consts {
		var wc wireConst
		switch v := c.(type) {
		case nil:
			wc.Kind = constNull
		case bool:
			wc.Kind, wc.Bool = constBool, v
		case int64:
			wc.Kind, wc.Int = constInt, v
		case float64:
			wc.Kind, wc.Float = constFloat, v
		case string:
			wc.Kind, wc.Str = constString, v
		case *Prototype:
			child, err := toWire(v, active)
			if err != nil {
				return nil, err
			}
			wc.Kind, wc.Proto = constProto, child
		default:
			return nil, fmt.Errorf("bytecode: %s: constant %d has unsupported type %T", p.Name, i, c)
		}
		w.Consts = append(w.Consts, wc)
	}
	return w, nil
}

func fromWire(w *wireProto) (*Prototype, error) {
	p := &Prototype{
		Name:      w.Name,
		Source:    w.Source,
		NumParams: w.NumParams,
		Defaults:  w.Defaults,
		VarParams: w.VarParams,
		Generator: w.Generator,
		MaxLocals: w.MaxLocals,
		Chunk:     &Chunk{Code: w.Code},
	}
	for _, uv := range w.Upvalues {
		p.Upvalues = append(p.Upvalues, Upvalue{IsLocal: uv.IsLocal, Index: uv.Index})
	}
	for _, li := range w.Lines {
		p.Chunk.Lines = append(p.Chunk.Lines, LineInfo{Offset: li.Offset, Line: li.Line})
	}
	for i, wc := range w.Consts {
		switch wc.Kind {
		case constNull:
			p.Chunk.Consts = append(p.Chunk.Consts, nil)
		case constBool:
			p.Chunk.Consts = append(p.Chunk.Consts, wc.Bool)
		case constInt:
			p.Chunk.Consts = append(p.Chunk.Consts, wc.Int)
		case constFloat:
			p.Chunk.Consts = append(p.Chunk.Consts, wc.Float)
		case constString:
			p.Chunk.Consts = append(p.Chunk.Consts, wc.Str)
		case constProto:
			if wc.Proto == nil {
				return nil, fmt.Errorf("%w: %s: constant %d is an empty prototype", ErrBadFormat, w.Name, i)
			}
			child, err := fromWire(wc.Proto)
			if err != nil {
				return nil, err
			}
			p.Chunk.Consts = append(p.Chunk.Consts, child)
		default:
			return nil, fmt.Errorf("%w: %s: constant %d has unknown kind %d", ErrBadFormat, w.Name, i, wc.Kind)
		}
	}
	return p, nil
}
