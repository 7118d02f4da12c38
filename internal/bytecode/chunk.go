package bytecode

// Chunk is a compiled bytecode sequence with its constant pool.
//
// Constants are one of nil, bool, int64, float64, string or *Prototype.
type Chunk struct {
	Code   []byte
	Consts []interface{}
	Lines  []LineInfo
}

// Prototype represents a compiled function.
//
// Local slot 0 always holds the receiver ("this"); parameters occupy slots
// 1..NumParams, followed by the variadic argument array when VarParams is set.
type Prototype struct {
	Name      string
	Source    string
	NumParams int
	// Defaults lists constant indices supplying values for the trailing
	// parameters, so len(Defaults) <= NumParams.
	Defaults  []int
	VarParams bool
	Generator bool
	Chunk     *Chunk
	Upvalues  []Upvalue
	MaxLocals int
}

// Upvalue describes a captured variable.
type Upvalue struct {
	IsLocal bool
	Index   uint8
}

// LineInfo maps bytecode offsets to source lines (start-inclusive).
type LineInfo struct {
	Offset int
	Line   int
}

// FrameSize reports the number of stack slots a call reserves for locals.
func (p *Prototype) FrameSize() int {
	need := p.NumParams + 1
	if p.VarParams {
		need++
	}
	if p.MaxLocals > need {
		return p.MaxLocals
	}
	return need
}

// LineForOffset resolves the source line of the instruction at offset.
func (c *Chunk) LineForOffset(offset int) int {
	if c == nil || offset < 0 {
		return 0
	}
	return lineForOffset(c.Lines, offset)
}
