package bytecode

// OpCode enumerates bytecode operations.
// Multi-byte operands are big-endian; jump operands are absolute offsets.
const (
	OP_CONST byte = iota
	OP_NULL
	OP_TRUE
	OP_FALSE
	OP_POP
	OP_DUP
	OP_ROOT
	_ // reserved

	OP_ADD
	OP_SUB
	OP_MUL
	OP_DIV
	OP_MOD
	OP_NEG
	OP_NOT
	_ // reserved

	OP_EQ
	OP_NEQ
	OP_LT
	OP_LTE
	OP_GT
	OP_GTE
	OP_CMP
	_ // reserved

	OP_BAND
	OP_BOR
	OP_BXOR
	OP_SHL
	OP_SHR
	OP_USHR
	OP_BNOT
	_ // reserved

	OP_GET_GLOBAL
	OP_SET_GLOBAL
	OP_DEFINE_GLOBAL
	_ // reserved
	_ // reserved
	_ // reserved
	_ // reserved
	_ // reserved

	OP_GET_LOCAL
	OP_SET_LOCAL
	OP_GET_UPVALUE
	OP_SET_UPVALUE
	_ // reserved
	_ // reserved
	_ // reserved
	_ // reserved

	OP_NEW_TABLE
	OP_NEW_ARRAY
	OP_GET
	OP_SET
	OP_GET_PROP
	OP_SET_PROP
	OP_NEWSLOT
	OP_DELETE

	OP_JUMP
	OP_JUMP_IF_FALSE
	OP_JUMP_IF_TRUE
	_ // reserved
	_ // reserved
	_ // reserved
	_ // reserved
	_ // reserved

	OP_CALL
	OP_TAILCALL
	OP_RETURN
	OP_RETURN_NULL
	OP_CLOSURE
	OP_PREPCALL
	OP_PREPCALL_PROP
	_ // reserved

	OP_YIELD
	OP_RESUME
	OP_PUSHTRAP
	OP_POPTRAP
	OP_THROW
	_ // reserved
	_ // reserved
	_ // reserved

	OP_CLASS
	OP_NEWSLOTA
	OP_INSTANCEOF
	OP_TYPEOF
	OP_CLONE
	OP_IN
	OP_GET_BASE
	_ // reserved

	OP_ITER_PREP
	OP_ITER_NEXT
)

const (
	OP_NOP   byte = 0x60
	OP_DEBUG byte = 0x61
)

// Flags carried by the u8 operand of OP_NEWSLOT / OP_NEWSLOTA.
const (
	SlotStatic byte = 1 << iota
)

// Flags carried by the u8 operand of OP_CLASS.
const (
	ClassHasBase byte = 1 << iota
	ClassHasAttrs
)

// Operand describes the operand layout following an opcode.
type Operand int

const (
	OperandNone Operand = iota
	OperandU8
	OperandLocal
	OperandUpvalue
	OperandConst
	OperandName
	OperandProto
	OperandCount
	OperandJump
)

// Width returns the encoded size of the operand in bytes.
func (o Operand) Width() int {
	switch o {
	case OperandNone:
		return 0
	case OperandU8, OperandLocal, OperandUpvalue:
		return 1
	default:
		return 2
	}
}

// OpInfo is the static description of one opcode.
type OpInfo struct {
	Name    string
	Operand Operand
}

var opTable = map[byte]OpInfo{
	OP_CONST: {"OP_CONST", OperandConst},
	OP_NULL:  {"OP_NULL", OperandNone},
	OP_TRUE:  {"OP_TRUE", OperandNone},
	OP_FALSE: {"OP_FALSE", OperandNone},
	OP_POP:   {"OP_POP", OperandNone},
	OP_DUP:   {"OP_DUP", OperandNone},
	OP_ROOT:  {"OP_ROOT", OperandNone},

	OP_ADD: {"OP_ADD", OperandNone},
	OP_SUB: {"OP_SUB", OperandNone},
	OP_MUL: {"OP_MUL", OperandNone},
	OP_DIV: {"OP_DIV", OperandNone},
	OP_MOD: {"OP_MOD", OperandNone},
	OP_NEG: {"OP_NEG", OperandNone},
	OP_NOT: {"OP_NOT", OperandNone},

	OP_EQ:  {"OP_EQ", OperandNone},
	OP_NEQ: {"OP_NEQ", OperandNone},
	OP_LT:  {"OP_LT", OperandNone},
	OP_LTE: {"OP_LTE", OperandNone},
	OP_GT:  {"OP_GT", OperandNone},
	OP_GTE: {"OP_GTE", OperandNone},
	OP_CMP: {"OP_CMP", OperandNone},

	OP_BAND: {"OP_BAND", OperandNone},
	OP_BOR:  {"OP_BOR", OperandNone},
	OP_BXOR: {"OP_BXOR", OperandNone},
	OP_SHL:  {"OP_SHL", OperandNone},
	OP_SHR:  {"OP_SHR", OperandNone},
	OP_USHR: {"OP_USHR", OperandNone},
	OP_BNOT: {"OP_BNOT", OperandNone},

	OP_GET_GLOBAL:    {"OP_GET_GLOBAL", OperandName},
	OP_SET_GLOBAL:    {"OP_SET_GLOBAL", OperandName},
	OP_DEFINE_GLOBAL: {"OP_DEFINE_GLOBAL", OperandName},

	OP_GET_LOCAL:   {"OP_GET_LOCAL", OperandLocal},
	OP_SET_LOCAL:   {"OP_SET_LOCAL", OperandLocal},
	OP_GET_UPVALUE: {"OP_GET_UPVALUE", OperandUpvalue},
	OP_SET_UPVALUE: {"OP_SET_UPVALUE", OperandUpvalue},

	OP_NEW_TABLE: {"OP_NEW_TABLE", OperandCount},
	OP_NEW_ARRAY: {"OP_NEW_ARRAY", OperandCount},
	OP_GET:       {"OP_GET", OperandNone},
	OP_SET:       {"OP_SET", OperandNone},
	OP_GET_PROP:  {"OP_GET_PROP", OperandName},
	OP_SET_PROP:  {"OP_SET_PROP", OperandName},
	OP_NEWSLOT:   {"OP_NEWSLOT", OperandU8},
	OP_DELETE:    {"OP_DELETE", OperandNone},

	OP_JUMP:          {"OP_JUMP", OperandJump},
	OP_JUMP_IF_FALSE: {"OP_JUMP_IF_FALSE", OperandJump},
	OP_JUMP_IF_TRUE:  {"OP_JUMP_IF_TRUE", OperandJump},

	OP_CALL:          {"OP_CALL", OperandU8},
	OP_TAILCALL:      {"OP_TAILCALL", OperandU8},
	OP_RETURN:        {"OP_RETURN", OperandNone},
	OP_RETURN_NULL:   {"OP_RETURN_NULL", OperandNone},
	OP_CLOSURE:       {"OP_CLOSURE", OperandProto},
	OP_PREPCALL:      {"OP_PREPCALL", OperandNone},
	OP_PREPCALL_PROP: {"OP_PREPCALL_PROP", OperandName},

	OP_YIELD:    {"OP_YIELD", OperandNone},
	OP_RESUME:   {"OP_RESUME", OperandNone},
	OP_PUSHTRAP: {"OP_PUSHTRAP", OperandJump},
	OP_POPTRAP:  {"OP_POPTRAP", OperandU8},
	OP_THROW:    {"OP_THROW", OperandNone},

	OP_CLASS:      {"OP_CLASS", OperandU8},
	OP_NEWSLOTA:   {"OP_NEWSLOTA", OperandU8},
	OP_INSTANCEOF: {"OP_INSTANCEOF", OperandNone},
	OP_TYPEOF:     {"OP_TYPEOF", OperandNone},
	OP_CLONE:      {"OP_CLONE", OperandNone},
	OP_IN:         {"OP_IN", OperandNone},
	OP_GET_BASE:   {"OP_GET_BASE", OperandNone},

	OP_ITER_PREP: {"OP_ITER_PREP", OperandNone},
	OP_ITER_NEXT: {"OP_ITER_NEXT", OperandJump},

	OP_NOP:   {"OP_NOP", OperandNone},
	OP_DEBUG: {"OP_DEBUG", OperandNone},
}

// LookupOp returns the static description of op.
func LookupOp(op byte) (OpInfo, bool) {
	info, ok := opTable[op]
	return info, ok
}
