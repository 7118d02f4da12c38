package bytecode

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Disassembler formats bytecode as a readable assembly-style dump.
type Disassembler struct {
	w       io.Writer
	visited map[*Prototype]bool
	printed bool
}

// NewDisassembler constructs a disassembler that writes to w.
func NewDisassembler(w io.Writer) *Disassembler {
	return &Disassembler{
		w:       w,
		visited: make(map[*Prototype]bool),
	}
}

// DisassemblePrototype emits a readable dump for a prototype and any nested prototypes.
func (d *Disassembler) DisassemblePrototype(label string, proto *Prototype) error {
	if proto == nil || proto.Chunk == nil {
		return fmt.Errorf("nil prototype")
	}
	if d.visited[proto] {
		return nil
	}
	d.visited[proto] = true
	d.startSection()
	name := label
	if name == "" {
		name = proto.Name
	}
	if name == "" {
		name = "<anon>"
	}
	source := proto.Source
	if source == "" {
		source = "<unknown>"
	}
	var flags []string
	if proto.Generator {
		flags = append(flags, "generator")
	}
	if proto.VarParams {
		flags = append(flags, "varargs")
	}
	if len(proto.Defaults) > 0 {
		flags = append(flags, fmt.Sprintf("defaults=%d", len(proto.Defaults)))
	}
	fmt.Fprintf(d.w, "func %s (params=%d, locals=%d, upvalues=%d) source=%s",
		name, proto.NumParams, proto.FrameSize(), len(proto.Upvalues), source)
	if len(flags) > 0 {
		fmt.Fprintf(d.w, " [%s]", strings.Join(flags, " "))
	}
	fmt.Fprintln(d.w)
	for i, uv := range proto.Upvalues {
		where := "upvalue"
		if uv.IsLocal {
			where = "local"
		}
		fmt.Fprintf(d.w, "  .upvalue %d %s %d\n", i, where, uv.Index)
	}
	if err := d.disassembleChunk(proto.Chunk); err != nil {
		return err
	}
	for idx, c := range proto.Chunk.Consts {
		child, ok := c.(*Prototype)
		if !ok {
			continue
		}
		childName := child.Name
		if childName == "" {
			childName = fmt.Sprintf("<closure@const:%d>", idx)
		}
		if err := d.DisassemblePrototype(childName, child); err != nil {
			return err
		}
	}
	return nil
}

// PrintNative emits a header for a native (host) function.
func (d *Disassembler) PrintNative(name string) {
	d.startSection()
	if name == "" {
		name = "<native>"
	}
	fmt.Fprintf(d.w, "func %s [native]\n", name)
}

func (d *Disassembler) startSection() {
	if d.printed {
		fmt.Fprintln(d.w)
	}
	d.printed = true
}

func (d *Disassembler) disassembleChunk(chunk *Chunk) error {
	if chunk == nil {
		return fmt.Errorf("nil chunk")
	}
	code := chunk.Code
	for ip := 0; ip < len(code); {
		offset := ip
		op := code[ip]
		ip++
		line := lineForOffset(chunk.Lines, offset)
		lineStr := "-"
		if line > 0 {
			lineStr = strconv.Itoa(line)
		}
		info, ok := LookupOp(op)
		if !ok {
			fmt.Fprintf(d.w, "%04d %4s OP_0x%02X\n", offset, lineStr, op)
			continue
		}
		detail, err := decodeOperand(op, info.Operand, chunk, &ip)
		if err != nil {
			return err
		}
		fmt.Fprintf(d.w, "%04d %4s %-16s", offset, lineStr, info.Name)
		if detail != "" {
			fmt.Fprintf(d.w, " %s", detail)
		}
		fmt.Fprintln(d.w)
	}
	return nil
}

func decodeOperand(op byte, kind Operand, chunk *Chunk, ip *int) (string, error) {
	code := chunk.Code
	switch kind {
	case OperandNone:
		return "", nil
	case OperandU8, OperandLocal, OperandUpvalue:
		v, err := readU8(code, ip)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d%s", v, flagComment(op, v)), nil
	case OperandConst, OperandName, OperandProto:
		idx, err := readU16(code, ip)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d ; %s", idx, formatConstRef(chunk, idx)), nil
	default:
		v, err := readU16(code, ip)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(int(v)), nil
	}
}

func flagComment(op byte, v byte) string {
	var parts []string
	switch op {
	case OP_NEWSLOT, OP_NEWSLOTA:
		if v&SlotStatic != 0 {
			parts = append(parts, "static")
		}
	case OP_CLASS:
		if v&ClassHasBase != 0 {
			parts = append(parts, "base")
		}
		if v&ClassHasAttrs != 0 {
			parts = append(parts, "attrs")
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return " ; " + strings.Join(parts, ",")
}

func lineForOffset(lines []LineInfo, offset int) int {
	line := 0
	for _, info := range lines {
		if info.Offset > offset {
			break
		}
		line = info.Line
	}
	return line
}

func readU8(code []byte, ip *int) (byte, error) {
	if *ip >= len(code) {
		return 0, fmt.Errorf("unexpected end of bytecode")
	}
	val := code[*ip]
	*ip = *ip + 1
	return val, nil
}

func readU16(code []byte, ip *int) (uint16, error) {
	if *ip+1 >= len(code) {
		return 0, fmt.Errorf("unexpected end of bytecode")
	}
	hi := code[*ip]
	lo := code[*ip+1]
	*ip += 2
	return uint16(hi)<<8 | uint16(lo), nil
}

func formatConstRef(chunk *Chunk, idx uint16) string {
	if chunk == nil || int(idx) >= len(chunk.Consts) {
		return "<invalid>"
	}
	return formatConst(chunk.Consts[idx])
}

func formatConst(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		return strconv.Quote(val)
	case *Prototype:
		name := val.Name
		if name == "" {
			name = "<anon>"
		}
		return "proto " + name
	default:
		return "<unknown>"
	}
}
