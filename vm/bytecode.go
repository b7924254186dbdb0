package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction format
// ---------------------------------------------------------------------------

// Instruction is one 32-bit register machine instruction. Two layouts
// share the low 15 bits:
//
//	iABC:  op(7) | A(8) | k(1) | B(8) | C(8)
//	iABx:  op(7) | A(8) | Bx(17)
//
// sBx is Bx biased by offsetSBx so that it can hold negative jumps.
type Instruction uint32

const (
	sizeOp = 7
	sizeA  = 8
	sizeB  = 8
	sizeC  = 8
	sizeBx = sizeB + sizeC + 1

	posOp = 0
	posA  = posOp + sizeOp
	posK  = posA + sizeA
	posB  = posK + 1
	posC  = posB + sizeB
	posBx = posK

	maxArgA   = 1<<sizeA - 1
	maxArgB   = 1<<sizeB - 1
	maxArgC   = 1<<sizeC - 1
	maxArgBx  = 1<<sizeBx - 1
	offsetSBx = maxArgBx >> 1
)

// Op returns the opcode.
func (i Instruction) Op() Opcode { return Opcode(i & (1<<sizeOp - 1)) }

// A returns the A operand.
func (i Instruction) A() int { return int(i>>posA) & maxArgA }

// B returns the B operand.
func (i Instruction) B() int { return int(i>>posB) & maxArgB }

// C returns the C operand.
func (i Instruction) C() int { return int(i>>posC) & maxArgC }

// K returns the k flag.
func (i Instruction) K() bool { return i&(1<<posK) != 0 }

// Bx returns the unsigned wide operand.
func (i Instruction) Bx() int { return int(i>>posBx) & maxArgBx }

// SBx returns the signed wide operand.
func (i Instruction) SBx() int { return i.Bx() - offsetSBx }

// CreateABC encodes an iABC instruction.
func CreateABC(op Opcode, a, b, c int, k bool) Instruction {
	i := Instruction(op)<<posOp | Instruction(a)<<posA | Instruction(b)<<posB | Instruction(c)<<posC
	if k {
		i |= 1 << posK
	}
	return i
}

// CreateABx encodes an iABx instruction.
func CreateABx(op Opcode, a, bx int) Instruction {
	return Instruction(op)<<posOp | Instruction(a)<<posA | Instruction(bx)<<posBx
}

// CreateAsBx encodes an iABx instruction with a signed operand.
func CreateAsBx(op Opcode, a, sbx int) Instruction {
	return CreateABx(op, a, sbx+offsetSBx)
}

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies an instruction. R[x] is a register of the current
// frame, K[x] a constant, U[x] an upvalue, RK(x) a register or, with the
// k flag set, a constant.
type Opcode byte

// Loads and moves
const (
	OpMove      Opcode = iota // R[A] := R[B]
	OpLoadK                   // R[A] := K[Bx]
	OpLoadI                   // R[A] := sBx
	OpLoadNil                 // R[A], ..., R[A+B] := nil
	OpLoadTrue                // R[A] := true
	OpLoadFalse               // R[A] := false
)

// Upvalues and globals
const (
	OpGetUpval  Opcode = iota + OpLoadFalse + 1 // R[A] := U[B]
	OpSetUpval                                  // U[B] := R[A]
	OpGetGlobal                                 // R[A] := G[K[Bx]]
	OpSetGlobal                                 // G[K[Bx]] := R[A]
)

// Tables
const (
	OpNewTable Opcode = iota + OpSetGlobal + 1 // R[A] := {} (B array hint, C hash hint)
	OpGetTable                                 // R[A] := R[B][R[C]]
	OpSetTable                                 // R[A][R[B]] := RK(C)
	OpGetField                                 // R[A] := R[B][K[C]]
	OpSetField                                 // R[A][K[B]] := RK(C)
)

// Arithmetic and comparison
const (
	OpAdd Opcode = iota + OpSetField + 1 // R[A] := R[B] + R[C]
	OpSub                                // R[A] := R[B] - R[C]
	OpLT                                 // if (R[A] < R[B]) ~= k then pc++
	OpEQ                                 // if (R[A] == R[B]) ~= k then pc++
)

// Control flow
const (
	OpJmp     Opcode = iota + OpEQ + 1 // pc += sBx
	OpTest                             // if truthy(R[A]) ~= k then pc++
	OpForPrep                          // prepare numeric loop; skip Bx+1 if empty
	OpForLoop                          // update counters; if loop continues pc -= Bx
)

// Functions
const (
	OpClosure Opcode = iota + OpForLoop + 1 // R[A] := closure(KPROTO[Bx])
	OpCall                                  // R[A], ..., R[A+C-2] := R[A](R[A+1], ..., R[A+B-1])
	OpReturn                                // return R[A], ..., R[A+B-2]
	OpClose                                 // close upvalues >= R[A]

	numOpcodes
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// operandKind describes how an operand is interpreted.
type operandKind uint8

const (
	argN  operandKind = iota // unused or plain number
	argR                     // register
	argK                     // constant
	argU                     // upvalue
	argP                     // nested prototype
	argRK                    // register, or constant when k is set
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name string
	Wide bool // iABx layout
	a    operandKind
	b    operandKind // Bx for wide instructions
	c    operandKind
}

var opcodeTable = [numOpcodes]OpcodeInfo{
	OpMove:      {"MOVE", false, argR, argR, argN},
	OpLoadK:     {"LOADK", true, argR, argK, argN},
	OpLoadI:     {"LOADI", true, argR, argN, argN},
	OpLoadNil:   {"LOADNIL", false, argR, argN, argN},
	OpLoadTrue:  {"LOADTRUE", false, argR, argN, argN},
	OpLoadFalse: {"LOADFALSE", false, argR, argN, argN},

	OpGetUpval:  {"GETUPVAL", false, argR, argU, argN},
	OpSetUpval:  {"SETUPVAL", false, argR, argU, argN},
	OpGetGlobal: {"GETGLOBAL", true, argR, argK, argN},
	OpSetGlobal: {"SETGLOBAL", true, argR, argK, argN},

	OpNewTable: {"NEWTABLE", false, argR, argN, argN},
	OpGetTable: {"GETTABLE", false, argR, argR, argR},
	OpSetTable: {"SETTABLE", false, argR, argR, argRK},
	OpGetField: {"GETFIELD", false, argR, argR, argK},
	OpSetField: {"SETFIELD", false, argR, argK, argRK},

	OpAdd: {"ADD", false, argR, argR, argR},
	OpSub: {"SUB", false, argR, argR, argR},
	OpLT:  {"LT", false, argR, argR, argN},
	OpEQ:  {"EQ", false, argR, argR, argN},

	OpJmp:     {"JMP", true, argN, argN, argN},
	OpTest:    {"TEST", false, argR, argN, argN},
	OpForPrep: {"FORPREP", true, argR, argN, argN},
	OpForLoop: {"FORLOOP", true, argR, argN, argN},

	OpClosure: {"CLOSURE", true, argR, argP, argN},
	OpCall:    {"CALL", false, argR, argN, argN},
	OpReturn:  {"RETURN", false, argR, argN, argN},
	OpClose:   {"CLOSE", false, argR, argN, argN},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if op < numOpcodes {
		return opcodeTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// String disassembles a single instruction.
func (i Instruction) String() string {
	op := i.Op()
	info := op.Info()
	switch {
	case op == OpJmp:
		return fmt.Sprintf("%-10s %d", info.Name, i.SBx())
	case op == OpLoadI:
		return fmt.Sprintf("%-10s %d %d", info.Name, i.A(), i.SBx())
	case info.Wide:
		return fmt.Sprintf("%-10s %d %d", info.Name, i.A(), i.Bx())
	case i.K():
		return fmt.Sprintf("%-10s %d %d %d k", info.Name, i.A(), i.B(), i.C())
	}
	return fmt.Sprintf("%-10s %d %d %d", info.Name, i.A(), i.B(), i.C())
}

// ---------------------------------------------------------------------------
// ProtoBuilder: Helper for constructing prototypes
// ---------------------------------------------------------------------------

// UpvalueSpec describes how a function captures an upvalue.
type UpvalueSpec struct {
	Name    string
	InStack bool // capture register Index of the enclosing function
	Index   int  // otherwise upvalue Index of the enclosing function
}

// LocalSpec is debug information about a local variable.
type LocalSpec struct {
	Name    string
	StartPC int
	EndPC   int
}

// ProtoBuilder assembles a function prototype. Constants may be nil, bool,
// int, int64, float64 or string. The builder is plain Go data; Load turns
// it into collector-managed objects.
type ProtoBuilder struct {
	Source    string
	NumParams int
	MaxStack  int
	Code      []Instruction
	Constants []any
	Protos    []*ProtoBuilder
	Upvalues  []UpvalueSpec
	Locals    []LocalSpec
}

// NewProtoBuilder creates a builder for a function with the given number
// of parameters and registers.
func NewProtoBuilder(source string, numParams, maxStack int) *ProtoBuilder {
	return &ProtoBuilder{
		Source:    source,
		NumParams: numParams,
		MaxStack:  maxStack,
		Code:      make([]Instruction, 0, 16),
	}
}

// Len returns the number of emitted instructions.
func (b *ProtoBuilder) Len() int {
	return len(b.Code)
}

// Emit appends an iABC instruction and returns its position.
func (b *ProtoBuilder) Emit(op Opcode, a, bArg, c int) int {
	b.Code = append(b.Code, CreateABC(op, a, bArg, c, false))
	return len(b.Code) - 1
}

// EmitK appends an iABC instruction with the k flag set.
func (b *ProtoBuilder) EmitK(op Opcode, a, bArg, c int) int {
	b.Code = append(b.Code, CreateABC(op, a, bArg, c, true))
	return len(b.Code) - 1
}

// EmitABx appends an iABx instruction.
func (b *ProtoBuilder) EmitABx(op Opcode, a, bx int) int {
	b.Code = append(b.Code, CreateABx(op, a, bx))
	return len(b.Code) - 1
}

// EmitAsBx appends an iABx instruction with a signed operand.
func (b *ProtoBuilder) EmitAsBx(op Opcode, a, sbx int) int {
	b.Code = append(b.Code, CreateAsBx(op, a, sbx))
	return len(b.Code) - 1
}

// Constant adds a constant, reusing an equal one, and returns its index.
func (b *ProtoBuilder) Constant(v any) int {
	for i, k := range b.Constants {
		if k == v {
			return i
		}
	}
	b.Constants = append(b.Constants, v)
	return len(b.Constants) - 1
}

// Proto adds a nested prototype and returns its index.
func (b *ProtoBuilder) Proto(child *ProtoBuilder) int {
	b.Protos = append(b.Protos, child)
	return len(b.Protos) - 1
}

// Upvalue adds an upvalue descriptor and returns its index.
func (b *ProtoBuilder) Upvalue(name string, inStack bool, index int) int {
	b.Upvalues = append(b.Upvalues, UpvalueSpec{Name: name, InStack: inStack, Index: index})
	return len(b.Upvalues) - 1
}

// Local records debug information for a local variable.
func (b *ProtoBuilder) Local(name string, startPC, endPC int) {
	b.Locals = append(b.Locals, LocalSpec{Name: name, StartPC: startPC, EndPC: endPC})
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target.
type Label struct {
	resolved bool
	position int
	refs     []int
}

// NewLabel creates an unresolved label.
func (b *ProtoBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the next instruction.
func (b *ProtoBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.Code)
	for _, ref := range label.refs {
		b.patch(ref, label.position)
	}
	label.refs = nil
}

// EmitJump emits a JMP to label.
func (b *ProtoBuilder) EmitJump(label *Label) int {
	pc := b.EmitAsBx(OpJmp, 0, 0)
	if label.resolved {
		b.patch(pc, label.position)
	} else {
		label.refs = append(label.refs, pc)
	}
	return pc
}

// patch points the jump at pc to target. Jump offsets count from the
// instruction after the jump.
func (b *ProtoBuilder) patch(pc, target int) {
	i := b.Code[pc]
	b.Code[pc] = CreateAsBx(i.Op(), i.A(), target-(pc+1))
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

// Verify checks that every operand of every instruction is in range, for
// the builder and its nested prototypes.
func (b *ProtoBuilder) Verify() error {
	if b.MaxStack < 0 || b.MaxStack > maxArgA {
		return fmt.Errorf("%s: frame size %d out of range", b.Source, b.MaxStack)
	}
	if b.NumParams < 0 || b.NumParams > b.MaxStack {
		return fmt.Errorf("%s: %d parameters do not fit %d registers", b.Source, b.NumParams, b.MaxStack)
	}
	for i, k := range b.Constants {
		switch k.(type) {
		case nil, bool, int, int64, float64, string:
		default:
			return fmt.Errorf("%s: constant %d has unsupported type %T", b.Source, i, k)
		}
	}
	for i, uv := range b.Upvalues {
		if uv.Index < 0 || uv.Index > maxArgB {
			return fmt.Errorf("%s: upvalue %d index %d out of range", b.Source, i, uv.Index)
		}
	}
	for pc, ins := range b.Code {
		if err := b.verifyInstruction(pc, ins); err != nil {
			return err
		}
	}
	if n := len(b.Code); n == 0 || b.Code[n-1].Op() != OpReturn {
		return fmt.Errorf("%s: code does not end with RETURN", b.Source)
	}
	for _, child := range b.Protos {
		if err := child.Verify(); err != nil {
			return err
		}
	}
	return nil
}

func (b *ProtoBuilder) verifyInstruction(pc int, ins Instruction) error {
	op := ins.Op()
	if op >= numOpcodes {
		return fmt.Errorf("%s:%d: invalid opcode %d", b.Source, pc, op)
	}
	info := opcodeTable[op]
	check := func(kind operandKind, v int, k bool) error {
		ok := true
		switch kind {
		case argR:
			ok = v < b.MaxStack
		case argK:
			ok = v < len(b.Constants)
		case argU:
			ok = v < len(b.Upvalues)
		case argP:
			ok = v < len(b.Protos)
		case argRK:
			if k {
				ok = v < len(b.Constants)
			} else {
				ok = v < b.MaxStack
			}
		}
		if !ok {
			return fmt.Errorf("%s:%d: operand %d of %s out of range", b.Source, pc, v, op)
		}
		return nil
	}
	if err := check(info.a, ins.A(), false); err != nil {
		return err
	}
	if info.Wide {
		if err := check(info.b, ins.Bx(), false); err != nil {
			return err
		}
	} else {
		if err := check(info.b, ins.B(), false); err != nil {
			return err
		}
		if err := check(info.c, ins.C(), ins.K()); err != nil {
			return err
		}
	}
	switch op {
	case OpJmp, OpForPrep, OpForLoop:
		target := pc + 1 + ins.SBx()
		switch op {
		case OpForPrep:
			target = pc + 1 + ins.Bx() + 1
		case OpForLoop:
			target = pc + 1 - ins.Bx()
		}
		if target < 0 || target > len(b.Code) {
			return fmt.Errorf("%s:%d: jump target %d out of range", b.Source, pc, target)
		}
		if op != OpJmp && ins.A()+3 >= b.MaxStack {
			return fmt.Errorf("%s:%d: loop registers out of range", b.Source, pc)
		}
	case OpLT, OpEQ, OpTest:
		if pc+1 >= len(b.Code) {
			return fmt.Errorf("%s:%d: conditional skip past end of code", b.Source, pc)
		}
	case OpLoadNil:
		if ins.A()+ins.B() >= b.MaxStack {
			return fmt.Errorf("%s:%d: LOADNIL range out of registers", b.Source, pc)
		}
	case OpCall:
		if (ins.B() > 0 && ins.A()+ins.B()-1 >= b.MaxStack) || (ins.C() > 1 && ins.A()+ins.C()-2 >= b.MaxStack) {
			return fmt.Errorf("%s:%d: CALL operands out of registers", b.Source, pc)
		}
	case OpReturn:
		if ins.B() > 1 && ins.A()+ins.B()-2 >= b.MaxStack {
			return fmt.Errorf("%s:%d: RETURN operands out of registers", b.Source, pc)
		}
	}
	return nil
}

// Disassemble returns a listing of the prototype and its children.
func (b *ProtoBuilder) Disassemble() string {
	var sb strings.Builder
	b.disassemble(&sb, 0)
	return sb.String()
}

func (b *ProtoBuilder) disassemble(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%sfunction %s (%d params, %d registers)\n", indent, b.Source, b.NumParams, b.MaxStack)
	for pc, ins := range b.Code {
		fmt.Fprintf(sb, "%s  %04d  %s\n", indent, pc, ins)
	}
	for _, child := range b.Protos {
		child.disassemble(sb, depth+1)
	}
}
