package vm

import (
	"strings"
	"testing"
)

func TestInstructionEncoding(t *testing.T) {
	i := CreateABC(OpSetField, 3, 200, 255, true)
	if i.Op() != OpSetField || i.A() != 3 || i.B() != 200 || i.C() != 255 || !i.K() {
		t.Errorf("ABC round trip = %s %d %d %d %v", i.Op(), i.A(), i.B(), i.C(), i.K())
	}
	if CreateABC(OpMove, 1, 2, 0, false).K() {
		t.Error("k flag set without being asked for")
	}

	w := CreateABx(OpLoadK, maxArgA, maxArgBx)
	if w.Op() != OpLoadK || w.A() != maxArgA || w.Bx() != maxArgBx {
		t.Errorf("ABx round trip = %s %d %d", w.Op(), w.A(), w.Bx())
	}

	for _, sbx := range []int{0, 1, -1, offsetSBx, -offsetSBx} {
		if got := CreateAsBx(OpJmp, 0, sbx).SBx(); got != sbx {
			t.Errorf("sBx %d decoded as %d", sbx, got)
		}
	}
}

func TestOpcodeNames(t *testing.T) {
	for op := Opcode(0); op < numOpcodes; op++ {
		if op.Name() == "" || strings.HasPrefix(op.Name(), "UNKNOWN") {
			t.Errorf("opcode %d has no name", op)
		}
	}
	if got := Opcode(0x7F).Name(); got != "UNKNOWN_7F" {
		t.Errorf("unknown opcode name = %q", got)
	}
	if got := CreateAsBx(OpJmp, 0, -3).String(); !strings.HasPrefix(got, "JMP") || !strings.HasSuffix(got, "-3") {
		t.Errorf("JMP disassembly = %q", got)
	}
	if got := CreateABC(OpSetField, 0, 1, 2, true).String(); !strings.HasSuffix(got, " k") {
		t.Errorf("k flag missing from %q", got)
	}
}

func TestVerify(t *testing.T) {
	ret := func(b *ProtoBuilder) *ProtoBuilder {
		b.Emit(OpReturn, 0, 1, 0)
		return b
	}
	tests := []struct {
		name  string
		build func() *ProtoBuilder
		want  string // empty for valid code
	}{
		{"valid", sumProgram, ""},
		{"closures", counterProgram, ""},
		{"register out of range", func() *ProtoBuilder {
			b := NewProtoBuilder("f", 0, 2)
			b.Emit(OpMove, 0, 2, 0)
			return ret(b)
		}, "out of range"},
		{"constant out of range", func() *ProtoBuilder {
			b := NewProtoBuilder("f", 0, 2)
			b.EmitABx(OpLoadK, 0, 0)
			return ret(b)
		}, "out of range"},
		{"constant register operand", func() *ProtoBuilder {
			b := NewProtoBuilder("f", 0, 2)
			b.Constant(int64(1))
			b.Emit(OpNewTable, 0, 0, 0)
			b.EmitK(OpSetTable, 0, 1, 0)
			return ret(b)
		}, ""},
		{"upvalue out of range", func() *ProtoBuilder {
			b := NewProtoBuilder("f", 0, 1)
			b.Emit(OpGetUpval, 0, 0, 0)
			return ret(b)
		}, "out of range"},
		{"missing return", func() *ProtoBuilder {
			b := NewProtoBuilder("f", 0, 1)
			b.Emit(OpLoadTrue, 0, 0, 0)
			return b
		}, "does not end with RETURN"},
		{"jump past end", func() *ProtoBuilder {
			b := NewProtoBuilder("f", 0, 1)
			b.EmitAsBx(OpJmp, 0, 5)
			return ret(b)
		}, "jump target"},
		{"loop registers", func() *ProtoBuilder {
			b := NewProtoBuilder("f", 0, 3)
			b.EmitABx(OpForPrep, 0, 0)
			return ret(b)
		}, "loop registers"},
		{"conditional at end", func() *ProtoBuilder {
			b := NewProtoBuilder("f", 0, 2)
			ret(b)
			b.Emit(OpTest, 0, 0, 0)
			return b
		}, "past end of code"},
		{"call operands", func() *ProtoBuilder {
			b := NewProtoBuilder("f", 0, 2)
			b.Emit(OpCall, 0, 3, 1)
			return ret(b)
		}, "CALL operands"},
		{"unsupported constant", func() *ProtoBuilder {
			b := NewProtoBuilder("f", 0, 1)
			b.Constants = append(b.Constants, []int{1})
			return ret(b)
		}, "unsupported type"},
		{"parameters exceed registers", func() *ProtoBuilder {
			return ret(NewProtoBuilder("f", 3, 2))
		}, "parameters"},
		{"invalid child", func() *ProtoBuilder {
			child := NewProtoBuilder("child", 0, 1)
			b := NewProtoBuilder("f", 0, 1)
			b.EmitABx(OpClosure, 0, b.Proto(child))
			return ret(b)
		}, "child: code does not end with RETURN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Verify()
			switch {
			case tt.want == "" && err != nil:
				t.Errorf("Verify: %v", err)
			case tt.want != "" && err == nil:
				t.Errorf("Verify accepted invalid code, want %q", tt.want)
			case tt.want != "" && !strings.Contains(err.Error(), tt.want):
				t.Errorf("Verify = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLabels(t *testing.T) {
	b := NewProtoBuilder("labels", 0, 1)
	top := b.NewLabel()
	end := b.NewLabel()
	b.Mark(top)
	b.Emit(OpTest, 0, 0, 0)
	fwd := b.EmitJump(end)
	back := b.EmitJump(top)
	b.Mark(end)
	b.Emit(OpReturn, 0, 1, 0)

	if got := b.Code[fwd].SBx(); got != 1 {
		t.Errorf("forward jump offset = %d, want 1", got)
	}
	if got := b.Code[back].SBx(); got != -3 {
		t.Errorf("backward jump offset = %d, want -3", got)
	}
	if err := b.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestConstantsAreShared(t *testing.T) {
	b := NewProtoBuilder("k", 0, 1)
	a := b.Constant("x")
	if b.Constant(int64(1)) == a || b.Constant("x") != a {
		t.Error("equal constants were not shared")
	}
	if len(b.Constants) != 2 {
		t.Errorf("%d constants, want 2", len(b.Constants))
	}
}

func TestDisassemble(t *testing.T) {
	out := counterProgram().Disassemble()
	for _, want := range []string{
		"function counter (0 params, 2 registers)",
		"  function counter.inc (0 params, 2 registers)",
		"CLOSURE",
		"SETUPVAL",
		"0002  RETURN",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly lacks %q:\n%s", want, out)
		}
	}
}
