package amd64

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/target"
)

func encodeOne(t *testing.T, emit func(l *asm.Listing)) []byte {
	t.Helper()
	l := NewListing(false)
	emit(l)
	obj, err := Encode(l)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return obj.Text
}

func TestEncodeScalar(t *testing.T) {
	tests := []struct {
		name string
		emit func(l *asm.Listing)
		want string
	}{
		{"mov rax, rbx", func(l *asm.Listing) { l.EmitRR(MOV, asm.S8, target.RAX, target.RBX) }, "4889d8"},
		{"add eax, 1", func(l *asm.Listing) { l.EmitRI(ADD, asm.S4, target.RAX, 1) }, "83c001"},
		{"mov eax, imm32", func(l *asm.Listing) { l.EmitRI(MOV, asm.S4, target.RAX, 0x12345678) }, "b878563412"},
		{"mov rax, imm64", func(l *asm.Listing) { l.EmitRI(MOV, asm.S8, target.RAX, 0x1122334455667788) }, "48b88877665544332211"},
		{"mov r9, imm64", func(l *asm.Listing) { l.EmitRI(MOV, asm.S8, target.R9, 0x1122334455667788) }, "49b98877665544332211"},
		{"mov rax, [rbp-8]", func(l *asm.Listing) { l.EmitRM(MOV, asm.S8, target.RAX, asm.BaseMem(target.RBP, -8)) }, "488b45f8"},
		{"mov rax, [r13]", func(l *asm.Listing) { l.EmitRM(MOV, asm.S8, target.RAX, asm.BaseMem(target.R13, 0)) }, "498b4500"},
		{"mov eax, [rsp+8]", func(l *asm.Listing) { l.EmitRM(MOV, asm.S4, target.RAX, asm.BaseMem(target.RSP, 8)) }, "8b442408"},
		{"lea rax, [rcx+rdx*4+0x10]", func(l *asm.Listing) {
			l.EmitRM(LEA, asm.S8, target.RAX, asm.AddrMem(target.RCX, target.RDX, 4, 0x10))
		}, "488d449110"},
		{"movzx eax, byte [rdi]", func(l *asm.Listing) { l.EmitRM(MOVZX, asm.S1, target.RAX, asm.BaseMem(target.RDI, 0)) }, "0fb607"},
		{"movzx eax, sil", func(l *asm.Listing) { l.EmitRR(MOVZX, asm.S1, target.RAX, target.RSI) }, "400fb6c6"},
		{"setne al", func(l *asm.Listing) { l.EmitR(SETNE, asm.S1, target.RAX) }, "0f95c0"},
		{"add dword [rdi+4], 5", func(l *asm.Listing) { l.EmitMI(ADD, asm.S4, asm.BaseMem(target.RDI, 4), 5) }, "83470405"},
		{"shl rax, 3", func(l *asm.Listing) { l.EmitRI(SHL, asm.S8, target.RAX, 3) }, "48c1e003"},
		{"imul eax, ecx, 100", func(l *asm.Listing) { l.EmitRRI(IMUL, asm.S4, target.RAX, target.RCX, 100) }, "6bc164"},
		{"cdq", func(l *asm.Listing) { l.EmitNone(CDQ, asm.S4) }, "99"},
		{"cqo", func(l *asm.Listing) { l.EmitNone(CQO, asm.S8) }, "4899"},
		{"push rbp", func(l *asm.Listing) { l.EmitR(PUSH, asm.S8, target.RBP) }, "55"},
		{"pop r12", func(l *asm.Listing) { l.EmitR(POP, asm.S8, target.R12) }, "415c"},
		{"ret", func(l *asm.Listing) { l.EmitNone(RET, asm.S8) }, "c3"},
		{"popcnt rax, rcx", func(l *asm.Listing) { l.EmitRR(POPCNT, asm.S8, target.RAX, target.RCX) }, "f3480fb8c1"},
		{"lock xadd [rdi], eax", func(l *asm.Listing) { l.EmitMR(XADD, asm.S4, asm.BaseMem(target.RDI, 0), target.RAX) }, "f00fc107"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, _ := hex.DecodeString(tt.want)
			if got := encodeOne(t, tt.emit); !bytes.Equal(got, want) {
				t.Fatalf("encoding mismatch: got %x want %x", got, want)
			}
		})
	}
}

func TestEncodeSSE(t *testing.T) {
	tests := []struct {
		name string
		emit func(l *asm.Listing)
		want string
	}{
		{"addsd xmm0, xmm1", func(l *asm.Listing) { l.EmitRR(ADDSD, asm.S8, target.XMM0, target.XMM1) }, "f20f58c1"},
		{"movd xmm0, eax", func(l *asm.Listing) { l.EmitRR(MOVD, asm.S4, target.XMM0, target.RAX) }, "660f6ec0"},
		{"movq rax, xmm1", func(l *asm.Listing) { l.EmitRR(MOVQ, asm.S8, target.RAX, target.XMM1) }, "66480f7ec8"},
		{"pshufd xmm1, xmm2, 0x1b", func(l *asm.Listing) { l.EmitRRI(PSHUFD, asm.S16, target.XMM1, target.XMM2, 0x1b) }, "660f70ca1b"},
		{"psrldq xmm3, 8", func(l *asm.Listing) { l.EmitRI(PSRLDQ, asm.S16, target.XMM3, 8) }, "660f73db08"},
		{"pmuludq xmm0, xmm9", func(l *asm.Listing) { l.EmitRR(PMULUDQ, asm.S16, target.XMM0, target.XMM9) }, "66410ff4c1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, _ := hex.DecodeString(tt.want)
			if got := encodeOne(t, tt.emit); !bytes.Equal(got, want) {
				t.Fatalf("encoding mismatch: got %x want %x", got, want)
			}
		})
	}
}

func TestEncodeForwardJump(t *testing.T) {
	l := NewListing(false)
	done := l.NewLabel()
	l.EmitJ(JMP, done)
	l.EmitNone(NOP, asm.S1)
	l.EmitLabel(done)
	l.EmitNone(RET, asm.S8)
	obj, err := Encode(l)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want, _ := hex.DecodeString("e90100000090c3")
	if !bytes.Equal(obj.Text, want) {
		t.Fatalf("encoding mismatch: got %x want %x", obj.Text, want)
	}
	if got := obj.Labels[done]; got != 6 {
		t.Fatalf("label offset=%d, want 6", got)
	}
}

func TestEncodeConstantIsRIPRelative(t *testing.T) {
	l := NewListing(false)
	l.EmitRM(MOVSD, asm.S8, target.XMM0, asm.ConstMem([]byte{0, 0, 0, 0, 0, 0, 0xf0, 0x3f}))
	l.EmitNone(RET, asm.S8)
	obj, err := Encode(l)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.HasPrefix(obj.Text, []byte{0xf2, 0x0f, 0x10, 0x05}) {
		t.Fatalf("unexpected prefix % x", obj.Text)
	}
	if obj.DataOffset != 16 {
		t.Fatalf("DataOffset=%d, want 16", obj.DataOffset)
	}
	disp := int32(binary.LittleEndian.Uint32(obj.Text[4:]))
	if disp != 8 {
		t.Fatalf("disp=%d, want 8", disp)
	}
	img := obj.Image()
	if got := binary.LittleEndian.Uint64(img[16:]); got != 0x3ff0000000000000 {
		t.Fatalf("constant=0x%x", got)
	}
}

func TestEncodeJumpTableEntriesAreRelative(t *testing.T) {
	l := NewListing(false)
	table, base := l.NewLabel(), l.NewLabel()
	c0, c1 := l.NewLabel(), l.NewLabel()
	l.EmitLabel(base)
	l.EmitRM(LEA, asm.S8, target.RAX, asm.LabelMem(table))
	l.EmitLabel(c0)
	l.EmitNone(NOP, asm.S1)
	l.EmitLabel(c1)
	l.EmitNone(RET, asm.S8)
	l.EmitJumpTable(table, base, []asm.Label{c0, c1})
	obj, err := Encode(l)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got := int32(binary.LittleEndian.Uint32(obj.Data[0:])); got != 7 {
		t.Fatalf("case 0 offset=%d, want 7", got)
	}
	if got := int32(binary.LittleEndian.Uint32(obj.Data[4:])); got != 8 {
		t.Fatalf("case 1 offset=%d, want 8", got)
	}
}

func TestEncodeCallRecordsRelocation(t *testing.T) {
	l := NewListing(false)
	l.EmitCall(CALL, "runtime.helper", target.RegNone)
	obj, err := Encode(l)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(obj.Relocs) != 1 || obj.Relocs[0].Sym != "runtime.helper" || obj.Relocs[0].Offset != 1 {
		t.Fatalf("relocs=%+v", obj.Relocs)
	}
}

func TestEncodeVEXIsNotYetImplemented(t *testing.T) {
	l := NewListing(true)
	l.EmitRRR(ADDPS, asm.S16, target.XMM0, target.XMM1, target.XMM2)
	_, err := Encode(l)
	if !jiterr.IsNYI(err) {
		t.Fatalf("Encode error=%v, want not-yet-implemented", err)
	}
}
