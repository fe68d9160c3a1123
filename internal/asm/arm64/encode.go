package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/target"
)

func sf(size asm.Size) uint32 {
	if size == asm.S8 {
		return 1 << 31
	}
	return 0
}

// rn is the 5-bit register field of r; XZR and SP share encoding 31.
func rn(r target.Reg) uint32 {
	return uint32(r.Code(target.ArchARM64)) & 31
}

func encodeAddSubImm(sub, setFlags bool, size asm.Size, dst, src target.Reg, imm int64) (uint32, error) {
	if imm < 0 {
		sub, imm = !sub, -imm
	}
	var shift uint32
	if imm > 0xFFF {
		if imm&0xFFF != 0 || imm>>12 > 0xFFF {
			return 0, fmt.Errorf("arm64 asm: immediate out of range for ADD/SUB (%d)", imm)
		}
		shift, imm = 1, imm>>12
	}
	base := uint32(0x11000000)
	if sub {
		base |= 1 << 30
	}
	if setFlags {
		base |= 1 << 29
	}
	return base | sf(size) | shift<<22 | uint32(imm)<<10 | rn(src)<<5 | rn(dst), nil
}

func encodeAddSubReg(sub, setFlags bool, size asm.Size, dst, left, right target.Reg) uint32 {
	base := uint32(0x0B000000)
	if sub {
		base |= 1 << 30
	}
	if setFlags {
		base |= 1 << 29
	}
	return base | sf(size) | rn(right)<<16 | rn(left)<<5 | rn(dst)
}

var logicalOpc = map[asm.Ins]uint32{AND: 0x0A000000, ORR: 0x2A000000, EOR: 0x4A000000, ANDS: 0x6A000000, BIC: 0x0A200000, ORN: 0x2A200000}

func encodeMoveReg(size asm.Size, dst, src target.Reg) uint32 {
	return 0x2A0003E0 | sf(size) | rn(src)<<16 | rn(dst)
}

func encodeMoveWide(opc uint32, size asm.Size, dst target.Reg, imm int64) (uint32, error) {
	v := uint64(imm)
	if size != asm.S8 {
		v &= 0xFFFFFFFF
	}
	var hw uint32
	for hw = 0; hw < 4 && v&^(0xFFFF<<(16*hw)) != 0; hw++ {
	}
	if hw == 4 || (size != asm.S8 && hw > 1) {
		return 0, fmt.Errorf("arm64 asm: 0x%x is not a shifted 16-bit immediate", v)
	}
	return opc | sf(size) | hw<<21 | uint32(v>>(16*hw)&0xFFFF)<<5 | rn(dst), nil
}

// encodeShiftImm encodes lsl/lsr/asr by a constant as the ubfm/sbfm aliases.
func encodeShiftImm(ins asm.Ins, size asm.Size, dst, src target.Reg, shift int64) (uint32, error) {
	bitsz := int64(32)
	base := uint32(0x53000000)
	if size == asm.S8 {
		bitsz, base = 64, 0xD3400000
	}
	if shift < 0 || shift >= bitsz {
		return 0, fmt.Errorf("arm64 asm: shift amount out of range (%d)", shift)
	}
	if ins == ASR {
		base &^= 0x40000000
	}
	var immr, imms int64
	switch ins {
	case LSL:
		immr, imms = (bitsz-shift)%bitsz, bitsz-1-shift
	default:
		immr, imms = shift, bitsz-1
	}
	return base | uint32(immr)<<16 | uint32(imms)<<10 | rn(src)<<5 | rn(dst), nil
}

func encodeLoadStore(ins asm.Ins, size asm.Size, reg target.Reg, mem asm.Mem) (uint32, error) {
	if mem.Kind != asm.MemAddr || mem.Index != target.RegNone {
		return 0, fmt.Errorf("arm64 asm: only [base, #imm] addressing is encoded")
	}
	if mem.Disp < 0 {
		return 0, fmt.Errorf("arm64 asm: negative offsets not supported in unsigned load/store")
	}
	var scale uint32
	var base uint32
	store := ins == STR || ins == STRB || ins == STRH
	switch size {
	case asm.S8:
		scale, base = 3, 0xF9000000
	case asm.S4:
		scale, base = 2, 0xB9000000
	case asm.S2:
		scale, base = 1, 0x79000000
	case asm.S1:
		scale, base = 0, 0x39000000
	default:
		return 0, fmt.Errorf("arm64 asm: unsupported load/store width %d", size)
	}
	if !store {
		base |= 0x00400000
	}
	if mem.Disp%int32(1<<scale) != 0 {
		return 0, fmt.Errorf("arm64 asm: misaligned offset %d", mem.Disp)
	}
	imm := mem.Disp / int32(1<<scale)
	if imm > 0xFFF {
		return 0, fmt.Errorf("arm64 asm: offset out of range (%d)", mem.Disp)
	}
	return base | uint32(imm)<<10 | rn(mem.Base)<<5 | rn(reg), nil
}

type branchFixup struct {
	at    int
	label asm.Label
	// bits is the width of the signed word offset field, shift its position.
	bits, shift uint
}

// Encode lays out the general-purpose integer subset of an ARM64 listing.
// Vector and floating-point instructions are reported as not yet
// implemented.
func Encode(l *asm.Listing) ([]byte, error) {
	if l.Set().Arch() != target.ArchARM64 {
		return nil, fmt.Errorf("arm64: cannot encode a %s listing", l.Set().Arch())
	}
	var words []uint32
	var fixups []branchFixup
	labels := make(map[asm.Label]int)
	for i, in := range l.Instrs() {
		if in.Form == asm.FormLabel {
			labels[in.Label] = len(words)
			continue
		}
		w, fix, err := encodeOne(in)
		if err != nil {
			return nil, fmt.Errorf("arm64: instruction %d (%s): %w", i, l.Format(in), err)
		}
		if fix != nil {
			fix.at = len(words)
			fixups = append(fixups, *fix)
		}
		words = append(words, w)
	}
	for _, f := range fixups {
		pos, ok := labels[f.label]
		if !ok {
			return nil, fmt.Errorf("arm64: undefined label %s", f.label)
		}
		off := int64(pos - f.at)
		limit := int64(1) << (f.bits - 1)
		if off < -limit || off >= limit {
			return nil, fmt.Errorf("arm64: branch to %s out of range", f.label)
		}
		words[f.at] |= uint32(off&(1<<f.bits-1)) << f.shift
	}
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out, nil
}

func encodeOne(in asm.Instr) (uint32, *branchFixup, error) {
	nyi := func() (uint32, *branchFixup, error) {
		return 0, nil, jiterr.NYI("encode."+Set.Name(in.Ins), "arm64: no encoding for %s in form %d", Set.Name(in.Ins), in.Form)
	}
	ok := func(w uint32) (uint32, *branchFixup, error) { return w, nil, nil }
	size := in.Size
	r := in.Regs

	switch in.Ins {
	case ADD, SUB, ADDS, SUBS:
		sub := in.Ins == SUB || in.Ins == SUBS
		flags := in.Ins == ADDS || in.Ins == SUBS
		switch in.Form {
		case asm.FormRRI:
			w, err := encodeAddSubImm(sub, flags, size, r[0], r[1], in.Imm)
			return w, nil, err
		case asm.FormRRR:
			return ok(encodeAddSubReg(sub, flags, size, r[0], r[1], r[2]))
		}
	case CMP, CMN:
		sub := in.Ins == CMP
		switch in.Form {
		case asm.FormRI:
			w, err := encodeAddSubImm(sub, true, size, target.XZR, r[0], in.Imm)
			return w, nil, err
		case asm.FormRR:
			return ok(encodeAddSubReg(sub, true, size, target.XZR, r[0], r[1]))
		}
	case NEG:
		if in.Form == asm.FormRR {
			return ok(encodeAddSubReg(true, false, size, r[0], target.XZR, r[1]))
		}
	case AND, ORR, EOR, ANDS, BIC, ORN:
		if in.Form == asm.FormRRR {
			return ok(logicalOpc[in.Ins] | sf(size) | rn(r[2])<<16 | rn(r[1])<<5 | rn(r[0]))
		}
	case TST:
		if in.Form == asm.FormRR {
			return ok(logicalOpc[ANDS] | sf(size) | rn(r[1])<<16 | rn(r[0])<<5 | 31)
		}
	case MVN:
		if in.Form == asm.FormRR {
			return ok(logicalOpc[ORN] | sf(size) | rn(r[1])<<16 | 31<<5 | rn(r[0]))
		}
	case MOV:
		switch in.Form {
		case asm.FormRR:
			if r[0].IsFloat(target.ArchARM64) || r[1].IsFloat(target.ArchARM64) {
				return nyi()
			}
			return ok(encodeMoveReg(size, r[0], r[1]))
		case asm.FormRI:
			if in.Imm >= 0 {
				w, err := encodeMoveWide(0x52800000, size, r[0], in.Imm)
				return w, nil, err
			}
			w, err := encodeMoveWide(0x12800000, size, r[0], ^in.Imm)
			return w, nil, err
		}
	case MOVZ, MOVK, MOVN:
		if in.Form == asm.FormRI {
			opc := map[asm.Ins]uint32{MOVZ: 0x52800000, MOVK: 0x72800000, MOVN: 0x12800000}[in.Ins]
			w, err := encodeMoveWide(opc, size, r[0], in.Imm)
			return w, nil, err
		}
	case LSL, LSR, ASR:
		switch in.Form {
		case asm.FormRRI:
			w, err := encodeShiftImm(in.Ins, size, r[0], r[1], in.Imm)
			return w, nil, err
		case asm.FormRRR:
			op2 := map[asm.Ins]uint32{LSL: 0x2000, LSR: 0x2400, ASR: 0x2800}[in.Ins]
			return ok(0x1AC00000 | op2 | sf(size) | rn(r[2])<<16 | rn(r[1])<<5 | rn(r[0]))
		}
	case MUL:
		if in.Form == asm.FormRRR {
			return ok(0x1B007C00 | sf(size) | rn(r[2])<<16 | rn(r[1])<<5 | rn(r[0]))
		}
	case MADD, MSUB:
		if in.Form == asm.FormRRRR {
			w := 0x1B000000 | sf(size) | rn(r[2])<<16 | rn(r[3])<<10 | rn(r[1])<<5 | rn(r[0])
			if in.Ins == MSUB {
				w |= 1 << 15
			}
			return ok(w)
		}
	case SDIV, UDIV:
		if in.Form == asm.FormRRR {
			w := 0x1AC00800 | sf(size) | rn(r[2])<<16 | rn(r[1])<<5 | rn(r[0])
			if in.Ins == SDIV {
				w |= 1 << 10
			}
			return ok(w)
		}
	case CSET:
		if in.Form == asm.FormRI {
			inv := uint32(Cond(in.Imm).Invert())
			return ok(0x1A9F07E0 | sf(size) | inv<<12 | rn(r[0]))
		}
	case LDR, STR, LDRB, STRB, LDRH, STRH:
		reg := r[0]
		if reg.IsFloat(target.ArchARM64) {
			return nyi()
		}
		w, err := encodeLoadStore(in.Ins, size, reg, in.Mem)
		return w, nil, err
	case B, BL:
		if in.Form == asm.FormJ {
			w := uint32(0x14000000)
			if in.Ins == BL {
				w = 0x94000000
			}
			return w, &branchFixup{label: in.Label, bits: 26}, nil
		}
	case BEQ, BNE, BHS, BLO, BMI, BPL, BVS, BVC, BHI, BLS, BGE, BLT, BGT, BLE:
		return 0x54000000 | uint32(in.Ins-BEQ), &branchFixup{label: in.Label, bits: 19, shift: 5}, nil
	case CBZ, CBNZ:
		// The tested register travels in Regs alongside the label.
		if len(r) == 0 {
			return nyi()
		}
		w := 0x34000000 | sf(size) | rn(r[0])
		if in.Ins == CBNZ {
			w |= 1 << 24
		}
		return w, &branchFixup{label: in.Label, bits: 19, shift: 5}, nil
	case BR, BLR:
		w := uint32(0xD61F0000)
		if in.Ins == BLR {
			w = 0xD63F0000
		}
		return ok(w | rn(r[0])<<5)
	case RET:
		return ok(0xD65F03C0)
	case NOP:
		return ok(0xD503201F)
	case BRK:
		return ok(0xD4200000 | uint32(in.Imm&0xFFFF)<<5)
	case CLZ, RBIT, CLS, REV:
		if in.Form == asm.FormRR {
			op := map[asm.Ins]uint32{RBIT: 0, CLZ: 0x1000, CLS: 0x1400, REV: 0x0C00}[in.Ins]
			if in.Ins == REV && size != asm.S8 {
				op = 0x0800
			}
			return ok(0x5AC00000 | op | sf(size) | rn(r[1])<<5 | rn(r[0]))
		}
	}
	return nyi()
}
