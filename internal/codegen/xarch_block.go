package codegen

import (
	"github.com/tinyrange/jitlower/internal/asm"
	"github.com/tinyrange/jitlower/internal/asm/amd64"
	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
	"github.com/tinyrange/jitlower/internal/lower"
	"github.com/tinyrange/jitlower/internal/target"
)

func (x *xarchGen) block(n *ir.Node) error {
	switch x.lw.Block(n) {
	case lower.BlockUnroll:
		if n.Op == ir.OpInitBlk {
			return x.initUnroll(n)
		}
		return x.copyUnroll(n)
	case lower.BlockRepInstr:
		// Operands are already in rdi, rcx and rax/rsi.
		if n.Op == ir.OpInitBlk {
			x.e.EmitNone(amd64.REP_STOSB, asm.S1)
		} else {
			x.e.EmitNone(amd64.REP_MOVSB, asm.S1)
		}
	case lower.BlockHelper:
		helper := lower.HelperMemCpy
		if n.Op == ir.OpInitBlk {
			helper = lower.HelperMemSet
		}
		x.e.EmitCall(amd64.CALL, helper, target.RegNone)
	case lower.BlockGCCopy:
		return x.copyObj(n)
	default:
		return jiterr.Invariantf("block operation without a strategy")
	}
	return nil
}

// chunks calls fn for each piece of a size-byte block: 16-byte pieces when
// wide is set, then 8, 4, 2 and 1 byte tails.
func chunks(size int64, wide bool, fn func(off int32, width asm.Size)) {
	off := int64(0)
	for _, w := range []int64{16, 8, 4, 2, 1} {
		if w == 16 && !wide {
			continue
		}
		for size-off >= w {
			fn(int32(off), asm.SizeOf(int(w)))
			off += w
		}
	}
}

func (x *xarchGen) initUnroll(n *ir.Node) error {
	dst, err := x.addrMem(n.Op1())
	if err != nil {
		return err
	}
	fill := x.use(n.Op2())
	size := n.Op3().IntVal
	vec := target.RegNone
	if size >= 16 {
		if err := x.needTemps(n, 0, 1); err != nil {
			return err
		}
		// Broadcast the eight-byte pattern to both halves.
		vec = x.floatTemp(n, 0)
		x.e.EmitRR(amd64.MOVQ, asm.S8, vec, fill)
		x.e.EmitRR(amd64.PUNPCKLQDQ, asm.S16, vec, vec)
	}
	chunks(size, vec != target.RegNone, func(off int32, w asm.Size) {
		if w == asm.S16 {
			x.e.EmitMR(amd64.MOVDQU, asm.S16, dst.WithDisp(off), vec)
			return
		}
		x.e.EmitMR(amd64.MOV, w, dst.WithDisp(off), fill)
	})
	return nil
}

func (x *xarchGen) copyUnroll(n *ir.Node) error {
	dst, err := x.addrMem(n.Op1())
	if err != nil {
		return err
	}
	src, err := x.addrMem(n.Op2())
	if err != nil {
		return err
	}
	size := n.Op3().IntVal
	vec, tmp := x.floatTemp(n, 0), x.intTemp(n, 0)
	if size >= 16 && vec == target.RegNone || size%16 != 0 && tmp == target.RegNone {
		return jiterr.Invariantf("unrolled copy of %d bytes without its temps", size)
	}
	chunks(size, size >= 16, func(off int32, w asm.Size) {
		if w == asm.S16 {
			x.e.EmitRM(amd64.MOVDQU, asm.S16, vec, src.WithDisp(off))
			x.e.EmitMR(amd64.MOVDQU, asm.S16, dst.WithDisp(off), vec)
			return
		}
		ins := amd64.MOV
		if w < asm.S4 {
			ins = amd64.MOVZX
		}
		x.e.EmitRM(ins, w, tmp, src.WithDisp(off))
		x.e.EmitMR(amd64.MOV, w, dst.WithDisp(off), tmp)
	})
	return nil
}

// copyObj copies a struct one pointer-sized slot at a time with rdi and rsi
// advancing: GC slots of a heap destination go through the byref-assign
// helper so the collector sees the store, the rest through movsq.
func (x *xarchGen) copyObj(n *ir.Node) error {
	layout := n.Block.GCLayout
	onStack := n.Op1().Op.IsLocalAddr()
	limit := x.t.Limits.CpObjNonGCSlots
	rep := x.lw.UsesRepMovsq(n)
	if rep {
		if err := x.needTemps(n, 1, 0); err != nil {
			return err
		}
	}
	moves := func(count int) {
		if rep && count >= limit {
			x.e.EmitRI(amd64.MOV, asm.S4, x.intTemp(n, 0), int64(count))
			x.e.EmitNone(amd64.REP_MOVSQ, asm.S8)
			return
		}
		for ; count > 0; count-- {
			x.e.EmitNone(amd64.MOVSQ, asm.S8)
		}
	}
	run := 0
	for _, k := range layout {
		if k == ir.GCNone || onStack {
			run++
			continue
		}
		moves(run)
		run = 0
		x.e.EmitCall(amd64.CALL, lower.HelperByrefAssign, target.RegNone)
	}
	moves(run)
	return nil
}
