package lower

import (
	"log/slog"

	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/target"
)

// BlockStrategy is how a block initialization or copy is expanded.
type BlockStrategy uint8

const (
	BlockInvalid BlockStrategy = iota
	// BlockUnroll expands into straight-line moves.
	BlockUnroll
	// BlockRepInstr uses rep stosb / rep movsb.
	BlockRepInstr
	// BlockHelper calls the memset/memcpy runtime helper.
	BlockHelper
	// BlockGCCopy copies a struct slot by slot, pointers through the byref
	// assign helper.
	BlockGCCopy
)

func (s BlockStrategy) String() string {
	switch s {
	case BlockUnroll:
		return "unroll"
	case BlockRepInstr:
		return "rep"
	case BlockHelper:
		return "helper"
	case BlockGCCopy:
		return "gc-copy"
	}
	return "invalid"
}

// lowerBlock picks the strategy of a block operation. Constant fill values
// chosen for unrolling are widened to a full register pattern.
func (l *Lowering) lowerBlock(n *ir.Node) {
	strategy := l.chooseBlock(n)
	l.blocks[n.ID] = strategy
	if n.Op == ir.OpCopyObj {
		l.lowerCopyObj(n)
	}
	if n.Op == ir.OpInitBlk && strategy == BlockUnroll {
		if fill := n.Op2(); fill.IsCnsIntOrI() {
			size := n.Op3().IntVal
			v := uint64(uint8(fill.IntVal))
			if size >= 8 {
				fill.IntVal = int64(v * 0x0101010101010101)
			} else {
				fill.IntVal = int64(uint32(v * 0x01010101))
			}
			fill.Type = ir.TypeLong
		}
	}
	l.log.Debug("block strategy",
		slog.Any("node", n.ID), slog.String("op", n.Op.String()),
		slog.String("strategy", strategy.String()))
}

func (l *Lowering) chooseBlock(n *ir.Node) BlockStrategy {
	if n.Op == ir.OpCopyObj {
		return BlockGCCopy
	}
	lim := l.Target.Limits
	size := n.Op3()
	constSize := size.IsCnsIntOrI() && size.IntVal > 0
	unroll, rep := lim.CpBlkUnroll, lim.CpBlkMovs
	if n.Op == ir.OpInitBlk {
		unroll, rep = lim.InitBlkUnroll, lim.InitBlkStos
	}
	if !constSize {
		return BlockHelper
	}
	sz := int(size.IntVal)
	switch l.Target.Arch {
	case target.ArchAMD64:
		if sz > max(unroll, rep) {
			return BlockHelper
		}
		if sz <= unroll && (n.Op != ir.OpInitBlk || n.Op2().IsCnsIntOrI()) {
			return BlockUnroll
		}
		return BlockRepInstr
	case target.ArchARM64:
		if sz <= unroll && (n.Op != ir.OpInitBlk || n.Op2().IsCnsIntOrI()) {
			return BlockUnroll
		}
	}
	return BlockHelper
}

// lowerCopyObj decides whether runs of non-GC slots are moved with rep movsq.
func (l *Lowering) lowerCopyObj(n *ir.Node) {
	if l.Target.Arch != target.ArchAMD64 {
		return
	}
	layout := n.Block.GCLayout
	limit := l.Target.Limits.CpObjNonGCSlots
	dst := n.Op1()
	if dst.Op.IsLocalAddr() {
		// No write barrier on the stack: every slot is a plain move.
		if len(layout) >= limit {
			l.repMovsq[n.ID] = true
		}
		return
	}
	run := 0
	for _, k := range layout {
		if k != ir.GCNone {
			run = 0
			continue
		}
		run++
		if run >= limit {
			l.repMovsq[n.ID] = true
			return
		}
	}
}
