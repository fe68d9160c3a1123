package ir

import (
	"fmt"
	"strings"
)

// Local describes one local variable slot of a method.
type Local struct {
	Name string
	Type Type
	// Size is the slot size for struct locals; scalar locals use Type.Size.
	Size int
	// Tracked locals take part in liveness and may be enregistered.
	Tracked bool
	// Weight is the weighted reference count used by heuristics.
	Weight float64
	// DoNotEnregister forces the local to live in its stack slot, which makes
	// its reads containable memory operands.
	DoNotEnregister bool
	// AddressExposed locals may be read or written through pointers.
	AddressExposed bool
	// StructField marks a promoted struct field; its slot is packed with its
	// siblings and cannot be widened.
	StructField bool
	// FrameOffset is assigned by LayoutFrame.
	FrameOffset int32
}

// SlotSize is the number of bytes the local occupies on the stack.
func (l *Local) SlotSize() int {
	if l.Size > 0 {
		return l.Size
	}
	return l.Type.Size()
}

// Method is one method body in LIR form.
type Method struct {
	Name   string
	Locals []Local

	first, last *Node
	nextID      NodeID
	nextLabel   LabelID
	nodes       map[NodeID]*Node
	simdTemp    LclNum
	frameSize   int32
}

// NewMethod creates an empty method.
func NewMethod(name string) *Method {
	return &Method{
		Name:     name,
		nextID:   1,
		nodes:    make(map[NodeID]*Node),
		simdTemp: NoLcl,
	}
}

// AddLocal appends a local and returns its number.
func (m *Method) AddLocal(l Local) LclNum {
	m.Locals = append(m.Locals, l)
	return LclNum(len(m.Locals) - 1)
}

// Local returns the descriptor of local n.
func (m *Method) Local(n LclNum) *Local {
	if n < 0 || int(n) >= len(m.Locals) {
		return nil
	}
	return &m.Locals[n]
}

// SIMDTempLocal returns the 32-byte stack temporary used to spill a vector
// for runtime element access, creating it on first use.
func (m *Method) SIMDTempLocal() LclNum {
	if m.simdTemp == NoLcl {
		m.simdTemp = m.AddLocal(Local{Name: "simdtmp", Type: TypeSIMD32, DoNotEnregister: true})
	}
	return m.simdTemp
}

// HasSIMDTemp reports whether SIMDTempLocal was requested.
func (m *Method) HasSIMDTemp() bool { return m.simdTemp != NoLcl }

// NewLabel allocates a fresh label identity.
func (m *Method) NewLabel() LabelID {
	l := m.nextLabel
	m.nextLabel++
	return l
}

// LabelCount returns the number of labels allocated so far.
func (m *Method) LabelCount() int { return int(m.nextLabel) }

// NodeByID returns a node created by this method.
func (m *Method) NodeByID(id NodeID) *Node { return m.nodes[id] }

// NewNode creates an unlinked node.
func (m *Method) NewNode(op Op, typ Type, ops ...*Node) *Node {
	n := &Node{ID: m.nextID, Op: op, Type: typ, Lcl: NoLcl}
	m.nextID++
	m.nodes[n.ID] = n
	if len(ops) > 0 {
		n.ops = make([]*Node, len(ops))
		for i, op := range ops {
			n.SetOperand(i, op)
		}
	}
	return n
}

// LayoutFrame assigns frame offsets to every local. Slots are at least four
// bytes and naturally aligned up to 16 bytes.
func (m *Method) LayoutFrame() int32 {
	var off int32
	for i := range m.Locals {
		l := &m.Locals[i]
		size := int32(l.SlotSize())
		if size < 4 && !l.StructField {
			size = 4
		}
		align := size
		if align > 16 {
			align = 16
		}
		if align < 1 {
			align = 1
		}
		for align&(align-1) != 0 {
			align++
		}
		off = (off + align - 1) &^ (align - 1)
		l.FrameOffset = off
		off += size
	}
	m.frameSize = (off + 15) &^ 15
	return m.frameSize
}

// FrameSize returns the size computed by the last LayoutFrame call.
func (m *Method) FrameSize() int32 { return m.frameSize }

// Dump renders the LIR list, one node per line.
func (m *Method) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "method %s\n", m.Name)
	for i, l := range m.Locals {
		fmt.Fprintf(&b, "  V%02d %s %s", i, l.Name, l.Type)
		if l.Tracked {
			fmt.Fprintf(&b, " tracked w=%g", l.Weight)
		}
		b.WriteString("\n")
	}
	for n := m.first; n != nil; n = n.next {
		fmt.Fprintf(&b, "  %4d %s\n", n.seq, n)
	}
	return b.String()
}
