package ir

import "fmt"

// First returns the first node in evaluation order.
func (m *Method) First() *Node { return m.first }

// Last returns the last node in evaluation order.
func (m *Method) Last() *Node { return m.last }

// Nodes returns the LIR list as a slice snapshot.
func (m *Method) Nodes() []*Node {
	var out []*Node
	for n := m.first; n != nil; n = n.next {
		out = append(out, n)
	}
	return out
}

// Append links n at the end of the LIR list.
func (m *Method) Append(n *Node) {
	m.mustUnlinked(n)
	n.prev = m.last
	if m.last != nil {
		m.last.next = n
	} else {
		m.first = n
	}
	m.last = n
	n.linked = true
}

// AppendTree links every unlinked node of the tree rooted at root, operands
// before their user, honouring FlagReverseOps.
func (m *Method) AppendTree(root *Node) *Node {
	if root == nil || root.linked {
		return root
	}
	for _, op := range root.EvalOperands() {
		m.AppendTree(op)
	}
	m.Append(root)
	return root
}

// InsertBefore links n immediately before pos.
func (m *Method) InsertBefore(pos, n *Node) {
	m.mustUnlinked(n)
	n.next = pos
	n.prev = pos.prev
	if pos.prev != nil {
		pos.prev.next = n
	} else {
		m.first = n
	}
	pos.prev = n
	n.linked = true
}

// InsertAfter links n immediately after pos.
func (m *Method) InsertAfter(pos, n *Node) {
	m.mustUnlinked(n)
	n.prev = pos
	n.next = pos.next
	if pos.next != nil {
		pos.next.prev = n
	} else {
		m.last = n
	}
	pos.next = n
	n.linked = true
}

// Remove unlinks n from the LIR list. Its operand edges are detached so the
// node becomes unreachable.
func (m *Method) Remove(n *Node) {
	if !n.linked {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		m.first = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		m.last = n.prev
	}
	n.prev, n.next = nil, nil
	n.linked = false
	for i := range n.ops {
		if op := n.ops[i]; op != nil && op.user == n {
			op.user = nil
		}
		n.ops[i] = nil
	}
	delete(m.nodes, n.ID)
}

// ReplaceOperand swaps old for repl in old's user, keeping the user's slot.
func (m *Method) ReplaceOperand(old, repl *Node) error {
	user := old.user
	if user == nil {
		return fmt.Errorf("ir: n%d has no user", old.ID)
	}
	for i, op := range user.ops {
		if op == old {
			user.SetOperand(i, repl)
			return nil
		}
	}
	return fmt.Errorf("ir: n%d is not an operand of n%d", old.ID, user.ID)
}

// Renumber assigns increasing sequence numbers in evaluation order.
func (m *Method) Renumber() {
	seq := 0
	for n := m.first; n != nil; n = n.next {
		seq += 2
		n.seq = seq
	}
}

// Between calls fn for every node strictly after from and strictly before to.
// It stops early when fn returns false and reports whether to was reached.
func (m *Method) Between(from, to *Node, fn func(*Node) bool) bool {
	for n := from.next; n != nil; n = n.next {
		if n == to {
			return true
		}
		if !fn(n) {
			return false
		}
	}
	return false
}

// Precedes reports whether a is evaluated before b.
func Precedes(a, b *Node) bool {
	if a.seq != 0 && b.seq != 0 {
		return a.seq < b.seq
	}
	for n := a.next; n != nil; n = n.next {
		if n == b {
			return true
		}
	}
	return false
}

// Validate checks the LIR invariants: every operand of a linked node is
// linked and evaluated before its user.
func (m *Method) Validate() error {
	m.Renumber()
	for n := m.first; n != nil; n = n.next {
		for _, op := range n.Operands() {
			if !op.linked {
				return fmt.Errorf("ir: operand n%d of n%d is not linked", op.ID, n.ID)
			}
			if op.seq >= n.seq {
				return fmt.Errorf("ir: operand n%d of n%d is evaluated after its user", op.ID, n.ID)
			}
			if op.user != n {
				return fmt.Errorf("ir: operand n%d of n%d has user n%d", op.ID, n.ID, userID(op))
			}
		}
	}
	return nil
}

func userID(n *Node) NodeID {
	if n.user == nil {
		return 0
	}
	return n.user.ID
}

func (m *Method) mustUnlinked(n *Node) {
	if n.linked {
		panic(fmt.Sprintf("ir: n%d is already linked", n.ID))
	}
}
