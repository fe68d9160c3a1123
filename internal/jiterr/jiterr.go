// Package jiterr defines the closed set of failures that abort the
// compilation of one method.
package jiterr

import (
	"errors"
	"fmt"

	"github.com/tinyrange/jitlower/internal/ir"
)

// Kind classifies a compilation failure.
type Kind uint8

const (
	// KindNone is returned by KindOf for errors not produced by this package.
	KindNone Kind = iota
	// NotYetImplemented is a recognised operator/type/target combination the
	// backend does not support.
	NotYetImplemented
	// Internal is a violated invariant; the IR handed to a pass was not in
	// the shape the pass depends on.
	Internal
	// BadInput is a malformed profile or IR document.
	BadInput
)

func (k Kind) String() string {
	switch k {
	case NotYetImplemented:
		return "nyi"
	case Internal:
		return "internal"
	case BadInput:
		return "bad-input"
	}
	return "none"
}

// Error is a fatal compilation error.
type Error struct {
	Kind Kind
	// Tag names the operator, type or target combination involved.
	Tag  string
	Msg  string
	Node ir.NodeID
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Tag != "" {
		msg += " [" + e.Tag + "]"
	}
	if e.Node != 0 {
		msg += fmt.Sprintf(" n%d", e.Node)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

// At returns a copy of e attributed to node n.
func (e *Error) At(n *ir.Node) *Error {
	c := *e
	if n != nil {
		c.Node = n.ID
	}
	return &c
}

func NYI(tag, format string, args ...any) *Error {
	return &Error{Kind: NotYetImplemented, Tag: tag, Msg: fmt.Sprintf(format, args...)}
}

// NYINode reports an unsupported node, tagging it with its operator and type.
func NYINode(n *ir.Node, format string, args ...any) *Error {
	return &Error{
		Kind: NotYetImplemented,
		Tag:  n.Op.String() + "." + n.Type.String(),
		Msg:  fmt.Sprintf(format, args...),
		Node: n.ID,
	}
}

func Invariantf(format string, args ...any) *Error {
	return &Error{Kind: Internal, Msg: fmt.Sprintf(format, args...)}
}

// Unreachable reports a node that reached a handler which cannot process it.
func Unreachable(n *ir.Node) *Error {
	return &Error{Kind: Internal, Tag: n.Op.String() + "." + n.Type.String(), Msg: "unreachable", Node: n.ID}
}

func BadInputf(format string, args ...any) *Error {
	return &Error{Kind: BadInput, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

func IsNYI(err error) bool      { return KindOf(err) == NotYetImplemented }
func IsInternal(err error) bool { return KindOf(err) == Internal }
func IsBadInput(err error) bool { return KindOf(err) == BadInput }
