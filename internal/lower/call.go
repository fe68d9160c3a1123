package lower

import (
	"log/slog"

	"github.com/tinyrange/jitlower/internal/ir"
	"github.com/tinyrange/jitlower/internal/jiterr"
)

// LowerCall places every argument of call according to the calling
// convention, turning PutArgReg nodes for stack-passed arguments into
// PutArgStk and the other way round.
func (l *Lowering) LowerCall(call *ir.Node) error {
	if call.Call == nil {
		return jiterr.Invariantf("call without call info").At(call)
	}
	args := call.Args()
	types := make([]ir.Type, len(args))
	for i, arg := range args {
		if arg.Op != ir.OpPutArgReg && arg.Op != ir.OpPutArgStk {
			return jiterr.Invariantf("call operand %d is %s, want putarg", i, arg.Op).At(call)
		}
		types[i] = arg.Op1().Type
		if types[i].IsStruct() && !types[i].IsSIMD() {
			return jiterr.NYINode(call, "struct argument %d passed by value", i)
		}
	}
	locs := l.Target.ABI.AssignArgs(types, call.Call.Varargs)
	for i, arg := range args {
		loc := locs[i]
		if loc.OnStack {
			if call.Call.FastTailCall {
				return jiterr.NYINode(call, "fast tail call with stack argument %d", i)
			}
			arg.Op = ir.OpPutArgStk
			arg.Type = ir.TypeVoid
			arg.Offset = loc.StackOffset
		} else {
			arg.Op = ir.OpPutArgReg
			arg.Type = arg.Op1().Type.ActualType()
		}
		arg.ArgNum = i
		l.args[arg.ID] = loc
	}
	if call.IsMultiRegCall() {
		if _, err := l.Target.ABI.ReturnRegs(call.Call.ReturnTypes); err != nil {
			return jiterr.NYINode(call, "%v", err)
		}
	}
	l.log.Debug("call arguments placed", slog.Any("call", call.ID), slog.Int("args", len(args)))
	return nil
}
