package vm

import "github.com/moodb/moodb/internal/values"

// catchMarker is pushed onto the operand stack by OpCatchBegin. On an
// error raise, the unwind walks the stack looking for the nearest
// marker whose CatchSpecs match the raised code.
type catchMarker struct {
	specs    []CatchSpec
	stackLen int // operand stack depth to truncate back to on match
}

// finallyMarker is pushed by OpTryFinallyBegin. It always matches during
// unwind. Its handler is entered with no reason value pushed: an
// exception being unwound is held in VM.pendingException, and
// OpContinue either resumes normal execution (nothing pending) or
// continues propagating that exception.
type finallyMarker struct {
	handler     int
	resumeTo    int
	stackLen    int
}

// loopMarker tracks OpForListBegin/OpForListNext iteration state on the
// operand stack.
type loopMarker struct {
	items   []values.Value
	index   int
	varIdx  int
	bodyEnd int
}

// Activation is one call frame: program reference and PC, operand
// stack, environment, and the identity/permissions fields spec §4.7
// names.
type Activation struct {
	Program *Program
	PC      int

	Stack []any // values.Value, *catchMarker, *finallyMarker, *loopMarker

	Env      []values.Value
	Assigned []bool

	This        values.Oid
	Player      values.Oid
	Permissions values.Oid
	VerbName    string
	Definer     values.Oid

	Caller *Activation

	Temp        values.Value
	Trampoline  any
}

// NewActivation creates the root activation for a verb call.
func NewActivation(prog *Program, this, player, permissions values.Oid, verbName string, definer values.Oid, caller *Activation) *Activation {
	return &Activation{
		Program:     prog,
		Env:         make([]values.Value, len(prog.VarNames)),
		Assigned:    make([]bool, len(prog.VarNames)),
		This:        this,
		Player:      player,
		Permissions: permissions,
		VerbName:    verbName,
		Definer:     definer,
		Caller:      caller,
	}
}

func (a *Activation) push(v any) { a.Stack = append(a.Stack, v) }

func (a *Activation) pop() any {
	n := len(a.Stack)
	v := a.Stack[n-1]
	a.Stack = a.Stack[:n-1]
	return v
}

func (a *Activation) pushValue(v values.Value) { a.push(v) }

func (a *Activation) popValue() (values.Value, bool) {
	v, ok := a.pop().(values.Value)
	return v, ok
}

// PushResumeValue pushes the value a scheduler delivers via Resume onto
// the activation's operand stack, where the OpSuspend caller left off
// expecting it.
func (a *Activation) PushResumeValue(v values.Value) { a.pushValue(v) }

// Frame describes one activation for a backtrace, per spec §4.8:
// "per-frame: definer, verb name, this, player".
type Frame struct {
	Definer  values.Oid
	VerbName string
	This     values.Oid
	Player   values.Oid
}

// Backtrace walks the caller chain from top to bottom.
func Backtrace(top *Activation) []Frame {
	var out []Frame
	for a := top; a != nil; a = a.Caller {
		out = append(out, Frame{Definer: a.Definer, VerbName: a.VerbName, This: a.This, Player: a.Player})
	}
	return out
}
