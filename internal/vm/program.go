// Package vm implements the stack-based bytecode interpreter of spec
// §4.7 and §4.8: Program/Activation records, the opcode set, property
// and verb dispatch through inheritance, structured exception unwinding
// via operand-stack markers, scatter assignment, and the cooperative
// suspension effects the scheduler observes.
//
// The source-to-bytecode compiler is out of scope (spec §1's explicit
// Non-goal); a Program is assembled directly as a slice of typed Op
// values rather than decoded from a byte stream, since nothing in this
// repository produces that byte stream. Op names and semantics follow
// spec §4.7's opcode list one-for-one.
package vm

import "github.com/moodb/moodb/internal/values"

// OpCode names one instruction in a Program's opcode vector.
type OpCode uint8

const (
	OpPushLit OpCode = iota
	OpPushVar
	OpStoreVar
	OpPop
	OpDup

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod

	OpEq
	OpLt
	OpLe
	OpGt
	OpGe
	OpNot

	OpJump
	OpJumpIfFalse

	OpMakeList
	OpIndex
	OpRangeIndex

	OpGetProp
	OpSetProp

	// OpCallVerb pops Int args then an object, and dispatches Name on
	// that object. OpPass pops Int args and re-dispatches the current
	// verb name starting from the parent of the current definer,
	// keeping `this`. Both push a child Activation and leave the VM
	// running it; the caller's frame resumes when it returns.
	OpCallVerb
	OpPass
	OpCallBuiltin

	OpPushErr
	OpCatchBegin
	OpCatchEnd
	OpTryFinallyBegin
	OpContinue

	OpScatter

	OpForListBegin
	OpForListNext
	OpLoopEnd

	OpReturn
	OpDone
	OpFork
	OpSuspend
)

// CatchSpec is one (error-list, handler-label) pair carried by an
// OpCatchBegin's marker, per spec §4.8.
type CatchSpec struct {
	Codes   []values.ErrorCode
	Any     bool
	Handler int
}

// ScatterKind classifies one slot of a scatter-assignment target.
type ScatterKind uint8

const (
	ScatterRequired ScatterKind = iota
	ScatterOptional
	ScatterRest
)

// ScatterSlot is one binding target of an OpScatter instruction.
type ScatterSlot struct {
	Kind ScatterKind
	// VarIdx is the environment slot this piece of the right-hand-side
	// list is bound to.
	VarIdx int
	// DefaultJump is the PC an ScatterOptional slot jumps to when no
	// value was available for it, to run its default-expression block;
	// zero (no-op) for slots that always receive a value.
	DefaultJump int
}

// Op is one bytecode instruction. Only the operand fields relevant to
// Code are meaningful; unused fields are left zero.
type Op struct {
	Code OpCode

	Int    int   // literal/var index, jump target, or count
	Int2   int   // secondary jump target: OpScatter's done label (skip inline default blocks once every slot is bound)
	Name   string // property, verb, or builtin name
	ErrVal values.ErrorCode

	Catches []CatchSpec
	Scatter []ScatterSlot

	// Splice marks, for OpMakeList, which of the Int top-of-stack values
	// are spliced (their elements flattened into the result, `@expr`
	// syntax) rather than inserted as a single element. Nil means none
	// are spliced. Indexed left-to-right matching evaluation order.
	Splice []bool
}

// Program is a verb's compiled binary: a literal table, a variable-name
// table, a main opcode vector, and zero or more fork vectors launched by
// OpFork as separate tasks, per spec §4.7.
type Program struct {
	Literals []values.Value
	VarNames []string
	Main     []Op
	Forks    [][]Op
}
