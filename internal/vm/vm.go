package vm

import (
	"fmt"

	"github.com/moodb/moodb/internal/moodb"
	"github.com/moodb/moodb/internal/values"
)

// World is the subset of the world-state façade the interpreter needs to
// resolve properties and dispatch verbs, per spec §4.8. moodb.Handle
// satisfies this interface; tests can substitute a fake.
type World interface {
	FindProperty(o values.Oid, name string) (values.Oid, values.Uuid, moodb.PropDef, error)
	GetPropertyValue(o values.Oid, id values.Uuid, permissions values.Oid) (values.Value, error)
	PutPropertyValue(o values.Oid, id values.Uuid, owner values.Oid, flags uint32, permissions values.Oid, v values.Value) error
	ResolveVerb(o values.Oid, name string, want *moodb.ArgSpec) (values.Oid, values.Uuid, moodb.VerbDef, []byte, error)
	GetParent(o values.Oid) (values.Oid, error)
}

// Builtin is a registered builtin function. It returns either a result
// value or an ErrorCode to raise, mirroring Value-producing ops.
type Builtin func(vm *VM, args []values.Value) (values.Value, values.ErrorCode, bool)

// StepKind classifies the cooperative effect a Step call produced.
type StepKind uint8

const (
	More StepKind = iota
	Complete
	Exception
	Suspend
	Fork
	NeedInput
	ContinueVerb
	ContinueBuiltin
	PerformEval
)

// StepResult is the sum type Step returns, per spec §4.8's list of VM
// effects a scheduler must observe and act on.
type StepResult struct {
	Kind StepKind

	Value       values.Value   // Complete
	Exc         *Exception     // Exception
	ForkDelay   int64          // Fork: ticks/ms to delay, per Program.Forks index
	ForkIndex   int            // Fork: which Forks[] vector to run
	Builtin     string         // ContinueBuiltin: which builtin requested more steps
	BuiltinArgs []values.Value // ContinueBuiltin
}

// Exception is a raised, catchable condition carrying the fixed ErrorCode
// plus a human message and the backtrace captured at raise time.
type Exception struct {
	Code      values.ErrorCode
	Message   string
	Backtrace []Frame
}

func (e *Exception) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// VM interprets one task's activation stack. It holds no store reference
// beyond World; persistence and scheduling are the caller's concern.
type VM struct {
	World   World
	Top     *Activation
	Builtins map[string]Builtin

	// pendingException carries the raised exception across Step calls
	// while a finally handler (entered via OpTryFinallyBegin) runs, so
	// OpContinue can decide whether to resume normal flow or re-propagate
	// the original exception once the handler completes, per spec §4.8.
	pendingException *Exception
}

// New creates a VM with the root activation already pushed.
func New(world World, root *Activation, builtins map[string]Builtin) *VM {
	return &VM{World: world, Top: root, Builtins: builtins}
}

// Step executes exactly one bytecode instruction and returns its effect:
// More to keep going, or a terminal/cooperative effect (completion,
// exception escaping every activation, suspend, fork) for the
// scheduler to act on. One Step call is one "tick" against a task's
// budget, per spec §4.9.
func (vm *VM) Step() StepResult {
	a := vm.Top
	if a.PC >= len(a.Program.Main) {
		return vm.unwindReturn(values.None())
	}
	op := a.Program.Main[a.PC]
	a.PC++

	switch op.Code {
		case OpPushLit:
			a.pushValue(a.Program.Literals[op.Int])

		case OpPushVar:
			if !a.Assigned[op.Int] {
				if r, handled := vm.raise(values.EVARNF, "variable not assigned"); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			a.pushValue(a.Env[op.Int])

		case OpStoreVar:
			v, _ := a.popValue()
			a.Env[op.Int] = v
			a.Assigned[op.Int] = true
			a.pushValue(v)

		case OpPop:
			a.pop()

		case OpDup:
			v, _ := a.popValue()
			a.pushValue(v)
			a.pushValue(v)

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			rhs, _ := a.popValue()
			lhs, _ := a.popValue()
			res, code, ok := applyArith(op.Code, lhs, rhs)
			if !ok {
				if r, handled := vm.raise(code, "arithmetic error"); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			a.pushValue(res)

		case OpEq:
			rhs, _ := a.popValue()
			lhs, _ := a.popValue()
			a.pushValue(boolValue(lhs.Equal(rhs)))

		case OpLt, OpLe, OpGt, OpGe:
			rhs, _ := a.popValue()
			lhs, _ := a.popValue()
			cmp, terr := values.Compare(lhs, rhs)
			if terr != nil {
				if r, handled := vm.raise(values.ETYPE, terr.Error()); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			var res bool
			switch op.Code {
			case OpLt:
				res = cmp < 0
			case OpLe:
				res = cmp <= 0
			case OpGt:
				res = cmp > 0
			case OpGe:
				res = cmp >= 0
			}
			a.pushValue(boolValue(res))

		case OpNot:
			v, _ := a.popValue()
			b, _ := v.AsInt()
			a.pushValue(boolValue(b == 0))

		case OpJump:
			a.PC = op.Int

		case OpJumpIfFalse:
			v, _ := a.popValue()
			if i, _ := v.AsInt(); i == 0 {
				a.PC = op.Int
			}

		case OpMakeList:
			n := op.Int
			popped := make([]values.Value, n)
			for i := n - 1; i >= 0; i-- {
				popped[i], _ = a.popValue()
			}
			var items []values.Value
			for i, v := range popped {
				if op.Splice != nil && i < len(op.Splice) && op.Splice[i] {
					elems, _ := v.AsList()
					items = append(items, elems...)
				} else {
					items = append(items, v)
				}
			}
			a.pushValue(values.List(items...))

		case OpIndex:
			idxV, _ := a.popValue()
			listV, _ := a.popValue()
			res, code, ok := indexList(listV, idxV)
			if !ok {
				if r, handled := vm.raise(code, "index out of range"); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			a.pushValue(res)

		case OpRangeIndex:
			hiV, _ := a.popValue()
			loV, _ := a.popValue()
			listV, _ := a.popValue()
			res, code, ok := rangeList(listV, loV, hiV)
			if !ok {
				if r, handled := vm.raise(code, "range index out of bounds"); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			a.pushValue(res)

		case OpGetProp:
			objV, _ := a.popValue()
			o, _ := objV.AsObj()
			_, propID, _, err := vm.World.FindProperty(o, op.Name)
			if err != nil {
				if r, handled := vm.raise(moodb.ToErrorCode(err), err.Error()); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			v, err := vm.World.GetPropertyValue(o, propID, a.Permissions)
			if err != nil {
				if r, handled := vm.raise(moodb.ToErrorCode(err), err.Error()); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			a.pushValue(v)

		case OpSetProp:
			v, _ := a.popValue()
			objV, _ := a.popValue()
			o, _ := objV.AsObj()
			definer, propID, def, err := vm.World.FindProperty(o, op.Name)
			if err != nil {
				if r, handled := vm.raise(moodb.ToErrorCode(err), err.Error()); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			_ = definer
			if err := vm.World.PutPropertyValue(o, propID, def.Owner, def.Flags, a.Permissions, v); err != nil {
				if r, handled := vm.raise(moodb.ToErrorCode(err), err.Error()); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			a.pushValue(v)

		case OpCallVerb:
			n := op.Int
			args := make([]values.Value, n)
			for i := n - 1; i >= 0; i-- {
				args[i], _ = a.popValue()
			}
			objV, _ := a.popValue()
			obj, _ := objV.AsObj()
			return vm.dispatchVerb(obj, obj, op.Name, args)

		case OpPass:
			n := op.Int
			args := make([]values.Value, n)
			for i := n - 1; i >= 0; i-- {
				args[i], _ = a.popValue()
			}
			parent, err := vm.World.GetParent(a.Definer)
			if err != nil {
				if r, handled := vm.raise(moodb.ToErrorCode(err), err.Error()); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			return vm.dispatchVerb(parent, a.This, a.VerbName, args)

		case OpCallBuiltin:
			n := op.Int
			args := make([]values.Value, n)
			for i := n - 1; i >= 0; i-- {
				args[i], _ = a.popValue()
			}
			fn, ok := vm.Builtins[op.Name]
			if !ok {
				if r, handled := vm.raise(values.EVERBNF, "unknown builtin "+op.Name); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			res, code, ok := fn(vm, args)
			if !ok {
				if r, handled := vm.raise(code, "builtin error"); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			}
			a.pushValue(res)

		case OpPushErr:
			a.pushValue(values.Err(op.ErrVal))

		case OpCatchBegin:
			a.push(&catchMarker{specs: op.Catches, stackLen: len(a.Stack)})

		case OpCatchEnd:
			// Pop the nearest protected-region marker (catch or finally)
			// on normal completion of the protected block; a finally
			// marker's handler code follows immediately and always runs.
		popMarker:
			for i := len(a.Stack) - 1; i >= 0; i-- {
				switch a.Stack[i].(type) {
				case *catchMarker, *finallyMarker:
					a.Stack = append(a.Stack[:i], a.Stack[i+1:]...)
					break popMarker
				}
			}

		case OpTryFinallyBegin:
			a.push(&finallyMarker{handler: op.Int, resumeTo: op.Int2, stackLen: len(a.Stack)})

		case OpContinue:
			if vm.pendingException != nil {
				exc := vm.pendingException
				vm.pendingException = nil
				if r, handled := vm.propagate(exc); handled {
					return r
				}
				return StepResult{Kind: More}
			}
			// Normal fallthrough: finally block ran to completion without
			// re-raising; resume after the protected region.
			a.PC = op.Int

		case OpScatter:
			rhs, _ := a.popValue()
			items, _ := rhs.AsList()
			ok, defaultJump := applyScatter(a, op.Scatter, items)
			if !ok {
				if r, handled := vm.raise(values.EARGS, "scatter arity mismatch"); handled {
					if r.Kind != More {
						return r
					}
					return StepResult{Kind: More}
				}
			} else if defaultJump != 0 {
				// An optional slot got no value; jump into its
				// default-expression block rather than leaving it
				// unassigned, per spec §4.7. The block is expected to end
				// by storing into the slot's var and falling through (or
				// jumping) to op.Int2, the scatter's done label.
				a.PC = defaultJump
			} else if op.Int2 != 0 {
				// Every slot was bound directly; skip over the inline
				// default-expression blocks entirely.
				a.PC = op.Int2
			}

		case OpForListBegin:
			rhs, _ := a.popValue()
			items, _ := rhs.AsList()
			a.push(&loopMarker{items: items, index: 0, varIdx: op.Int, bodyEnd: op.Int2})

		case OpForListNext:
			lm := a.Stack[len(a.Stack)-1].(*loopMarker)
			if lm.index >= len(lm.items) {
				a.pop()
				a.PC = op.Int2
				return StepResult{Kind: More}
			}
			a.Env[lm.varIdx] = lm.items[lm.index]
			a.Assigned[lm.varIdx] = true
			lm.index++

		case OpLoopEnd:
			a.PC = op.Int

		case OpReturn:
			v, _ := a.popValue()
			return vm.unwindReturn(v)

		case OpDone:
			return vm.unwindReturn(values.None())

		case OpFork:
			return StepResult{Kind: Fork, ForkDelay: int64(op.Int), ForkIndex: op.Int2}

		case OpSuspend:
			return StepResult{Kind: Suspend}

		default:
			panic(fmt.Sprintf("vm: unhandled opcode %d", op.Code))
		}

	return StepResult{Kind: More}
}

// unwindReturn pops the current activation and either completes the VM (no
// caller left) or continues in the caller with the returned value pushed.
func (vm *VM) unwindReturn(v values.Value) StepResult {
	caller := vm.Top.Caller
	if caller == nil {
		return StepResult{Kind: Complete, Value: v}
	}
	vm.Top = caller
	caller.pushValue(v)
	return StepResult{Kind: More}
}

// dispatchVerb resolves name starting from target and pushes a new child
// activation to run it, per spec §4.8's CallVerb/Pass: "pushes a new
// activation derived from the current one but with this = obj,
// permissions = child_of(current, verb.owner), and a reset PC". This
// VM's permissions field is a single identity rather than the original
// implementation's (owner, flag-set) pair, so the child's permissions
// collapse to simply the verb's owner — the identity whose powers the
// callee runs with — rather than a blended caller/owner structure.
func (vm *VM) dispatchVerb(target, this values.Oid, name string, args []values.Value) StepResult {
	definer, _, def, program, err := vm.World.ResolveVerb(target, name, nil)
	if err != nil {
		if r, handled := vm.raise(moodb.ToErrorCode(err), err.Error()); handled {
			return r
		}
		return StepResult{Kind: More}
	}
	prog, err := DecodeProgram(program)
	if err != nil {
		if r, handled := vm.raise(values.ETYPE, "corrupt verb program: "+err.Error()); handled {
			return r
		}
		return StepResult{Kind: More}
	}
	caller := vm.Top
	child := NewActivation(prog, this, caller.Player, def.Owner, name, definer, caller)
	for i, v := range args {
		if i >= len(child.Env) {
			break
		}
		child.Env[i] = v
		child.Assigned[i] = true
	}
	vm.Top = child
	return StepResult{Kind: More}
}

// raise looks for a catch marker whose spec matches code, first on the
// current activation's stack and then on each caller's in turn. If found,
// it makes that activation current, unwinds to that marker and pushes the
// caught error value, continuing execution (handled=true, Kind=More). If a
// finally marker is hit first, it unwinds to the handler and remembers the
// exception as pending so OpContinue can re-raise it later. If nothing
// matches in any activation, Step returns an Exception result.
func (vm *VM) raise(code values.ErrorCode, msg string) (StepResult, bool) {
	exc := &Exception{Code: code, Message: msg, Backtrace: Backtrace(vm.Top)}
	return vm.propagate(exc)
}

func (vm *VM) propagate(exc *Exception) (StepResult, bool) {
	for a := vm.Top; a != nil; a = a.Caller {
		for i := len(a.Stack) - 1; i >= 0; i-- {
			switch m := a.Stack[i].(type) {
			case *catchMarker:
				if handler, ok := matchHandler(m.specs, exc.Code); ok {
					vm.Top = a
					a.Stack = a.Stack[:m.stackLen]
					a.pushValue(values.Err(exc.Code))
					a.PC = handler
					return StepResult{Kind: More}, true
				}
			case *finallyMarker:
				vm.Top = a
				a.Stack = a.Stack[:m.stackLen]
				vm.pendingException = exc
				a.PC = m.handler
				return StepResult{Kind: More}, true
			}
		}
	}
	return StepResult{Kind: Exception, Exc: exc}, true
}

// matchHandler finds the first CatchSpec matching code and returns its
// handler PC.
func matchHandler(specs []CatchSpec, code values.ErrorCode) (int, bool) {
	for _, s := range specs {
		if s.Any {
			return s.Handler, true
		}
		for _, c := range s.Codes {
			if c == code {
				return s.Handler, true
			}
		}
	}
	return 0, false
}

func boolValue(b bool) values.Value {
	if b {
		return values.Int(1)
	}
	return values.Int(0)
}

func applyArith(op OpCode, a, b values.Value) (values.Value, values.ErrorCode, bool) {
	switch op {
	case OpAdd:
		return values.Add(a, b)
	case OpSub:
		return values.Sub(a, b)
	case OpMul:
		return values.Mul(a, b)
	case OpDiv:
		return values.Div(a, b)
	case OpMod:
		return values.Mod(a, b)
	default:
		return values.Value{}, values.ETYPE, false
	}
}

// resolveIndex turns an index Value into a 1-based int, treating a None
// value as `$` (the length of items, i.e. the last valid index).
func resolveIndex(v values.Value, items []values.Value) (int64, bool) {
	if v.IsNone() {
		return int64(len(items)), true
	}
	return v.AsInt()
}

func indexList(listV, idxV values.Value) (values.Value, values.ErrorCode, bool) {
	items, ok := listV.AsList()
	if !ok {
		return values.Value{}, values.ETYPE, false
	}
	idx, ok := resolveIndex(idxV, items)
	if !ok {
		return values.Value{}, values.ETYPE, false
	}
	if idx < 1 || int(idx) > len(items) {
		return values.Value{}, values.ERANGE, false
	}
	return items[idx-1], 0, true
}

// rangeList implements list[lo..hi] 1-indexed inclusive range indexing,
// the primitive splice syntax `@a[lo..hi]` lowers to per spec §8 scenario
// 6. Either bound may be the `$` sentinel (a None Value), meaning the
// list's length.
func rangeList(listV, loV, hiV values.Value) (values.Value, values.ErrorCode, bool) {
	items, ok := listV.AsList()
	if !ok {
		return values.Value{}, values.ETYPE, false
	}
	lo, ok1 := resolveIndex(loV, items)
	hi, ok2 := resolveIndex(hiV, items)
	if !ok1 || !ok2 {
		return values.Value{}, values.ETYPE, false
	}
	if lo < 1 || hi > int64(len(items)) || lo > hi+1 {
		return values.Value{}, values.ERANGE, false
	}
	if lo > hi {
		return values.List(), 0, true
	}
	return values.List(items[lo-1 : hi]...), 0, true
}

// applyScatter binds required/optional/rest slots from items in order,
// per spec §4.7's scatter-assignment opcode. Required slots failing to
// receive a value is an arity mismatch; a rest slot absorbs everything
// left over, defaulting to an empty list. The second return is the PC
// of the first optional slot that received no value and carries a
// DefaultJump (0 if every slot was bound or no default was declared),
// for Step to jump into that slot's default-expression block.
func applyScatter(a *Activation, slots []ScatterSlot, items []values.Value) (bool, int) {
	restIdx := -1
	for i, s := range slots {
		if s.Kind == ScatterRest {
			restIdx = i
			break
		}
	}
	pos := 0
	defaultJump := 0
	for i, s := range slots {
		if i == restIdx {
			continue
		}
		if s.Kind == ScatterRequired {
			if pos >= len(items) {
				return false, 0
			}
			a.Env[s.VarIdx] = items[pos]
			a.Assigned[s.VarIdx] = true
			pos++
		} else if s.Kind == ScatterOptional {
			if pos < len(items) {
				a.Env[s.VarIdx] = items[pos]
				a.Assigned[s.VarIdx] = true
				pos++
			} else {
				a.Assigned[s.VarIdx] = false
				if defaultJump == 0 {
					defaultJump = s.DefaultJump
				}
			}
		}
	}
	if restIdx >= 0 {
		rest := slots[restIdx]
		var tail []values.Value
		if pos < len(items) {
			tail = items[pos:]
		}
		a.Env[rest.VarIdx] = values.List(tail...)
		a.Assigned[rest.VarIdx] = true
	} else if pos < len(items) {
		return false, 0
	}
	return true, defaultJump
}
