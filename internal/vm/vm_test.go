package vm

import (
	"testing"

	"github.com/moodb/moodb/internal/moodb"
	"github.com/moodb/moodb/internal/values"
)

// fakeVerb is one entry of fakeWorld's verb table.
type fakeVerb struct {
	def     moodb.VerbDef
	program []byte
}

// fakeWorld is a minimal World for driving CallVerb/Pass dispatch in
// isolation from the real store.
type fakeWorld struct {
	verbs   map[values.Oid]map[string]fakeVerb
	parents map[values.Oid]values.Oid
}

func (w *fakeWorld) FindProperty(o values.Oid, name string) (values.Oid, values.Uuid, moodb.PropDef, error) {
	return 0, values.Uuid{}, moodb.PropDef{}, moodb.ErrPropertyNotFound
}

func (w *fakeWorld) GetPropertyValue(o values.Oid, id values.Uuid, permissions values.Oid) (values.Value, error) {
	return values.Value{}, moodb.ErrPropertyNotFound
}

func (w *fakeWorld) PutPropertyValue(o values.Oid, id values.Uuid, owner values.Oid, flags uint32, permissions values.Oid, v values.Value) error {
	return moodb.ErrPropertyNotFound
}

func (w *fakeWorld) ResolveVerb(o values.Oid, name string, want *moodb.ArgSpec) (values.Oid, values.Uuid, moodb.VerbDef, []byte, error) {
	cur := o
	for cur != values.NothingOid {
		if byName, ok := w.verbs[cur]; ok {
			if fv, ok := byName[name]; ok {
				return cur, values.Uuid{}, fv.def, fv.program, nil
			}
		}
		parent, ok := w.parents[cur]
		if !ok {
			break
		}
		cur = parent
	}
	return 0, values.Uuid{}, moodb.VerbDef{}, nil, moodb.ErrVerbNotFound
}

func (w *fakeWorld) GetParent(o values.Oid) (values.Oid, error) {
	if p, ok := w.parents[o]; ok {
		return p, nil
	}
	return values.NothingOid, nil
}

func run(t *testing.T, prog *Program) StepResult {
	t.Helper()
	act := NewActivation(prog, values.NothingOid, values.NothingOid, values.NothingOid, "test", values.NothingOid, nil)
	m := New(nil, act, nil)
	for i := 0; i < 10000; i++ {
		r := m.Step()
		if r.Kind != More {
			return r
		}
	}
	t.Fatalf("Step loop did not terminate")
	return StepResult{}
}

// runWith is run but against a caller-supplied world, activation and
// builtins, for scenarios that need CallVerb/Pass dispatch.
func runWith(t *testing.T, world World, act *Activation, builtins map[string]Builtin) StepResult {
	t.Helper()
	m := New(world, act, builtins)
	for i := 0; i < 10000; i++ {
		r := m.Step()
		if r.Kind != More {
			return r
		}
	}
	t.Fatalf("Step loop did not terminate")
	return StepResult{}
}

func lit(idx int) Op { return Op{Code: OpPushLit, Int: idx} }

// TestListRangeSplice grounds spec §8 scenario 6: `a = {1,2,3,4,5}; return
// {@a[2..4]};` evaluates to [2,3,4].
func TestListRangeSplice(t *testing.T) {
	prog := &Program{
		Literals: []values.Value{values.Int(1), values.Int(2), values.Int(3), values.Int(4), values.Int(5)},
		VarNames: []string{"a"},
		Main: []Op{
			lit(0), lit(1), lit(2), lit(3), lit(4),
			{Code: OpMakeList, Int: 5},
			{Code: OpStoreVar, Int: 0},
			{Code: OpPop},
			{Code: OpPushVar, Int: 0},
			lit(1), // 2
			lit(3), // 4
			{Code: OpRangeIndex},
			{Code: OpMakeList, Int: 1, Splice: []bool{true}},
			{Code: OpReturn},
		},
	}
	r := run(t, prog)
	if r.Kind != Complete {
		t.Fatalf("Step result kind = %v, want Complete (exc=%v)", r.Kind, r.Exc)
	}
	items, ok := r.Value.AsList()
	if !ok || len(items) != 3 {
		t.Fatalf("result = %v, want list of 3", r.Value)
	}
	for i, want := range []int64{2, 3, 4} {
		got, _ := items[i].AsInt()
		if got != want {
			t.Errorf("items[%d] = %d, want %d", i, got, want)
		}
	}
}

// TestListSpliceAndLastIndex covers nested splice plus the `$` last-index
// sentinel: `b = {10,20,30}; return {1, @b, b[$]};` evaluates to
// [1,10,20,30,30].
func TestListSpliceAndLastIndex(t *testing.T) {
	prog := &Program{
		Literals: []values.Value{values.Int(10), values.Int(20), values.Int(30), values.Int(1)},
		VarNames: []string{"b"},
		Main: []Op{
			lit(0), lit(1), lit(2),
			{Code: OpMakeList, Int: 3},
			{Code: OpStoreVar, Int: 0},
			{Code: OpPop},

			lit(3),               // 1
			{Code: OpPushVar, Int: 0}, // b
			{Code: OpPushVar, Int: 0}, // b
			{Code: OpPushLit, Int: -1}, // placeholder, overwritten below
		},
	}
	// $ is represented by a None literal; build it explicitly since the
	// literal table above has no None entry.
	prog.Literals = append(prog.Literals, values.None())
	prog.Main[len(prog.Main)-1] = Op{Code: OpPushLit, Int: len(prog.Literals) - 1}
	prog.Main = append(prog.Main,
		Op{Code: OpIndex},
		Op{Code: OpMakeList, Int: 3, Splice: []bool{false, true, false}},
		Op{Code: OpReturn},
	)

	r := run(t, prog)
	if r.Kind != Complete {
		t.Fatalf("Step result kind = %v, want Complete (exc=%v)", r.Kind, r.Exc)
	}
	items, ok := r.Value.AsList()
	if !ok || len(items) != 5 {
		t.Fatalf("result = %v, want list of 5", r.Value)
	}
	for i, want := range []int64{1, 10, 20, 30, 30} {
		got, _ := items[i].AsInt()
		if got != want {
			t.Errorf("items[%d] = %d, want %d", i, got, want)
		}
	}
}

// TestTryExceptCatchesVarNotFound grounds spec §8 scenario 7's first case:
// reading an unassigned variable inside a protected block is caught by
// `except e (E_VARNF)` and the handler returns 666.
func TestTryExceptCatchesVarNotFound(t *testing.T) {
	prog := &Program{
		Literals: []values.Value{values.Int(666)},
		VarNames: []string{"x"},
		Main: []Op{
			{Code: OpCatchBegin, Catches: []CatchSpec{{Codes: []values.ErrorCode{values.EVARNF}, Handler: 4}}},
			{Code: OpPushVar, Int: 0}, // raises EVARNF, jumps to handler
			{Code: OpCatchEnd},
			{Code: OpJump, Int: 6},
			lit(0), // handler: push 666
			{Code: OpReturn},
		},
	}
	r := run(t, prog)
	if r.Kind != Complete {
		t.Fatalf("Step result kind = %v, want Complete (exc=%v)", r.Kind, r.Exc)
	}
	got, _ := r.Value.AsInt()
	if got != 666 {
		t.Fatalf("result = %d, want 666", got)
	}
}

// TestTryFinallyOverridesReturn grounds spec §8 scenario 7's second case:
// a finally block that unconditionally returns 666 overrides whatever the
// protected block would have produced.
func TestTryFinallyOverridesReturn(t *testing.T) {
	prog := &Program{
		Literals: []values.Value{values.Int(1), values.Int(666)},
		Main: []Op{
			{Code: OpTryFinallyBegin, Int: 4},
			lit(0),
			{Code: OpPop},
			{Code: OpCatchEnd}, // pops the finally marker; falls through to the handler at PC 4
			lit(1),             // handler: push 666
			{Code: OpReturn},
		},
	}
	r := run(t, prog)
	if r.Kind != Complete {
		t.Fatalf("Step result kind = %v, want Complete (exc=%v)", r.Kind, r.Exc)
	}
	got, _ := r.Value.AsInt()
	if got != 666 {
		t.Fatalf("result = %d, want 666", got)
	}
}

// TestCallVerbDispatchesAndReturns grounds spec §4.8's CallVerb dispatch:
// `#5:add1(41)` resolves the verb on the target object, pushes a child
// activation with `this = #5`, runs it to completion, and resumes the
// caller with its return value.
func TestCallVerbDispatchesAndReturns(t *testing.T) {
	target := values.Oid(5)
	childProg := &Program{
		Literals: []values.Value{values.Int(1)},
		VarNames: []string{"arg0"},
		Main: []Op{
			{Code: OpPushVar, Int: 0}, // arg0
			lit(0),                    // 1
			{Code: OpAdd},
			{Code: OpReturn},
		},
	}
	childBytes, err := EncodeProgram(childProg)
	if err != nil {
		t.Fatalf("EncodeProgram: %v", err)
	}
	world := &fakeWorld{
		verbs: map[values.Oid]map[string]fakeVerb{
			target: {
				"add1": fakeVerb{
					def:     moodb.VerbDef{Definer: target, Owner: target, Names: []string{"add1"}},
					program: childBytes,
				},
			},
		},
		parents: map[values.Oid]values.Oid{},
	}

	caller := &Program{
		Literals: []values.Value{values.Obj(target), values.Int(41)},
		Main: []Op{
			lit(0), // target object
			lit(1), // arg0 = 41
			{Code: OpCallVerb, Int: 1, Name: "add1"},
			{Code: OpReturn},
		},
	}
	act := NewActivation(caller, values.NothingOid, values.NothingOid, values.NothingOid, "caller", values.NothingOid, nil)
	r := runWith(t, world, act, nil)
	if r.Kind != Complete {
		t.Fatalf("Step result kind = %v, want Complete (exc=%v)", r.Kind, r.Exc)
	}
	got, ok := r.Value.AsInt()
	if !ok || got != 42 {
		t.Fatalf("result = %v, want 42", r.Value)
	}
}

// TestPassDispatchesToParentDefinerKeepingThis grounds spec §4.8's Pass:
// re-dispatching the current verb name starting at the parent of the
// current definer, while `this` is inherited unchanged from the caller
// rather than reset to the parent.
func TestPassDispatchesToParentDefinerKeepingThis(t *testing.T) {
	child, parent, grandchildThis := values.Oid(10), values.Oid(20), values.Oid(99)

	parentVerb := &Program{
		Main: []Op{
			{Code: OpCallBuiltin, Int: 0, Name: "this"}, // the running activation's this
			{Code: OpReturn},
		},
	}
	parentBytes, err := EncodeProgram(parentVerb)
	if err != nil {
		t.Fatalf("EncodeProgram: %v", err)
	}

	world := &fakeWorld{
		verbs: map[values.Oid]map[string]fakeVerb{
			parent: {
				"greet": fakeVerb{
					def:     moodb.VerbDef{Definer: parent, Owner: parent, Names: []string{"greet"}},
					program: parentBytes,
				},
			},
		},
		parents: map[values.Oid]values.Oid{
			child: parent,
		},
	}

	callerProg := &Program{
		Main: []Op{
			{Code: OpPass, Int: 0},
			{Code: OpReturn},
		},
	}
	act := NewActivation(callerProg, grandchildThis, values.NothingOid, values.NothingOid, "greet", child, nil)
	thisBuiltin := map[string]Builtin{
		"this": func(m *VM, args []values.Value) (values.Value, values.ErrorCode, bool) {
			return values.Obj(m.Top.This), 0, true
		},
	}
	r := runWith(t, world, act, thisBuiltin)
	if r.Kind != Complete {
		t.Fatalf("Step result kind = %v, want Complete (exc=%v)", r.Kind, r.Exc)
	}
	got, ok := r.Value.AsObj()
	if !ok || got != grandchildThis {
		t.Fatalf("result = %v, want #%d (this preserved across pass)", r.Value, grandchildThis)
	}
}

// TestScatterOptionalJumpsToDefault grounds spec §4.7's scatter-assignment:
// an optional slot with no value available jumps to its DefaultJump block
// to compute a default rather than being left unassigned.
func TestScatterOptionalJumpsToDefault(t *testing.T) {
	prog := &Program{
		Literals: []values.Value{values.Int(7), values.Int(99)},
		VarNames: []string{"x", "y"},
		Main: []Op{
			lit(0),
			{Code: OpMakeList, Int: 1}, // rhs = {7}
			{Code: OpScatter, Int2: 7, Scatter: []ScatterSlot{
				{Kind: ScatterRequired, VarIdx: 0},
				{Kind: ScatterOptional, VarIdx: 1, DefaultJump: 4},
			}},
			{Code: OpJump, Int: 7}, // skipped when the default jump fires
			{Code: OpPushLit, Int: 1},
			{Code: OpStoreVar, Int: 1}, // default block (index 4-5): y = 99
			{Code: OpJump, Int: 7},
			{Code: OpPushVar, Int: 1}, // done label (index 7): push y
			{Code: OpReturn},
		},
	}

	r := run(t, prog)
	if r.Kind != Complete {
		t.Fatalf("Step result kind = %v, want Complete (exc=%v)", r.Kind, r.Exc)
	}
	got, ok := r.Value.AsInt()
	if !ok || got != 99 {
		t.Fatalf("result = %v, want 99 (default block ran)", r.Value)
	}
}

// TestScatterAllBoundSkipsDefaultBlock grounds the complementary case: when
// every slot receives a value, OpScatter jumps straight to Int2's done
// label and the inline default-expression block never runs.
func TestScatterAllBoundSkipsDefaultBlock(t *testing.T) {
	prog := &Program{
		Literals: []values.Value{values.Int(7), values.Int(8), values.Int(0)},
		VarNames: []string{"x", "y"},
		Main: []Op{
			lit(0), lit(1),
			{Code: OpMakeList, Int: 2}, // rhs = {7, 8}
			{Code: OpScatter, Int2: 7, Scatter: []ScatterSlot{
				{Kind: ScatterRequired, VarIdx: 0},
				{Kind: ScatterOptional, VarIdx: 1, DefaultJump: 4},
			}},
			{Code: OpJump, Int: 7},
			{Code: OpPushLit, Int: 2},
			{Code: OpStoreVar, Int: 1}, // default block: would overwrite y with 0
			{Code: OpPushVar, Int: 1}, // done label (index 7): push y
			{Code: OpReturn},
		},
	}

	r := run(t, prog)
	if r.Kind != Complete {
		t.Fatalf("Step result kind = %v, want Complete (exc=%v)", r.Kind, r.Exc)
	}
	got, ok := r.Value.AsInt()
	if !ok || got != 8 {
		t.Fatalf("result = %v, want 8 (default block skipped)", r.Value)
	}
}
